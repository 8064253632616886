package provision

import (
	"errors"

	"github.com/aws/aws-sdk-go-v2/service/iam/types"
)

var (
	// ErrRoleExists indicates a role with the requested name already exists.
	// This is an expected outcome under concurrent creation; callers handle
	// it by adopting the existing role.
	ErrRoleExists = errors.New("role already exists")

	// ErrRoleNotFound indicates the role (or one of its policies) is absent.
	// Teardown treats this as already clean.
	ErrRoleNotFound = errors.New("role not found")
)

func isEntityAlreadyExists(err error) bool {
	var eae *types.EntityAlreadyExistsException
	return errors.As(err, &eae)
}

func isNoSuchEntity(err error) bool {
	var nse *types.NoSuchEntityException
	return errors.As(err, &nse)
}
