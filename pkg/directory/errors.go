package directory

import (
	"errors"

	"github.com/aws/aws-sdk-go-v2/service/iam/types"
)

var (
	// ErrNotFound indicates the user, group, or policy does not exist in IAM.
	ErrNotFound = errors.New("entity not found")
)

// isNoSuchEntity reports whether err is an IAM NoSuchEntity response.
func isNoSuchEntity(err error) bool {
	var nse *types.NoSuchEntityException
	return errors.As(err, &nse)
}
