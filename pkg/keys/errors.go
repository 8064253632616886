package keys

import (
	"errors"

	"github.com/aws/aws-sdk-go-v2/service/iam/types"
)

// ErrKeyNotFound indicates the access key (or its owner) does not exist.
var ErrKeyNotFound = errors.New("access key not found")

func isNoSuchEntity(err error) bool {
	var notFound *types.NoSuchEntityException
	return errors.As(err, &notFound)
}
