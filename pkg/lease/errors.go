package lease

import "errors"

var (
	// ErrLeaseNotFound indicates no lease record exists for the username.
	ErrLeaseNotFound = errors.New("lease not found")

	// ErrProvisionConflict indicates role creation kept colliding after the
	// bounded adopt-and-retry attempts were exhausted.
	ErrProvisionConflict = errors.New("provisioning conflict persisted")
)
