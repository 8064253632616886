// Package keys provides self-service management of a user's IAM access
// keys: listing with last-used times, creation, deactivation and deletion.
package keys
