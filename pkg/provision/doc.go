// Package provision creates and tears down mirrored IAM roles. The Driver
// wraps the IAM role-management surface; the Mirror computes a user's
// effective policy set (direct plus group-inherited) and reproduces it on a
// role, creating the role or adopting a pre-existing one.
package provision
