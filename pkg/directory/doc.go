// Package directory provides a read-only facade over the IAM identity
// directory: a user's managed and inline policies, group memberships, and
// each group's policies. It exists so the permission mirror can compute a
// user's effective policy set without talking to the IAM API directly.
//
// All listing operations page through multi-page results transparently and
// return flattened slices. Inline policy documents are returned URL-decoded,
// ready to be reapplied to a role.
package directory
