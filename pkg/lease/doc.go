// Package lease implements the role-lease lifecycle: a durable TTL-keyed
// store mapping usernames to mirrored-role ARNs, and the manager that makes
// role issuance idempotent, renewable, and reclaimable.
//
// The store (DynamoDB) is the source of truth for "is there an active lease
// for this user"; IAM is the source of truth for "does the role exist and
// what does it contain". The two can diverge under partial failure — no
// transaction spans them — and reconciliation happens through forced
// recreation and the expiry sweep rather than any attempt at two-phase
// commit.
package lease
