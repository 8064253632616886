// Package web exposes the lease lifecycle over HTTP: console sign-in,
// lease teardown and access-key self-service, authenticated per request by
// a trusted proxy header or an OIDC bearer token.
package web
