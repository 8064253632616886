// Package console turns a mirrored role into a browser sign-in URL: it
// assumes the role for temporary credentials and exchanges them with the
// AWS federation endpoint for a signin token.
package console
