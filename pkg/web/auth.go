package web

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
)

// Authenticator resolves the IAM username for a request.
type Authenticator interface {
	Authenticate(r *http.Request) (string, error)
}

// HeaderAuthenticator trusts a header set by an authenticating reverse
// proxy. The deployment must strip the header from client traffic.
type HeaderAuthenticator struct {
	Header string
}

// Authenticate returns the trusted header value.
func (a *HeaderAuthenticator) Authenticate(r *http.Request) (string, error) {
	username := r.Header.Get(a.Header)
	if username == "" {
		return "", fmt.Errorf("%w: header %s is empty", ErrNoUsername, a.Header)
	}
	return username, nil
}

// tokenVerifier is satisfied by *oidc.IDTokenVerifier.
type tokenVerifier interface {
	Verify(ctx context.Context, rawIDToken string) (*oidc.IDToken, error)
}

// OIDCAuthenticator verifies bearer ID tokens and reads the username from
// a configurable claim.
type OIDCAuthenticator struct {
	verifier tokenVerifier
	claim    string
}

// NewOIDCAuthenticator discovers the issuer and builds a verifier for the
// given client ID.
func NewOIDCAuthenticator(ctx context.Context, issuerURL, clientID, usernameClaim string) (*OIDCAuthenticator, error) {
	provider, err := oidc.NewProvider(ctx, issuerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to discover OIDC provider: %w", err)
	}
	if usernameClaim == "" {
		usernameClaim = "preferred_username"
	}
	return &OIDCAuthenticator{
		verifier: provider.Verifier(&oidc.Config{ClientID: clientID}),
		claim:    usernameClaim,
	}, nil
}

// Authenticate verifies the Authorization bearer token and extracts the
// username claim.
func (a *OIDCAuthenticator) Authenticate(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", fmt.Errorf("%w: missing authorization header", ErrNoUsername)
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", fmt.Errorf("%w: invalid authorization header format", ErrNoUsername)
	}

	idToken, err := a.verifier.Verify(r.Context(), parts[1])
	if err != nil {
		return "", fmt.Errorf("failed to verify ID token: %w", err)
	}

	var claims map[string]interface{}
	if err := idToken.Claims(&claims); err != nil {
		return "", fmt.Errorf("failed to parse claims: %w", err)
	}
	username, ok := claims[a.claim].(string)
	if !ok || username == "" {
		return "", fmt.Errorf("%w: token has no %q claim", ErrNoUsername, a.claim)
	}
	return username, nil
}
