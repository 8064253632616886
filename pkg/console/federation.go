package console

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"
)

const (
	// DefaultEndpoint is the AWS federation endpoint.
	DefaultEndpoint = "https://signin.aws.amazon.com/federation"

	// DefaultDestination is where the console session lands when the caller
	// supplies no relay target.
	DefaultDestination = "https://console.aws.amazon.com/console/home"

	// DefaultSessionDuration is the console session length when none is
	// configured.
	DefaultSessionDuration = time.Hour

	// maxAssumeRetries bounds the retry loop on AccessDenied from
	// AssumeRole. IAM propagation of a freshly created role is eventually
	// consistent, so early denials usually resolve within seconds.
	maxAssumeRetries = 5
)

// STSAPI is the subset of the STS API the federation exchange consumes.
// *sts.Client satisfies it.
type STSAPI interface {
	AssumeRole(ctx context.Context, params *sts.AssumeRoleInput, optFns ...func(*sts.Options)) (*sts.AssumeRoleOutput, error)
}

// Config configures a Federation.
type Config struct {
	// Endpoint overrides the federation endpoint (for tests).
	Endpoint string
	// Issuer appears in the console's session expiry prompt.
	Issuer string
	// HTTPClient overrides the client used for the signin-token exchange.
	HTTPClient *http.Client
}

// Federation exchanges a role for a console sign-in URL.
type Federation struct {
	sts        STSAPI
	endpoint   string
	issuer     string
	httpClient *http.Client
	sleep      func(time.Duration)
}

// NewFederation creates a federation exchange over the given STS client.
func NewFederation(stsClient STSAPI, cfg Config) *Federation {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Federation{
		sts:        stsClient,
		endpoint:   cfg.Endpoint,
		issuer:     cfg.Issuer,
		httpClient: cfg.HTTPClient,
		sleep:      time.Sleep,
	}
}

// sessionCredentials is the JSON shape the federation endpoint expects.
type sessionCredentials struct {
	SessionID    string `json:"sessionId"`
	SessionKey   string `json:"sessionKey"`
	SessionToken string `json:"sessionToken"`
}

// SigninURL assumes roleARN and returns a browser sign-in URL for the AWS
// console. destination defaults to the console home.
func (f *Federation) SigninURL(ctx context.Context, roleARN, sessionName, destination string, duration time.Duration) (string, error) {
	if destination == "" {
		destination = DefaultDestination
	}
	if duration <= 0 {
		duration = DefaultSessionDuration
	}

	creds, err := f.assumeRole(ctx, roleARN, sessionName, duration)
	if err != nil {
		return "", err
	}

	token, err := f.signinToken(ctx, creds)
	if err != nil {
		return "", err
	}

	query := url.Values{}
	query.Set("Action", "login")
	query.Set("Issuer", f.issuer)
	query.Set("Destination", destination)
	query.Set("SigninToken", token)
	return f.endpoint + "?" + query.Encode(), nil
}

// assumeRole fetches temporary credentials, retrying AccessDenied with an
// increasing sleep. A freshly created role can be briefly unassumable while
// IAM propagates it.
func (f *Federation) assumeRole(ctx context.Context, roleARN, sessionName string, duration time.Duration) (*sessionCredentials, error) {
	retries := 0
	for {
		out, err := f.sts.AssumeRole(ctx, &sts.AssumeRoleInput{
			RoleArn:         aws.String(roleARN),
			RoleSessionName: aws.String(sessionName),
			DurationSeconds: aws.Int32(int32(duration.Seconds())),
		})
		if err != nil {
			if isAccessDenied(err) && retries < maxAssumeRetries {
				f.sleep(time.Duration(float64(time.Second) * (1 + math.Pow(1.1, float64(retries)))))
				retries++
				continue
			}
			return nil, fmt.Errorf("failed to assume role %q: %w", roleARN, err)
		}
		return &sessionCredentials{
			SessionID:    aws.ToString(out.Credentials.AccessKeyId),
			SessionKey:   aws.ToString(out.Credentials.SecretAccessKey),
			SessionToken: aws.ToString(out.Credentials.SessionToken),
		}, nil
	}
}

// signinToken exchanges temporary credentials for a federation signin token.
func (f *Federation) signinToken(ctx context.Context, creds *sessionCredentials) (string, error) {
	session, err := json.Marshal(creds)
	if err != nil {
		return "", fmt.Errorf("failed to marshal session credentials: %w", err)
	}

	query := url.Values{}
	query.Set("Action", "getSigninToken")
	query.Set("Session", string(session))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.endpoint+"?"+query.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("failed to build signin token request: %w", err)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("signin token request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("signin token request returned %d: %s", resp.StatusCode, body)
	}

	var parsed struct {
		SigninToken string `json:"SigninToken"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("failed to decode signin token response: %w", err)
	}
	if parsed.SigninToken == "" {
		return "", errors.New("federation endpoint returned an empty signin token")
	}
	return parsed.SigninToken, nil
}

// isAccessDenied reports whether err is an STS AccessDenied response.
func isAccessDenied(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "AccessDenied"
}
