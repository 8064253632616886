package web

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mtoki/lariat/pkg/directory"
	"github.com/mtoki/lariat/pkg/keys"
	"github.com/mtoki/lariat/pkg/lease"
	"github.com/mtoki/lariat/pkg/observability"
)

type fakeLeases struct {
	fetch  func(ctx context.Context, username string, recreate bool) (string, error)
	remove func(ctx context.Context, username, roleName string) error
}

func (f *fakeLeases) Fetch(ctx context.Context, username string, recreate bool) (string, error) {
	return f.fetch(ctx, username, recreate)
}

func (f *fakeLeases) Remove(ctx context.Context, username, roleName string) error {
	return f.remove(ctx, username, roleName)
}

type fakeConsole struct {
	signinURL func(ctx context.Context, roleARN, sessionName, destination string, duration time.Duration) (string, error)
}

func (f *fakeConsole) SigninURL(ctx context.Context, roleARN, sessionName, destination string, duration time.Duration) (string, error) {
	return f.signinURL(ctx, roleARN, sessionName, destination, duration)
}

type fakeKeys struct {
	list      func(ctx context.Context, username string) ([]keys.Key, error)
	create    func(ctx context.Context, username string) (*keys.CreatedKey, error)
	delete    func(ctx context.Context, username, keyID string) error
	setStatus func(ctx context.Context, username, keyID string, active bool) error
}

func (f *fakeKeys) List(ctx context.Context, username string) ([]keys.Key, error) {
	return f.list(ctx, username)
}

func (f *fakeKeys) Create(ctx context.Context, username string) (*keys.CreatedKey, error) {
	return f.create(ctx, username)
}

func (f *fakeKeys) Delete(ctx context.Context, username, keyID string) error {
	return f.delete(ctx, username, keyID)
}

func (f *fakeKeys) SetStatus(ctx context.Context, username, keyID string, active bool) error {
	return f.setStatus(ctx, username, keyID, active)
}

type fakeDirectory struct {
	getUser func(ctx context.Context, username string) (*directory.User, error)
}

func (f *fakeDirectory) GetUser(ctx context.Context, username string) (*directory.User, error) {
	return f.getUser(ctx, username)
}

type serverDeps struct {
	leases  *fakeLeases
	console *fakeConsole
	keys    *fakeKeys
	dir     *fakeDirectory
}

func newTestServer(deps serverDeps) *Server {
	if deps.leases == nil {
		deps.leases = &fakeLeases{
			fetch: func(context.Context, string, bool) (string, error) {
				return "arn:aws:iam::123456789012:role/console-alice", nil
			},
			remove: func(context.Context, string, string) error { return nil },
		}
	}
	if deps.console == nil {
		deps.console = &fakeConsole{
			signinURL: func(context.Context, string, string, string, time.Duration) (string, error) {
				return "https://signin.aws.amazon.com/federation?Action=login", nil
			},
		}
	}
	if deps.keys == nil {
		deps.keys = &fakeKeys{
			list:      func(context.Context, string) ([]keys.Key, error) { return nil, nil },
			create:    func(context.Context, string) (*keys.CreatedKey, error) { return &keys.CreatedKey{}, nil },
			delete:    func(context.Context, string, string) error { return nil },
			setStatus: func(context.Context, string, string, bool) error { return nil },
		}
	}
	if deps.dir == nil {
		deps.dir = &fakeDirectory{
			getUser: func(_ context.Context, username string) (*directory.User, error) {
				return &directory.User{Name: username, ARN: "arn:aws:iam::123456789012:user/" + username}, nil
			},
		}
	}

	metrics := observability.NewMetrics(nil)
	logger := observability.NewLogger("error", io.Discard)
	users := NewUserChecker(deps.dir, NewLRUCache(16, time.Minute), metrics)

	return NewServer(
		deps.leases,
		deps.console,
		deps.keys,
		users,
		&HeaderAuthenticator{Header: "X-Forwarded-User"},
		logger,
		metrics,
		Config{ConsoleSessionDuration: time.Hour},
	)
}

func doRequest(t *testing.T, s *Server, method, target, username string) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest(method, target, nil)
	if username != "" {
		r.Header.Set("X-Forwarded-User", username)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, r)
	return rec
}

func TestUnauthenticatedRequestsRejected(t *testing.T) {
	s := newTestServer(serverDeps{})
	rec := doRequest(t, s, http.MethodGet, "/", "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestHealthzBypassesAuth(t *testing.T) {
	s := newTestServer(serverDeps{})
	rec := doRequest(t, s, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestIndexReportsUser(t *testing.T) {
	s := newTestServer(serverDeps{})
	rec := doRequest(t, s, http.MethodGet, "/", "alice")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body indexResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("body did not parse: %v", err)
	}
	if body.Username != "alice" || !body.UserExists {
		t.Errorf("body = %+v", body)
	}
}

func TestIndexUnknownUser(t *testing.T) {
	s := newTestServer(serverDeps{
		dir: &fakeDirectory{
			getUser: func(context.Context, string) (*directory.User, error) {
				return nil, directory.ErrNotFound
			},
		},
	})
	rec := doRequest(t, s, http.MethodGet, "/", "ghost")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body indexResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.UserExists {
		t.Error("unknown user reported as existing")
	}
}

func TestConsoleCreateRedirects(t *testing.T) {
	var fetchedUser string
	var fetchedRecreate bool
	var signinDestination string

	s := newTestServer(serverDeps{
		leases: &fakeLeases{
			fetch: func(_ context.Context, username string, recreate bool) (string, error) {
				fetchedUser = username
				fetchedRecreate = recreate
				return "arn:aws:iam::123456789012:role/console-alice", nil
			},
			remove: func(context.Context, string, string) error { return nil },
		},
		console: &fakeConsole{
			signinURL: func(_ context.Context, roleARN, sessionName, destination string, _ time.Duration) (string, error) {
				if roleARN != "arn:aws:iam::123456789012:role/console-alice" {
					t.Errorf("signin for role %q", roleARN)
				}
				if sessionName != "alice" {
					t.Errorf("session name = %q", sessionName)
				}
				signinDestination = destination
				return "https://signin.example/login", nil
			},
		},
	})

	rec := doRequest(t, s, http.MethodPost, "/console", "alice")
	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", rec.Code)
	}
	if got := rec.Header().Get("Location"); got != "https://signin.example/login" {
		t.Errorf("Location = %q", got)
	}
	if fetchedUser != "alice" || fetchedRecreate {
		t.Errorf("fetch called with user=%q recreate=%v", fetchedUser, fetchedRecreate)
	}
	if signinDestination != "" {
		t.Errorf("destination = %q, want empty default", signinDestination)
	}
}

func TestConsoleCreateRecreateAndRelay(t *testing.T) {
	var recreate bool
	var destination string
	s := newTestServer(serverDeps{
		leases: &fakeLeases{
			fetch: func(_ context.Context, _ string, r bool) (string, error) {
				recreate = r
				return "arn:aws:iam::123456789012:role/console-alice", nil
			},
			remove: func(context.Context, string, string) error { return nil },
		},
		console: &fakeConsole{
			signinURL: func(_ context.Context, _, _, dest string, _ time.Duration) (string, error) {
				destination = dest
				return "https://signin.example/login", nil
			},
		},
	})

	rec := doRequest(t, s, http.MethodPost, "/console?recreate=1&relay=https%3A%2F%2Fconsole.aws.amazon.com%2Fs3%2Fhome", "alice")
	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", rec.Code)
	}
	if !recreate {
		t.Error("recreate flag not passed through")
	}
	if destination != "https://console.aws.amazon.com/s3/home" {
		t.Errorf("destination = %q", destination)
	}
}

func TestConsoleCreateConflict(t *testing.T) {
	s := newTestServer(serverDeps{
		leases: &fakeLeases{
			fetch: func(context.Context, string, bool) (string, error) {
				return "", lease.ErrProvisionConflict
			},
			remove: func(context.Context, string, string) error { return nil },
		},
	})
	rec := doRequest(t, s, http.MethodPost, "/console", "alice")
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}
}

func TestConsoleDelete(t *testing.T) {
	var removedUser, removedRole string
	s := newTestServer(serverDeps{
		leases: &fakeLeases{
			fetch: func(context.Context, string, bool) (string, error) { return "", nil },
			remove: func(_ context.Context, username, roleName string) error {
				removedUser, removedRole = username, roleName
				return nil
			},
		},
	})
	rec := doRequest(t, s, http.MethodDelete, "/console", "alice")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if removedUser != "alice" || removedRole != "" {
		t.Errorf("Remove(%q, %q)", removedUser, removedRole)
	}
}

func TestKeysList(t *testing.T) {
	created := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	s := newTestServer(serverDeps{
		keys: &fakeKeys{
			list: func(_ context.Context, username string) ([]keys.Key, error) {
				if username != "alice" {
					t.Errorf("listed keys for %q", username)
				}
				return []keys.Key{{ID: "AKIA1", Status: "Active", CreatedAt: created}}, nil
			},
			create:    func(context.Context, string) (*keys.CreatedKey, error) { return nil, nil },
			delete:    func(context.Context, string, string) error { return nil },
			setStatus: func(context.Context, string, string, bool) error { return nil },
		},
	})
	rec := doRequest(t, s, http.MethodGet, "/keys", "alice")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body []keyResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body) != 1 || body[0].ID != "AKIA1" || body[0].Status != "Active" {
		t.Errorf("body = %+v", body)
	}
}

func TestKeysCreate(t *testing.T) {
	s := newTestServer(serverDeps{
		keys: &fakeKeys{
			list: func(context.Context, string) ([]keys.Key, error) { return nil, nil },
			create: func(context.Context, string) (*keys.CreatedKey, error) {
				return &keys.CreatedKey{ID: "AKIANEW", Secret: "sekret"}, nil
			},
			delete:    func(context.Context, string, string) error { return nil },
			setStatus: func(context.Context, string, string, bool) error { return nil },
		},
	})
	rec := doRequest(t, s, http.MethodPost, "/keys", "alice")
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", rec.Code)
	}
	var body createdKeyResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.ID != "AKIANEW" || body.Secret != "sekret" {
		t.Errorf("body = %+v", body)
	}
}

func TestKeysDeleteNotFound(t *testing.T) {
	s := newTestServer(serverDeps{
		keys: &fakeKeys{
			list:   func(context.Context, string) ([]keys.Key, error) { return nil, nil },
			create: func(context.Context, string) (*keys.CreatedKey, error) { return nil, nil },
			delete: func(context.Context, string, string) error {
				return keys.ErrKeyNotFound
			},
			setStatus: func(context.Context, string, string, bool) error { return nil },
		},
	})
	rec := doRequest(t, s, http.MethodDelete, "/keys/AKIAGONE", "alice")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestKeyActivateDeactivate(t *testing.T) {
	var gotKey string
	var gotActive bool
	s := newTestServer(serverDeps{
		keys: &fakeKeys{
			list:   func(context.Context, string) ([]keys.Key, error) { return nil, nil },
			create: func(context.Context, string) (*keys.CreatedKey, error) { return nil, nil },
			delete: func(context.Context, string, string) error { return nil },
			setStatus: func(_ context.Context, _, keyID string, active bool) error {
				gotKey, gotActive = keyID, active
				return nil
			},
		},
	})

	rec := doRequest(t, s, http.MethodPost, "/keys/AKIA1/active", "alice")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("activate status = %d, want 204", rec.Code)
	}
	if gotKey != "AKIA1" || !gotActive {
		t.Errorf("SetStatus(%q, %v)", gotKey, gotActive)
	}

	rec = doRequest(t, s, http.MethodDelete, "/keys/AKIA1/active", "alice")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("deactivate status = %d, want 204", rec.Code)
	}
	if gotActive {
		t.Error("deactivate did not pass active=false")
	}
}
