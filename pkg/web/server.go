package web

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/mtoki/lariat/pkg/contextkeys"
	"github.com/mtoki/lariat/pkg/httputil"
	"github.com/mtoki/lariat/pkg/keys"
	"github.com/mtoki/lariat/pkg/lease"
	"github.com/mtoki/lariat/pkg/observability"
)

// LeaseManager is the lease lifecycle surface the handlers consume.
// *lease.Manager satisfies it.
type LeaseManager interface {
	Fetch(ctx context.Context, username string, recreate bool) (string, error)
	Remove(ctx context.Context, username, roleName string) error
}

// ConsoleFederation turns a role into a sign-in URL.
// *console.Federation satisfies it.
type ConsoleFederation interface {
	SigninURL(ctx context.Context, roleARN, sessionName, destination string, duration time.Duration) (string, error)
}

// KeyService is the access-key surface the handlers consume.
// *keys.Service satisfies it.
type KeyService interface {
	List(ctx context.Context, username string) ([]keys.Key, error)
	Create(ctx context.Context, username string) (*keys.CreatedKey, error)
	Delete(ctx context.Context, username, keyID string) error
	SetStatus(ctx context.Context, username, keyID string, active bool) error
}

// Config holds server-level settings the handlers need.
type Config struct {
	// ConsoleDestination is the default console landing page.
	ConsoleDestination string
	// ConsoleSessionDuration is the federated session length.
	ConsoleSessionDuration time.Duration
}

// Server routes HTTP requests to the lease, console and key services.
type Server struct {
	router  *mux.Router
	logger  *logrus.Logger
	metrics *observability.Metrics

	leases  LeaseManager
	console ConsoleFederation
	keys    KeyService
	users   *UserChecker

	cfg Config
}

// NewServer wires the routes and middleware.
func NewServer(
	leases LeaseManager,
	console ConsoleFederation,
	keySvc KeyService,
	users *UserChecker,
	authenticator Authenticator,
	logger *logrus.Logger,
	metrics *observability.Metrics,
	cfg Config,
) *Server {
	if cfg.ConsoleSessionDuration <= 0 {
		cfg.ConsoleSessionDuration = time.Hour
	}

	s := &Server{
		router:  mux.NewRouter(),
		logger:  logger,
		metrics: metrics,
		leases:  leases,
		console: console,
		keys:    keySvc,
		users:   users,
		cfg:     cfg,
	}

	s.router.Use(requestIDMiddleware)
	s.router.Use(recoveryMiddleware(logger))
	s.router.Use(loggingMiddleware(logger))
	s.router.Use(metricsMiddleware(metrics))

	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	app := s.router.NewRoute().Subrouter()
	app.Use(authMiddleware(authenticator, logger))
	app.HandleFunc("/", s.handleIndex).Methods(http.MethodGet)
	app.HandleFunc("/console", s.handleConsoleCreate).Methods(http.MethodPost)
	app.HandleFunc("/console", s.handleConsoleDelete).Methods(http.MethodDelete)
	app.HandleFunc("/keys", s.handleKeysList).Methods(http.MethodGet)
	app.HandleFunc("/keys", s.handleKeysCreate).Methods(http.MethodPost)
	app.HandleFunc("/keys/{id}", s.handleKeysDelete).Methods(http.MethodDelete)
	app.HandleFunc("/keys/{id}/active", s.handleKeyActivate).Methods(http.MethodPost)
	app.HandleFunc("/keys/{id}/active", s.handleKeyDeactivate).Methods(http.MethodDelete)

	return s
}

// Handler returns the root handler with tracing instrumentation.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "lariat-http")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.WriteSuccess(w, map[string]string{"status": "ok"})
}

type indexResponse struct {
	Username   string `json:"username"`
	UserExists bool   `json:"user_exists"`
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	username := contextkeys.GetUsername(r.Context())
	exists, err := s.users.Exists(r.Context(), username)
	if err != nil {
		s.logger.WithError(err).WithField("username", username).Error("user lookup failed")
		httputil.WriteInternalError(w, errors.New("user lookup failed"))
		return
	}
	httputil.WriteSuccess(w, indexResponse{Username: username, UserExists: exists})
}

func (s *Server) handleConsoleCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	username := contextkeys.GetUsername(ctx)
	recreate := httputil.ParseQueryBool(r, "recreate", false)
	destination := httputil.ParseQueryString(r, "relay", s.cfg.ConsoleDestination)

	roleARN, err := s.leases.Fetch(ctx, username, recreate)
	if err != nil {
		if errors.Is(err, lease.ErrProvisionConflict) {
			httputil.WriteConflict(w, "role provisioning conflict, retry shortly")
			return
		}
		s.logger.WithError(err).WithField("username", username).Error("lease fetch failed")
		httputil.WriteInternalError(w, errors.New("lease fetch failed"))
		return
	}

	signin, err := s.console.SigninURL(ctx, roleARN, username, destination, s.cfg.ConsoleSessionDuration)
	if err != nil {
		s.logger.WithError(err).WithField("username", username).Error("federation exchange failed")
		httputil.WriteInternalError(w, errors.New("federation exchange failed"))
		return
	}

	http.Redirect(w, r, signin, http.StatusFound)
}

func (s *Server) handleConsoleDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	username := contextkeys.GetUsername(ctx)
	if err := s.leases.Remove(ctx, username, ""); err != nil {
		s.logger.WithError(err).WithField("username", username).Error("lease removal failed")
		httputil.WriteInternalError(w, errors.New("lease removal failed"))
		return
	}
	httputil.WriteNoContent(w)
}

type keyResponse struct {
	ID         string     `json:"access_key_id"`
	Status     string     `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

func (s *Server) handleKeysList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	username := contextkeys.GetUsername(ctx)
	list, err := s.keys.List(ctx, username)
	if err != nil {
		if errors.Is(err, keys.ErrKeyNotFound) {
			httputil.WriteNotFound(w, "user not found")
			return
		}
		s.logger.WithError(err).WithField("username", username).Error("key listing failed")
		httputil.WriteInternalError(w, errors.New("key listing failed"))
		return
	}

	out := make([]keyResponse, 0, len(list))
	for _, k := range list {
		out = append(out, keyResponse{
			ID:         k.ID,
			Status:     k.Status,
			CreatedAt:  k.CreatedAt,
			LastUsedAt: k.LastUsedAt,
		})
	}
	httputil.WriteSuccess(w, out)
}

type createdKeyResponse struct {
	ID     string `json:"access_key_id"`
	Secret string `json:"secret_access_key"`
}

func (s *Server) handleKeysCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	username := contextkeys.GetUsername(ctx)
	created, err := s.keys.Create(ctx, username)
	if err != nil {
		if errors.Is(err, keys.ErrKeyNotFound) {
			httputil.WriteNotFound(w, "user not found")
			return
		}
		s.logger.WithError(err).WithField("username", username).Error("key creation failed")
		httputil.WriteInternalError(w, errors.New("key creation failed"))
		return
	}
	httputil.WriteCreated(w, createdKeyResponse{ID: created.ID, Secret: created.Secret})
}

func (s *Server) handleKeysDelete(w http.ResponseWriter, r *http.Request) {
	s.keyAction(w, r, func(ctx context.Context, username, keyID string) error {
		return s.keys.Delete(ctx, username, keyID)
	})
}

func (s *Server) handleKeyActivate(w http.ResponseWriter, r *http.Request) {
	s.keyAction(w, r, func(ctx context.Context, username, keyID string) error {
		return s.keys.SetStatus(ctx, username, keyID, true)
	})
}

func (s *Server) handleKeyDeactivate(w http.ResponseWriter, r *http.Request) {
	s.keyAction(w, r, func(ctx context.Context, username, keyID string) error {
		return s.keys.SetStatus(ctx, username, keyID, false)
	})
}

func (s *Server) keyAction(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, username, keyID string) error) {
	ctx := r.Context()
	username := contextkeys.GetUsername(ctx)
	keyID := mux.Vars(r)["id"]
	if keyID == "" {
		httputil.WriteBadRequest(w, "missing key id")
		return
	}
	if err := fn(ctx, username, keyID); err != nil {
		if errors.Is(err, keys.ErrKeyNotFound) {
			httputil.WriteNotFound(w, "access key not found")
			return
		}
		s.logger.WithError(err).WithFields(logrus.Fields{
			"username": username,
			"key_id":   keyID,
		}).Error("key operation failed")
		httputil.WriteInternalError(w, errors.New("key operation failed"))
		return
	}
	httputil.WriteNoContent(w)
}
