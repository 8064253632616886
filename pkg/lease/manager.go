package lease

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mtoki/lariat/pkg/observability"
	"github.com/mtoki/lariat/pkg/provision"
)

// maxProvisionAttempts bounds the adopt-and-retry loop when role creation
// keeps colliding. Beyond this the conflict is surfaced as fatal rather than
// retried forever.
const maxProvisionAttempts = 3

// DefaultTTL is the lease window applied when none is configured.
const DefaultTTL = 24 * time.Hour

// Provisioner mirrors a user's policies onto a role. *provision.Mirror
// satisfies it.
type Provisioner interface {
	Provision(ctx context.Context, in provision.ProvisionInput) (string, error)
}

// RoleJanitor is the teardown surface of the role driver. *provision.Driver
// satisfies it.
type RoleJanitor interface {
	ListAttachedRolePolicies(ctx context.Context, roleName string) ([]string, error)
	ListRolePolicies(ctx context.Context, roleName string) ([]string, error)
	DetachRolePolicy(ctx context.Context, roleName, policyARN string) error
	DeleteRolePolicy(ctx context.Context, roleName, policyName string) error
	DeleteRole(ctx context.Context, roleName string) error
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// Prefix is prepended to usernames to form role names.
	Prefix string
	// Path is the IAM path created roles live under.
	Path string
	// TTL is the lease window; zero means DefaultTTL.
	TTL time.Duration
	// MaxSessionDuration in seconds for created roles; zero means the
	// driver default.
	MaxSessionDuration int32

	Logger  *logrus.Logger
	Metrics *observability.Metrics

	// Now overrides the clock in tests.
	Now func() time.Time
}

// Manager composes the lease store and the permission mirror into the
// get-or-create-with-renewal, teardown, and sweep operations.
type Manager struct {
	store              Store
	mirror             Provisioner
	janitor            RoleJanitor
	prefix             string
	path               string
	ttl                time.Duration
	maxSessionDuration int32
	logger             *logrus.Logger
	metrics            *observability.Metrics
	now                func() time.Time
}

// NewManager creates a manager over the given store, mirror, and driver.
func NewManager(store Store, mirror Provisioner, janitor RoleJanitor, cfg ManagerConfig) *Manager {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{
		store:              store,
		mirror:             mirror,
		janitor:            janitor,
		prefix:             cfg.Prefix,
		path:               cfg.Path,
		ttl:                cfg.TTL,
		maxSessionDuration: cfg.MaxSessionDuration,
		logger:             cfg.Logger,
		metrics:            cfg.Metrics,
		now:                cfg.Now,
	}
}

// RoleNameForUsername derives the deterministic role name for a username.
func (m *Manager) RoleNameForUsername(username string) string {
	return m.prefix + username
}

// Fetch returns the role ARN leased to username, provisioning a mirrored
// role when no live lease exists or recreate forces it. A hit renews the
// lease window and returns the stored ARN without touching IAM.
func (m *Manager) Fetch(ctx context.Context, username string, recreate bool) (string, error) {
	current, err := m.store.Get(ctx, username)
	if err != nil && !errors.Is(err, ErrLeaseNotFound) {
		return "", err
	}

	if !recreate && current != nil {
		renewErr := m.store.Renew(ctx, username, m.now().Add(m.ttl).Unix())
		if renewErr == nil {
			m.countFetch("renewed")
			return current.RoleARN, nil
		}
		if !errors.Is(renewErr, ErrLeaseNotFound) {
			return "", renewErr
		}
		// The record vanished between read and renew (a sweep raced us);
		// provision a fresh lease.
	}

	return m.provisionAndPersist(ctx, username)
}

// provisionAndPersist drives the mirror through the bounded
// create-or-adopt loop, then writes the lease record.
func (m *Manager) provisionAndPersist(ctx context.Context, username string) (string, error) {
	roleName := m.RoleNameForUsername(username)

	var arn string
	roleExisting := false
	for attempt := 1; ; attempt++ {
		var err error
		arn, err = m.mirror.Provision(ctx, provision.ProvisionInput{
			Username:           username,
			RoleName:           roleName,
			Path:               m.path,
			RoleExisting:       roleExisting,
			MaxSessionDuration: m.maxSessionDuration,
		})
		if err == nil {
			break
		}

		switch {
		case errors.Is(err, provision.ErrRoleExists):
			if attempt >= maxProvisionAttempts {
				return "", fmt.Errorf("role %q still conflicting after %d attempts: %w", roleName, attempt, ErrProvisionConflict)
			}
			// A concurrent creator won the race, or a stale role survived a
			// prior partial failure. Strip its policies and adopt it.
			m.logger.WithFields(logrus.Fields{
				"username":  username,
				"role_name": roleName,
				"attempt":   attempt,
			}).Info("role already exists, adopting")
			if m.metrics != nil {
				m.metrics.ProvisionConflictsTotal.Inc()
			}
			if err := m.stripRolePolicies(ctx, roleName); err != nil {
				return "", err
			}
			roleExisting = true

		case roleExisting && errors.Is(err, provision.ErrRoleNotFound):
			if attempt >= maxProvisionAttempts {
				return "", err
			}
			// The role was deleted underneath the adopt path; go back to
			// creating it.
			roleExisting = false

		default:
			return "", err
		}
	}

	if err := m.store.Put(ctx, username, arn, m.now().Add(m.ttl).Unix()); err != nil {
		return "", err
	}

	m.countFetch("created")
	m.logger.WithFields(logrus.Fields{
		"username": username,
		"role_arn": arn,
	}).Info("lease created")
	return arn, nil
}

// Remove tears down a lease: all role policies, the role, and the record.
// roleName defaults to the deterministic name when empty. Every step
// tolerates an already-absent role, so Remove is idempotent and safe on
// partially torn-down state.
func (m *Manager) Remove(ctx context.Context, username, roleName string) error {
	if roleName == "" {
		roleName = m.RoleNameForUsername(username)
	}

	if err := m.stripRolePolicies(ctx, roleName); err != nil {
		return err
	}
	if err := m.janitor.DeleteRole(ctx, roleName); err != nil && !errors.Is(err, provision.ErrRoleNotFound) {
		return err
	}
	if err := m.store.Delete(ctx, username); err != nil {
		return err
	}

	if m.metrics != nil {
		m.metrics.LeaseRemovalsTotal.Inc()
	}
	return nil
}

// stripRolePolicies detaches every managed policy and deletes every inline
// policy from the role, swallowing not-found at each step.
func (m *Manager) stripRolePolicies(ctx context.Context, roleName string) error {
	attached, err := m.janitor.ListAttachedRolePolicies(ctx, roleName)
	if err != nil {
		if errors.Is(err, provision.ErrRoleNotFound) {
			return nil
		}
		return err
	}
	for _, policyARN := range attached {
		if err := m.janitor.DetachRolePolicy(ctx, roleName, policyARN); err != nil && !errors.Is(err, provision.ErrRoleNotFound) {
			return err
		}
	}

	inline, err := m.janitor.ListRolePolicies(ctx, roleName)
	if err != nil {
		if errors.Is(err, provision.ErrRoleNotFound) {
			return nil
		}
		return err
	}
	for _, policyName := range inline {
		if err := m.janitor.DeleteRolePolicy(ctx, roleName, policyName); err != nil && !errors.Is(err, provision.ErrRoleNotFound) {
			return err
		}
	}
	return nil
}

// Prune reclaims every lease whose expiry is strictly in the past, tearing
// down the backing role and the record. It returns the number of leases
// reclaimed. A store scan failure aborts the sweep; a single lease's
// teardown failure is logged and the sweep continues.
func (m *Manager) Prune(ctx context.Context) (int, error) {
	start := m.now()
	reclaimed := 0

	err := m.store.ScanExpired(ctx, start.Unix(), func(l Lease) error {
		roleName := m.roleNameFromLease(l)
		m.logger.WithFields(logrus.Fields{
			"username":  l.Username,
			"role_name": roleName,
		}).Info("reclaiming expired lease")

		if err := m.Remove(ctx, l.Username, roleName); err != nil {
			m.logger.WithError(err).WithField("username", l.Username).Warn("failed to reclaim expired lease")
			return nil
		}
		reclaimed++
		if m.metrics != nil {
			m.metrics.SweepReclaimedTotal.Inc()
		}
		return nil
	})

	if m.metrics != nil {
		m.metrics.SweepDuration.Observe(m.now().Sub(start).Seconds())
	}
	return reclaimed, err
}

// roleNameFromLease derives the role name from the stored ARN so sweeps
// stay correct even if the prefix rule changes between deployments. A
// malformed ARN falls back to the deterministic name.
func (m *Manager) roleNameFromLease(l Lease) string {
	if idx := strings.LastIndex(l.RoleARN, "/"); idx >= 0 && idx < len(l.RoleARN)-1 {
		return l.RoleARN[idx+1:]
	}
	return m.RoleNameForUsername(l.Username)
}

func (m *Manager) countFetch(outcome string) {
	if m.metrics != nil {
		m.metrics.LeaseFetchesTotal.WithLabelValues(outcome).Inc()
	}
}
