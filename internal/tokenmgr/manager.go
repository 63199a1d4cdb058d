// Package tokenmgr produces currently-valid access tokens on demand,
// transparently refreshing when needed and collapsing concurrent refresh
// attempts into a single provider call.
//
// The manager layers two recovery tiers over the identity client: a primary
// refresh using the client's in-memory refresh token, and a storage rescue
// that reinstalls the durable session when the in-memory slot was wiped by a
// process restart mid-refresh.
package tokenmgr

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/keelhq/sessiond/internal/identity"
	"github.com/keelhq/sessiond/internal/kvstore"
	"github.com/keelhq/sessiond/internal/telemetry"
)

const (
	// ForceRefreshThreshold is the TTL above which a token is fresh enough
	// to carry an expensive downstream operation without a pre-emptive
	// refresh. Deliberately much larger than the clock-skew tolerance used
	// on the passive path: a minutes-long operation must not straddle the
	// expiry boundary.
	ForceRefreshThreshold = 900 * time.Second

	// RefreshFailedCode is the stable machine-readable code callers branch
	// on to trigger a re-authentication flow.
	RefreshFailedCode = "REFRESH_FAILED"
)

// Sentinel errors
var (
	// ErrUnauthorized is returned when no token could be obtained before
	// attempting an authenticated request.
	ErrUnauthorized = errors.New("no token available")

	// ErrNoRescuableSession is returned when the durable store holds no
	// usable refresh token to recover from.
	ErrNoRescuableSession = errors.New("no rescuable session in durable store")
)

// RefreshError is the terminal failure from ForceRefreshToken when no
// fallback token is usable. Callers branch on Code to drive the
// sign-in-again flow.
type RefreshError struct {
	Code    string
	Message string
	Err     error
}

func (e *RefreshError) Error() string { return e.Message }

func (e *RefreshError) Unwrap() error { return e.Err }

func newRefreshError(err error) *RefreshError {
	return &RefreshError{
		Code:    RefreshFailedCode,
		Message: fmt.Sprintf("Token refresh failed: %v", err),
		Err:     err,
	}
}

// SessionClient is the identity client surface the manager depends on.
type SessionClient interface {
	GetSession(ctx context.Context) (*identity.Session, error)
	SetSession(ctx context.Context, accessToken, refreshToken string) (*identity.Session, error)
	RefreshSession(ctx context.Context) (*identity.Session, error)
}

// SessionReader is the read-only durable-store surface used by the rescue
// path. The manager never writes the durable session key; all durable
// writes flow through the identity client.
type SessionReader interface {
	Get(key string) ([]byte, error)
}

// Manager owns the token TTL policy and the refresh state machine.
// Construct one per process and share it by reference.
type Manager struct {
	client SessionClient
	store  SessionReader
	now    func() time.Time

	refreshGroup singleflight.Group
	authed       atomic.Bool
}

// Option configures the Manager.
type Option func(*Manager)

// WithClock overrides the time source, used in tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// New creates a token manager over the given identity client and durable store.
func New(client SessionClient, store SessionReader, opts ...Option) *Manager {
	m := &Manager{
		client: client,
		store:  store,
		now:    time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// GetToken returns a currently-valid access token, or "" when the user is
// unauthenticated. It never fails for authentication reasons: when a stale
// token cannot be refreshed but is still technically valid it is returned
// as a degraded fallback, and when nothing usable remains the empty string
// tells read-mostly callers to treat the user as signed out.
func (m *Manager) GetToken(ctx context.Context) (string, error) {
	session, err := m.client.GetSession(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to read session: %w", err)
	}
	if session == nil {
		m.authed.Store(false)
		return "", nil
	}

	ttl := session.TTL(m.now())
	if ttl > identity.ClockSkewTolerance {
		m.authed.Store(true)
		return session.AccessToken, nil
	}

	refreshed, err := m.refresh(ctx)
	if err == nil {
		m.authed.Store(true)
		return refreshed.AccessToken, nil
	}

	if ttl > 0 {
		telemetry.GetMetrics().DegradedTokensTotal.Add(ctx, 1)
		log.Warn().
			Err(err).
			Dur("ttl", ttl).
			Str("token", identity.Fingerprint(session.AccessToken)).
			Msg("refresh failed, returning still-valid token")
		return session.AccessToken, nil
	}

	log.Warn().Err(err).Msg("token expired and refresh failed")
	m.authed.Store(false)
	return "", nil
}

// ForceRefreshToken ensures the token will outlive an expensive downstream
// operation. With bypassTTL false and a TTL of at least the threshold the
// current token is returned without any network call. On an unrecoverable
// failure the returned error is a *RefreshError carrying RefreshFailedCode.
func (m *Manager) ForceRefreshToken(ctx context.Context, bypassTTL bool) (string, error) {
	session, err := m.client.GetSession(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to read session: %w", err)
	}

	if !bypassTTL && session != nil && session.TTL(m.now()) >= ForceRefreshThreshold {
		return session.AccessToken, nil
	}

	refreshed, refreshErr := m.refresh(ctx)
	if refreshErr == nil {
		m.authed.Store(true)
		return refreshed.AccessToken, nil
	}

	// The refresh may have partially advanced state; re-read before
	// deciding whether a degraded fallback exists.
	current, err := m.client.GetSession(ctx)
	if err == nil && current != nil {
		if ttl := current.TTL(m.now()); ttl > 0 {
			telemetry.GetMetrics().DegradedTokensTotal.Add(ctx, 1)
			log.Warn().
				Err(refreshErr).
				Dur("ttl", ttl).
				Msg("forced refresh failed, returning still-valid token")
			return current.AccessToken, nil
		}
	}

	m.authed.Store(false)
	return "", newRefreshError(refreshErr)
}

// Authenticated reports the last observed signed-in state. It is a coarse
// cached value for synchronous callers that cannot await a session read.
func (m *Manager) Authenticated() bool {
	return m.authed.Load()
}

// RecomputeAuthenticated refreshes the cached signed-in state from the
// identity client.
func (m *Manager) RecomputeAuthenticated(ctx context.Context) bool {
	session, err := m.client.GetSession(ctx)
	authed := err == nil && session != nil
	m.authed.Store(authed)
	return authed
}

// refresh collapses concurrent refresh attempts: the first caller executes
// doRefresh, later callers arriving before it settles share the same
// outcome rather than racing it with duplicate provider calls.
func (m *Manager) refresh(ctx context.Context) (*identity.Session, error) {
	metrics := telemetry.GetMetrics()
	metrics.RefreshAttemptsTotal.Add(ctx, 1)

	started := m.now()
	v, err, shared := m.refreshGroup.Do("refresh", func() (any, error) {
		return m.doRefresh(ctx)
	})
	if shared {
		metrics.RefreshCollapsedTotal.Add(ctx, 1)
	}
	metrics.RefreshDuration.Record(ctx, float64(time.Since(started).Milliseconds()))

	if err != nil {
		metrics.RefreshErrorsTotal.Add(ctx, 1)
		return nil, err
	}

	return v.(*identity.Session), nil
}

// doRefresh runs the two-tier recovery: primary refresh first, then the
// storage rescue. The in-memory session and the durable copy can diverge
// when the host kills the process mid-refresh, so a failed primary with an
// empty in-memory slot may still be recoverable from storage.
func (m *Manager) doRefresh(ctx context.Context) (*identity.Session, error) {
	session, primaryErr := m.client.RefreshSession(ctx)
	if primaryErr == nil {
		return session, nil
	}

	log.Debug().Err(primaryErr).Msg("primary refresh failed, attempting storage rescue")

	rescued, rescueErr := m.rescue(ctx)
	if rescueErr != nil {
		log.Debug().Err(rescueErr).Msg("storage rescue failed")
		return nil, fmt.Errorf("refresh failed: %w", errors.Join(primaryErr, rescueErr))
	}

	return rescued, nil
}

// rescue reads the serialized session directly from the durable store,
// reinstalls it in the identity client, and retries the refresh once.
func (m *Manager) rescue(ctx context.Context) (*identity.Session, error) {
	metrics := telemetry.GetMetrics()
	metrics.RescueAttemptsTotal.Add(ctx, 1)

	data, err := m.store.Get(identity.SessionKey)
	if err != nil {
		if errors.Is(err, kvstore.ErrKeyNotFound) {
			return nil, ErrNoRescuableSession
		}
		return nil, fmt.Errorf("failed to read durable session: %w", err)
	}

	durable, err := identity.UnmarshalSession(data)
	if err != nil || durable.RefreshToken == "" {
		return nil, ErrNoRescuableSession
	}

	log.Info().
		Str("user_id", durable.UserID).
		Str("token", identity.Fingerprint(durable.AccessToken)).
		Msg("rescuing session from durable store")

	if _, err := m.client.SetSession(ctx, durable.AccessToken, durable.RefreshToken); err != nil {
		return nil, fmt.Errorf("failed to reinstall durable session: %w", err)
	}

	session, err := m.client.RefreshSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("rescue refresh failed: %w", err)
	}

	metrics.RescueSuccessTotal.Add(ctx, 1)

	return session, nil
}
