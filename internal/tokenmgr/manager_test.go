package tokenmgr

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keelhq/sessiond/internal/identity"
	"github.com/keelhq/sessiond/internal/kvstore"
)

type fakeStore map[string][]byte

func (f fakeStore) Get(key string) ([]byte, error) {
	v, ok := f[key]
	if !ok {
		return nil, kvstore.ErrKeyNotFound
	}
	return v, nil
}

// fakeClient simulates the identity client: an in-memory session slot,
// a configurable refresh outcome, and call counters.
type fakeClient struct {
	mu      sync.Mutex
	session *identity.Session

	refreshErr   error
	refreshDelay time.Duration
	refreshCalls atomic.Int32
	setCalls     atomic.Int32
}

func (f *fakeClient) GetSession(ctx context.Context) (*identity.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.session == nil {
		return nil, nil
	}
	copied := *f.session
	return &copied, nil
}

func (f *fakeClient) SetSession(ctx context.Context, accessToken, refreshToken string) (*identity.Session, error) {
	f.setCalls.Add(1)
	session := &identity.Session{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    time.Now().Add(time.Hour).UnixMilli(),
		UserID:       "user-1",
	}
	f.mu.Lock()
	f.session = session
	f.mu.Unlock()
	copied := *session
	return &copied, nil
}

func (f *fakeClient) RefreshSession(ctx context.Context) (*identity.Session, error) {
	f.refreshCalls.Add(1)

	if f.refreshDelay > 0 {
		time.Sleep(f.refreshDelay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.session == nil {
		return nil, identity.ErrNoSession
	}
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}

	f.session = &identity.Session{
		AccessToken:  "new-fresh-token",
		RefreshToken: "new-refresh-token",
		ExpiresAt:    time.Now().Add(time.Hour).UnixMilli(),
		UserID:       f.session.UserID,
	}
	copied := *f.session
	return &copied, nil
}

func sessionWithTTL(ttl time.Duration) *identity.Session {
	return &identity.Session{
		AccessToken:  "current-token",
		RefreshToken: "current-refresh",
		ExpiresAt:    time.Now().Add(ttl).UnixMilli(),
		UserID:       "user-1",
	}
}

func TestForceRefreshToken_FreshTokenSkipsRefresh(t *testing.T) {
	// Scenario: TTL well above the threshold, no network call at all.
	client := &fakeClient{session: sessionWithTTL(1200 * time.Second)}
	m := New(client, fakeStore{})

	token, err := m.ForceRefreshToken(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, "current-token", token)
	assert.Equal(t, int32(0), client.refreshCalls.Load())
}

func TestForceRefreshToken_ThresholdBoundary(t *testing.T) {
	t.Run("TTL at threshold is fresh enough", func(t *testing.T) {
		now := time.Now()
		session := sessionWithTTL(0)
		session.ExpiresAt = now.Add(900 * time.Second).UnixMilli()

		client := &fakeClient{session: session}
		m := New(client, fakeStore{}, WithClock(func() time.Time { return now }))

		token, err := m.ForceRefreshToken(context.Background(), false)
		require.NoError(t, err)
		assert.Equal(t, "current-token", token)
		assert.Equal(t, int32(0), client.refreshCalls.Load())
	})

	t.Run("TTL just below threshold refreshes", func(t *testing.T) {
		client := &fakeClient{session: sessionWithTTL(899 * time.Second)}
		m := New(client, fakeStore{})

		token, err := m.ForceRefreshToken(context.Background(), false)
		require.NoError(t, err)
		assert.Equal(t, "new-fresh-token", token)
		assert.Equal(t, int32(1), client.refreshCalls.Load())
	})
}

func TestForceRefreshToken_BypassTTL(t *testing.T) {
	client := &fakeClient{session: sessionWithTTL(1200 * time.Second)}
	m := New(client, fakeStore{})

	token, err := m.ForceRefreshToken(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, "new-fresh-token", token)
	assert.Equal(t, int32(1), client.refreshCalls.Load())
}

func TestForceRefreshToken_RefreshSucceeds(t *testing.T) {
	// Scenario: TTL=120s, provider returns a new token.
	client := &fakeClient{session: sessionWithTTL(120 * time.Second)}
	m := New(client, fakeStore{})

	token, err := m.ForceRefreshToken(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, "new-fresh-token", token)
	assert.Equal(t, int32(1), client.refreshCalls.Load())
}

func TestForceRefreshToken_FailedRefreshFallsBackToValidToken(t *testing.T) {
	// Scenario: TTL=120s, refresh fails, the still-valid token is returned.
	client := &fakeClient{
		session:    sessionWithTTL(120 * time.Second),
		refreshErr: errors.New("server error"),
	}
	m := New(client, fakeStore{})

	token, err := m.ForceRefreshToken(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, "current-token", token)
}

func TestForceRefreshToken_ExpiredAndRefreshFailed(t *testing.T) {
	// Scenario: TTL=-120s, refresh fails, terminal REFRESH_FAILED error.
	client := &fakeClient{
		session:    sessionWithTTL(-120 * time.Second),
		refreshErr: errors.New("provider error"),
	}
	m := New(client, fakeStore{})

	_, err := m.ForceRefreshToken(context.Background(), false)
	require.Error(t, err)

	var refreshErr *RefreshError
	require.ErrorAs(t, err, &refreshErr)
	assert.Equal(t, "REFRESH_FAILED", refreshErr.Code)
	assert.Contains(t, refreshErr.Message, "Token refresh failed")
}

func TestForceRefreshToken_NoSessionAndRefreshFailed(t *testing.T) {
	client := &fakeClient{}
	m := New(client, fakeStore{})

	_, err := m.ForceRefreshToken(context.Background(), false)
	require.Error(t, err)

	var refreshErr *RefreshError
	require.ErrorAs(t, err, &refreshErr)
	assert.Equal(t, RefreshFailedCode, refreshErr.Code)
}

func TestGetToken(t *testing.T) {
	t.Run("no session means unauthenticated, not an error", func(t *testing.T) {
		client := &fakeClient{}
		m := New(client, fakeStore{})

		token, err := m.GetToken(context.Background())
		require.NoError(t, err)
		assert.Empty(t, token)
		assert.False(t, m.Authenticated())
	})

	t.Run("comfortable TTL returns current token", func(t *testing.T) {
		client := &fakeClient{session: sessionWithTTL(10 * time.Minute)}
		m := New(client, fakeStore{})

		token, err := m.GetToken(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "current-token", token)
		assert.Equal(t, int32(0), client.refreshCalls.Load())
		assert.True(t, m.Authenticated())
	})

	t.Run("TTL inside skew window triggers refresh", func(t *testing.T) {
		client := &fakeClient{session: sessionWithTTL(30 * time.Second)}
		m := New(client, fakeStore{})

		token, err := m.GetToken(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "new-fresh-token", token)
		assert.Equal(t, int32(1), client.refreshCalls.Load())
	})

	t.Run("failed refresh with remaining TTL degrades to current token", func(t *testing.T) {
		client := &fakeClient{
			session:    sessionWithTTL(30 * time.Second),
			refreshErr: errors.New("server error"),
		}
		m := New(client, fakeStore{})

		token, err := m.GetToken(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "current-token", token)
	})

	t.Run("expired token with failed refresh returns no token", func(t *testing.T) {
		client := &fakeClient{
			session:    sessionWithTTL(-2 * time.Minute),
			refreshErr: errors.New("server error"),
		}
		m := New(client, fakeStore{})

		token, err := m.GetToken(context.Background())
		require.NoError(t, err)
		assert.Empty(t, token)
		assert.False(t, m.Authenticated())
	})
}

func TestRefresh_CollapsesConcurrentCallers(t *testing.T) {
	client := &fakeClient{
		session:      sessionWithTTL(30 * time.Second),
		refreshDelay: 100 * time.Millisecond,
	}
	m := New(client, fakeStore{})

	const callers = 10
	tokens := make([]string, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tokens[i], errs[i] = m.GetToken(context.Background())
		}()
	}
	wg.Wait()

	for i := range callers {
		require.NoError(t, errs[i])
		assert.Equal(t, "new-fresh-token", tokens[i])
	}

	assert.Equal(t, int32(1), client.refreshCalls.Load(),
		"concurrent callers must share one underlying refresh")
}

func TestRescue_RecoversFromDurableStore(t *testing.T) {
	// Restarted process: in-memory slot empty, durable copy intact.
	durable := &identity.Session{
		AccessToken:  "stored-access",
		RefreshToken: "stored-refresh",
		ExpiresAt:    time.Now().Add(-time.Minute).UnixMilli(),
		UserID:       "user-1",
	}
	data, err := durable.Marshal()
	require.NoError(t, err)

	client := &fakeClient{}
	store := fakeStore{identity.SessionKey: data}
	m := New(client, store)

	token, err := m.GetToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "new-fresh-token", token)

	// Primary refresh failed on the empty slot, then the durable session
	// was installed before the retried refresh.
	assert.Equal(t, int32(1), client.setCalls.Load())
	assert.Equal(t, int32(2), client.refreshCalls.Load())
}

func TestRescue_NoDurableSession(t *testing.T) {
	client := &fakeClient{}
	m := New(client, fakeStore{})

	_, err := m.ForceRefreshToken(context.Background(), false)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoRescuableSession)
}

func TestRescue_DurableSessionMissingRefreshToken(t *testing.T) {
	durable := &identity.Session{AccessToken: "stored-access"}
	data, err := durable.Marshal()
	require.NoError(t, err)

	client := &fakeClient{}
	m := New(client, fakeStore{identity.SessionKey: data})

	_, err = m.ForceRefreshToken(context.Background(), false)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoRescuableSession)
	assert.Equal(t, int32(0), client.setCalls.Load())
}

func TestRecomputeAuthenticated(t *testing.T) {
	client := &fakeClient{}
	m := New(client, fakeStore{})

	assert.False(t, m.RecomputeAuthenticated(context.Background()))

	client.mu.Lock()
	client.session = sessionWithTTL(time.Hour)
	client.mu.Unlock()

	assert.True(t, m.RecomputeAuthenticated(context.Background()))
	assert.True(t, m.Authenticated())
}
