package startup

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keelhq/sessiond/internal/gate"
	"github.com/keelhq/sessiond/internal/identity"
	"github.com/keelhq/sessiond/internal/kvstore"
	"github.com/keelhq/sessiond/internal/tokenmgr"
)

func newTestStore(t *testing.T) *kvstore.Store {
	t.Helper()
	store, err := kvstore.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newRefreshProvider(t *testing.T, refreshCalls *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/token" || r.URL.Query().Get("grant_type") != "refresh_token" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		refreshCalls.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "background-fresh-token",
			"refresh_token": "background-refresh-token",
			"expires_in":    3600,
			"user":          map[string]string{"id": "user-1"},
		})
	}))
}

func putSession(t *testing.T, store *kvstore.Store, ttl time.Duration) {
	t.Helper()
	session := &identity.Session{
		AccessToken:  "stored-access",
		RefreshToken: "stored-refresh",
		ExpiresAt:    time.Now().Add(ttl).UnixMilli(),
		UserID:       "user-1",
	}
	data, err := session.Marshal()
	require.NoError(t, err)
	require.NoError(t, store.Put(identity.SessionKey, data))
}

func TestEnsureClientID(t *testing.T) {
	store := newTestStore(t)

	id, err := EnsureClientID(store)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	again, err := EnsureClientID(store)
	require.NoError(t, err)
	assert.Equal(t, id, again, "client id is stable across calls")
}

func TestSequencer_StartSignedOut(t *testing.T) {
	store := newTestStore(t)
	var refreshCalls atomic.Int32
	server := newRefreshProvider(t, &refreshCalls)
	defer server.Close()

	client := identity.NewClient(identity.Config{BaseURL: server.URL, APIKey: "anon"}, store)
	manager := tokenmgr.New(client, store)
	g := gate.New()

	s := New(store, client, manager, g)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.False(t, g.Ready())
	require.NoError(t, s.Start(ctx))

	assert.True(t, g.Ready(), "gate opens even when signed out")
	assert.False(t, manager.Authenticated())
	assert.NoError(t, g.AwaitReady(context.Background()))

	cancel()
	s.Wait()
}

func TestSequencer_StartRehydratesSession(t *testing.T) {
	store := newTestStore(t)
	putSession(t, store, time.Hour)

	var refreshCalls atomic.Int32
	server := newRefreshProvider(t, &refreshCalls)
	defer server.Close()

	client := identity.NewClient(identity.Config{BaseURL: server.URL, APIKey: "anon"}, store)
	manager := tokenmgr.New(client, store)
	g := gate.New()

	s := New(store, client, manager, g, WithIntervals(time.Hour, time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))

	assert.True(t, g.Ready())
	assert.True(t, manager.Authenticated())

	token, err := manager.GetToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "stored-access", token)

	cancel()
	s.Wait()
}

func TestSequencer_ProactiveRefresh(t *testing.T) {
	store := newTestStore(t)
	// Below the force-refresh threshold so the background loop acts.
	putSession(t, store, 5*time.Minute)

	var refreshCalls atomic.Int32
	server := newRefreshProvider(t, &refreshCalls)
	defer server.Close()

	client := identity.NewClient(identity.Config{BaseURL: server.URL, APIKey: "anon"}, store)
	manager := tokenmgr.New(client, store)
	g := gate.New()

	s := New(store, client, manager, g, WithIntervals(20*time.Millisecond, time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))

	require.Eventually(t, func() bool {
		return refreshCalls.Load() >= 1
	}, 2*time.Second, 10*time.Millisecond, "background loop refreshes a soon-to-expire token")

	cancel()
	s.Wait()

	// The refreshed session reached the durable store through the client.
	data, err := store.Get(identity.SessionKey)
	require.NoError(t, err)
	durable, err := identity.UnmarshalSession(data)
	require.NoError(t, err)
	assert.Equal(t, "background-fresh-token", durable.AccessToken)
}

func TestSequencer_SyncHook(t *testing.T) {
	store := newTestStore(t)
	putSession(t, store, time.Hour)

	var refreshCalls atomic.Int32
	server := newRefreshProvider(t, &refreshCalls)
	defer server.Close()

	client := identity.NewClient(identity.Config{BaseURL: server.URL, APIKey: "anon"}, store)
	manager := tokenmgr.New(client, store)
	g := gate.New()

	var syncCalls atomic.Int32
	s := New(store, client, manager, g,
		WithIntervals(time.Hour, 20*time.Millisecond),
		WithSync(func(ctx context.Context) error {
			syncCalls.Add(1)
			return nil
		}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))

	require.Eventually(t, func() bool {
		return syncCalls.Load() >= 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	s.Wait()
}
