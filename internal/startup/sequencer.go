// Package startup sequences process (re)start. The host restarts the
// daemon at will, so every start must rehydrate the session before the
// ready gate opens and before any background work begins.
package startup

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/keelhq/sessiond/internal/gate"
	"github.com/keelhq/sessiond/internal/identity"
	"github.com/keelhq/sessiond/internal/kvstore"
	"github.com/keelhq/sessiond/internal/tokenmgr"
)

// ClientIDKey is the durable key holding this installation's identifier.
const ClientIDKey = "client.id"

const (
	defaultRefreshCheckInterval = time.Minute
	defaultSyncInterval         = 5 * time.Minute
)

// EnsureClientID returns the persisted installation id, provisioning one on
// first run. Also serves as the startup probe that durable storage is usable.
func EnsureClientID(store *kvstore.Store) (string, error) {
	id, err := store.Get(ClientIDKey)
	if err == nil {
		return string(id), nil
	}
	if !errors.Is(err, kvstore.ErrKeyNotFound) {
		return "", err
	}

	fresh := uuid.New().String()
	if err := store.Put(ClientIDKey, []byte(fresh)); err != nil {
		return "", err
	}

	log.Info().Str("client_id", fresh).Msg("provisioned client id")

	return fresh, nil
}

// SyncFunc is the periodic background sync hook started after the gate opens.
type SyncFunc func(ctx context.Context) error

// Sequencer orders the startup steps and owns the background loops.
type Sequencer struct {
	store   *kvstore.Store
	client  *identity.Client
	manager *tokenmgr.Manager
	gate    *gate.Gate

	refreshCheckInterval time.Duration
	syncInterval         time.Duration
	sync                 SyncFunc

	wg sync.WaitGroup
}

// Option configures the Sequencer.
type Option func(*Sequencer)

// WithSync sets the periodic sync hook.
func WithSync(fn SyncFunc) Option {
	return func(s *Sequencer) { s.sync = fn }
}

// WithIntervals overrides the background loop intervals, used in tests.
func WithIntervals(refreshCheck, sync time.Duration) Option {
	return func(s *Sequencer) {
		s.refreshCheckInterval = refreshCheck
		s.syncInterval = sync
	}
}

// New creates a sequencer over the assembled components.
func New(store *kvstore.Store, client *identity.Client, manager *tokenmgr.Manager, g *gate.Gate, opts ...Option) *Sequencer {
	s := &Sequencer{
		store:                store,
		client:               client,
		manager:              manager,
		gate:                 g,
		refreshCheckInterval: defaultRefreshCheckInterval,
		syncInterval:         defaultSyncInterval,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start runs the startup sequence. The step order is load-bearing: the
// gate must not open before rehydration has been attempted, and background
// work must not start before the gate is open.
func (s *Sequencer) Start(ctx context.Context) error {
	// 1. Verify durable storage is usable and provisioned.
	if _, err := EnsureClientID(s.store); err != nil {
		return err
	}

	// 2. Force rehydration of the in-memory session slot.
	session, err := s.client.GetSession(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("session rehydration failed")
	} else if session == nil {
		log.Info().Msg("no session after rehydration, starting signed out")
	} else {
		log.Info().
			Str("user_id", session.UserID).
			Dur("ttl", session.TTL(time.Now())).
			Msg("session rehydrated")
	}

	// 3. Recompute the cached signed-in state for synchronous callers.
	authed := s.manager.RecomputeAuthenticated(ctx)

	// 4. Open the gate; request handling may proceed from here.
	s.gate.MarkReady()

	// 5. Background work only once the gate is open and a session exists.
	if authed {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.refreshLoop(ctx)
		}()

		if s.sync != nil {
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.syncLoop(ctx)
			}()
		}
	}

	return nil
}

// Wait blocks until the background loops have stopped.
func (s *Sequencer) Wait() {
	s.wg.Wait()
}

// refreshLoop keeps the token comfortably ahead of expiry so foreground
// callers rarely pay for a refresh.
func (s *Sequencer) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(s.refreshCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.proactiveRefresh(ctx)
		case <-ctx.Done():
			log.Debug().Msg("refresh loop stopped")
			return
		}
	}
}

func (s *Sequencer) proactiveRefresh(ctx context.Context) {
	session, err := s.client.GetSession(ctx)
	if err != nil || session == nil {
		return
	}
	if session.TTL(time.Now()) >= tokenmgr.ForceRefreshThreshold {
		return
	}

	_, err = backoff.Retry(ctx, func() (string, error) {
		return s.manager.ForceRefreshToken(ctx, false)
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(4))
	if err != nil {
		log.Warn().Err(err).Msg("proactive refresh failed")
	}
}

// syncLoop runs the periodic sync hook while a token is available.
func (s *Sequencer) syncLoop(ctx context.Context) {
	ticker := time.NewTicker(s.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !s.manager.Authenticated() {
				continue
			}
			if err := s.sync(ctx); err != nil {
				log.Warn().Err(err).Msg("background sync failed")
			}
		case <-ctx.Done():
			log.Debug().Msg("sync loop stopped")
			return
		}
	}
}
