// Package gate provides the one-shot readiness signal that sequences
// startup. The host can deliver work the instant the process exists,
// before the session has been rehydrated from durable storage; handlers
// wait on the gate so they never observe a session slot that is merely
// not yet loaded.
package gate

import (
	"context"
	"sync"
)

// Gate is a process-wide readiness latch. It starts closed and latches
// permanently open on the first MarkReady call.
type Gate struct {
	once  sync.Once
	ready chan struct{}
}

// New returns a closed gate.
func New() *Gate {
	return &Gate{ready: make(chan struct{})}
}

// MarkReady opens the gate. Safe to call more than once; calls after the
// first have no effect.
func (g *Gate) MarkReady() {
	g.once.Do(func() { close(g.ready) })
}

// AwaitReady blocks until the gate is open or ctx is done. Returns
// immediately once the gate has opened.
func (g *Gate) AwaitReady(ctx context.Context) error {
	select {
	case <-g.ready:
		return nil
	default:
	}

	select {
	case <-g.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ready reports whether the gate is open without blocking.
func (g *Gate) Ready() bool {
	select {
	case <-g.ready:
		return true
	default:
		return false
	}
}
