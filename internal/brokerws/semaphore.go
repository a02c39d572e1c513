package brokerws

import (
	"context"
	"sync"
	"time"

	"futuresbridge/internal/clockid"
)

// ConnectGate is the process-wide concurrent-connect semaphore of spec.md
// §4.5: permit count 2, and after any permit holder releases, the next
// acquire must wait an additional cooldown before it may proceed. This is
// the single most important 429-storm prevention — the long-running
// receive loop never holds a permit, only the connect attempt itself does.
type ConnectGate struct {
	sem      chan struct{}
	cooldown time.Duration
	clock    clockid.Clock

	mu          sync.Mutex
	nextAllowed time.Time
}

func NewConnectGate(permits int, cooldown time.Duration, clock clockid.Clock) *ConnectGate {
	if permits <= 0 {
		permits = 2
	}
	return &ConnectGate{sem: make(chan struct{}, permits), cooldown: cooldown, clock: clock}
}

// Acquire blocks until a permit slot is free and the post-release cooldown
// from the previous release (by anyone) has elapsed, or ctx is done.
func (g *ConnectGate) Acquire(ctx context.Context) error {
	select {
	case g.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	g.mu.Lock()
	wait := g.nextAllowed.Sub(g.clock.Now())
	g.mu.Unlock()
	if wait <= 0 {
		return nil
	}
	select {
	case <-g.clock.After(wait):
		return nil
	case <-ctx.Done():
		<-g.sem
		return ctx.Err()
	}
}

// Release returns the permit and starts the cooldown window for the next
// acquirer.
func (g *ConnectGate) Release() {
	g.mu.Lock()
	g.nextAllowed = g.clock.Now().Add(g.cooldown)
	g.mu.Unlock()
	<-g.sem
}
