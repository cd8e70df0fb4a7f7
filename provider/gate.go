package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Gate serializes outbound requests to one provider: a token bucket for the
// steady-state rate plus a suspension deadline honored when the provider
// answers 429 with Retry-After. All worker tasks share one Gate per provider.
type Gate struct {
	name    string
	limiter *rate.Limiter

	mu             sync.Mutex
	suspendedUntil time.Time
	requests       int64
}

// NewGate builds a gate allowing rps requests per second with the given
// burst. Burst below 1 is raised to 1.
func NewGate(name string, rps float64, burst int) *Gate {
	if burst < 1 {
		burst = 1
	}
	return &Gate{
		name:    name,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// Wait blocks until a request may be issued: first any active suspension,
// then the token bucket.
func (g *Gate) Wait(ctx context.Context) error {
	for {
		g.mu.Lock()
		until := g.suspendedUntil
		g.mu.Unlock()

		d := time.Until(until)
		if d <= 0 {
			break
		}
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	if err := g.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter error: %w", err)
	}

	g.mu.Lock()
	g.requests++
	g.mu.Unlock()
	return nil
}

// SetRate replaces the steady-state rate. Used to apply configured
// per-provider overrides after construction.
func (g *Gate) SetRate(rps float64) {
	if rps <= 0 {
		return
	}
	g.limiter.SetLimit(rate.Limit(rps))
}

// SuspendFor pushes the gate's suspension deadline d into the future. Shorter
// suspensions never shorten a longer one already in place.
func (g *Gate) SuspendFor(d time.Duration) {
	if d <= 0 {
		d = 2 * time.Second
	}
	until := time.Now().Add(d)

	g.mu.Lock()
	if until.After(g.suspendedUntil) {
		g.suspendedUntil = until
	}
	g.mu.Unlock()
}

// Requests returns the number of acquisitions granted so far.
func (g *Gate) Requests() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.requests
}

// Name returns the provider name the gate was built for.
func (g *Gate) Name() string { return g.name }
