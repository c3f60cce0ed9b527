// Package backoff computes reconnect delays for lib/conn.
package backoff

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	initialInterval    = 500 * time.Millisecond
	defaultMaxInterval = 64000 * time.Millisecond
	multiplier         = 2.0
)

// Option configures a Policy at construction.
type Option func(*Policy)

// WithMaxInterval caps the backoff ladder at d instead of the default
// 64s (defaultMaxInterval), letting callers tune how long a dead
// connection is allowed to sit between retries.
func WithMaxInterval(d time.Duration) Option {
	return func(p *Policy) { p.maxInterval = d }
}

// Policy computes the reconnect delay sequence 0, 500, 1000, 2000,
// ..., maxInterval, maxInterval, .... The first call after
// construction or Reset returns 0 (no sleep before the first
// attempt); every subsequent call follows the doubling ladder capped
// at maxInterval.
//
// The doubling itself is delegated to
// github.com/cenkalti/backoff/v4's ExponentialBackOff rather than
// hand-rolled, so the ladder comes from a real, independently-tested
// implementation.
type Policy struct {
	mu          sync.Mutex
	eb          *backoff.ExponentialBackOff
	started     bool
	maxInterval time.Duration
}

// NewPolicy returns a Policy at delay 0, capped at 64s unless
// overridden with WithMaxInterval.
func NewPolicy(opts ...Option) *Policy {
	p := &Policy{maxInterval: defaultMaxInterval}
	for _, opt := range opts {
		opt(p)
	}
	p.reset()
	return p
}

func (p *Policy) reset() {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = initialInterval
	eb.Multiplier = multiplier
	eb.MaxInterval = p.maxInterval
	eb.RandomizationFactor = 0
	eb.MaxElapsedTime = 0 // never gives up
	eb.Reset()
	p.eb = eb
	p.started = false
}

// Next advances and returns the next delay. Call it once per failed
// connection attempt, immediately before sleeping.
func (p *Policy) Next() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		p.started = true
		return 0
	}
	d := p.eb.NextBackOff()
	if d == backoff.Stop || d > p.maxInterval {
		// The library hands out InitialInterval unclamped, so a cap
		// below 500ms is enforced here.
		return p.maxInterval
	}
	return d
}

// Reset returns the policy to delay 0, called after any successful
// connection.
func (p *Policy) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reset()
}
