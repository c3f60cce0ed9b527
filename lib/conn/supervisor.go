// Package conn implements the persistent-connection supervisor: tail
// an unreliable source, republish the latest good value, broadcast
// transitions to subscribers without blocking on a slow one.
package conn

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/onkernel/relaycore/lib/backoff"
	"github.com/onkernel/relaycore/lib/logger"
	"github.com/onkernel/relaycore/lib/wire"
)

// Generator yields a freshly open Channel, or fails. Generator
// failures and mid-connection drops are indistinguishable to the
// reconnect loop.
type Generator func(ctx context.Context) (wire.Channel, error)

// OnConnect runs after each successful connection, before any caller
// observes the new Channel.
type OnConnect func(ch wire.Channel)

// Supervisor maintains exactly one live Channel, reconnecting with
// exponential backoff on failure. Its delay/current/alive fields are
// mutated only by its own reconnect-loop goroutine; callers interact
// exclusively through Get, Subscribe, and Shutdown.
type Supervisor struct {
	description string
	generate    Generator
	onConnect   OnConnect
	log         *slog.Logger
	maxBackoff  time.Duration

	policy *backoff.Policy

	mu      sync.Mutex
	current *wire.ResultHandle[wire.Channel]
	halt    *wire.Constant[struct{}]

	subMu sync.Mutex
	subs  map[chan struct{}]struct{}

	done chan struct{}
}

// Option configures a Supervisor at construction.
type Option func(*Supervisor)

// WithOnConnect sets the callback run after each successful connect.
func WithOnConnect(f OnConnect) Option { return func(s *Supervisor) { s.onConnect = f } }

// WithLogger overrides the *slog.Logger used for warnings (default:
// slog.Default()).
func WithLogger(l *slog.Logger) Option { return func(s *Supervisor) { s.log = l } }

// WithMaxBackoff caps the reconnect delay ladder at d instead of the
// backoff package's 64s default.
func WithMaxBackoff(d time.Duration) Option { return func(s *Supervisor) { s.maxBackoff = d } }

// New constructs a Supervisor and starts its reconnect loop
// immediately. description tags log lines (default "unknown" if
// empty).
func New(ctx context.Context, description string, generate Generator, opts ...Option) *Supervisor {
	if description == "" {
		description = "unknown"
	}
	s := &Supervisor{
		description: description,
		generate:    generate,
		log:         slog.Default(),
		current:     wire.NewResultHandle[wire.Channel](),
		halt:        wire.NewConstant[struct{}](),
		subs:        make(map[chan struct{}]struct{}),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.maxBackoff > 0 {
		s.policy = backoff.NewPolicy(backoff.WithMaxInterval(s.maxBackoff))
	} else {
		s.policy = backoff.NewPolicy()
	}
	go s.loop(ctx)
	return s
}

// Get returns the current connection handle. Each
// successful connection is reported by the same handle until lost, at
// which point a new pending handle replaces it.
func (s *Supervisor) Get() *wire.ResultHandle[wire.Channel] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Shutdown idempotently requests permanent shutdown.
func (s *Supervisor) Shutdown() {
	s.halt.Fire(struct{}{})
}

// Subscribe returns a channel that receives a notification (an empty
// struct send, latest-wins, non-blocking) each time a handle is
// published: every successful connection and the closed sentinel at
// shutdown. A lost connection is not notified on its own.
func (s *Supervisor) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	s.subMu.Lock()
	s.subs[ch] = struct{}{}
	s.subMu.Unlock()
	cancel := func() {
		s.subMu.Lock()
		if _, ok := s.subs[ch]; ok {
			delete(s.subs, ch)
			close(ch)
		}
		s.subMu.Unlock()
	}
	return ch, cancel
}

func (s *Supervisor) notify() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	}
}

// Done is closed once the supervisor has fully shut down (its live
// Channel, if any, closed and the closed-connection sentinel
// published).
func (s *Supervisor) Done() <-chan struct{} { return s.done }

func (s *Supervisor) isAlive() bool {
	_, closed := s.halt.Value()
	return !closed
}

// loop is the reconnect algorithm, structured as an explicit state
// machine rather than recursive callbacks.
func (s *Supervisor) loop(ctx context.Context) {
	defer close(s.done)
	delay := s.policy.Next()
	for {
		if !s.isAlive() {
			s.publishClosed()
			return
		}
		if delay > 0 {
			s.log.Warn("reconnecting after backoff", "description", s.description, "delay_ms", delay.Milliseconds())
			select {
			case <-time.After(delay):
			case <-s.halt.Fired():
				s.publishClosed()
				return
			case <-ctx.Done():
				s.publishClosed()
				return
			}
		}

		connID := uuid.NewString()
		genCtx := logger.AddToContext(ctx, logger.WithConnection(s.log, connID, s.description))
		ch, err := s.generate(genCtx)
		if err != nil {
			s.log.Warn("connection generator failed", "description", s.description, "connection_id", connID, "err", err)
			delay = s.policy.Next()
			continue
		}

		s.policy.Reset()
		if s.onConnect != nil {
			s.onConnect(ch)
		}
		s.publish(ch)

		s.awaitLoss(ctx, ch)
		s.log.Warn("connection lost", "description", s.description, "connection_id", connID)
		s.replacePending()

		if !s.isAlive() {
			_ = ch.Close()
			s.publishClosed()
			return
		}
		delay = s.policy.Next()
	}
}

// awaitLoss forks ch and blocks until the fork's reads end in an error
// (drained or lost), or the halt signal fires. Forking rather than
// reading ch directly means awaitLoss never steals a message meant
// for whoever is actually using the connection.
func (s *Supervisor) awaitLoss(ctx context.Context, ch wire.Channel) {
	awaitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.halt.Fired():
			cancel()
		case <-awaitCtx.Done():
		}
	}()

	observer := ch.Fork()
	for {
		_, err := observer.Read(awaitCtx)
		if err != nil {
			return
		}
	}
}

// replacePending swaps in a fresh pending handle for the upcoming
// reconnect attempt. Anyone who already observed the previous handle
// (via Get) keeps seeing it resolved to the now-dead Channel forever;
// new Get callers see the fresh pending handle until it resolves.
func (s *Supervisor) replacePending() {
	s.mu.Lock()
	s.current = wire.NewResultHandle[wire.Channel]()
	s.mu.Unlock()
}

// publish completes the current pending handle with ch, so every
// caller already blocked on it (via Get().Wait) observes the new
// connection the moment it is ready.
func (s *Supervisor) publish(ch wire.Channel) {
	s.mu.Lock()
	h := s.current
	s.mu.Unlock()
	h.Success(ch)
	s.notify()
}

// publishClosed completes the current pending handle with the nil
// Channel, the in-band closed-sentinel callers must check for.
func (s *Supervisor) publishClosed() {
	s.mu.Lock()
	h := s.current
	s.mu.Unlock()
	h.Success(nil)
	s.notify()
}
