package wire

import (
	"context"
	"errors"
	"sync"
)

// Channel is the ordered, async, closable message queue relaycore is
// built on. Closure is monotonic: once Close has run, Drained becomes
// true exactly when every enqueued message has been read.
type Channel interface {
	// Enqueue queues msg for a future reader. Never loses a message
	// that was accepted before Close.
	Enqueue(msg Msg) error
	// Read returns the next message, blocking until one is available,
	// the Channel drains (ErrConnectionClosed), or ctx is done.
	Read(ctx context.Context) (Msg, error)
	// Close is monotonic; repeated calls are no-ops.
	Close() error
	// Drained reports whether the Channel is closed and empty.
	Drained() bool
	// Fork returns an independent reader over the same message
	// stream, used by the supervisor for non-destructive loss
	// detection.
	Fork() Channel
}

// ErrEnqueueOnClosed is returned by Enqueue after Close.
var ErrEnqueueOnClosed = errors.New("relaycore: enqueue on closed channel")

// memHub is the shared broadcast log behind every fork of a given
// in-memory Channel: all forks read the same appended-to log, each
// from its own cursor, so Fork is non-destructive.
type memHub struct {
	mu     sync.Mutex
	cond   *sync.Cond
	log    []Msg
	closed bool
}

// memChannel is one reader (cursor) over a shared memHub.
type memChannel struct {
	hub    *memHub
	cursor int
}

// NewMemChannel returns a fresh in-memory Channel with one reader
// cursor at position zero. Additional independent readers are
// obtained via Fork.
func NewMemChannel() Channel {
	hub := &memHub{}
	hub.cond = sync.NewCond(&hub.mu)
	return &memChannel{hub: hub}
}

func (c *memChannel) Enqueue(msg Msg) error {
	h := c.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrEnqueueOnClosed
	}
	h.log = append(h.log, msg)
	h.cond.Broadcast()
	return nil
}

func (c *memChannel) Read(ctx context.Context) (Msg, error) {
	h := c.hub
	h.mu.Lock()
	for c.cursor >= len(h.log) && !h.closed {
		if ctx.Err() != nil {
			h.mu.Unlock()
			return Msg{}, ctx.Err()
		}
		waitDone := make(chan struct{})
		stopWatcher := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				h.mu.Lock()
				h.cond.Broadcast()
				h.mu.Unlock()
			case <-stopWatcher:
			}
			close(waitDone)
		}()
		h.cond.Wait()
		close(stopWatcher)
		<-waitDone
	}
	if c.cursor < len(h.log) {
		m := h.log[c.cursor]
		c.cursor++
		h.mu.Unlock()
		return m, nil
	}
	h.mu.Unlock()
	return Msg{}, ErrConnectionClosed
}

func (c *memChannel) Close() error {
	h := c.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.closed {
		h.closed = true
		h.cond.Broadcast()
	}
	return nil
}

func (c *memChannel) Drained() bool {
	h := c.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed && c.cursor >= len(h.log)
}

func (c *memChannel) Fork() Channel {
	return &memChannel{hub: c.hub, cursor: 0}
}
