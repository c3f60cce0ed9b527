package client

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nrednav/cuid2"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/onkernel/relaycore/lib/conn"
	"github.com/onkernel/relaycore/lib/wire"
)

type pipelinedEntry struct {
	req     any
	handle  *wire.ResultHandle[any]
	timeout time.Duration // original deadline; the timer armed at submission keeps running, so a
	// resubmitted entry always carries -1 here (retry-on-loss)
	id string
	ch wire.Channel // set once transmitted; which Channel this is awaiting a reply on
}

// PipelinedClient decouples request submission from response
// consumption: many requests may be in flight over one connection,
// responses are delivered in transmission order, and requests lost to
// a dropped connection are retried on the next one.
type PipelinedClient struct {
	sup *conn.Supervisor
	log *slog.Logger

	requestsMu sync.Mutex
	requests   []pipelinedEntry
	requestsCh chan struct{} // signaled whenever requests gains work

	responsesMu sync.Mutex
	responses   []pipelinedEntry

	closeMu sync.Mutex
	closed  bool

	grp  *errgroup.Group
	done chan struct{}
}

// NewPipelinedClient starts the transmit and receive loops over sup.
func NewPipelinedClient(ctx context.Context, sup *conn.Supervisor, log *slog.Logger) *PipelinedClient {
	if log == nil {
		log = slog.Default()
	}
	grp, gctx := errgroup.WithContext(ctx)
	// The receive loop stops once the transmit loop has exited (after
	// the close sentinel), so Done closes after Close.
	recvCtx, stopReceive := context.WithCancel(gctx)
	c := &PipelinedClient{
		sup:        sup,
		log:        log,
		requestsCh: make(chan struct{}, 1),
		grp:        grp,
		done:       make(chan struct{}),
	}
	grp.Go(func() error { defer stopReceive(); c.transmitLoop(gctx); return nil })
	grp.Go(func() error { c.receiveLoop(recvCtx); return nil })
	go func() { _ = grp.Wait(); close(c.done) }()
	return c
}

// Done is closed once both loops have exited.
func (c *PipelinedClient) Done() <-chan struct{} { return c.done }

// Wait blocks until both loops have exited and returns the first
// error either reported (nil in normal operation; the loops run until
// Close and never return an error themselves).
func (c *PipelinedClient) Wait() error { return c.grp.Wait() }

// Request submits req for transmission, returning a handle resolved
// once a response arrives.
func (c *PipelinedClient) Request(req any, timeout time.Duration) *wire.ResultHandle[any] {
	handle := wire.NewResultHandle[any]()
	c.closeMu.Lock()
	closed := c.closed
	c.closeMu.Unlock()
	if closed {
		handle.Error(wire.ErrDeactivated)
		return handle
	}

	entry := pipelinedEntry{req: req, handle: handle, timeout: timeout, id: cuid2.Generate()}
	if timeout >= 0 {
		t := time.AfterFunc(timeout, func() { handle.Error(wire.ErrTimeout) })
		go func() {
			<-handle.Done()
			t.Stop()
		}()
	}
	c.enqueueRequest(entry)
	return handle
}

// Close enqueues the close sentinel; the supervisor shuts down once
// the transmit loop observes it, and subsequent submissions fail with
// ErrDeactivated.
func (c *PipelinedClient) Close() {
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return
	}
	c.closed = true
	c.closeMu.Unlock()
	c.enqueueRequest(pipelinedEntry{handle: nil})
}

func (c *PipelinedClient) enqueueRequest(e pipelinedEntry) {
	c.requestsMu.Lock()
	c.requests = append(c.requests, e)
	c.requestsMu.Unlock()
	select {
	case c.requestsCh <- struct{}{}:
	default:
	}
}

func (c *PipelinedClient) popRequest() (pipelinedEntry, bool) {
	c.requestsMu.Lock()
	defer c.requestsMu.Unlock()
	if len(c.requests) == 0 {
		return pipelinedEntry{}, false
	}
	e := c.requests[0]
	c.requests = c.requests[1:]
	return e, true
}

func (c *PipelinedClient) pushResponse(e pipelinedEntry) {
	c.responsesMu.Lock()
	c.responses = append(c.responses, e)
	c.responsesMu.Unlock()
}

func (c *PipelinedClient) peekResponse() (pipelinedEntry, bool) {
	c.responsesMu.Lock()
	defer c.responsesMu.Unlock()
	if len(c.responses) == 0 {
		return pipelinedEntry{}, false
	}
	return c.responses[0], true
}

func (c *PipelinedClient) popResponse() {
	c.responsesMu.Lock()
	defer c.responsesMu.Unlock()
	if len(c.responses) > 0 {
		c.responses = c.responses[1:]
	}
}

// transmitLoop drives the requests queue.
func (c *PipelinedClient) transmitLoop(ctx context.Context) {
	for {
		entry, ok := c.popRequest()
		if !ok {
			select {
			case <-c.requestsCh:
				continue
			case <-ctx.Done():
				return
			}
		}

		if entry.handle == nil { // close sentinel
			c.sup.Shutdown()
			return
		}

		if entry.handle.IsTerminal() {
			continue // dropped: its timer already fired before its retry turn came up
		}

		ch, ok := c.obtainChannel(ctx, entry.handle)
		if !ok {
			continue // ctx ended or handle went terminal while waiting
		}

		if err := ch.Enqueue(wire.Data(entry.req)); err != nil {
			c.log.Warn("pipelined enqueue failed, retrying", "request_id", entry.id, "err", err)
			time.Sleep(100 * time.Millisecond)
			c.requestsMu.Lock()
			c.requests = append([]pipelinedEntry{entry}, c.requests...)
			c.requestsMu.Unlock()
			continue
		}

		entry.ch = ch
		c.pushResponse(entry)
	}
}

// obtainChannel blocks until the supervisor has a live connection or
// entry's handle goes terminal (its timer fired while waiting).
func (c *PipelinedClient) obtainChannel(ctx context.Context, handle *wire.ResultHandle[any]) (wire.Channel, bool) {
	connHandle := c.sup.Get()
	select {
	case <-connHandle.Done():
	case <-handle.Done():
		return nil, false
	case <-ctx.Done():
		return nil, false
	}
	ch, err := connHandle.Wait(ctx)
	if err != nil {
		return nil, false
	}
	if ch == nil {
		handle.Error(wire.ErrDeactivated)
		return nil, false
	}
	return ch, true
}

// receiveLoop drives the responses queue in FIFO order.
func (c *PipelinedClient) receiveLoop(ctx context.Context) {
	for {
		entry, ok := c.peekResponse()
		if !ok {
			select {
			case <-time.After(5 * time.Millisecond):
				continue
			case <-ctx.Done():
				return
			}
		}

		resp, err := entry.ch.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// The whole connection dropped, not just this one
			// request: every response still queued behind entries on
			// the same dead channel is lost too. Pull all of them off
			// the head in one pass instead of discovering each one
			// only after a doomed Read call, dropping any that
			// already went terminal while they waited.
			lost := entry.ch
			var toRequeue []pipelinedEntry
			c.responsesMu.Lock()
			for len(c.responses) > 0 && c.responses[0].ch == lost {
				toRequeue = append(toRequeue, c.responses[0])
				c.responses = c.responses[1:]
			}
			c.responsesMu.Unlock()

			toRequeue = dropTerminal(toRequeue)
			if len(toRequeue) > 0 {
				c.log.Warn("pipelined connection lost, re-queueing requests", "count", len(toRequeue), "err", err)
			}
			for i := range toRequeue {
				toRequeue[i].timeout = -1
				toRequeue[i].ch = nil
			}
			c.requestsMu.Lock()
			c.requests = append(toRequeue, c.requests...)
			c.requestsMu.Unlock()
			select {
			case c.requestsCh <- struct{}{}:
			default:
			}
			continue
		}

		c.popResponse()
		if entry.handle.IsTerminal() {
			continue // timer fired before the reply arrived; drop it
		}
		if resp.IsError() {
			entry.handle.Error(wire.WrapTransport(resp.Err))
		} else {
			entry.handle.Success(resp.Data)
		}
	}
}

// dropTerminal removes already-terminal entries from a response
// batch, used when bulk-requeueing after a connection loss. Exposed as a
// standalone helper (built on samber/lo) so tests can exercise the
// "timer fired mid-backoff" bookkeeping in isolation.
func dropTerminal(entries []pipelinedEntry) []pipelinedEntry {
	return lo.Filter(entries, func(e pipelinedEntry, _ int) bool {
		return !e.handle.IsTerminal()
	})
}
