// Package client implements the serial and pipelined request/response
// clients on top of a lib/conn.Supervisor.
package client

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/onkernel/relaycore/lib/conn"
	"github.com/onkernel/relaycore/lib/wire"
)

type serialEntry struct {
	req     any
	handle  *wire.ResultHandle[any]
	timeout time.Duration // <0 disables the deadline
	id      string
}

// SerialClient submits one request at a time over a supervised
// connection, retrying across reconnects until the caller's deadline
// expires.
type SerialClient struct {
	sup *conn.Supervisor
	log *slog.Logger

	queue chan serialEntry

	closeMu sync.Mutex
	closed  bool

	done chan struct{}
}

// NewSerialClient starts the processing goroutine over sup. log may
// be nil, in which case slog.Default() is used.
func NewSerialClient(ctx context.Context, sup *conn.Supervisor, log *slog.Logger) *SerialClient {
	if log == nil {
		log = slog.Default()
	}
	c := &SerialClient{
		sup:   sup,
		log:   log,
		queue: make(chan serialEntry, 256),
		done:  make(chan struct{}),
	}
	go c.run(ctx)
	return c
}

// Request enqueues req and returns a handle completed with the
// response (or an error) once processed. timeout < 0 disables the
// per-request deadline.
func (c *SerialClient) Request(req any, timeout time.Duration) *wire.ResultHandle[any] {
	handle := wire.NewResultHandle[any]()
	c.closeMu.Lock()
	closed := c.closed
	c.closeMu.Unlock()
	if closed {
		handle.Error(wire.ErrDeactivated)
		return handle
	}

	entry := serialEntry{req: req, handle: handle, timeout: timeout, id: uuid.NewString()}
	if timeout >= 0 {
		t := time.AfterFunc(timeout, func() { handle.Error(wire.ErrTimeout) })
		go func() {
			<-handle.Done()
			t.Stop()
		}()
	}

	select {
	case c.queue <- entry:
	default:
		// Queue is saturated; submit on a goroutine so Request never
		// blocks the caller, which must always return immediately with
		// a result handle.
		go func() { c.queue <- entry }()
	}
	return handle
}

// Close enqueues the close sentinel; once its turn comes up the
// supervisor is shut down and subsequent submissions fail with
// ErrDeactivated.
func (c *SerialClient) Close() {
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return
	}
	c.closed = true
	c.closeMu.Unlock()
	c.queue <- serialEntry{handle: nil}
}

// Done is closed once the processing goroutine has shut the
// supervisor down and exited.
func (c *SerialClient) Done() <-chan struct{} { return c.done }

func (c *SerialClient) run(ctx context.Context) {
	defer close(c.done)
	for entry := range c.queue {
		if entry.handle == nil { // close sentinel
			c.sup.Shutdown()
			return
		}
		c.process(ctx, entry)
	}
}

// process runs one request as an explicit retry loop rather than
// recursive continuations. The timer armed in Request races every
// blocking step here via reqCtx, which is cancelled the instant
// entry.handle goes terminal.
func (c *SerialClient) process(ctx context.Context, entry serialEntry) {
	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-entry.handle.Done():
			cancel()
		case <-reqCtx.Done():
		}
	}()

	for {
		if entry.handle.IsTerminal() {
			return // timeout fired while waiting on a connection
		}

		connHandle := c.sup.Get()
		ch, err := connHandle.Wait(reqCtx)
		if err != nil {
			return // timeout fired, or the owning context ended
		}
		if ch == nil {
			entry.handle.Error(wire.ErrDeactivated) // supervisor published the closed sentinel
			return
		}

		if err := ch.Enqueue(wire.Data(entry.req)); err != nil {
			c.log.Warn("serial request enqueue failed, retrying on reconnect", "request_id", entry.id, "err", err)
			continue // lost before send even completed; retry on the new connection
		}

		resp, err := ch.Read(reqCtx)
		if err != nil {
			if entry.handle.IsTerminal() {
				return
			}
			c.log.Warn("serial connection lost mid-request, retrying", "request_id", entry.id, "err", err)
			continue // connection loss: retry from the top
		}

		if entry.handle.IsTerminal() {
			return
		}
		if resp.IsError() {
			entry.handle.Error(wire.WrapTransport(resp.Err))
		} else {
			entry.handle.Success(resp.Data)
		}
		return
	}
}
