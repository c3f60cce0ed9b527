// Package server implements the serial and pipelined servers: read
// requests off a Channel, hand each to a Handler, and write the
// resulting reply back in arrival order.
package server

import (
	"context"
	"log/slog"

	"github.com/onkernel/relaycore/lib/wire"
)

// Handler processes req and must complete slot exactly once. Failing
// to do so stalls the corresponding response permanently; neither
// server attempts to detect this.
type Handler func(ctx context.Context, slot *wire.ResultHandle[wire.Msg], req wire.Msg)

// Serial runs the serial server loop over ch in its own goroutine:
// read one request, invoke h, await its slot, write the reply, repeat
// until ch drains. The returned io.Closer closes ch, which unblocks
// the loop's next Read with ErrConnectionClosed.
func Serial(ctx context.Context, ch wire.Channel, h Handler, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{ch: ch, done: make(chan struct{})}
	go s.runSerial(ctx, h, log)
	return s
}

// Server is the handle returned by Serial and Pipelined.
type Server struct {
	ch   wire.Channel
	done chan struct{}
}

// Close closes the underlying Channel; the reading loop observes the
// resulting ErrConnectionClosed on its next Read and exits (a pipelined
// server's response loop exits after it, once earlier replies are
// written).
func (s *Server) Close() error { return s.ch.Close() }

// Done is closed once every loop goroutine backing this Server has
// exited.
func (s *Server) Done() <-chan struct{} { return s.done }

func (s *Server) runSerial(ctx context.Context, h Handler, log *slog.Logger) {
	defer close(s.done)
	for {
		req, err := s.ch.Read(ctx)
		if err != nil {
			if s.ch.Drained() {
				return
			}
			log.Warn("serial server read failed", "err", err)
			return
		}
		if req.Kind == wire.KindClose {
			return
		}

		slot := wire.NewResultHandle[wire.Msg]()
		h(ctx, slot, req)
		resp, err := slot.Wait(ctx)
		if err != nil {
			log.Warn("serial server handler slot never completed", "err", err)
			return
		}
		if err := s.ch.Enqueue(resp); err != nil {
			log.Warn("serial server reply enqueue failed", "err", err)
			return
		}
	}
}
