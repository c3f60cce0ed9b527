package server

import (
	"context"
	"log/slog"
	"sync"

	"github.com/onkernel/relaycore/lib/wire"
)

// Pipelined runs the pipelined server's request and response loops
// over ch in their own goroutines: the request loop
// reads, allocates a slot, and hands off to h without waiting for it
// to complete; the response loop awaits slots strictly in the order
// they were allocated, so replies go out in request-arrival order
// regardless of handler completion order.
func Pipelined(ctx context.Context, ch wire.Channel, h Handler, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{ch: ch, done: make(chan struct{})}
	p := &pipelinedServer{Server: s, notifyCh: make(chan struct{}, 1)}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); p.requestLoop(ctx, h, log) }()
	go func() { defer wg.Done(); p.responseLoop(ctx, log) }()
	go func() { wg.Wait(); close(s.done) }()
	return s
}

type pipelinedServer struct {
	*Server

	mu       sync.Mutex
	pending  []*wire.ResultHandle[wire.Msg]
	notifyCh chan struct{}
}

func (p *pipelinedServer) pushPending(slot *wire.ResultHandle[wire.Msg]) {
	p.mu.Lock()
	p.pending = append(p.pending, slot)
	ch := p.notifyCh
	p.mu.Unlock()
	if ch != nil {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (p *pipelinedServer) peekPending() (*wire.ResultHandle[wire.Msg], bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pending) == 0 {
		return nil, false
	}
	return p.pending[0], true
}

func (p *pipelinedServer) popPending() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pending) > 0 {
		p.pending = p.pending[1:]
	}
}

func (p *pipelinedServer) requestLoop(ctx context.Context, h Handler, log *slog.Logger) {
	defer p.pushPending(nil) // a nil slot tells the response loop to exit
	for {
		req, err := p.ch.Read(ctx)
		if err != nil {
			if !p.ch.Drained() {
				log.Warn("pipelined server read failed", "err", err)
			}
			return
		}
		if req.Kind == wire.KindClose {
			return
		}

		slot := wire.NewResultHandle[wire.Msg]()
		p.pushPending(slot)
		go h(ctx, slot, req)
	}
}

func (p *pipelinedServer) responseLoop(ctx context.Context, log *slog.Logger) {
	for {
		slot, ok := p.peekPending()
		if !ok {
			select {
			case <-p.notifyCh:
				continue
			case <-ctx.Done():
				return
			}
		}
		if slot == nil { // request loop has exited
			return
		}

		resp, err := slot.Wait(ctx)
		if err != nil {
			log.Warn("pipelined server handler slot never completed", "err", err)
			return
		}
		if err := p.ch.Enqueue(resp); err != nil {
			log.Warn("pipelined server reply enqueue failed", "err", err)
			return
		}
		p.popPending()
	}
}
