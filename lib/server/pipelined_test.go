package server

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/onkernel/relaycore/lib/wire"
)

func TestPipelinedServerEchoesInOrder(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clientSide, serverSide := newChannelPair()
	srv := Pipelined(ctx, serverSide, echoHandlerForTest, nil)
	defer srv.Close()

	for i := 0; i < 10; i++ {
		require.NoError(t, clientSide.Enqueue(wire.Data(i)))
	}
	for i := 0; i < 10; i++ {
		m, err := clientSide.Read(ctx)
		require.NoError(t, err)
		require.Equal(t, i, m.Data)
	}
}

// TestPipelinedServerOrdersRepliesDespiteOutOfOrderHandlerCompletion
// checks that a handler finishing requests out of order still sees
// its replies go out in arrival order.
func TestPipelinedServerOrdersRepliesDespiteOutOfOrderHandlerCompletion(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clientSide, serverSide := newChannelPair()

	var mu sync.Mutex
	delays := map[int]time.Duration{0: 30 * time.Millisecond, 1: 5 * time.Millisecond, 2: 15 * time.Millisecond}
	handler := func(ctx context.Context, slot *wire.ResultHandle[wire.Msg], req wire.Msg) {
		mu.Lock()
		d := delays[req.Data.(int)]
		mu.Unlock()
		time.Sleep(d)
		slot.Success(wire.Data(req.Data))
	}

	srv := Pipelined(ctx, serverSide, handler, nil)
	defer srv.Close()

	for i := 0; i < 3; i++ {
		require.NoError(t, clientSide.Enqueue(wire.Data(i)))
	}
	for i := 0; i < 3; i++ {
		m, err := clientSide.Read(ctx)
		require.NoError(t, err)
		require.Equal(t, i, m.Data)
	}
}

func TestPipelinedServerExitsOnClose(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, serverSide := newChannelPair()
	srv := Pipelined(ctx, serverSide, echoHandlerForTest, nil)

	require.NoError(t, srv.Close())

	select {
	case <-srv.Done():
	case <-time.After(time.Second):
		t.Fatal("pipelined server never exited after Close")
	}
}
