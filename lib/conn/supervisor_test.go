package conn

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/onkernel/relaycore/lib/wire"
)

// scriptedGenerator returns channels from a fixed sequence of memory
// Channels (or errors), one per call, so tests can script reconnect
// attempts deterministically.
func scriptedGenerator(t *testing.T, steps ...func() (wire.Channel, error)) (Generator, *int32) {
	var idx int32
	return func(ctx context.Context) (wire.Channel, error) {
		i := atomic.AddInt32(&idx, 1) - 1
		if int(i) >= len(steps) {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return steps[i]()
	}, &idx
}

func TestSupervisorPublishesFirstConnection(t *testing.T) {
	t.Parallel()
	ch := wire.NewMemChannel()
	gen, _ := scriptedGenerator(t, func() (wire.Channel, error) { return ch, nil })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sup := New(ctx, "test", gen)

	got, err := sup.Get().Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, ch, got)
}

func TestSupervisorRetriesGeneratorFailureThenSucceeds(t *testing.T) {
	t.Parallel()
	ch := wire.NewMemChannel()
	gen, idx := scriptedGenerator(t,
		func() (wire.Channel, error) { return nil, errors.New("dial failed") },
		func() (wire.Channel, error) { return ch, nil },
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sup := New(ctx, "test", gen)

	got, err := sup.Get().Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, ch, got)
	require.Equal(t, int32(2), atomic.LoadInt32(idx))
}

func TestSupervisorReplacesHandleOnConnectionLoss(t *testing.T) {
	t.Parallel()
	first := wire.NewMemChannel()
	second := wire.NewMemChannel()
	gen, _ := scriptedGenerator(t,
		func() (wire.Channel, error) { return first, nil },
		func() (wire.Channel, error) { return second, nil },
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sup := New(ctx, "test", gen)

	firstHandle := sup.Get()
	got, err := firstHandle.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, first, got)

	require.NoError(t, first.Close())

	require.Eventually(t, func() bool {
		got, err := sup.Get().Wait(context.Background())
		return err == nil && got == second
	}, time.Second, 5*time.Millisecond)

	// the old handle keeps resolving to the now-dead channel forever.
	stillFirst, err := firstHandle.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, first, stillFirst)
}

func TestSupervisorShutdownPublishesClosedSentinel(t *testing.T) {
	t.Parallel()
	ch := wire.NewMemChannel()
	gen, _ := scriptedGenerator(t, func() (wire.Channel, error) { return ch, nil })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sup := New(ctx, "test", gen)

	_, err := sup.Get().Wait(ctx)
	require.NoError(t, err)

	sup.Shutdown()

	select {
	case <-sup.Done():
	case <-time.After(time.Second):
		t.Fatal("supervisor never finished shutting down")
	}

	got, err := sup.Get().Wait(ctx)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestSupervisorSubscribeNotifiesOnTransition(t *testing.T) {
	t.Parallel()
	first := wire.NewMemChannel()
	second := wire.NewMemChannel()
	gen, _ := scriptedGenerator(t,
		func() (wire.Channel, error) { return first, nil },
		func() (wire.Channel, error) { return second, nil },
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sup := New(ctx, "test", gen)

	sub, unsub := sup.Subscribe()
	defer unsub()

	select {
	case <-sub:
	case <-time.After(time.Second):
		t.Fatal("no notification for initial connection")
	}

	require.NoError(t, first.Close())

	select {
	case <-sub:
	case <-time.After(time.Second):
		t.Fatal("no notification for reconnection")
	}
}

func TestSupervisorWithMaxBackoffCapsReconnectDelay(t *testing.T) {
	t.Parallel()
	ch := wire.NewMemChannel()
	gen, _ := scriptedGenerator(t,
		func() (wire.Channel, error) { return nil, errors.New("dial failed") },
		func() (wire.Channel, error) { return nil, errors.New("dial failed") },
		func() (wire.Channel, error) { return nil, errors.New("dial failed") },
		func() (wire.Channel, error) { return ch, nil },
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	start := time.Now()
	sup := New(ctx, "test", gen, WithMaxBackoff(5*time.Millisecond))

	_, err := sup.Get().Wait(ctx)
	require.NoError(t, err)
	// Uncapped, the third retry alone would sleep 2s (500ms+1000ms+2000ms
	// ladder); a 5ms cap keeps the whole sequence well under that.
	require.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestSupervisorOnConnectRunsBeforePublish(t *testing.T) {
	t.Parallel()
	ch := wire.NewMemChannel()
	gen, _ := scriptedGenerator(t, func() (wire.Channel, error) { return ch, nil })

	var mu sync.Mutex
	var seen wire.Channel
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sup := New(ctx, "test", gen, WithOnConnect(func(c wire.Channel) {
		mu.Lock()
		seen = c
		mu.Unlock()
	}))

	got, err := sup.Get().Wait(ctx)
	require.NoError(t, err)
	mu.Lock()
	require.Equal(t, got, seen)
	mu.Unlock()
}
