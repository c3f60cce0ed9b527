package wire

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemChannelEnqueueReadOrder(t *testing.T) {
	t.Parallel()
	ch := NewMemChannel()
	require.NoError(t, ch.Enqueue(Data("a")))
	require.NoError(t, ch.Enqueue(Data("b")))

	ctx := context.Background()
	m1, err := ch.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, "a", m1.Data)

	m2, err := ch.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, "b", m2.Data)
}

func TestMemChannelReadBlocksUntilEnqueue(t *testing.T) {
	t.Parallel()
	ch := NewMemChannel()

	done := make(chan Msg, 1)
	go func() {
		m, err := ch.Read(context.Background())
		require.NoError(t, err)
		done <- m
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, ch.Enqueue(Data("late")))

	select {
	case m := <-done:
		require.Equal(t, "late", m.Data)
	case <-time.After(time.Second):
		t.Fatal("Read never unblocked after Enqueue")
	}
}

func TestMemChannelDrainsAfterClose(t *testing.T) {
	t.Parallel()
	ch := NewMemChannel()
	require.NoError(t, ch.Enqueue(Data("only")))
	require.NoError(t, ch.Close())
	require.False(t, ch.Drained()) // unread message still pending

	_, err := ch.Read(context.Background())
	require.NoError(t, err)
	require.True(t, ch.Drained())

	_, err = ch.Read(context.Background())
	require.ErrorIs(t, err, ErrConnectionClosed)

	require.ErrorIs(t, ch.Enqueue(Data("too late")), ErrEnqueueOnClosed)
}

func TestMemChannelReadRespectsContext(t *testing.T) {
	t.Parallel()
	ch := NewMemChannel()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := ch.Read(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemChannelForkIsNonDestructive(t *testing.T) {
	t.Parallel()
	ch := NewMemChannel()
	fork := ch.Fork()

	require.NoError(t, ch.Enqueue(Data("shared")))

	m1, err := ch.Read(context.Background())
	require.NoError(t, err)
	require.Equal(t, "shared", m1.Data)

	// fork has its own cursor and still observes the same message.
	m2, err := fork.Read(context.Background())
	require.NoError(t, err)
	require.Equal(t, "shared", m2.Data)
}

func TestMemChannelForkSeesLaterAppends(t *testing.T) {
	t.Parallel()
	ch := NewMemChannel()
	fork := ch.Fork()

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = ch.Enqueue(Data("appended-after-fork"))
	}()

	m, err := fork.Read(context.Background())
	require.NoError(t, err)
	require.Equal(t, "appended-after-fork", m.Data)
}
