package wire

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestResultHandleSuccessThenWait(t *testing.T) {
	t.Parallel()
	h := NewResultHandle[int]()
	require.False(t, h.IsTerminal())

	h.Success(42)
	require.True(t, h.IsTerminal())

	v, err := h.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, 42, v)
}

func TestResultHandleErrorThenWait(t *testing.T) {
	t.Parallel()
	h := NewResultHandle[int]()
	wantErr := errors.New("boom")
	h.Error(wantErr)

	_, err := h.Wait(context.Background())
	require.ErrorIs(t, err, wantErr)
}

func TestResultHandleCompletesExactlyOnce(t *testing.T) {
	t.Parallel()
	h := NewResultHandle[int]()
	h.Success(1)
	h.Success(2)
	h.Error(errors.New("ignored"))

	v, err := h.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, v)
}

func TestResultHandleWaitRespectsContext(t *testing.T) {
	t.Parallel()
	h := NewResultHandle[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := h.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConstantFiresOnceToAllObservers(t *testing.T) {
	t.Parallel()
	c := NewConstant[string]()
	_, fired := c.Value()
	require.False(t, fired)

	before := c.Fired()
	c.Fire("go")
	c.Fire("ignored")

	select {
	case <-before:
	case <-time.After(time.Second):
		t.Fatal("Fired channel never closed")
	}

	v, fired := c.Value()
	require.True(t, fired)
	require.Equal(t, "go", v)

	// an observer arriving after Fire still sees it immediately.
	select {
	case <-c.Fired():
	default:
		t.Fatal("late observer did not see already-fired Constant")
	}
}
