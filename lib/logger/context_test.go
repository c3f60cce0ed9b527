package logger

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFromContextReturnsDefaultWhenAbsent(t *testing.T) {
	t.Parallel()
	require.Equal(t, slog.Default(), FromContext(context.Background()))
}

func TestAddToContextRoundTrips(t *testing.T) {
	t.Parallel()
	log := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	ctx := AddToContext(context.Background(), log)
	require.Equal(t, log, FromContext(ctx))
}

func TestWithConnectionTagsConnectionAndDescription(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))

	WithConnection(log, "conn-1", "test-supervisor").Info("connected")
	require.Contains(t, buf.String(), "connection_id=conn-1")
	require.Contains(t, buf.String(), "description=test-supervisor")
}
