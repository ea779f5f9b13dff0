package server

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubStartTwiceFails(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := NewHub(NewRouter(DefaultConfig(), logger), logger)

	require.NoError(t, hub.Start())
	assert.ErrorIs(t, hub.Start(), ErrHubStarted)

	require.NoError(t, hub.Stop(time.Second))
}

func TestHubStopIsIdempotent(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := NewHub(NewRouter(DefaultConfig(), logger), logger)

	assert.NoError(t, hub.Stop(time.Second), "stop before start is a no-op")

	require.NoError(t, hub.Start())
	assert.NoError(t, hub.Stop(time.Second))
	assert.NoError(t, hub.Stop(time.Second))
}

func TestHubStopRejectsNewRegistrations(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	router := NewRouter(DefaultConfig(), logger)
	hub := NewHub(router, logger)

	require.NoError(t, hub.Start())
	require.NoError(t, hub.Stop(time.Second))

	c := newConnection(nil, router, "late-peer")
	assert.False(t, router.Register(c), "registrations after stop are refused")
}
