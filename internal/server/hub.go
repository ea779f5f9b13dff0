// Package server binds the router to its lifecycle through the Hub type:
// starting the run loop, stopping it, and draining connection goroutines.
package server

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrHubStarted is returned when Start is called on a running hub. A double
// start is caller misuse, not a runtime condition.
var ErrHubStarted = errors.New("hub already started")

// Hub owns the start/stop lifecycle of the router's run loop. It holds no
// routing state itself.
type Hub struct {
	mu      sync.Mutex
	router  *Router
	log     *slog.Logger
	cancel  context.CancelFunc
	started bool
}

// NewHub creates a hub for the given router.
func NewHub(router *Router, logger *slog.Logger) *Hub {
	return &Hub{router: router, log: logger}
}

// Start launches the router's run loop. It fails if the hub is already
// running.
func (h *Hub) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.started {
		return ErrHubStarted
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.started = true
	go h.router.run(ctx)

	h.log.Info("hub.started")
	return nil
}

// Stop shuts the router down: no new connections are admitted, every live
// transport is closed, and the pump goroutines are drained. It waits up to
// timeout for the drain and is a no-op when the hub never started.
func (h *Hub) Stop(timeout time.Duration) error {
	h.mu.Lock()
	if !h.started {
		h.mu.Unlock()
		return nil
	}
	cancel := h.cancel
	h.started = false
	h.mu.Unlock()

	cancel()
	<-h.router.stopped

	drained := make(chan struct{})
	go func() {
		h.router.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		h.log.Info("hub.stopped")
		return nil
	case <-time.After(timeout):
		h.log.Warn("hub.stop_timeout")
		return context.DeadlineExceeded
	}
}
