// Package server assembles the gateway from its parts: HTTP routes, the
// WebSocket upgrade path, and the router and hub behind them.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Gateway wires the router, hub, origin policy, and HTTP surface together.
// One Gateway owns one Router; all registries live for exactly as long as
// the gateway runs.
type Gateway struct {
	cfg      Config
	log      *slog.Logger
	router   *Router
	hub      *Hub
	origins  *originPolicy
	upgrader websocket.Upgrader
}

// NewGateway builds a gateway from sanitized configuration.
func NewGateway(cfg Config, logger *slog.Logger) *Gateway {
	cfg.sanitize()
	router := NewRouter(cfg, logger)

	g := &Gateway{
		cfg:     cfg,
		log:     logger,
		router:  router,
		hub:     NewHub(router, logger),
		origins: newOriginPolicy(cfg.AllowedOrigins),
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     g.checkOrigin,
	}
	return g
}

// Router returns the gateway's connection router.
func (g *Gateway) Router() *Router {
	return g.router
}

// Start launches the hub. Fails if already started.
func (g *Gateway) Start() error {
	return g.hub.Start()
}

// Shutdown stops the hub, closing every live connection and waiting up to
// timeout for their goroutines to drain.
func (g *Gateway) Shutdown(timeout time.Duration) error {
	return g.hub.Stop(timeout)
}

// Routes returns the gateway's HTTP mux: the health endpoint and the
// configured WebSocket path.
func (g *Gateway) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc(g.cfg.WSPath, g.handleWebSocket)
	return mux
}

type healthBody struct {
	OK   bool           `json:"ok"`
	Data map[string]any `json:"data"`
}

func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(healthBody{OK: true, Data: map[string]any{"status": "ok"}}); err != nil {
		g.log.Debug("health.write_error", "error", err)
	}
}

// handleWebSocket upgrades the request and hands the connection to the
// router, which greets it and runs its pumps.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn("gateway.upgrade_failed", "error", err)
		return
	}

	c := newConnection(conn, g.router, r.RemoteAddr)
	if !g.router.Register(c) {
		// Router already stopped; the upgrade raced shutdown.
		_ = conn.Close()
	}
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	if g.origins.allows(r) {
		return true
	}
	g.log.Warn("gateway.origin_blocked", "origin", r.Header.Get("Origin"))
	return false
}
