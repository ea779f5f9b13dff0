// Package server constructs the gateway's HTTP listener with production
// timeout defaults and a graceful shutdown helper.
package server

import (
	"context"
	"net/http"
	"time"
)

// NewHTTPServer creates the HTTP server fronting the gateway.
func NewHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// ShutdownHTTPServer stops accepting new requests and waits for in-flight
// ones to finish, up to timeout.
func ShutdownHTTPServer(server *http.Server, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return server.Shutdown(ctx)
}
