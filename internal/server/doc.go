// Package server implements the relay gateway core: a WebSocket connection
// router with group membership, per-group presence, and session metadata.
//
// The implementation is organized into specialized files for the protocol,
// configuration, presence and session registries, connection pumps, the
// router run loop, and hub lifecycle to keep the codebase maintainable and
// testable as the project grows.
package server
