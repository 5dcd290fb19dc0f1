// Package session owns connection-level settings shared by both peers.
//
// Ownership boundary:
// - timeouts, heartbeat cadence and the receive deadline derived from it
// - job pool sizing
// - reconnect backoff
// - secure channel credential settings and their validation
package session
