// Package protocol owns the transport constants shared by every layer.
//
// Ownership boundary:
// - handshake preamble and identity records
// - protocol version and negotiated capabilities
// - sender roles and management package types
package protocol
