package interfaces

import "casewire/pkg/types"

// Connection is one live transport session. Implementations must make
// WriteJSON safe for concurrent use (single-writer pattern) and Close
// idempotent.
type Connection interface {
	// ID returns the opaque connection identity, unique per transport
	// session.
	ID() string

	// WriteJSON sends a JSON frame to the peer (thread-safe).
	WriteJSON(v interface{}) error

	// Close tears down the transport and releases resources.
	Close() error

	// Principal returns the attached principal, or nil while the
	// connection is still unauthenticated.
	Principal() *types.Principal

	// SetPrincipal attaches or replaces the connection's principal.
	SetPrincipal(p *types.Principal)
}
