package websocket

import (
	"sync"

	"go.uber.org/zap"

	"casewire/pkg/interfaces"
)

// roomLeaver is the slice of the room router the registry needs: removal
// from every room exactly once on disconnect.
type roomLeaver interface {
	LeaveAll(interfaces.Connection)
}

// Registry tracks live connections for this process. It is process-local
// by design; the broadcast relay compensates for state that is not shared
// across instances.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]interfaces.Connection
	rooms  roomLeaver
	logger *zap.Logger
}

// NewRegistry creates a connection registry. rooms receives LeaveAll on
// every unregistration.
func NewRegistry(rooms roomLeaver, logger *zap.Logger) *Registry {
	return &Registry{
		conns:  make(map[string]interfaces.Connection),
		rooms:  rooms,
		logger: logger,
	}
}

// Register records a fresh connection. The connection starts without a
// principal and cannot join rooms or send messages until one is attached.
func (r *Registry) Register(conn interfaces.Connection) error {
	if conn == nil {
		return ErrNilConnection
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[conn.ID()] = conn
	return nil
}

// Unregister removes the connection from every joined room and discards
// it. Idempotent: a second call for the same connection is a no-op.
func (r *Registry) Unregister(conn interfaces.Connection) {
	if conn == nil {
		return
	}

	r.mu.Lock()
	_, exists := r.conns[conn.ID()]
	delete(r.conns, conn.ID())
	r.mu.Unlock()

	if !exists {
		return
	}

	// Room removal happens before the connection is fully discarded so a
	// concurrent broadcast never addresses an orphaned membership.
	r.rooms.LeaveAll(conn)
	_ = conn.Close()

	r.logger.Debug("connection unregistered", zap.String("conn_id", conn.ID()))
}

// Get returns the connection with the given id.
func (r *Registry) Get(connID string) (interfaces.Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[connID]
	return conn, ok
}

// Len reports the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
