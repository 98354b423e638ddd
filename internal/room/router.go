package room

import (
	"sync"

	"go.uber.org/zap"

	"casewire/pkg/interfaces"
	"casewire/pkg/types"
)

// Router maps case identifiers to the connections currently subscribed to
// them. Rooms and memberships form a bidirectional index mutated together
// under one lock; rooms are created implicitly on first join and
// garbage-collected when their member set empties.
type Router struct {
	mu sync.Mutex
	// caseID -> connID -> connection
	rooms map[string]map[string]interfaces.Connection
	// connID -> set of caseIDs, kept in lockstep with rooms
	memberships map[string]map[string]struct{}

	// onDead is invoked (outside the lock) for connections whose writes
	// fail during broadcast; the registry uses it to schedule cleanup.
	onDead func(interfaces.Connection)

	logger *zap.Logger
}

// NewRouter creates an empty room router.
func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		rooms:       make(map[string]map[string]interfaces.Connection),
		memberships: make(map[string]map[string]struct{}),
		logger:      logger,
	}
}

// OnDeadConnection registers the cleanup hook for connections detected as
// no longer writable during broadcast.
func (r *Router) OnDeadConnection(fn func(interfaces.Connection)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onDead = fn
}

// Join subscribes conn to the case's room. Client principals may only
// join the case bound to their access link; any other case id is the
// isolation boundary and returns ErrForbidden. Idempotent.
func (r *Router) Join(conn interfaces.Connection, caseID string) error {
	p := conn.Principal()
	if p == nil {
		return types.ErrAuthRequired
	}
	if p.Kind == types.PrincipalClient && p.CaseID != caseID {
		return types.ErrForbidden
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.rooms[caseID] == nil {
		r.rooms[caseID] = make(map[string]interfaces.Connection)
	}
	r.rooms[caseID][conn.ID()] = conn

	if r.memberships[conn.ID()] == nil {
		r.memberships[conn.ID()] = make(map[string]struct{})
	}
	r.memberships[conn.ID()][caseID] = struct{}{}

	return nil
}

// Leave unsubscribes conn from the case's room. Idempotent no-op when the
// connection was not a member.
func (r *Router) Leave(conn interfaces.Connection, caseID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.remove(conn.ID(), caseID)
}

// LeaveAll removes conn from every room it had joined. Called by the
// registry on disconnect so no orphaned membership survives.
func (r *Router) LeaveAll(conn interfaces.Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for caseID := range r.memberships[conn.ID()] {
		r.remove(conn.ID(), caseID)
	}
}

// remove deletes one membership edge from both sides of the index.
// Caller holds r.mu.
func (r *Router) remove(connID, caseID string) {
	if members, ok := r.rooms[caseID]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(r.rooms, caseID)
		}
	}
	if cases, ok := r.memberships[connID]; ok {
		delete(cases, caseID)
		if len(cases) == 0 {
			delete(r.memberships, connID)
		}
	}
}

// Broadcast delivers the event to every local member of the case's room,
// in arbitrary order. Connections whose write fails are treated as
// implicitly disconnected: they are handed to the dead-connection hook
// and not retried.
func (r *Router) Broadcast(caseID string, env types.Envelope) {
	r.mu.Lock()
	members := make([]interfaces.Connection, 0, len(r.rooms[caseID]))
	for _, conn := range r.rooms[caseID] {
		members = append(members, conn)
	}
	onDead := r.onDead
	r.mu.Unlock()

	for _, conn := range members {
		if err := conn.WriteJSON(env); err != nil {
			r.logger.Warn("dropping unwritable room member",
				zap.String("case_id", caseID),
				zap.String("conn_id", conn.ID()),
				zap.Error(err))
			if onDead != nil {
				onDead(conn)
			}
		}
	}
}

// MemberCount reports the current size of a room.
func (r *Router) MemberCount(caseID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms[caseID])
}

// IsMember reports whether the connection is currently in the room.
func (r *Router) IsMember(connID, caseID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.rooms[caseID][connID]
	return ok
}

// Memberships returns the case ids the connection has joined.
func (r *Router) Memberships(connID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	cases := make([]string, 0, len(r.memberships[connID]))
	for caseID := range r.memberships[connID] {
		cases = append(cases, caseID)
	}
	return cases
}
