package auth

import (
	"context"
	"sync"

	"casewire/pkg/types"
)

// StaticDirectory is an in-memory StaffDirectory, populated from
// configuration at startup. Deployments with a real session service plug
// their own implementation in instead.
type StaticDirectory struct {
	mu    sync.RWMutex
	roles map[string]types.StaffRole
}

// NewStaticDirectory builds a directory from a user-id to role map.
func NewStaticDirectory(roles map[string]types.StaffRole) *StaticDirectory {
	d := &StaticDirectory{roles: make(map[string]types.StaffRole, len(roles))}
	for id, role := range roles {
		d.roles[id] = role
	}
	return d
}

// Add registers or updates a staff member.
func (d *StaticDirectory) Add(userID string, role types.StaffRole) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.roles[userID] = role
}

// ResolveStaff implements interfaces.StaffDirectory. Unknown identities
// default to the assignee role: the session layer has already vouched for
// the identity, and assignee is the least-privileged classification.
func (d *StaticDirectory) ResolveStaff(_ context.Context, userID string) (types.StaffRole, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if role, ok := d.roles[userID]; ok {
		return role, nil
	}
	return types.StaffRoleAssignee, nil
}
