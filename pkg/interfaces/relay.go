package interfaces

import (
	"context"

	"casewire/pkg/types"
)

// Relay is the best-effort, at-most-once side channel that lets sibling
// processes deliver events to their own locally-registered connections.
// It is explicitly not a durable queue: a process that was down when an
// event fired simply misses it.
type Relay interface {
	// Publish announces an event for a case to all processes. The caller
	// has already delivered locally; a publish failure is logged and
	// swallowed, never surfaced to the end user.
	Publish(ctx context.Context, caseID string, env types.Envelope) error

	// Start begins consuming sibling-process events, invoking deliver for
	// each one not originated by this instance. Returns once the
	// subscription is established; consumption stops when ctx ends.
	Start(ctx context.Context, deliver func(caseID string, env types.Envelope)) error
}
