package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"casewire/internal/auth"
	"casewire/internal/room"
	"casewire/pkg/interfaces"
	"casewire/pkg/types"
)

// Hub owns the per-event handling logic: it runs the auth gate, enforces
// room isolation, persists before broadcasting, and publishes to the
// relay after local fan-out. One instance is shared by every connection's
// read pump.
type Hub struct {
	gate  *auth.Gate
	rooms *room.Router
	store interfaces.MessageStore
	relay interfaces.Relay

	relayTimeout time.Duration

	mu        sync.RWMutex
	listeners []func(types.ChangeEvent)

	logger *zap.Logger
}

// NewHub wires the handler to its collaborators. relay may be nil when
// the process runs alone.
func NewHub(gate *auth.Gate, rooms *room.Router, store interfaces.MessageStore, relay interfaces.Relay, logger *zap.Logger) *Hub {
	return &Hub{
		gate:         gate,
		rooms:        rooms,
		store:        store,
		relay:        relay,
		relayTimeout: 5 * time.Second,
		logger:       logger,
	}
}

// OnChange registers a listener for the coarse "something changed"
// signal. Listeners fire for local sends and read-marks and for events
// arriving over the relay; they must not block.
func (h *Hub) OnChange(fn func(types.ChangeEvent)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listeners = append(h.listeners, fn)
}

// HandleEvent dispatches one inbound event for a connection. Events are
// processed in receipt order per connection. A non-nil return means the
// connection is beyond use and must be closed; every other failure has
// already been reported back to the originating connection only.
func (h *Hub) HandleEvent(ctx context.Context, conn interfaces.Connection, env types.Envelope) (fatal error) {
	// One misbehaving event must not take the connection down with it.
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("event handler panic",
				zap.String("conn_id", conn.ID()),
				zap.String("event", string(env.Type)),
				zap.Any("panic", r))
			h.writeError(conn, fmt.Errorf("%w: internal error", types.ErrBadRequest))
			fatal = nil
		}
	}()

	if env.Type != types.EventAuth && conn.Principal() == nil {
		// Only auth is accepted until a principal is attached; anything
		// else means the peer skipped authentication entirely.
		h.writeError(conn, types.ErrAuthRequired)
		return types.ErrAuthRequired
	}

	switch env.Type {
	case types.EventAuth:
		return h.handleAuth(ctx, conn, env.Payload)
	case types.EventJoinCase:
		h.handleJoin(ctx, conn, env.Payload)
	case types.EventLeaveCase:
		h.handleLeave(conn, env.Payload)
	case types.EventSend:
		h.handleSend(ctx, conn, env.Payload)
	case types.EventMarkRead:
		h.handleMarkRead(ctx, conn, env.Payload)
	case types.EventMessageNew, types.EventMessageRead, types.EventJoinedCase, types.EventError:
		// Outbound-only types arriving inbound.
		h.writeError(conn, fmt.Errorf("%w: %s is not an inbound event", types.ErrBadRequest, env.Type))
	default:
		h.writeError(conn, fmt.Errorf("%w: unknown event type %q", types.ErrBadRequest, env.Type))
	}
	return nil
}

// handleAuth runs the gate. Rejections are the one failure class that
// closes the connection: the error event goes out first, then the caller
// tears the transport down so no half-authenticated connection lingers.
func (h *Hub) handleAuth(ctx context.Context, conn interfaces.Connection, raw json.RawMessage) error {
	var payload types.AuthPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		h.writeError(conn, types.ErrAuthRequired)
		return types.ErrAuthRequired
	}

	principal, err := h.gate.Authenticate(ctx, payload)
	if err != nil {
		h.logger.Info("authentication rejected",
			zap.String("conn_id", conn.ID()),
			zap.String("kind", string(payload.Kind)),
			zap.Error(err))
		h.writeError(conn, err)
		return err
	}

	conn.SetPrincipal(principal)
	h.logger.Info("connection authenticated",
		zap.String("conn_id", conn.ID()),
		zap.String("kind", string(principal.Kind)),
		zap.String("identity", principal.Identity()))

	// A client principal is implicitly a member of its bound case.
	if principal.Kind == types.PrincipalClient {
		if err := h.rooms.Join(conn, principal.CaseID); err != nil {
			h.writeError(conn, err)
			return err
		}
		h.ackJoin(ctx, conn, principal.CaseID)
	}
	return nil
}

func (h *Hub) handleJoin(ctx context.Context, conn interfaces.Connection, raw json.RawMessage) {
	var payload types.JoinPayload
	if err := json.Unmarshal(raw, &payload); err != nil || payload.CaseID == "" {
		h.writeError(conn, fmt.Errorf("%w: join requires case_id", types.ErrBadRequest))
		return
	}

	if err := h.rooms.Join(conn, payload.CaseID); err != nil {
		// Cross-case join by a client principal lands here; the peer gets
		// a clear rejection rather than a silent failure.
		h.writeError(conn, err)
		return
	}
	h.ackJoin(ctx, conn, payload.CaseID)
}

// ackJoin acknowledges room membership and replays the case's history so
// reconnecting peers reconcile missed traffic by refetch.
func (h *Hub) ackJoin(ctx context.Context, conn interfaces.Connection, caseID string) {
	if err := conn.WriteJSON(types.NewEnvelope(types.EventJoinedCase, types.JoinPayload{CaseID: caseID})); err != nil {
		return
	}

	history, err := h.store.ListMessages(ctx, caseID)
	if err != nil {
		h.logger.Warn("history replay failed",
			zap.String("case_id", caseID), zap.Error(err))
		return
	}
	for _, msg := range history {
		if err := conn.WriteJSON(types.NewEnvelope(types.EventMessageNew, msg)); err != nil {
			return
		}
	}
}

func (h *Hub) handleLeave(conn interfaces.Connection, raw json.RawMessage) {
	var payload types.JoinPayload
	if err := json.Unmarshal(raw, &payload); err != nil || payload.CaseID == "" {
		h.writeError(conn, fmt.Errorf("%w: leave requires case_id", types.ErrBadRequest))
		return
	}
	h.rooms.Leave(conn, payload.CaseID)
}

// handleSend persists the message, records the sender's own read receipt,
// broadcasts to local room members, and only then publishes to the relay.
// Persistence strictly precedes the broadcast: a send that fails to save
// must never appear to have succeeded anywhere.
func (h *Hub) handleSend(ctx context.Context, conn interfaces.Connection, raw json.RawMessage) {
	var payload types.SendPayload
	if err := json.Unmarshal(raw, &payload); err != nil || payload.Body == "" {
		h.writeError(conn, fmt.Errorf("%w: send requires body", types.ErrBadRequest))
		return
	}

	principal := conn.Principal()
	caseID, err := resolveCase(principal, payload.CaseID)
	if err != nil {
		h.writeError(conn, err)
		return
	}

	var senderID, linkID *string
	if principal.Kind == types.PrincipalClient {
		linkID = &principal.LinkID
	} else {
		senderID = &principal.UserID
	}

	msg, err := h.store.CreateMessage(ctx, caseID, payload.Body, principal.SenderClass(), senderID, linkID)
	if err != nil {
		h.logger.Warn("message persistence failed",
			zap.String("case_id", caseID), zap.Error(err))
		h.writeError(conn, err)
		return
	}

	// The sender has trivially seen its own message; recording the
	// receipt here keeps it out of the sender's unread counts on both
	// the staff and the client path.
	if err := h.store.UpsertReadReceipt(ctx, msg.ID, principal.Identity()); err != nil {
		h.logger.Warn("self receipt failed",
			zap.String("message_id", msg.ID), zap.Error(err))
	}

	out := types.NewEnvelope(types.EventMessageNew, msg)
	h.rooms.Broadcast(caseID, out)
	h.publishRelay(caseID, out)
	h.notifyChange(types.ChangeEvent{CaseID: caseID, Type: types.EventMessageNew})
}

// handleMarkRead idempotently records the receipt and fans the read event
// out the same way sends are.
func (h *Hub) handleMarkRead(ctx context.Context, conn interfaces.Connection, raw json.RawMessage) {
	var payload types.MarkReadPayload
	if err := json.Unmarshal(raw, &payload); err != nil || payload.MessageID == "" {
		h.writeError(conn, fmt.Errorf("%w: markRead requires message_id", types.ErrBadRequest))
		return
	}

	principal := conn.Principal()
	caseID, err := resolveCase(principal, payload.CaseID)
	if err != nil {
		h.writeError(conn, err)
		return
	}

	recipient := principal.Identity()
	if err := h.store.UpsertReadReceipt(ctx, payload.MessageID, recipient); err != nil {
		h.logger.Warn("receipt persistence failed",
			zap.String("message_id", payload.MessageID), zap.Error(err))
		h.writeError(conn, err)
		return
	}

	out := types.NewEnvelope(types.EventMessageRead, types.ReadPayload{
		CaseID:      caseID,
		MessageID:   payload.MessageID,
		RecipientID: recipient,
		ReadAt:      time.Now().UTC(),
	})
	h.rooms.Broadcast(caseID, out)
	h.publishRelay(caseID, out)
	h.notifyChange(types.ChangeEvent{CaseID: caseID, Type: types.EventMessageRead})
}

// DeliverRemote hands an event that arrived over the relay to this
// process's local room members. The relay has already filtered out events
// we originated, so nothing is double-delivered.
func (h *Hub) DeliverRemote(caseID string, env types.Envelope) {
	h.rooms.Broadcast(caseID, env)
	h.notifyChange(types.ChangeEvent{CaseID: caseID, Type: env.Type})
}

// resolveCase applies the isolation rule once for every case-addressed
// event: clients act only on their bound case, staff must name a case.
func resolveCase(p *types.Principal, requested string) (string, error) {
	if p.Kind == types.PrincipalClient {
		if requested != "" && requested != p.CaseID {
			return "", types.ErrForbidden
		}
		return p.CaseID, nil
	}
	if requested == "" {
		return "", fmt.Errorf("%w: case_id required", types.ErrBadRequest)
	}
	return requested, nil
}

// publishRelay announces the event to sibling processes. Local delivery
// already succeeded, so a relay failure is logged and swallowed; it never
// surfaces to a client.
func (h *Hub) publishRelay(caseID string, env types.Envelope) {
	if h.relay == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), h.relayTimeout)
		defer cancel()
		if err := h.relay.Publish(ctx, caseID, env); err != nil {
			h.logger.Warn("relay publish failed",
				zap.String("case_id", caseID),
				zap.String("event", string(env.Type)),
				zap.Error(err))
		}
	}()
}

func (h *Hub) notifyChange(ev types.ChangeEvent) {
	h.mu.RLock()
	listeners := h.listeners
	h.mu.RUnlock()

	for _, fn := range listeners {
		fn(ev)
	}
}

func (h *Hub) writeError(conn interfaces.Connection, err error) {
	payload := types.ErrorPayload{
		Code:    types.ErrorCode(err),
		Message: err.Error(),
	}
	if werr := conn.WriteJSON(types.NewEnvelope(types.EventError, payload)); werr != nil {
		h.logger.Debug("error event undeliverable",
			zap.String("conn_id", conn.ID()), zap.Error(werr))
	}
}
