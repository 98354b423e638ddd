package types

import (
	"encoding/json"
	"time"
)

// EventType enumerates the fixed wire vocabulary. The set is closed:
// handlers dispatch over it exhaustively and treat anything else as a
// bad request rather than falling through silently.
type EventType string

const (
	// Inbound events.
	EventAuth      EventType = "auth"
	EventJoinCase  EventType = "join:case"
	EventLeaveCase EventType = "leave:case"
	EventSend      EventType = "message:send"
	EventMarkRead  EventType = "message:markRead"

	// Outbound events.
	EventMessageNew  EventType = "message:new"
	EventMessageRead EventType = "message:read"
	EventJoinedCase  EventType = "joined:case"
	EventError       EventType = "error"
)

// Envelope is the transport-agnostic wire frame. Payload stays raw until
// the handler knows the event type.
type Envelope struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals v into an envelope of the given type. A marshal
// failure is a programming error on one of our own payload structs, so it
// panics rather than returning an error nobody can act on.
func NewEnvelope(t EventType, v interface{}) Envelope {
	data, err := json.Marshal(v)
	if err != nil {
		panic("types: unmarshalable payload: " + err.Error())
	}
	return Envelope{Type: t, Payload: data}
}

// PrincipalKind distinguishes the two authentication regimes.
type PrincipalKind string

const (
	PrincipalStaff  PrincipalKind = "staff"
	PrincipalClient PrincipalKind = "client"
)

// StaffRole qualifies a staff principal.
type StaffRole string

const (
	StaffRoleAdmin    StaffRole = "admin"
	StaffRoleAssignee StaffRole = "assignee"
)

// Sender classifications persisted with each message.
const (
	SenderStaffAdmin    = "staff-admin"
	SenderStaffAssignee = "staff-assignee"
	SenderClient        = "client"
)

// Principal is the authenticated identity bound to a connection. A
// connection holds at most one; a fresh auth event replaces it wholesale.
type Principal struct {
	Kind PrincipalKind `json:"kind"`

	// Staff fields.
	UserID string    `json:"user_id,omitempty"`
	Role   StaffRole `json:"role,omitempty"`

	// Client fields. CaseID is the single case the access link is bound
	// to; a client principal can never join any other case's room.
	LinkID string `json:"link_id,omitempty"`
	CaseID string `json:"case_id,omitempty"`
}

// Identity returns the recipient identity used for read-tracking: the
// staff user id, or the link id for anonymous clients.
func (p *Principal) Identity() string {
	if p.Kind == PrincipalClient {
		return p.LinkID
	}
	return p.UserID
}

// SenderClass maps the principal onto the persisted sender classification.
func (p *Principal) SenderClass() string {
	switch {
	case p.Kind == PrincipalClient:
		return SenderClient
	case p.Role == StaffRoleAdmin:
		return SenderStaffAdmin
	default:
		return SenderStaffAssignee
	}
}

// Message is an immutable persisted unit of communication. Client-sent
// messages carry a link id instead of a sender id.
type Message struct {
	ID          string    `json:"id"`
	CaseID      string    `json:"case_id"`
	Body        string    `json:"body"`
	SenderClass string    `json:"sender_class"`
	SenderID    *string   `json:"sender_id,omitempty"`
	LinkID      *string   `json:"link_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// ReadReceipt records that a recipient has seen a message. At most one
// exists per (message, recipient) pair.
type ReadReceipt struct {
	MessageID   string    `json:"message_id"`
	RecipientID string    `json:"recipient_id"`
	ReadAt      time.Time `json:"read_at"`
}

// AccessLink is a single-use capability granting a client principal
// scoped to one case. Valid while the token hash matches, the expiry (if
// any) is in the future, and it has not been revoked.
type AccessLink struct {
	ID        string     `json:"id"`
	CaseID    string     `json:"case_id"`
	TokenHash string     `json:"-"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// AuthPayload is the inbound auth event body. Staff connections carry an
// identity already established by the session layer; client connections
// carry the raw link token.
type AuthPayload struct {
	Kind   PrincipalKind `json:"kind"`
	UserID string        `json:"user_id,omitempty"`
	Token  string        `json:"token,omitempty"`
}

// JoinPayload is the body of join:case, leave:case and joined:case.
type JoinPayload struct {
	CaseID string `json:"case_id"`
}

// SendPayload is the body of message:send. Clients may omit CaseID; it
// resolves to their bound case.
type SendPayload struct {
	CaseID string `json:"case_id,omitempty"`
	Body   string `json:"body"`
}

// MarkReadPayload is the body of message:markRead.
type MarkReadPayload struct {
	CaseID    string `json:"case_id"`
	MessageID string `json:"message_id"`
}

// ReadPayload is the body of the outbound message:read event.
type ReadPayload struct {
	CaseID      string    `json:"case_id"`
	MessageID   string    `json:"message_id"`
	RecipientID string    `json:"recipient_id"`
	ReadAt      time.Time `json:"read_at"`
}

// ErrorPayload is the body of the outbound error event.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ChangeEvent is the coarse "something changed" signal consumed by
// non-chat surfaces (notification inbox, dashboard refresh). It names the
// case and the kind of change, never what changed inside it.
type ChangeEvent struct {
	CaseID string    `json:"case_id"`
	Type   EventType `json:"type"`
}
