package interfaces

import (
	"context"
	"errors"
	"time"

	"casewire/pkg/types"
)

// ErrLinkNotFound is returned by LinkStore lookups when no access link
// matches the token hash.
var ErrLinkNotFound = errors.New("store: access link not found")

// MessageStore is the persistence bridge the core writes through. Both
// write operations must be atomic from the caller's point of view; the
// handler broadcasts only after they return.
type MessageStore interface {
	// CreateMessage persists a new immutable message and returns it with
	// server-assigned id and timestamp.
	CreateMessage(ctx context.Context, caseID, body, senderClass string, senderID, linkID *string) (*types.Message, error)

	// UpsertReadReceipt records that recipientID has seen messageID.
	// Idempotent: repeat marking neither errors nor duplicates.
	UpsertReadReceipt(ctx context.Context, messageID, recipientID string) error

	// ListMessages returns a case's messages ordered by creation time.
	ListMessages(ctx context.Context, caseID string) ([]*types.Message, error)

	// CountUnread returns the number of messages the recipient has no
	// receipt for.
	CountUnread(ctx context.Context, recipientID string) (int, error)

	// CountUnreadByCase breaks the unread count down per case.
	CountUnreadByCase(ctx context.Context, recipientID string) (map[string]int, error)
}

// LinkStore resolves and manages access links. Lookups are by token
// digest, never by raw token.
type LinkStore interface {
	// GetLinkByTokenHash returns the link whose stored hash matches, or
	// ErrLinkNotFound.
	GetLinkByTokenHash(ctx context.Context, tokenHash string) (*types.AccessLink, error)

	// CreateAccessLink provisions a link bound to one case. expiresAt nil
	// means no expiry.
	CreateAccessLink(ctx context.Context, caseID, tokenHash string, expiresAt *time.Time) (*types.AccessLink, error)

	// RevokeAccessLink stamps the link revoked. Idempotent.
	RevokeAccessLink(ctx context.Context, linkID string) error
}

// StaffDirectory resolves a pre-validated staff identity to its role.
// Owned by the session collaborator; the core only consumes it.
type StaffDirectory interface {
	ResolveStaff(ctx context.Context, userID string) (types.StaffRole, error)
}
