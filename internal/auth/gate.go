package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"casewire/pkg/interfaces"
	"casewire/pkg/types"
)

// Gate validates inbound auth payloads and yields a typed principal.
// Staff identities arrive pre-validated by the session layer; the gate
// only resolves their role. Client tokens are hashed and looked up
// against the access-link store with a fixed validation order:
// existence, then revocation, then expiry.
type Gate struct {
	links  interfaces.LinkStore
	staff  interfaces.StaffDirectory
	logger *zap.Logger
	now    func() time.Time
}

// NewGate creates an auth gate.
func NewGate(links interfaces.LinkStore, staff interfaces.StaffDirectory, logger *zap.Logger) *Gate {
	return &Gate{
		links:  links,
		staff:  staff,
		logger: logger,
		now:    time.Now,
	}
}

// HashToken produces the deterministic digest used both for storage and
// for lookup. Salted password hashes cannot serve here: the digest is the
// lookup key.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Authenticate validates the payload and returns the principal it grants.
// All returned errors belong to the auth class and must close the
// connection after notification.
func (g *Gate) Authenticate(ctx context.Context, payload types.AuthPayload) (*types.Principal, error) {
	switch payload.Kind {
	case types.PrincipalStaff:
		return g.authenticateStaff(ctx, payload)
	case types.PrincipalClient:
		return g.authenticateClient(ctx, payload)
	default:
		return nil, types.ErrAuthRequired
	}
}

func (g *Gate) authenticateStaff(ctx context.Context, payload types.AuthPayload) (*types.Principal, error) {
	if payload.UserID == "" {
		return nil, types.ErrAuthRequired
	}

	role, err := g.staff.ResolveStaff(ctx, payload.UserID)
	if err != nil {
		g.logger.Warn("staff resolution failed",
			zap.String("user_id", payload.UserID),
			zap.Error(err))
		return nil, types.ErrAuthRequired
	}

	return &types.Principal{
		Kind:   types.PrincipalStaff,
		UserID: payload.UserID,
		Role:   role,
	}, nil
}

func (g *Gate) authenticateClient(ctx context.Context, payload types.AuthPayload) (*types.Principal, error) {
	if payload.Token == "" {
		return nil, types.ErrAuthRequired
	}

	link, err := g.links.GetLinkByTokenHash(ctx, HashToken(payload.Token))
	if err != nil {
		if errors.Is(err, interfaces.ErrLinkNotFound) {
			return nil, types.ErrLinkNotFound
		}
		return nil, fmt.Errorf("%w: link lookup: %v", types.ErrAuthRequired, err)
	}

	// Revocation is checked before expiry: a link that is both revoked
	// and expired reports LinkRevoked.
	if link.RevokedAt != nil {
		return nil, types.ErrLinkRevoked
	}
	if link.ExpiresAt != nil && !link.ExpiresAt.After(g.now()) {
		return nil, types.ErrLinkExpired
	}

	return &types.Principal{
		Kind:   types.PrincipalClient,
		LinkID: link.ID,
		CaseID: link.CaseID,
	}, nil
}
