package token

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Revocation describes who revoked tokens, when and why.
type Revocation struct {
	By     string
	Reason string
	At     time.Time
}

// Repository persists tokens keyed by value. All revoke operations only touch
// tokens that are not yet revoked and report how many they changed.
type Repository interface {
	Create(ctx context.Context, t *Token) error
	Get(ctx context.Context, value string) (*Token, error)
	Revoke(ctx context.Context, value string, rev Revocation) (bool, error)
	RevokeByGrant(ctx context.Context, grantID uuid.UUID, rev Revocation) (int, error)
	RevokeBySubject(ctx context.Context, subjectID uuid.UUID, rev Revocation) (int, error)
	// DeleteExpired removes tokens past expiry that were never revoked.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
	Stats(ctx context.Context, now time.Time) (Stats, error)
	// FindValid returns a valid token of the given type for the grant.
	FindValid(ctx context.Context, grantID uuid.UUID, typ Type, now time.Time) (*Token, error)
}
