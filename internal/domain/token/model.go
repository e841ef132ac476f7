package token

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	TypeAccess Type = "access"
	TypeQR     Type = "qr"
	TypeScan   Type = "scan"
)

var Types = []Type{TypeAccess, TypeQR, TypeScan}

func (t Type) Valid() bool {
	for _, v := range Types {
		if v == t {
			return true
		}
	}
	return false
}

// SystemActor is recorded as the revoker of tokens revoked on validation
// because they expired.
const SystemActor = "system"

var (
	ErrNotFound    = errors.New("token: not found")
	ErrRevoked     = errors.New("token: revoked")
	ErrExpired     = errors.New("token: expired")
	ErrInvalidType = errors.New("token: invalid type")
)

// Token is an opaque credential bound to one grant.
type Token struct {
	Value          string         `json:"token"`
	GrantID        uuid.UUID      `json:"grant_id"`
	SubjectID      uuid.UUID      `json:"subject_id"`
	OrganizationID uuid.UUID      `json:"organization_id"`
	Type           Type           `json:"type"`
	CreatedAt      time.Time      `json:"created_at"`
	ExpiresAt      time.Time      `json:"expires_at"`
	IsRevoked      bool           `json:"is_revoked"`
	RevokedAt      *time.Time     `json:"revoked_at,omitempty"`
	RevokedBy      string         `json:"revoked_by,omitempty"`
	RevokeReason   string         `json:"revoke_reason,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

func (t *Token) IsExpired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

func (t *Token) IsValid(now time.Time) bool {
	return !t.IsRevoked && !t.IsExpired(now)
}

// Redacted returns a copy safe to log or return to third parties.
func (t *Token) Redacted() *Token {
	cp := *t
	if len(cp.Value) > 6 {
		cp.Value = cp.Value[:6] + "..."
	}
	return &cp
}

// TypeStats are mutually exclusive counts: a token is revoked, or expired
// and not revoked, or active.
type TypeStats struct {
	Total   int `json:"total"`
	Active  int `json:"active"`
	Revoked int `json:"revoked"`
	Expired int `json:"expired"`
}

type Stats map[Type]*TypeStats

const valueLength = 43

// NewValue returns a random URL-safe token value with 256 bits of entropy.
func NewValue() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
