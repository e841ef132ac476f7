package token

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type MemoryRepository struct {
	mu     sync.Mutex
	tokens map[string]*Token
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{tokens: make(map[string]*Token)}
}

func clone(t *Token) *Token {
	cp := *t
	if t.RevokedAt != nil {
		at := *t.RevokedAt
		cp.RevokedAt = &at
	}
	if t.Metadata != nil {
		cp.Metadata = make(map[string]any, len(t.Metadata))
		for k, v := range t.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

func (m *MemoryRepository) Create(_ context.Context, t *Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[t.Value] = clone(t)
	return nil
}

func (m *MemoryRepository) Get(_ context.Context, value string) (*Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[value]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(t), nil
}

func (m *MemoryRepository) Revoke(_ context.Context, value string, rev Revocation) (bool, error) {
	n := m.revokeWhere(rev, func(t *Token) bool { return t.Value == value })
	return n > 0, nil
}

func (m *MemoryRepository) RevokeByGrant(_ context.Context, grantID uuid.UUID, rev Revocation) (int, error) {
	return m.revokeWhere(rev, func(t *Token) bool { return t.GrantID == grantID }), nil
}

func (m *MemoryRepository) RevokeBySubject(_ context.Context, subjectID uuid.UUID, rev Revocation) (int, error) {
	return m.revokeWhere(rev, func(t *Token) bool { return t.SubjectID == subjectID }), nil
}

func (m *MemoryRepository) revokeWhere(rev Revocation, match func(*Token) bool) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.tokens {
		if t.IsRevoked || !match(t) {
			continue
		}
		at := rev.At
		t.IsRevoked = true
		t.RevokedAt = &at
		t.RevokedBy = rev.By
		t.RevokeReason = rev.Reason
		n++
	}
	return n
}

func (m *MemoryRepository) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, t := range m.tokens {
		if !t.IsRevoked && t.IsExpired(now) {
			delete(m.tokens, k)
			n++
		}
	}
	return n, nil
}

func (m *MemoryRepository) Stats(_ context.Context, now time.Time) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := emptyStats()
	for _, t := range m.tokens {
		s, ok := stats[t.Type]
		if !ok {
			s = &TypeStats{}
			stats[t.Type] = s
		}
		s.Total++
		switch {
		case t.IsRevoked:
			s.Revoked++
		case t.IsExpired(now):
			s.Expired++
		}
	}
	for _, s := range stats {
		s.Active = s.Total - s.Revoked - s.Expired
	}
	return stats, nil
}

func (m *MemoryRepository) FindValid(_ context.Context, grantID uuid.UUID, typ Type, now time.Time) (*Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *Token
	for _, t := range m.tokens {
		if t.GrantID != grantID || t.Type != typ || !t.IsValid(now) {
			continue
		}
		if best == nil || t.ExpiresAt.After(best.ExpiresAt) {
			best = t
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return clone(best), nil
}
