package consent

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// MemoryGrantRepository keeps grants in process. A single mutex makes
// UpdateIfStatus a true compare-and-set.
type MemoryGrantRepository struct {
	mu     sync.Mutex
	grants map[uuid.UUID]*Grant
}

func NewMemoryGrantRepository() *MemoryGrantRepository {
	return &MemoryGrantRepository{grants: make(map[uuid.UUID]*Grant)}
}

func (m *MemoryGrantRepository) Create(_ context.Context, g *Grant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.grants[g.ID]; ok {
		return ErrConflict
	}
	m.grants[g.ID] = g.clone()
	return nil
}

func (m *MemoryGrantRepository) GetByID(_ context.Context, id uuid.UUID) (*Grant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.grants[id]
	if !ok {
		return nil, ErrNotFound
	}
	return g.clone(), nil
}

func (m *MemoryGrantRepository) ListForSubjectOrg(_ context.Context, subjectID, orgID uuid.UUID, status Status) ([]*Grant, error) {
	return m.filter(func(g *Grant) bool {
		return g.SubjectID == subjectID && g.OrganizationID == orgID && g.Status == status
	}), nil
}

func (m *MemoryGrantRepository) ListForSubject(_ context.Context, subjectID uuid.UUID, status Status) ([]*Grant, error) {
	return m.filter(func(g *Grant) bool {
		return g.SubjectID == subjectID && g.Status == status
	}), nil
}

func (m *MemoryGrantRepository) UpdateIfStatus(_ context.Context, g *Grant, expected Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.grants[g.ID]
	if !ok || cur.Status != expected {
		return ErrConflict
	}
	m.grants[g.ID] = g.clone()
	return nil
}

func (m *MemoryGrantRepository) filter(keep func(*Grant) bool) []*Grant {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Grant
	for _, g := range m.grants {
		if keep(g) {
			out = append(out, g.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// LockRequests is a no-op; Store serializes requests within the process.
func (m *MemoryGrantRepository) LockRequests(context.Context, uuid.UUID, uuid.UUID) error {
	return nil
}
