package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryDirectory is an in-process Directory used by tests and by the
// server when STORAGE=memory.
type MemoryDirectory struct {
	mu            sync.RWMutex
	subjects      map[uuid.UUID]*Subject
	byIdentifier  map[string]uuid.UUID
	practitioners map[uuid.UUID]*Practitioner
	organizations map[uuid.UUID]*Organization
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		subjects:      make(map[uuid.UUID]*Subject),
		byIdentifier:  make(map[string]uuid.UUID),
		practitioners: make(map[uuid.UUID]*Practitioner),
		organizations: make(map[uuid.UUID]*Organization),
	}
}

func (m *MemoryDirectory) PutSubject(s *Subject) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	cp := *s
	m.subjects[s.ID] = &cp
	m.byIdentifier[s.PublicIdentifier] = s.ID
}

func (m *MemoryDirectory) PutPractitioner(p *Practitioner) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	cp := *p
	cp.OrganizationIDs = append([]uuid.UUID(nil), p.OrganizationIDs...)
	m.practitioners[p.ID] = &cp
}

func (m *MemoryDirectory) PutOrganization(o *Organization) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	cp := *o
	m.organizations[o.ID] = &cp
}

func (m *MemoryDirectory) GetSubject(_ context.Context, id uuid.UUID) (*Subject, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.subjects[id]
	if !ok {
		return nil, fmt.Errorf("subject: %w", ErrNotFound)
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryDirectory) FindSubjectByIdentifier(ctx context.Context, publicIdentifier string) (*Subject, error) {
	m.mu.RLock()
	id, ok := m.byIdentifier[strings.TrimSpace(publicIdentifier)]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("subject: %w", ErrNotFound)
	}
	return m.GetSubject(ctx, id)
}

func (m *MemoryDirectory) GetPractitioner(_ context.Context, id uuid.UUID) (*Practitioner, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.practitioners[id]
	if !ok {
		return nil, fmt.Errorf("practitioner: %w", ErrNotFound)
	}
	cp := *p
	cp.OrganizationIDs = append([]uuid.UUID(nil), p.OrganizationIDs...)
	return &cp, nil
}

func (m *MemoryDirectory) GetOrganization(_ context.Context, id uuid.UUID) (*Organization, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.organizations[id]
	if !ok {
		return nil, fmt.Errorf("organization: %w", ErrNotFound)
	}
	cp := *o
	return &cp, nil
}

// Seed is the JSON layout accepted by LoadSeedFile.
type Seed struct {
	Subjects      []*Subject      `json:"subjects"`
	Practitioners []*Practitioner `json:"practitioners"`
	Organizations []*Organization `json:"organizations"`
}

// LoadSeedFile fills the directory from a JSON file.
func (m *MemoryDirectory) LoadSeedFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read directory seed: %w", err)
	}
	var seed Seed
	if err := json.Unmarshal(raw, &seed); err != nil {
		return fmt.Errorf("parse directory seed: %w", err)
	}
	for _, o := range seed.Organizations {
		m.PutOrganization(o)
	}
	for _, s := range seed.Subjects {
		m.PutSubject(s)
	}
	for _, p := range seed.Practitioners {
		m.PutPractitioner(p)
	}
	return nil
}
