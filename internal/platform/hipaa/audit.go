package hipaa

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
)

// Audit event types emitted by the consent engine.
const (
	EventConsentScan     = "consent.scan"
	EventConsentApproved = "consent.approved"
	EventConsentDenied   = "consent.denied"
	EventConsentRevoked  = "consent.revoked"
	EventTokenIssued     = "token.issued"
	EventAccessGranted   = "access.granted"
	EventAccessDenied    = "access.denied"
)

// AuditSink accepts audit events. Implementations must be safe for
// concurrent use.
type AuditSink interface {
	Record(ctx context.Context, eventType, actorID string, details map[string]any) error
}

// AuditEvent is one recorded audit entry.
type AuditEvent struct {
	Type       string         `json:"type"`
	ActorID    string         `json:"actor_id"`
	Details    map[string]any `json:"details,omitempty"`
	RecordedAt time.Time      `json:"recorded_at"`
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PGAuditSink appends events to the consent_audit_event table.
type PGAuditSink struct {
	db execer
}

func NewPGAuditSink(db execer) *PGAuditSink {
	return &PGAuditSink{db: db}
}

func (s *PGAuditSink) Record(ctx context.Context, eventType, actorID string, details map[string]any) error {
	raw, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("hipaa audit: marshal details: %w", err)
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO consent_audit_event (event_type, actor_id, details, recorded_at) VALUES ($1, $2, $3, $4)`,
		eventType, actorID, raw, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("hipaa audit: insert %s: %w", eventType, err)
	}
	return nil
}

// LogAuditSink writes events to a zerolog logger. It is the development
// sink and a fallback when no database is configured.
type LogAuditSink struct {
	logger zerolog.Logger
}

func NewLogAuditSink(logger zerolog.Logger) *LogAuditSink {
	return &LogAuditSink{logger: logger.With().Str("component", "audit").Logger()}
}

func (s *LogAuditSink) Record(_ context.Context, eventType, actorID string, details map[string]any) error {
	s.logger.Info().
		Str("event_type", eventType).
		Str("actor_id", actorID).
		Fields(details).
		Msg("audit event")
	return nil
}

// MultiAuditSink fans an event out to every sink and returns the first error.
type MultiAuditSink []AuditSink

func (m MultiAuditSink) Record(ctx context.Context, eventType, actorID string, details map[string]any) error {
	var first error
	for _, s := range m {
		if err := s.Record(ctx, eventType, actorID, details); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// MemoryAuditSink keeps events in memory.
type MemoryAuditSink struct {
	mu     sync.Mutex
	events []AuditEvent
}

func (m *MemoryAuditSink) Record(_ context.Context, eventType, actorID string, details map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, AuditEvent{
		Type:       eventType,
		ActorID:    actorID,
		Details:    details,
		RecordedAt: time.Now().UTC(),
	})
	return nil
}

// Events returns a copy of the recorded events.
func (m *MemoryAuditSink) Events() []AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]AuditEvent, len(m.events))
	copy(out, m.events)
	return out
}

// OfType returns the recorded events with the given type.
func (m *MemoryAuditSink) OfType(eventType string) []AuditEvent {
	var out []AuditEvent
	for _, e := range m.Events() {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}
