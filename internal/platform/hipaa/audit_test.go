package hipaa

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
)

type execCall struct {
	sql  string
	args []any
}

type mockExecer struct {
	calls []execCall
	err   error
}

func (m *mockExecer) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	m.calls = append(m.calls, execCall{sql: sql, args: args})
	return pgconn.NewCommandTag("INSERT 0 1"), m.err
}

func TestPGAuditSink_Record(t *testing.T) {
	db := &mockExecer{}
	sink := NewPGAuditSink(db)

	err := sink.Record(context.Background(), EventConsentApproved, "subject-1", map[string]any{
		"grant_id": "g-1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(db.calls) != 1 {
		t.Fatalf("expected 1 exec, got %d", len(db.calls))
	}

	call := db.calls[0]
	if call.args[0] != EventConsentApproved {
		t.Errorf("event_type = %v, want %s", call.args[0], EventConsentApproved)
	}
	if call.args[1] != "subject-1" {
		t.Errorf("actor_id = %v, want subject-1", call.args[1])
	}

	var details map[string]any
	if err := json.Unmarshal(call.args[2].([]byte), &details); err != nil {
		t.Fatalf("details not JSON: %v", err)
	}
	if details["grant_id"] != "g-1" {
		t.Errorf("details grant_id = %v, want g-1", details["grant_id"])
	}
}

func TestPGAuditSink_RecordError(t *testing.T) {
	sink := NewPGAuditSink(&mockExecer{err: errors.New("relation does not exist")})
	if err := sink.Record(context.Background(), EventAccessDenied, "p-1", nil); err == nil {
		t.Fatal("expected error")
	}
}

func TestMemoryAuditSink(t *testing.T) {
	sink := &MemoryAuditSink{}
	ctx := context.Background()
	sink.Record(ctx, EventAccessGranted, "p-1", map[string]any{"permission": "canViewMedicalHistory"})
	sink.Record(ctx, EventAccessDenied, "p-2", nil)
	sink.Record(ctx, EventAccessGranted, "p-3", nil)

	if got := len(sink.Events()); got != 3 {
		t.Errorf("expected 3 events, got %d", got)
	}
	granted := sink.OfType(EventAccessGranted)
	if len(granted) != 2 {
		t.Fatalf("expected 2 granted events, got %d", len(granted))
	}
	if granted[0].ActorID != "p-1" {
		t.Errorf("expected first actor p-1, got %s", granted[0].ActorID)
	}
}

func TestMultiAuditSink_ReturnsFirstErrorAndContinues(t *testing.T) {
	mem := &MemoryAuditSink{}
	failing := NewPGAuditSink(&mockExecer{err: errors.New("down")})
	multi := MultiAuditSink{failing, mem, NewLogAuditSink(zerolog.New(os.Stderr))}

	err := multi.Record(context.Background(), EventConsentRevoked, "p-9", map[string]any{"grant_id": "g"})
	if err == nil {
		t.Fatal("expected error from failing sink")
	}
	if len(mem.Events()) != 1 {
		t.Error("expected remaining sinks to still receive the event")
	}
}
