package consent

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending Status = "PENDING"
	StatusActive  Status = "ACTIVE"
	StatusDenied  Status = "DENIED"
	StatusRevoked Status = "REVOKED"
	// StatusExpired is never stored. It is reported by EffectiveStatus for
	// ACTIVE grants whose window has elapsed.
	StatusExpired Status = "EXPIRED"
)

type Action string

const (
	ActionApprove Action = "approve"
	ActionDeny    Action = "deny"
	ActionRevoke  Action = "revoke"
)

// RequestMetadata is captured when the QR code is scanned. It is kept for
// audit only and never consulted by authorization.
type RequestMetadata struct {
	IP       string `json:"ip,omitempty"`
	Device   string `json:"device,omitempty"`
	Location string `json:"location,omitempty"`
}

// Grant is a subject's consent for an organization's practitioners to
// access their records under a scope and time window.
type Grant struct {
	ID              uuid.UUID       `json:"id"`
	SubjectID       uuid.UUID       `json:"subject_id"`
	OrganizationID  uuid.UUID       `json:"organization_id"`
	PractitionerID  uuid.UUID       `json:"practitioner_id"`
	Status          Status          `json:"status"`
	AccessScope     AccessScope     `json:"access_scope"`
	TimeWindowHours int             `json:"time_window_hours"`
	Metadata        RequestMetadata `json:"request_metadata"`
	DecisionReason  string          `json:"decision_reason,omitempty"`
	RevokedBy       string          `json:"revoked_by,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	GrantedAt       *time.Time      `json:"granted_at,omitempty"`
	DeniedAt        *time.Time      `json:"denied_at,omitempty"`
	RevokedAt       *time.Time      `json:"revoked_at,omitempty"`
	ExpiresAt       *time.Time      `json:"expires_at,omitempty"`
}

// IsExpired reports whether the grant's access window has elapsed. Grants
// that were never activated have no window and are never expired.
func (g *Grant) IsExpired(now time.Time) bool {
	return g.ExpiresAt != nil && now.After(*g.ExpiresAt)
}

// IsEffectivelyActive is the one predicate deciding whether a grant
// authorizes anything: stored status ACTIVE and the window not elapsed.
func (g *Grant) IsEffectivelyActive(now time.Time) bool {
	return g.Status == StatusActive && g.ExpiresAt != nil && !g.IsExpired(now)
}

// EffectiveStatus is the status reported to callers.
func (g *Grant) EffectiveStatus(now time.Time) Status {
	if g.Status == StatusActive && !g.IsEffectivelyActive(now) {
		return StatusExpired
	}
	return g.Status
}

// RequestExpired reports whether a PENDING request has outlived ttl and can
// no longer be decided. A non-positive ttl disables request expiry.
func (g *Grant) RequestExpired(now time.Time, ttl time.Duration) bool {
	return g.Status == StatusPending && ttl > 0 && now.After(g.CreatedAt.Add(ttl))
}

// View is the JSON representation returned by the API, carrying the
// derived status alongside the stored one.
type View struct {
	*Grant
	EffectiveStatus Status `json:"effective_status"`
}

func NewView(g *Grant, now time.Time) View {
	return View{Grant: g, EffectiveStatus: g.EffectiveStatus(now)}
}

func (g *Grant) clone() *Grant {
	cp := *g
	cp.GrantedAt = cloneTime(g.GrantedAt)
	cp.DeniedAt = cloneTime(g.DeniedAt)
	cp.RevokedAt = cloneTime(g.RevokedAt)
	cp.ExpiresAt = cloneTime(g.ExpiresAt)
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
