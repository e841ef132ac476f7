package notification

import (
	"errors"
	"time"

	"github.com/spf13/cast"
)

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

var Statuses = []Status{StatusPending, StatusProcessing, StatusCompleted, StatusFailed}

// Job types.
const (
	TypeAuthorizationRequest  = "authorization_request"
	TypeAuthorizationApproved = "authorization_approved"
	TypeAuthorizationRevoked  = "authorization_revoked"
)

// Channel selects the deliverer for a job.
type Channel string

const (
	ChannelEmail   Channel = "email"
	ChannelPush    Channel = "push"
	ChannelWebhook Channel = "webhook"
	ChannelLog     Channel = "log"
)

// Priorities. Higher values drain first.
const (
	PriorityLow    = 0
	PriorityNormal = 5
	PriorityHigh   = 10
)

// DataGrantID is the payload data key correlating a job with a grant.
const DataGrantID = "grantId"

var (
	ErrJobNotFound      = errors.New("notification: job not found")
	ErrInvalidBatchSize = errors.New("notification: batch size must be between 1 and 100")
	ErrInvalidRetention = errors.New("notification: older than hours must be between 1 and 168")
	ErrNotRequeueable   = errors.New("notification: only failed jobs can be requeued")
	ErrLeaseExpired     = errors.New("processing lease expired")
)

type Payload struct {
	Title string         `json:"title"`
	Body  string         `json:"body"`
	Data  map[string]any `json:"data,omitempty"`
}

// Job is one queued notification.
type Job struct {
	ID          int64      `json:"id,string"`
	Type        string     `json:"type"`
	Channel     Channel    `json:"channel"`
	Recipient   string     `json:"recipient"`
	Status      Status     `json:"status"`
	Priority    int        `json:"priority"`
	Payload     Payload    `json:"payload"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"max_attempts"`
	LastError   string     `json:"last_error,omitempty"`
	ScheduledAt time.Time  `json:"scheduled_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// GrantID returns the correlated grant id from payload data, or "".
func (j *Job) GrantID() string {
	return cast.ToString(j.Payload.Data[DataGrantID])
}

func (j *Job) IsTerminal() bool {
	return j.Status == StatusCompleted || j.Status == StatusFailed
}

func (j *Job) clone() *Job {
	cp := *j
	if j.Payload.Data != nil {
		cp.Payload.Data = make(map[string]any, len(j.Payload.Data))
		for k, v := range j.Payload.Data {
			cp.Payload.Data[k] = v
		}
	}
	if j.ExpiresAt != nil {
		t := *j.ExpiresAt
		cp.ExpiresAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

const (
	baseBackoff = 30 * time.Second
	maxBackoff  = time.Hour
)

// Backoff is the delay before retry number attempts+1, doubling from 30s and
// capped at one hour.
func Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := baseBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}
