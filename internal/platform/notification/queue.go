// Package notification is the durable notification queue that drives the
// asynchronous consent workflow: jobs are enqueued when a grant needs the
// subject's attention, drained in priority order, delivered over email,
// push or log channels, and retried with bounded backoff.
package notification

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/rs/zerolog"

	"github.com/ehr/consent/internal/platform/metrics"
)

const (
	MaxBatchSize      = 100
	MinRetentionHours = 1
	MaxRetentionHours = 168
)

// DefaultLease is how long a claimed job may stay PROCESSING before it is
// considered abandoned.
const DefaultLease = 10 * time.Minute

// QueueConfig tunes retry behavior.
type QueueConfig struct {
	// MaxAttempts is the default delivery attempt limit for new jobs.
	MaxAttempts int
	// Lease bounds the time between Claim and the reported outcome.
	Lease time.Duration
}

// Queue is the notification job list.
type Queue struct {
	repo        Repository
	node        *snowflake.Node
	metrics     *metrics.Recorder
	logger      zerolog.Logger
	maxAttempts int
	lease       time.Duration
	now         func() time.Time
}

func NewQueue(repo Repository, node *snowflake.Node, cfg QueueConfig, rec *metrics.Recorder, logger zerolog.Logger) *Queue {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 3
	}
	if cfg.Lease <= 0 {
		cfg.Lease = DefaultLease
	}
	return &Queue{
		repo:        repo,
		node:        node,
		metrics:     rec,
		logger:      logger.With().Str("component", "notification_queue").Logger(),
		maxAttempts: cfg.MaxAttempts,
		lease:       cfg.Lease,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (q *Queue) SetClock(now func() time.Time) {
	q.now = now
}

// Enqueue stores j as PENDING. Zero fields get defaults: a fresh id,
// scheduled now, normal priority and the queue's attempt limit.
func (q *Queue) Enqueue(ctx context.Context, j *Job) error {
	if j.Type == "" || j.Recipient == "" {
		return fmt.Errorf("notification: job type and recipient are required")
	}
	now := q.now()
	if j.ID == 0 {
		j.ID = q.node.Generate().Int64()
	}
	if j.Channel == "" {
		j.Channel = ChannelLog
	}
	if j.ScheduledAt.IsZero() {
		j.ScheduledAt = now
	}
	if j.MaxAttempts < 1 {
		j.MaxAttempts = q.maxAttempts
	}
	j.Status = StatusPending
	j.Attempts = 0
	j.CreatedAt = now
	j.UpdatedAt = now
	if err := q.repo.Insert(ctx, j); err != nil {
		return err
	}
	q.metrics.NotificationJob("enqueued")
	q.logger.Debug().Int64("job_id", j.ID).Str("type", j.Type).Str("grant_id", j.GrantID()).Msg("job enqueued")
	return nil
}

// DrainBatch claims up to maxSize due PENDING jobs and marks them
// PROCESSING. The caller must report each job's outcome with Complete or
// Failed.
func (q *Queue) DrainBatch(ctx context.Context, maxSize int) ([]*Job, error) {
	if maxSize < 1 || maxSize > MaxBatchSize {
		return nil, ErrInvalidBatchSize
	}
	return q.repo.Claim(ctx, maxSize, q.now())
}

func (q *Queue) Complete(ctx context.Context, j *Job) error {
	if err := q.repo.Complete(ctx, j.ID, q.now()); err != nil {
		return err
	}
	q.metrics.NotificationJob("completed")
	return nil
}

// Failed records a delivery failure. Below the attempt limit the job goes
// back to PENDING after Backoff; at the limit it becomes FAILED and stays
// there until Requeue. It reports whether the job was retried.
func (q *Queue) Failed(ctx context.Context, j *Job, cause error) (bool, error) {
	now := q.now()
	msg := cause.Error()
	if j.Attempts < j.MaxAttempts {
		next := now.Add(Backoff(j.Attempts))
		if err := q.repo.Retry(ctx, j.ID, msg, next, now); err != nil {
			return false, err
		}
		q.metrics.NotificationJob("retried")
		return true, nil
	}
	if err := q.repo.Fail(ctx, j.ID, msg, now); err != nil {
		return false, err
	}
	q.metrics.NotificationJob("failed")
	return false, nil
}

// ReclaimStale puts jobs whose processing lease ran out back into the
// queue. The claim already counted the attempt, so a job at its limit
// becomes FAILED.
func (q *Queue) ReclaimStale(ctx context.Context) (int, error) {
	now := q.now()
	n, err := q.repo.ReclaimStale(ctx, now.Add(-q.lease), now)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.metrics.NotificationJobs("reclaimed", n)
		q.logger.Warn().Int("jobs", n).Dur("lease", q.lease).Msg("reclaimed abandoned notification jobs")
	}
	return n, nil
}

// ExpirePending fails PENDING jobs whose expiry has passed.
func (q *Queue) ExpirePending(ctx context.Context) (int, error) {
	n, err := q.repo.ExpirePending(ctx, q.now())
	if err != nil {
		return 0, err
	}
	q.metrics.NotificationJobs("expired", n)
	return n, nil
}

// CompleteForGrant completes every job correlated with the grant through
// payload.data.grantId.
func (q *Queue) CompleteForGrant(ctx context.Context, grantID string) (int, error) {
	return q.repo.CompleteForGrant(ctx, grantID, q.now())
}

// Requeue puts a FAILED job back to PENDING with its attempts reset.
func (q *Queue) Requeue(ctx context.Context, id int64) error {
	if err := q.repo.Requeue(ctx, id, q.now()); err != nil {
		return err
	}
	q.logger.Info().Int64("job_id", id).Msg("job requeued")
	return nil
}

func (q *Queue) Get(ctx context.Context, id int64) (*Job, error) {
	return q.repo.Get(ctx, id)
}

func (q *Queue) List(ctx context.Context, status Status, limit, offset int) ([]*Job, int, error) {
	return q.repo.List(ctx, status, limit, offset)
}

func (q *Queue) Stats(ctx context.Context) (map[Status]int, error) {
	return q.repo.Stats(ctx)
}

// Cleanup deletes COMPLETED and FAILED jobs last updated more than
// olderThanHours ago.
func (q *Queue) Cleanup(ctx context.Context, olderThanHours int) (int, error) {
	if olderThanHours < MinRetentionHours || olderThanHours > MaxRetentionHours {
		return 0, ErrInvalidRetention
	}
	cutoff := q.now().Add(-time.Duration(olderThanHours) * time.Hour)
	n, err := q.repo.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	q.logger.Info().Int("deleted", n).Int("older_than_hours", olderThanHours).Msg("notification jobs cleaned up")
	return n, nil
}
