package notification

import (
	"context"
	"time"
)

// Repository is the durable job list. Claim must be atomic across
// concurrent callers. Complete, Retry and Fail only change jobs that are
// still PROCESSING, so a job completed by its grant while in flight stays
// completed.
type Repository interface {
	Insert(ctx context.Context, j *Job) error
	Get(ctx context.Context, id int64) (*Job, error)
	List(ctx context.Context, status Status, limit, offset int) ([]*Job, int, error)

	// Claim moves up to limit due PENDING jobs to PROCESSING, highest
	// priority then earliest scheduled first, and increments their attempts.
	Claim(ctx context.Context, limit int, now time.Time) ([]*Job, error)
	Complete(ctx context.Context, id int64, now time.Time) error
	Retry(ctx context.Context, id int64, lastErr string, next, now time.Time) error
	Fail(ctx context.Context, id int64, lastErr string, now time.Time) error

	// ReclaimStale returns PROCESSING jobs last touched before staleBefore
	// to PENDING, or to FAILED once their attempts are used up.
	ReclaimStale(ctx context.Context, staleBefore, now time.Time) (int, error)
	ExpirePending(ctx context.Context, now time.Time) (int, error)
	CompleteForGrant(ctx context.Context, grantID string, now time.Time) (int, error)
	Requeue(ctx context.Context, id int64, now time.Time) error
	Stats(ctx context.Context) (map[Status]int, error)
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error)
}
