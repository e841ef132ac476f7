package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/consent/internal/platform/db"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

type jobRepoPG struct {
	pool *pgxpool.Pool
}

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &jobRepoPG{pool: pool}
}

func (r *jobRepoPG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const jobCols = `id, job_type, channel, recipient, status, priority, payload, attempts, max_attempts,
	last_error, scheduled_at, expires_at, completed_at, created_at, updated_at`

func scanJob(row pgx.Row) (*Job, error) {
	var j Job
	var payload []byte
	var lastErr *string
	err := row.Scan(&j.ID, &j.Type, &j.Channel, &j.Recipient, &j.Status, &j.Priority, &payload,
		&j.Attempts, &j.MaxAttempts, &lastErr, &j.ScheduledAt, &j.ExpiresAt, &j.CompletedAt,
		&j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, &j.Payload); err != nil {
		return nil, fmt.Errorf("decode job payload: %w", err)
	}
	if lastErr != nil {
		j.LastError = *lastErr
	}
	return &j, nil
}

func (r *jobRepoPG) Insert(ctx context.Context, j *Job) error {
	payload, err := json.Marshal(j.Payload)
	if err != nil {
		return fmt.Errorf("encode job payload: %w", err)
	}
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO notification_job (`+jobCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULL, $10, $11, NULL, $12, $13)`,
		j.ID, j.Type, j.Channel, j.Recipient, j.Status, j.Priority, payload, j.Attempts, j.MaxAttempts,
		j.ScheduledAt, j.ExpiresAt, j.CreatedAt, j.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (r *jobRepoPG) Get(ctx context.Context, id int64) (*Job, error) {
	j, err := scanJob(r.conn(ctx).QueryRow(ctx, `SELECT `+jobCols+` FROM notification_job WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (r *jobRepoPG) List(ctx context.Context, status Status, limit, offset int) ([]*Job, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM notification_job WHERE ($1 = '' OR status = $1)`, status,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+jobCols+` FROM notification_job
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`, status, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	jobs, err := collectJobs(rows)
	return jobs, total, err
}

// Claim uses FOR UPDATE SKIP LOCKED so concurrent drains never pick the
// same row.
func (r *jobRepoPG) Claim(ctx context.Context, limit int, now time.Time) ([]*Job, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		UPDATE notification_job SET status = 'PROCESSING', attempts = attempts + 1, updated_at = $2
		WHERE id IN (
			SELECT id FROM notification_job
			WHERE status = 'PENDING' AND scheduled_at <= $2
			ORDER BY priority DESC, scheduled_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobCols, limit, now)
	if err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}
	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, err
	}
	sortForDelivery(jobs)
	return jobs, nil
}

func (r *jobRepoPG) Complete(ctx context.Context, id int64, now time.Time) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE notification_job SET status = 'COMPLETED', completed_at = $2, updated_at = $2
		WHERE id = $1 AND status = 'PROCESSING'`, id, now)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return nil
}

func (r *jobRepoPG) Retry(ctx context.Context, id int64, lastErr string, next, now time.Time) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE notification_job SET status = 'PENDING', last_error = $2, scheduled_at = $3, updated_at = $4
		WHERE id = $1 AND status = 'PROCESSING'`, id, lastErr, next, now)
	if err != nil {
		return fmt.Errorf("retry job: %w", err)
	}
	return nil
}

func (r *jobRepoPG) Fail(ctx context.Context, id int64, lastErr string, now time.Time) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE notification_job SET status = 'FAILED', last_error = $2, updated_at = $3
		WHERE id = $1 AND status = 'PROCESSING'`, id, lastErr, now)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	return nil
}

// ReclaimStale skips rows another drain holds locked; they are picked up
// on a later run.
func (r *jobRepoPG) ReclaimStale(ctx context.Context, staleBefore, now time.Time) (int, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE notification_job SET
			status = CASE WHEN attempts >= max_attempts THEN 'FAILED' ELSE 'PENDING' END,
			scheduled_at = CASE WHEN attempts >= max_attempts THEN scheduled_at ELSE $2 END,
			last_error = $3, updated_at = $2
		WHERE id IN (
			SELECT id FROM notification_job
			WHERE status = 'PROCESSING' AND updated_at < $1
			FOR UPDATE SKIP LOCKED
		)`, staleBefore, now, ErrLeaseExpired.Error())
	if err != nil {
		return 0, fmt.Errorf("reclaim jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *jobRepoPG) ExpirePending(ctx context.Context, now time.Time) (int, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE notification_job SET status = 'FAILED', last_error = 'expired', updated_at = $1
		WHERE status = 'PENDING' AND expires_at IS NOT NULL AND expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("expire jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *jobRepoPG) CompleteForGrant(ctx context.Context, grantID string, now time.Time) (int, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE notification_job SET status = 'COMPLETED', completed_at = $2, updated_at = $2
		WHERE payload->'data'->>'grantId' = $1 AND status <> 'COMPLETED'`, grantID, now)
	if err != nil {
		return 0, fmt.Errorf("complete jobs for grant: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *jobRepoPG) Requeue(ctx context.Context, id int64, now time.Time) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE notification_job SET status = 'PENDING', attempts = 0, last_error = NULL,
			scheduled_at = $2, updated_at = $2
		WHERE id = $1 AND status = 'FAILED'`, id, now)
	if err != nil {
		return fmt.Errorf("requeue job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.Get(ctx, id); err != nil {
			return err
		}
		return ErrNotRequeueable
	}
	return nil
}

func (r *jobRepoPG) Stats(ctx context.Context) (map[Status]int, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT status, COUNT(*) FROM notification_job GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	defer rows.Close()
	stats := emptyStats()
	for rows.Next() {
		var s Status
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, fmt.Errorf("scan job stats: %w", err)
		}
		stats[s] = n
	}
	return stats, rows.Err()
}

func (r *jobRepoPG) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		DELETE FROM notification_job WHERE status IN ('COMPLETED', 'FAILED') AND updated_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func collectJobs(rows pgx.Rows) ([]*Job, error) {
	defer rows.Close()
	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func sortForDelivery(jobs []*Job) {
	sort.SliceStable(jobs, func(a, b int) bool {
		if jobs[a].Priority != jobs[b].Priority {
			return jobs[a].Priority > jobs[b].Priority
		}
		return jobs[a].ScheduledAt.Before(jobs[b].ScheduledAt)
	})
}

func emptyStats() map[Status]int {
	stats := make(map[Status]int, len(Statuses))
	for _, s := range Statuses {
		stats[s] = 0
	}
	return stats
}
