package notification

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepository is a Repository guarded by one mutex, which makes Claim
// atomic for concurrent drains within the process.
type MemoryRepository struct {
	mu   sync.Mutex
	jobs map[int64]*Job
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{jobs: make(map[int64]*Job)}
}

func (m *MemoryRepository) Insert(_ context.Context, j *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[j.ID] = j.clone()
	return nil
}

func (m *MemoryRepository) Get(_ context.Context, id int64) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return j.clone(), nil
}

func (m *MemoryRepository) List(_ context.Context, status Status, limit, offset int) ([]*Job, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*Job
	for _, j := range m.jobs {
		if status == "" || j.Status == status {
			all = append(all, j.clone())
		}
	}
	sort.Slice(all, func(a, b int) bool { return all[a].CreatedAt.After(all[b].CreatedAt) })
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (m *MemoryRepository) Claim(_ context.Context, limit int, now time.Time) ([]*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []*Job
	for _, j := range m.jobs {
		if j.Status == StatusPending && !j.ScheduledAt.After(now) {
			due = append(due, j)
		}
	}
	sortForDelivery(due)
	if len(due) > limit {
		due = due[:limit]
	}
	out := make([]*Job, 0, len(due))
	for _, j := range due {
		j.Status = StatusProcessing
		j.Attempts++
		j.UpdatedAt = now
		out = append(out, j.clone())
	}
	return out, nil
}

func (m *MemoryRepository) whileProcessing(id int64, fn func(*Job)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[id]; ok && j.Status == StatusProcessing {
		fn(j)
	}
}

func (m *MemoryRepository) Complete(_ context.Context, id int64, now time.Time) error {
	m.whileProcessing(id, func(j *Job) {
		j.Status = StatusCompleted
		j.CompletedAt = &now
		j.UpdatedAt = now
	})
	return nil
}

func (m *MemoryRepository) Retry(_ context.Context, id int64, lastErr string, next, now time.Time) error {
	m.whileProcessing(id, func(j *Job) {
		j.Status = StatusPending
		j.LastError = lastErr
		j.ScheduledAt = next
		j.UpdatedAt = now
	})
	return nil
}

func (m *MemoryRepository) Fail(_ context.Context, id int64, lastErr string, now time.Time) error {
	m.whileProcessing(id, func(j *Job) {
		j.Status = StatusFailed
		j.LastError = lastErr
		j.UpdatedAt = now
	})
	return nil
}

func (m *MemoryRepository) ReclaimStale(_ context.Context, staleBefore, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, j := range m.jobs {
		if j.Status != StatusProcessing || !j.UpdatedAt.Before(staleBefore) {
			continue
		}
		if j.Attempts >= j.MaxAttempts {
			j.Status = StatusFailed
		} else {
			j.Status = StatusPending
			j.ScheduledAt = now
		}
		j.LastError = ErrLeaseExpired.Error()
		j.UpdatedAt = now
		n++
	}
	return n, nil
}

func (m *MemoryRepository) ExpirePending(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, j := range m.jobs {
		if j.Status == StatusPending && j.ExpiresAt != nil && now.After(*j.ExpiresAt) {
			j.Status = StatusFailed
			j.LastError = "expired"
			j.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (m *MemoryRepository) CompleteForGrant(_ context.Context, grantID string, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, j := range m.jobs {
		if j.Status == StatusCompleted || j.GrantID() != grantID {
			continue
		}
		t := now
		j.Status = StatusCompleted
		j.CompletedAt = &t
		j.UpdatedAt = now
		n++
	}
	return n, nil
}

func (m *MemoryRepository) Requeue(_ context.Context, id int64, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if j.Status != StatusFailed {
		return ErrNotRequeueable
	}
	j.Status = StatusPending
	j.Attempts = 0
	j.LastError = ""
	j.ScheduledAt = now
	j.UpdatedAt = now
	return nil
}

func (m *MemoryRepository) Stats(_ context.Context) (map[Status]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := emptyStats()
	for _, j := range m.jobs {
		stats[j.Status]++
	}
	return stats, nil
}

func (m *MemoryRepository) DeleteTerminalBefore(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, j := range m.jobs {
		if j.IsTerminal() && j.UpdatedAt.Before(cutoff) {
			delete(m.jobs, id)
			n++
		}
	}
	return n, nil
}
