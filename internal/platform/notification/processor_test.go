package notification

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/rs/zerolog"

	"github.com/ehr/consent/internal/platform/metrics"
)

func TestProcess_DeliversAndIsolatesFailures(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()
	good := enqueue(t, q, PriorityNormal, "good")
	bad := enqueue(t, q, PriorityNormal, "bad")

	d := DeliverFunc(func(_ context.Context, j *Job) error {
		if j.GrantID() == "bad" {
			return errors.New("recipient unreachable")
		}
		return nil
	})
	p := NewProcessor(q, d, ProcessorConfig{DeliveryTimeout: time.Second, Concurrency: 2}, zerolog.Nop())

	res, err := p.Process(ctx, 10)
	if err != nil {
		t.Fatalf("Process() error: %v", err)
	}
	if res.Claimed != 2 || res.Delivered != 1 || res.Retried != 1 {
		t.Errorf("unexpected result: %+v", res)
	}
	g, _ := q.Get(ctx, good.ID)
	if g.Status != StatusCompleted {
		t.Errorf("good job status = %s", g.Status)
	}
	b, _ := q.Get(ctx, bad.ID)
	if b.Status != StatusPending || b.LastError != "recipient unreachable" {
		t.Errorf("bad job = %+v", b)
	}
}

func TestProcess_TimeBoundsSlowDeliverer(t *testing.T) {
	q, _, _ := newTestQueue(t)
	j := enqueue(t, q, PriorityNormal, "slow")

	block := make(chan struct{})
	defer close(block)
	d := DeliverFunc(func(context.Context, *Job) error {
		<-block
		return nil
	})
	p := NewProcessor(q, d, ProcessorConfig{DeliveryTimeout: 20 * time.Millisecond, Concurrency: 1}, zerolog.Nop())

	start := time.Now()
	res, err := p.Process(context.Background(), 5)
	if err != nil {
		t.Fatal(err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("Process was not bounded by the delivery timeout")
	}
	if res.Retried != 1 {
		t.Errorf("unexpected result: %+v", res)
	}
	stored, _ := q.Get(context.Background(), j.ID)
	if stored.LastError == "" {
		t.Error("timeout not recorded")
	}
}

func TestProcess_RecoversDelivererPanic(t *testing.T) {
	q, _, _ := newTestQueue(t)
	enqueue(t, q, PriorityNormal, "boom")
	d := DeliverFunc(func(context.Context, *Job) error { panic("boom") })
	p := NewProcessor(q, d, ProcessorConfig{DeliveryTimeout: time.Second}, zerolog.Nop())

	res, err := p.Process(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if res.Retried != 1 {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestProcess_ExpiresBeforeDraining(t *testing.T) {
	q, _, clock := newTestQueue(t)
	exp := clock.Now().Add(time.Minute)
	if err := q.Enqueue(context.Background(), &Job{Type: TypeAuthorizationRequest, Recipient: "r", ExpiresAt: &exp}); err != nil {
		t.Fatal(err)
	}
	clock.Advance(time.Hour)

	var calls int32
	d := DeliverFunc(func(context.Context, *Job) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	p := NewProcessor(q, d, ProcessorConfig{}, zerolog.Nop())
	res, err := p.Process(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if res.Expired != 1 || res.Claimed != 0 || atomic.LoadInt32(&calls) != 0 {
		t.Errorf("expired job delivered: %+v", res)
	}
}

func TestProcess_RespectsConcurrencyLimit(t *testing.T) {
	q, _, _ := newTestQueue(t)
	for i := 0; i < 12; i++ {
		enqueue(t, q, PriorityNormal, "c")
	}
	var inFlight, peak int32
	d := DeliverFunc(func(context.Context, *Job) error {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return nil
	})
	p := NewProcessor(q, d, ProcessorConfig{DeliveryTimeout: time.Second, Concurrency: 3}, zerolog.Nop())
	res, err := p.Process(context.Background(), 12)
	if err != nil {
		t.Fatal(err)
	}
	if res.Delivered != 12 {
		t.Errorf("delivered %d, want 12", res.Delivered)
	}
	if atomic.LoadInt32(&peak) > 3 {
		t.Errorf("peak concurrency %d exceeds limit 3", peak)
	}
}

func TestProcess_InvalidBatchSize(t *testing.T) {
	q, _, _ := newTestQueue(t)
	p := NewProcessor(q, DeliverFunc(func(context.Context, *Job) error { return nil }), ProcessorConfig{}, zerolog.Nop())
	if _, err := p.Process(context.Background(), 0); !errors.Is(err, ErrInvalidBatchSize) {
		t.Errorf("expected ErrInvalidBatchSize, got %v", err)
	}
}

func TestPoll_StopsOnCancel(t *testing.T) {
	q, _, _ := newTestQueue(t)
	enqueue(t, q, PriorityNormal, "poll")
	var calls int32
	d := DeliverFunc(func(context.Context, *Job) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	p := NewProcessor(q, d, ProcessorConfig{DeliveryTimeout: time.Second}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Poll(ctx, 5*time.Millisecond, 10)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for atomic.LoadInt32(&calls) == 0 {
		select {
		case <-deadline:
			t.Fatal("poller never delivered")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not stop")
	}
}

type completeFailingRepo struct {
	*MemoryRepository
	failID int64
}

func (r *completeFailingRepo) Complete(ctx context.Context, id int64, now time.Time) error {
	if id == r.failID {
		return errors.New("db down")
	}
	return r.MemoryRepository.Complete(ctx, id, now)
}

func TestProcess_StorageErrorDoesNotCancelSiblings(t *testing.T) {
	ctx := context.Background()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatal(err)
	}
	repo := &completeFailingRepo{MemoryRepository: NewMemoryRepository()}
	q := NewQueue(repo, node, QueueConfig{MaxAttempts: 1}, metrics.NewRecorder(), zerolog.Nop())

	urgent := enqueue(t, q, PriorityHigh, "urgent")
	repo.failID = urgent.ID
	var others []*Job
	for i := 0; i < 3; i++ {
		others = append(others, enqueue(t, q, PriorityLow, "routine"))
	}

	d := DeliverFunc(func(ctx context.Context, j *Job) error {
		if j.ID == urgent.ID {
			return nil
		}
		select {
		case <-time.After(50 * time.Millisecond):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	p := NewProcessor(q, d, ProcessorConfig{DeliveryTimeout: time.Second, Concurrency: 4}, zerolog.Nop())

	res, err := p.Process(ctx, 10)
	if err == nil {
		t.Fatal("expected the storage error to be reported")
	}
	if res.Claimed != 4 || res.Delivered != 3 || res.Failed != 0 {
		t.Errorf("unexpected result: %+v", res)
	}
	for _, j := range others {
		stored, _ := q.Get(ctx, j.ID)
		if stored.Status != StatusCompleted {
			t.Errorf("job %d status = %s, last error %q", j.ID, stored.Status, stored.LastError)
		}
	}
}

func TestProcess_ReclaimsAbandonedJobs(t *testing.T) {
	q, _, clock := newTestQueue(t)
	ctx := context.Background()
	j := enqueue(t, q, PriorityNormal, "grant-1")

	claimed, err := q.DrainBatch(ctx, 1)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("DrainBatch() = %d jobs, %v", len(claimed), err)
	}
	clock.Advance(DefaultLease + time.Minute)

	var calls int32
	d := DeliverFunc(func(context.Context, *Job) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	p := NewProcessor(q, d, ProcessorConfig{}, zerolog.Nop())
	res, err := p.Process(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if res.Reclaimed != 1 || res.Claimed != 1 || res.Delivered != 1 {
		t.Errorf("unexpected result: %+v", res)
	}
	stored, _ := q.Get(ctx, j.ID)
	if stored.Status != StatusCompleted || stored.Attempts != 2 {
		t.Errorf("job = %+v", stored)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("deliverer called %d times", calls)
	}
}
