package notification

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Deliverer sends one job. It must honor ctx cancellation.
type Deliverer interface {
	Deliver(ctx context.Context, j *Job) error
}

// DeliverFunc adapts a function to Deliverer.
type DeliverFunc func(ctx context.Context, j *Job) error

func (f DeliverFunc) Deliver(ctx context.Context, j *Job) error { return f(ctx, j) }

// ProcessResult summarizes one Process call.
type ProcessResult struct {
	Reclaimed int `json:"reclaimed"`
	Expired   int `json:"expired"`
	Claimed   int `json:"claimed"`
	Delivered int `json:"delivered"`
	Retried   int `json:"retried"`
	Failed    int `json:"failed"`
}

type ProcessorConfig struct {
	DeliveryTimeout time.Duration
	Concurrency     int
}

// Processor drains the queue and delivers jobs.
type Processor struct {
	queue       *Queue
	deliverer   Deliverer
	timeout     time.Duration
	concurrency int
	logger      zerolog.Logger
}

func NewProcessor(q *Queue, d Deliverer, cfg ProcessorConfig, logger zerolog.Logger) *Processor {
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = 10 * time.Second
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &Processor{
		queue:       q,
		deliverer:   d,
		timeout:     cfg.DeliveryTimeout,
		concurrency: cfg.Concurrency,
		logger:      logger.With().Str("component", "notification_processor").Logger(),
	}
}

// Process returns abandoned jobs to the queue, expires stale ones, claims
// up to batchSize jobs and delivers them concurrently. Each delivery runs
// under its own timeout and one job's failure never aborts the others.
// Storage errors from recording outcomes are joined and returned after
// the whole batch has run.
func (p *Processor) Process(ctx context.Context, batchSize int) (ProcessResult, error) {
	var res ProcessResult
	if batchSize < 1 || batchSize > MaxBatchSize {
		return res, ErrInvalidBatchSize
	}
	reclaimed, err := p.queue.ReclaimStale(ctx)
	if err != nil {
		return res, fmt.Errorf("reclaim jobs: %w", err)
	}
	res.Reclaimed = reclaimed

	expired, err := p.queue.ExpirePending(ctx)
	if err != nil {
		return res, fmt.Errorf("expire jobs: %w", err)
	}
	res.Expired = expired

	jobs, err := p.queue.DrainBatch(ctx, batchSize)
	if err != nil {
		return res, fmt.Errorf("drain jobs: %w", err)
	}
	res.Claimed = len(jobs)

	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	g.SetLimit(p.concurrency)
	for _, j := range jobs {
		j := j
		g.Go(func() error {
			outcome, err := p.handle(ctx, j)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return nil
			}
			switch outcome {
			case outcomeDelivered:
				res.Delivered++
			case outcomeRetried:
				res.Retried++
			case outcomeFailed:
				res.Failed++
			}
			return nil
		})
	}
	_ = g.Wait()

	if res.Claimed > 0 || res.Reclaimed > 0 {
		p.logger.Info().
			Int("reclaimed", res.Reclaimed).
			Int("claimed", res.Claimed).
			Int("delivered", res.Delivered).
			Int("retried", res.Retried).
			Int("failed", res.Failed).
			Int("errors", len(errs)).
			Msg("notification batch processed")
	}
	return res, errors.Join(errs...)
}

type outcome int

const (
	outcomeDelivered outcome = iota
	outcomeRetried
	outcomeFailed
)

func (p *Processor) handle(ctx context.Context, j *Job) (outcome, error) {
	dctx, cancel := context.WithTimeout(ctx, p.timeout)
	derr := p.deliver(dctx, j)
	cancel()

	// Outcomes are recorded even if the batch context was cancelled.
	rctx := context.WithoutCancel(ctx)
	if derr == nil {
		if err := p.queue.Complete(rctx, j); err != nil {
			return 0, fmt.Errorf("complete job %d: %w", j.ID, err)
		}
		return outcomeDelivered, nil
	}

	if errors.Is(derr, context.DeadlineExceeded) {
		derr = fmt.Errorf("delivery timed out after %s", p.timeout)
	}
	retried, err := p.queue.Failed(rctx, j, derr)
	if err != nil {
		return 0, fmt.Errorf("record failure of job %d: %w", j.ID, err)
	}
	p.logger.Warn().Err(derr).
		Int64("job_id", j.ID).
		Int("attempt", j.Attempts).
		Bool("retrying", retried).
		Msg("notification delivery failed")
	if retried {
		return outcomeRetried, nil
	}
	return outcomeFailed, nil
}

// deliver bounds the deliverer by ctx even if it ignores cancellation.
func (p *Processor) deliver(ctx context.Context, j *Job) error {
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("deliverer panic: %v", r)
			}
		}()
		done <- p.deliverer.Deliver(ctx, j.clone())
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
