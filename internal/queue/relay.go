package queue

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"holdingsitems/internal/logger"
)

// Relay drains an outbox into a dispatcher. Jobs are acknowledged only after
// the dispatcher accepted them, so delivery is at least once.
type Relay struct {
	source   Source
	sink     Dispatcher
	log      *logger.Logger
	limiter  *rate.Limiter
	batch    int
	interval time.Duration
}

// RelayOptions tunes a Relay. Zero values pick defaults.
type RelayOptions struct {
	Batch     int
	Interval  time.Duration
	PerSecond float64
}

// NewRelay returns a relay from source to sink.
func NewRelay(source Source, sink Dispatcher, log *logger.Logger, opts RelayOptions) *Relay {
	if opts.Batch <= 0 {
		opts.Batch = 100
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	limit := rate.Inf
	if opts.PerSecond > 0 {
		limit = rate.Limit(opts.PerSecond)
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Relay{
		source:   source,
		sink:     sink,
		log:      log.With("service", "OutboxRelay"),
		limiter:  rate.NewLimiter(limit, opts.Batch),
		batch:    opts.Batch,
		interval: opts.Interval,
	}
}

// Run polls until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		n, err := r.Drain(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.log.Warn("outbox drain failed", "error", err)
		}
		if n == r.batch {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Drain delivers one batch and returns how many jobs were acknowledged.
// It stops at the first delivery failure, leaving that job and all later
// ones pending so ordering per supplier is kept.
func (r *Relay) Drain(ctx context.Context) (int, error) {
	jobs, err := r.source.PendingJobs(ctx, r.batch)
	if err != nil {
		return 0, fmt.Errorf("load pending jobs: %w", err)
	}
	if len(jobs) == 0 {
		return 0, nil
	}

	delivered := make([]int64, 0, len(jobs))
	var deliverErr error
	for _, job := range jobs {
		if err := r.limiter.Wait(ctx); err != nil {
			deliverErr = err
			break
		}
		if err := r.sink.Enqueue(ctx, job); err != nil {
			deliverErr = fmt.Errorf("deliver job %d: %w", job.ID, err)
			break
		}
		delivered = append(delivered, job.ID)
	}

	if len(delivered) > 0 {
		if err := r.source.AckJobs(ctx, delivered); err != nil {
			return 0, fmt.Errorf("ack jobs: %w", err)
		}
		r.log.Debug("outbox jobs delivered", "count", len(delivered))
	}
	return len(delivered), deliverErr
}
