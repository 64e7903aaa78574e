// Package worker polls the job queue and dispatches claimed jobs to the
// handler registered for their kind. It is the only layer that decides
// between retry and terminal failure.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"

	"github.com/kalambet/folio/internal/capability"
	"github.com/kalambet/folio/internal/graph"
	"github.com/kalambet/folio/internal/storage"
)

// Queue abstracts the job queue operations.
type Queue interface {
	ClaimNextJob(workerID string, kinds []string, lease time.Duration) (*storage.Job, error)
	CompleteJob(id, workerID string) error
	FailJobWithBackoff(id, workerID, errMsg string, permanent bool, backoff func(attempt int) time.Duration) (storage.JobStatus, error)
	ExtendLease(id, workerID string, lease time.Duration) error
	IsJobCancelled(id string) (bool, error)
}

// CancelCheck reports whether the running job was cancelled. Handlers
// consult it at node boundaries.
type CancelCheck func(ctx context.Context) (bool, error)

// Handler processes one job kind.
type Handler interface {
	Handle(ctx context.Context, job *storage.Job, cancelled CancelCheck) error
}

// RetryPolicer is implemented by handlers whose failures carry per-step
// retry policies.
type RetryPolicer interface {
	RetryPolicy(err error) graph.RetryPolicy
}

// GiveUpper is implemented by handlers that must react when a job fails
// terminally, e.g. to mark the target entity failed.
type GiveUpper interface {
	GiveUp(ctx context.Context, job *storage.Job, err error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job *storage.Job, cancelled CancelCheck) error

func (f HandlerFunc) Handle(ctx context.Context, job *storage.Job, cancelled CancelCheck) error {
	return f(ctx, job, cancelled)
}

type Config struct {
	// ID identifies this worker in job leases. Defaults to host-pid-random.
	ID           string
	Concurrency  int
	PollInterval time.Duration
	Lease        time.Duration
	// MaxRetryDelay caps per-step backoff schedules.
	MaxRetryDelay time.Duration
}

// Runtime claims jobs and runs them on a bounded goroutine pool.
type Runtime struct {
	queue    Queue
	handlers map[string]Handler
	kinds    []string
	cfg      Config
	pool     *ants.Pool
	wg       sync.WaitGroup
	logger   *slog.Logger
}

func New(queue Queue, cfg Config, logger *slog.Logger) (*Runtime, error) {
	if cfg.ID == "" {
		host, _ := os.Hostname()
		cfg.ID = fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.New().String()[:8])
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 5 * time.Minute
	}
	if cfg.MaxRetryDelay <= 0 {
		cfg.MaxRetryDelay = 10 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	pool, err := ants.NewPool(cfg.Concurrency)
	if err != nil {
		return nil, fmt.Errorf("creating worker pool: %w", err)
	}
	return &Runtime{
		queue:    queue,
		handlers: map[string]Handler{},
		cfg:      cfg,
		pool:     pool,
		logger:   logger.With("component", "worker", "worker_id", cfg.ID),
	}, nil
}

// Register installs h for jobs of kind.
func (r *Runtime) Register(kind string, h Handler) {
	if _, ok := r.handlers[kind]; !ok {
		r.kinds = append(r.kinds, kind)
	}
	r.handlers[kind] = h
}

func (r *Runtime) ID() string { return r.cfg.ID }

// Close releases the pool. Run releases it on return; callers that only
// use RunOnce or Drain call Close themselves.
func (r *Runtime) Close() { r.pool.Release() }

// Run polls for jobs until ctx is cancelled, then waits for in-flight jobs.
func (r *Runtime) Run(ctx context.Context) {
	r.logger.Info("worker started", "kinds", r.kinds, "concurrency", r.cfg.Concurrency)
	defer func() {
		r.wg.Wait()
		r.Close()
		r.logger.Info("worker stopped")
	}()

	for {
		if ctx.Err() != nil {
			return
		}
		if r.pool.Free() == 0 {
			if !sleep(ctx, r.cfg.PollInterval/4) {
				return
			}
			continue
		}

		job, err := r.queue.ClaimNextJob(r.cfg.ID, r.kinds, r.cfg.Lease)
		if err != nil {
			r.logger.Error("claiming job failed", "error", err)
		}
		if job == nil {
			if !sleep(ctx, r.cfg.PollInterval) {
				return
			}
			continue
		}

		r.wg.Add(1)
		if err := r.pool.Submit(func() {
			defer r.wg.Done()
			r.process(ctx, job)
		}); err != nil {
			r.wg.Done()
			// The lease expires and another claim picks the job up.
			r.logger.Error("submitting job failed", "job_id", job.ID, "error", err)
		}
	}
}

// RunOnce claims and processes a single job synchronously. Returns true if
// a job was processed, regardless of outcome.
func (r *Runtime) RunOnce(ctx context.Context) (bool, error) {
	job, err := r.queue.ClaimNextJob(r.cfg.ID, r.kinds, r.cfg.Lease)
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}
	r.process(ctx, job)
	return true, nil
}

// Drain runs jobs until none are due.
func (r *Runtime) Drain(ctx context.Context) (int, error) {
	n := 0
	for ctx.Err() == nil {
		ok, err := r.RunOnce(ctx)
		if err != nil {
			return n, err
		}
		if !ok {
			return n, nil
		}
		n++
	}
	return n, ctx.Err()
}

func (r *Runtime) process(ctx context.Context, job *storage.Job) {
	log := r.logger.With("job_id", job.ID, "kind", job.Kind, "target_id", job.TargetID, "attempt", job.Attempts)
	h, ok := r.handlers[job.Kind]
	if !ok {
		r.fail(ctx, log, job, nil, capability.MarkPermanent(fmt.Errorf("no handler for job kind %q", job.Kind)))
		return
	}

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var leaseLost atomic.Bool
	stopHeartbeat := r.heartbeat(jobCtx, func() { leaseLost.Store(true); cancel() }, log, job)
	defer stopHeartbeat()

	cancelled := func(context.Context) (bool, error) {
		return r.queue.IsJobCancelled(job.ID)
	}

	start := time.Now()
	log.Info("job started")
	err := h.Handle(jobCtx, job, cancelled)
	stopHeartbeat()

	switch {
	case err == nil:
		if cerr := r.queue.CompleteJob(job.ID, r.cfg.ID); cerr != nil {
			if errors.Is(cerr, storage.ErrJobCancelled) {
				log.Info("job cancelled before it could complete")
				return
			}
			log.Warn("completing job failed", "error", cerr)
			return
		}
		log.Info("job succeeded", "duration_ms", time.Since(start).Milliseconds())
	case errors.Is(err, graph.ErrCancelled):
		log.Info("job cancelled", "error", err)
	case leaseLost.Load():
		// Another worker owns the job now.
		log.Warn("job abandoned after lease loss", "error", err)
	case ctx.Err() != nil:
		// Shutting down: leave the job to lease expiry.
		log.Warn("job interrupted by shutdown", "error", err)
	default:
		r.fail(ctx, log, job, h, err)
	}
}

func (r *Runtime) fail(ctx context.Context, log *slog.Logger, job *storage.Job, h Handler, err error) {
	permanent := capability.IsPermanent(err)
	var backoff func(int) time.Duration
	if p, ok := h.(RetryPolicer); ok {
		policy := p.RetryPolicy(err)
		if policy.MaxAttempts > 0 && job.Attempts > policy.MaxAttempts {
			permanent = true
		}
		if policy.BaseDelay > 0 {
			backoff = storage.ExponentialBackoff(policy.BaseDelay, r.cfg.MaxRetryDelay)
		}
	}

	status, ferr := r.queue.FailJobWithBackoff(job.ID, r.cfg.ID, err.Error(), permanent, backoff)
	if errors.Is(ferr, storage.ErrJobCancelled) {
		log.Info("job cancelled", "job_error", err)
		return
	}
	if ferr != nil {
		log.Error("recording job failure failed", "error", ferr, "job_error", err)
		return
	}
	log.Warn("job failed", "error", err, "permanent", permanent, "status", status)

	if status == storage.JobFailed {
		if g, ok := h.(GiveUpper); ok {
			g.GiveUp(ctx, job, err)
		}
	}
}

// heartbeat extends the lease every third of its length. Losing the lease
// cancels the job context; a cancelled job only stops the heartbeat, so an
// external call in flight runs to completion. The returned func stops the heartbeat and is
// safe to call twice.
func (r *Runtime) heartbeat(ctx context.Context, lost func(), log *slog.Logger, job *storage.Job) func() {
	done := make(chan struct{})
	var once sync.Once
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)
		t := time.NewTicker(r.cfg.Lease / 3)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				if err := r.queue.ExtendLease(job.ID, r.cfg.ID, r.cfg.Lease); err != nil {
					if errors.Is(err, storage.ErrJobCancelled) {
						// The handler sees the flag at its next node boundary.
						log.Info("job cancelled, heartbeat stopped")
						return
					}
					if errors.Is(err, storage.ErrLeaseLost) {
						log.Warn("lease lost, abandoning job", "error", err)
						lost()
						return
					}
					log.Error("extending lease failed", "error", err)
				}
			}
		}
	}()

	return func() {
		once.Do(func() {
			close(done)
			<-stopped
		})
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
