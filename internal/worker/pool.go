package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/storynest/storynest/internal/id"
	"github.com/storynest/storynest/internal/metrics"
	"github.com/storynest/storynest/internal/queue"
)

// Config tunes one worker pool.
type Config struct {
	Name         string        // pool name for logs and worker ids ("stories", "voices")
	Kinds        []queue.Kind  // job kinds this pool leases
	Size         int           // concurrent workers
	LeaseFor     time.Duration // lease duration; also the stall timeout
	RenewEvery   time.Duration // lease renewal interval while processing
	SoftDeadline time.Duration // per-attempt deadline; exceeding it is a retryable failure
}

func (c *Config) applyDefaults() {
	if c.Size < 1 {
		c.Size = 1
	}
	if c.LeaseFor <= 0 {
		c.LeaseFor = 30 * time.Second
	}
	if c.RenewEvery <= 0 {
		c.RenewEvery = c.LeaseFor / 3
	}
	if c.SoftDeadline <= 0 {
		c.SoftDeadline = 2 * time.Minute
	}
}

// Pool runs a fixed number of workers leasing jobs of its kinds. The
// size is kept small on purpose: it bounds concurrent calls into the
// upstream AI provider.
type Pool struct {
	cfg    Config
	store  *queue.Store
	gen    Generator
	logger *slog.Logger
}

// NewPool creates a Pool. The pool does not start until Run is called.
func NewPool(cfg Config, store *queue.Store, gen Generator) *Pool {
	cfg.applyDefaults()
	return &Pool{
		cfg:    cfg,
		store:  store,
		gen:    gen,
		logger: slog.With("component", "worker", "pool", cfg.Name),
	}
}

// Run starts the pool's workers and blocks until the context is
// cancelled and all workers returned. In-flight attempts finish (or time
// out) before Run returns.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Size; i++ {
		workerID := fmt.Sprintf("%s-%d-%s", p.cfg.Name, i, id.Generate()[:8])
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.runWorker(ctx, workerID)
		}()
	}
	wg.Wait()
}

// newIdleBackoff paces polling while the queue is empty: starts at
// 100ms, doubles up to 2s, 20% jitter. A wake signal or a leased job
// resets it.
func newIdleBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.Multiplier = 2.0
	b.RandomizationFactor = 0.2
	b.Reset()
	return b
}

func (p *Pool) runWorker(ctx context.Context, workerID string) {
	idle := newIdleBackoff()
	for {
		if ctx.Err() != nil {
			return
		}

		job, err := p.leaseOne(ctx, workerID)
		if err != nil {
			p.logger.Error("lease next job", "worker", workerID, "error", err)
		}
		if job == nil {
			if !p.waitForWork(ctx, idle.NextBackOff()) {
				return
			}
			continue
		}

		idle.Reset()
		p.process(ctx, workerID, job)
	}
}

// leaseOne tries each of the pool's kinds in order and returns the first
// leased job, or nil when every queue is empty.
func (p *Pool) leaseOne(ctx context.Context, workerID string) (*queue.Job, error) {
	for _, kind := range p.cfg.Kinds {
		job, err := p.store.LeaseNext(ctx, kind, workerID, p.cfg.LeaseFor)
		if err != nil || job != nil {
			return job, err
		}
	}
	return nil, nil
}

// waitForWork blocks until a wake signal for any of the pool's kinds,
// the idle delay elapses, or the context ends. Reports false when the
// context ended. Wake signals are hints; one consumed by a forwarder
// after the delay already elapsed is covered by the bounded poll.
func (p *Pool) waitForWork(ctx context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	woken := make(chan struct{}, 1)
	for _, k := range p.cfg.Kinds {
		go func(wake <-chan struct{}) {
			select {
			case <-waitCtx.Done():
			case <-wake:
				select {
				case woken <- struct{}{}:
				default:
				}
			}
		}(p.store.Wake(k))
	}

	select {
	case <-ctx.Done():
		return false
	case <-woken:
	case <-timer.C:
	}
	return true
}

// process runs one attempt: progress to Processing, invoke the
// generator under the attempt deadline while a renewer keeps the lease
// alive, then commit the terminal transition for this attempt.
func (p *Pool) process(ctx context.Context, workerID string, job *queue.Job) {
	logger := p.logger.With("worker", workerID, "job", job.ID, "kind", job.Kind, "attempt", job.AttemptsMade)
	logger.Info("processing job")
	start := time.Now()
	metrics.JobsProcessing.WithLabelValues(string(job.Kind)).Inc()
	defer metrics.JobsProcessing.WithLabelValues(string(job.Kind)).Dec()

	attemptCtx, cancel := context.WithTimeout(ctx, p.cfg.SoftDeadline)
	defer cancel()

	renewerDone := make(chan struct{})
	go p.renewLoop(attemptCtx, cancel, workerID, job.ID, renewerDone)
	defer func() {
		cancel()
		<-renewerDone
	}()

	report := func(stage queue.Stage) {
		if err := p.store.ReportProgress(attemptCtx, job.ID, workerID, stage); err != nil && !errors.Is(err, context.Canceled) {
			logger.Debug("report progress", "stage", stage, "error", err)
		}
	}

	report(queue.StageProcessing)
	report(queue.StageGeneratingContent)

	artifact, err := p.gen.Generate(attemptCtx, job, report)
	if err != nil {
		p.failAttempt(ctx, logger, workerID, job, err)
		return
	}

	report(queue.StagePersisting)
	if err := p.store.Complete(ctx, job.ID, workerID, artifact.ID, artifact.Title); err != nil {
		// Lease lost after the work finished: the artifact exists but the
		// job will be retried. The generator must be idempotent per job id.
		logger.Warn("commit result", "error", err)
		return
	}
	metrics.JobsCompleted.WithLabelValues(string(job.Kind)).Inc()
	metrics.JobDuration.WithLabelValues(string(job.Kind)).Observe(time.Since(start).Seconds())
	logger.Info("job succeeded", "artifact", artifact.ID, "duration", time.Since(start))
}

func (p *Pool) failAttempt(ctx context.Context, logger *slog.Logger, workerID string, job *queue.Job, genErr error) {
	kind := Classify(genErr)
	msg := genErr.Error()
	if errors.Is(genErr, context.DeadlineExceeded) {
		msg = "generation attempt timed out"
	}

	if err := p.store.Fail(ctx, job.ID, workerID, kind, msg); err != nil {
		logger.Warn("record failure", "error", err)
		return
	}
	switch kind {
	case queue.ErrorPermanent:
		metrics.JobsFailed.WithLabelValues(string(job.Kind)).Inc()
		logger.Warn("job failed permanently", "error", genErr)
	default:
		if job.AttemptsMade >= job.MaxAttempts {
			metrics.JobsFailed.WithLabelValues(string(job.Kind)).Inc()
			logger.Warn("job failed, retries exhausted", "error", genErr)
		} else {
			metrics.JobsRetried.WithLabelValues(string(job.Kind)).Inc()
			logger.Info("job will retry", "error", genErr)
		}
	}
}

// renewLoop extends the lease while the attempt runs. A failed renewal
// means the lease was reclaimed; the attempt is cancelled so the
// generator stops burning provider quota on work that will be re-leased.
func (p *Pool) renewLoop(ctx context.Context, cancel context.CancelFunc, workerID, jobID string, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(p.cfg.RenewEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.store.RenewLease(ctx, jobID, workerID, p.cfg.LeaseFor); err != nil {
				if errors.Is(err, queue.ErrLeaseLost) {
					p.logger.Warn("lease lost, cancelling attempt", "worker", workerID, "job", jobID)
					cancel()
					return
				}
				p.logger.Error("renew lease", "worker", workerID, "job", jobID, "error", err)
			}
		}
	}
}
