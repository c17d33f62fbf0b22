package job

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mercuryim/mercury/internal/bus"
	"github.com/mercuryim/mercury/internal/config"
	"github.com/mercuryim/mercury/internal/taskstore"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Executor performs the actual work of one job kind. Implementations must
// honor ctx cancellation at every I/O boundary and must not leave partial
// durable state behind when canceled.
type Executor interface {
	Execute(ctx context.Context, j Job) error
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, j Job) error

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, j Job) error { return f(ctx, j) }

type entry struct {
	job      Job
	state    State
	attempts int
	cancel   context.CancelFunc
}

// Queue is a bounded, deduplicated scheduler for background work. At most
// one job per identity is queued or running at a time; jobs of different
// identities run in parallel up to the worker limit. Accepted jobs are
// mirrored into the task store so they survive a restart.
type Queue struct {
	tasks  *taskstore.DB
	bus    *bus.Bus
	logger *zap.Logger

	workers     int
	maxAttempts int
	backoff     time.Duration

	mu        sync.Mutex
	inflight  map[string]*entry
	executors map[string]Executor

	pending chan Job
	cancel  context.CancelFunc
	group   *errgroup.Group
}

// NewQueue creates a stopped queue with the given tuning.
func NewQueue(tasks *taskstore.DB, b *bus.Bus, logger *zap.Logger, cfg config.Jobs) *Queue {
	return &Queue{
		tasks:       tasks,
		bus:         b,
		logger:      logger,
		workers:     cfg.Workers,
		maxAttempts: cfg.MaxAttempts,
		backoff:     cfg.RetryBackoff(),
		inflight:    make(map[string]*entry),
		executors:   make(map[string]Executor),
		pending:     make(chan Job, 1024),
	}
}

// RegisterExecutor wires the executor for a job kind. Must be called before
// Start.
func (q *Queue) RegisterExecutor(kind string, e Executor) {
	q.mu.Lock()
	q.executors[kind] = e
	q.mu.Unlock()
}

// Start launches the worker pool.
func (q *Queue) Start(ctx context.Context) {
	ctx, q.cancel = context.WithCancel(ctx)
	q.group, ctx = errgroup.WithContext(ctx)
	for i := 0; i < q.workers; i++ {
		q.group.Go(func() error {
			q.worker(ctx)
			return nil
		})
	}
}

// Stop signals the workers and waits for in-flight jobs to unwind.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	if q.group != nil {
		_ = q.group.Wait()
	}
}

// Submit offers a job to the queue. Returns false when a job with the same
// identity is already queued or running, or when the queue is saturated.
func (q *Queue) Submit(j Job) bool {
	if j.ID == "" {
		j.ID = NewID(j.Kind, j.TargetID)
	}

	q.mu.Lock()
	if _, dup := q.inflight[j.ID]; dup {
		q.mu.Unlock()
		return false
	}
	q.inflight[j.ID] = &entry{job: j, state: StateQueued}
	q.mu.Unlock()

	if q.tasks != nil {
		if err := q.tasks.Save(&taskstore.Row{
			JobID:    j.ID,
			Kind:     j.Kind,
			TargetID: j.TargetID,
			Priority: j.Priority,
			Payload:  j.Payload,
		}); err != nil {
			q.logger.Error("failed to persist job", zap.Error(err), zap.String("job_id", j.ID))
		}
	}

	select {
	case q.pending <- j:
		return true
	default:
		// Saturated. Undo the reservation so a later submit can succeed.
		q.mu.Lock()
		delete(q.inflight, j.ID)
		q.mu.Unlock()
		if q.tasks != nil {
			_ = q.tasks.Delete(j.ID)
		}
		return false
	}
}

// Cancel transitions a queued job to canceled or signals a running job to
// cooperatively stop. Returns false if the job is not in flight.
func (q *Queue) Cancel(jobID string) bool {
	q.mu.Lock()
	e, ok := q.inflight[jobID]
	if !ok {
		q.mu.Unlock()
		return false
	}
	switch e.state {
	case StateQueued:
		e.state = StateCanceled
	case StateRunning:
		if e.cancel != nil {
			e.cancel()
		}
	}
	q.mu.Unlock()
	return true
}

// FindByID returns the current view of a job: in-flight state if the queue
// holds it, otherwise whatever the task store remembers (e.g. a terminal
// failure), or nil.
func (q *Queue) FindByID(jobID string) (*Snapshot, error) {
	q.mu.Lock()
	if e, ok := q.inflight[jobID]; ok {
		snap := &Snapshot{Job: e.job, State: e.state, Attempts: e.attempts}
		q.mu.Unlock()
		return snap, nil
	}
	q.mu.Unlock()

	if q.tasks == nil {
		return nil, nil
	}
	row, err := q.tasks.Get(jobID)
	if err != nil || row == nil {
		return nil, err
	}
	return &Snapshot{
		Job: Job{
			ID:       row.JobID,
			Kind:     row.Kind,
			TargetID: row.TargetID,
			Priority: row.Priority,
			Payload:  row.Payload,
		},
		State:    State(row.State),
		Attempts: row.Attempts,
	}, nil
}

// Recover resubmits jobs the task store still holds as pending, including
// running rows left behind by a crash. Call before Start.
func (q *Queue) Recover() error {
	if q.tasks == nil {
		return nil
	}
	rows, err := q.tasks.Pending()
	if err != nil {
		return fmt.Errorf("load pending jobs: %w", err)
	}
	for _, row := range rows {
		j := Job{
			ID:       row.JobID,
			Kind:     row.Kind,
			TargetID: row.TargetID,
			Priority: row.Priority,
			Payload:  row.Payload,
		}
		q.mu.Lock()
		if _, dup := q.inflight[j.ID]; dup {
			q.mu.Unlock()
			continue
		}
		q.inflight[j.ID] = &entry{job: j, state: StateQueued, attempts: row.Attempts}
		q.mu.Unlock()

		select {
		case q.pending <- j:
		default:
			q.logger.Warn("pending channel full during recovery", zap.String("job_id", j.ID))
			q.mu.Lock()
			delete(q.inflight, j.ID)
			q.mu.Unlock()
		}
	}
	if len(rows) > 0 {
		q.logger.Info("recovered pending jobs", zap.Int("count", len(rows)))
	}
	return nil
}

func (q *Queue) worker(ctx context.Context) {
	for {
		select {
		case j := <-q.pending:
			q.run(ctx, j)
		case <-ctx.Done():
			return
		}
	}
}

func (q *Queue) run(ctx context.Context, j Job) {
	q.mu.Lock()
	e, ok := q.inflight[j.ID]
	if !ok {
		q.mu.Unlock()
		return
	}
	if e.state == StateCanceled {
		q.mu.Unlock()
		q.finalize(j, StateCanceled, nil)
		return
	}
	jctx, cancel := context.WithCancel(ctx)
	e.state = StateRunning
	e.cancel = cancel
	executor := q.executors[j.Kind]
	q.mu.Unlock()
	defer cancel()

	if q.tasks != nil {
		_ = q.tasks.MarkRunning(j.ID)
	}

	var err error
	if executor == nil {
		err = Terminal(fmt.Errorf("no executor registered for kind %q", j.Kind))
	} else {
		err = executor.Execute(jctx, j)
	}

	switch {
	case err == nil:
		q.finalize(j, StateFinished, nil)

	case ctx.Err() != nil:
		// Shutdown: leave the task row pending so the next start recovers it.
		q.remove(j.ID)

	case jctx.Err() != nil:
		q.finalize(j, StateCanceled, err)

	case IsTerminal(err):
		q.mu.Lock()
		e.attempts++
		attempts := e.attempts
		q.mu.Unlock()
		if q.tasks != nil {
			_ = q.tasks.MarkFailed(j.ID, attempts, err.Error())
		}
		q.finalize(j, StateFailed, err)

	default:
		q.retry(ctx, j, e, err)
	}
}

func (q *Queue) retry(ctx context.Context, j Job, e *entry, cause error) {
	q.mu.Lock()
	e.attempts++
	attempts := e.attempts
	if attempts >= q.maxAttempts {
		q.mu.Unlock()
		if q.tasks != nil {
			_ = q.tasks.MarkFailed(j.ID, attempts, cause.Error())
		}
		q.logger.Error("job failed terminally after retries",
			zap.String("job_id", j.ID), zap.String("kind", j.Kind), zap.Int("attempts", attempts), zap.Error(cause))
		q.finalize(j, StateFailed, cause)
		return
	}
	e.state = StateQueued
	e.cancel = nil
	q.mu.Unlock()

	if q.tasks != nil {
		_ = q.tasks.MarkQueued(j.ID, attempts, cause.Error())
	}
	delay := q.backoff << (attempts - 1)
	q.logger.Warn("job failed, retrying",
		zap.String("job_id", j.ID), zap.String("kind", j.Kind),
		zap.Int("attempt", attempts), zap.Duration("backoff", delay), zap.Error(cause))

	go func() {
		select {
		case <-time.After(delay):
			select {
			case q.pending <- j:
			case <-ctx.Done():
			}
		case <-ctx.Done():
		}
	}()
}

func (q *Queue) remove(jobID string) {
	q.mu.Lock()
	delete(q.inflight, jobID)
	q.mu.Unlock()
}

// finalize settles a terminal outcome. The task row is deleted before the
// in-flight entry goes away: once the identity is free for resubmission, a
// new Submit's durable row must not be clobbered by this run's cleanup.
func (q *Queue) finalize(j Job, state State, cause error) {
	if q.tasks != nil && state != StateFailed {
		_ = q.tasks.Delete(j.ID)
	}
	q.remove(j.ID)
	report := Report{JobID: j.ID, Kind: j.Kind, TargetID: j.TargetID}
	if cause != nil {
		report.Err = cause.Error()
	}
	if q.bus != nil {
		q.bus.Publish(bus.Event{
			Kind:      "job." + string(state),
			Timestamp: time.Now(),
			Payload:   report,
		})
	}
}
