package master

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"yqhp/crossval/internal/queue"
	"yqhp/crossval/internal/worker"
	"yqhp/crossval/pkg/logger"
	"yqhp/crossval/pkg/types"
)

const (
	// ReasonNoLiveWorkers is the failure recorded for jobs left when every worker has retired.
	ReasonNoLiveWorkers = "no live workers remain"
	// ReasonInterrupted is the failure recorded for jobs never started because the run was stopped.
	ReasonInterrupted = "run interrupted before the job started"
)

// Config holds the settings of a run.
type Config struct {
	// JobTimeout bounds each job. Zero disables the watchdog.
	JobTimeout time.Duration
	Clock      clockwork.Clock
}

// Master runs a set of jobs across workers. A Master is used for one run.
type Master struct {
	cfg       Config
	workers   []worker.Worker
	names     []string
	queue     *queue.WorkQueue
	collector *ResultCollector
	registry  *WorkerRegistry
	clock     clockwork.Clock
	logger    *zap.Logger

	live atomic.Int32
}

// New creates a Master over workers.
func New(workers []worker.Worker, cfg Config) *Master {
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	m := &Master{
		cfg:       cfg,
		workers:   workers,
		queue:     queue.New(),
		collector: NewResultCollector(),
		registry:  NewWorkerRegistry(clock),
		clock:     clock,
		logger:    logger.Named("master"),
	}

	seen := make(map[string]int)
	for _, w := range workers {
		name := w.Name()
		seen[name]++
		if n := seen[name]; n > 1 {
			name = fmt.Sprintf("%s#%d", name, n)
		}
		m.names = append(m.names, name)
	}
	return m
}

// Collector exposes the result collector of the run.
func (m *Master) Collector() *ResultCollector {
	return m.collector
}

// Registry exposes the worker registry of the run.
func (m *Master) Registry() *WorkerRegistry {
	return m.registry
}

// Run executes every job and returns the report once each has a terminal
// outcome. When ctx ends early the report covers what finished, the rest is
// recorded as failed and ctx's error is returned alongside it.
func (m *Master) Run(ctx context.Context, jobs []types.Job) (*RunReport, error) {
	if len(m.workers) == 0 {
		return nil, types.NewUsageError("no workers configured", nil)
	}

	report := &RunReport{RunID: uuid.NewString(), StartedAt: m.clock.Now()}
	log := m.logger.With(zap.String("run_id", report.RunID))

	for _, job := range jobs {
		if err := m.collector.Register(job); err != nil {
			return nil, types.NewUsageError("duplicate job", err)
		}
		if err := m.queue.Enqueue(job); err != nil {
			return nil, err
		}
	}
	for _, name := range m.names {
		if err := m.registry.Register(name); err != nil {
			return nil, err
		}
	}
	log.Info("run started", zap.Int("jobs", len(jobs)), zap.Int("workers", len(m.workers)))

	pool, err := ants.NewPool(len(m.workers), ants.WithPanicHandler(func(p interface{}) {
		log.Error("worker lane panicked", zap.Any("panic", p))
	}))
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	defer pool.Release()

	m.live.Store(int32(len(m.workers)))
	var wg sync.WaitGroup
	for i, w := range m.workers {
		wg.Add(1)
		name := m.names[i]
		if err := pool.Submit(func() {
			defer wg.Done()
			m.lane(ctx, name, w)
		}); err != nil {
			wg.Done()
			_ = w.Close()
			m.retire(name, fmt.Errorf("start lane: %w", err))
		}
	}

	runErr := m.queue.Join(ctx)
	m.queue.Close()
	wg.Wait()

	if runErr != nil {
		report.Interrupted = true
		for _, job := range m.queue.DrainPending() {
			m.recordFailure(job, ReasonInterrupted)
		}
		log.Warn("run interrupted", zap.Error(runErr))
	}

	report.FinishedAt = m.clock.Now()
	report.Outcomes = m.collector.Snapshot()
	report.Summary = Aggregate(report.Outcomes)
	report.Workers = m.registry.List()

	log.Info("run finished",
		zap.Int("completed", report.Summary.Completed),
		zap.Int("failed", report.Summary.Failed),
		zap.Int("pending", report.Summary.Pending),
		zap.Int("live_workers", m.registry.CountLive()),
		zap.Duration("elapsed", report.FinishedAt.Sub(report.StartedAt)),
	)
	return report, runErr
}

// lane feeds jobs to one worker until the queue closes, the run is
// cancelled or the worker reports a broken environment.
func (m *Master) lane(ctx context.Context, name string, w worker.Worker) {
	defer func() {
		if err := w.Close(); err != nil {
			m.logger.Warn("close worker", zap.String("worker", name), zap.Error(err))
		}
	}()

	for {
		job, err := m.queue.Dequeue(ctx)
		if err != nil {
			return
		}
		_ = m.registry.MarkBusy(name, job.Key())

		outcome, fatal := m.runJob(ctx, w, job)
		if err := m.collector.Record(*outcome); err != nil {
			m.logger.Error("record outcome", zap.String("job", job.Key()), zap.Error(err))
		}
		_ = m.registry.RecordOutcome(name, outcome.Status)
		if err := m.queue.MarkDone(); err != nil {
			m.logger.Error("mark done", zap.String("job", job.Key()), zap.Error(err))
		}

		fields := []zap.Field{
			zap.String("worker", name),
			zap.String("job", job.Key()),
			zap.String("status", string(outcome.Status)),
			zap.Duration("duration", outcome.Duration()),
		}
		if outcome.Status == types.JobFailed {
			m.logger.Warn("job failed", append(fields, zap.String("error", outcome.Error))...)
		} else {
			m.logger.Info("job completed", fields...)
		}

		if fatal != nil {
			m.retire(name, fatal)
			return
		}
	}
}

// runJob applies the job watchdog and turns panics and missing outcomes into
// failures.
func (m *Master) runJob(ctx context.Context, w worker.Worker, job types.Job) (outcome *types.JobOutcome, fatal error) {
	jobCtx := ctx
	if m.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, m.cfg.JobTimeout)
		defer cancel()
	}

	defer func() {
		if p := recover(); p != nil {
			fatal = fmt.Errorf("worker panicked: %v", p)
			outcome = types.NewFailedOutcome(job, w.Name(), fatal)
		}
	}()

	outcome, fatal = w.RunJob(jobCtx, job)
	if outcome == nil {
		cause := fatal
		if cause == nil {
			cause = errors.New("worker returned no outcome")
		}
		outcome = types.NewFailedOutcome(job, w.Name(), cause)
	}
	if !outcome.Status.IsTerminal() {
		outcome.Status = types.JobFailed
		if outcome.Error == "" {
			outcome.Error = "worker returned a non-terminal outcome"
		}
	}
	if outcome.Status == types.JobFailed && jobCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		outcome.Error = fmt.Sprintf("job exceeded timeout of %s: %s", m.cfg.JobTimeout, outcome.Error)
	}
	return outcome, fatal
}

// retire takes a worker offline. The last one to go fails every job still
// waiting in the queue.
func (m *Master) retire(name string, cause error) {
	_ = m.registry.MarkOffline(name, cause)
	remaining := m.live.Add(-1)
	m.logger.Error("worker retired",
		zap.String("worker", name),
		zap.Int32("live_workers", remaining),
		zap.Error(cause),
	)
	if remaining > 0 {
		return
	}
	pending := m.queue.DrainPending()
	if len(pending) > 0 {
		m.logger.Error(ReasonNoLiveWorkers, zap.Int("jobs_failed", len(pending)))
	}
	for _, job := range pending {
		m.recordFailure(job, ReasonNoLiveWorkers)
	}
}

func (m *Master) recordFailure(job types.Job, reason string) {
	now := m.clock.Now()
	outcome := types.JobOutcome{
		Job:       job,
		Status:    types.JobFailed,
		Error:     reason,
		StartTime: now,
		EndTime:   now,
	}
	if err := m.collector.Record(outcome); err != nil {
		m.logger.Error("record outcome", zap.String("job", job.Key()), zap.Error(err))
	}
}
