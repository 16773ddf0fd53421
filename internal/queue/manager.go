// Package queue runs the background execution loop: a pool of workers that
// lease pending runs from storage, execute them through the graph engine,
// publish stream events to the broker and write terminal results through to
// storage and the run record cache.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/graphflow/internal/cache"
	"github.com/BaSui01/graphflow/internal/graph"
	"github.com/BaSui01/graphflow/internal/metrics"
	"github.com/BaSui01/graphflow/internal/storage"
	"github.com/BaSui01/graphflow/internal/stream"
	"github.com/BaSui01/graphflow/internal/task"
	"github.com/BaSui01/graphflow/types"
)

// Config tunes the worker pool.
type Config struct {
	// Concurrency is the number of workers leasing runs in parallel.
	Concurrency int `yaml:"concurrency" json:"concurrency"`

	// PollInterval is how long an idle worker sleeps between lease attempts.
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval"`

	// JobTimeout bounds a single run's execution.
	JobTimeout time.Duration `yaml:"job_timeout" json:"job_timeout"`
}

// DefaultConfig returns worker pool defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:  10,
		PollInterval: 500 * time.Millisecond,
		JobTimeout:   time.Hour,
	}
}

// Manager owns the worker pool and tracks which runs are executing in this
// process so cancellation can reach them.
type Manager struct {
	cfg       Config
	store     *storage.Store
	broker    *stream.Broker
	cache     *cache.Manager
	executor  graph.Executor
	logger    *zap.Logger
	collector *metrics.Collector

	mu     sync.Mutex
	active map[uuid.UUID]*activeJob
}

type activeJob struct {
	// interrupt fires when cancellation reaches this job; its value is the
	// requested cancel action ("interrupt" or "rollback").
	interrupt *task.ValueEvent
}

// NewManager wires the worker pool. cacheMgr and collector may be nil.
func NewManager(cfg Config, store *storage.Store, broker *stream.Broker, cacheMgr *cache.Manager, executor graph.Executor, logger *zap.Logger, collector *metrics.Collector) *Manager {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConfig().Concurrency
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = DefaultConfig().JobTimeout
	}
	return &Manager{
		cfg:       cfg,
		store:     store,
		broker:    broker,
		cache:     cacheMgr,
		executor:  executor,
		logger:    logger.With(zap.String("component", "queue")),
		collector: collector,
	}
}

// Run drives the worker pool until ctx is canceled. Intended to be spawned
// under the lifespan task group.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	if m.active == nil {
		m.active = make(map[uuid.UUID]*activeJob)
	}
	m.mu.Unlock()

	m.logger.Info("worker pool starting",
		zap.Int("concurrency", m.cfg.Concurrency),
		zap.Duration("job_timeout", m.cfg.JobTimeout),
	)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < m.cfg.Concurrency; i++ {
		worker := i
		g.Go(func() error {
			return m.workerLoop(ctx, worker)
		})
	}
	return g.Wait()
}

func (m *Manager) workerLoop(ctx context.Context, worker int) error {
	logger := m.logger.With(zap.Int("worker", worker))
	for {
		run, err := m.store.LeaseNextRun(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Warn("lease attempt failed", zap.Error(err))
		}
		if run != nil {
			m.execute(ctx, run, logger)
			// drain mode: try again immediately while work is available
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.cfg.PollInterval):
		}
	}
}

// execute runs one leased run to a terminal state. The terminal write happens
// on a fresh context so a shutdown mid-run still records the outcome.
func (m *Manager) execute(ctx context.Context, run *storage.Run, logger *zap.Logger) {
	start := time.Now()
	jobCtx, cancel := context.WithTimeout(ctx, m.cfg.JobTimeout)
	defer cancel()

	job := &activeJob{interrupt: task.NewValueEvent()}
	m.mu.Lock()
	m.active[run.ID] = job
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.active, run.ID)
		m.mu.Unlock()
	}()

	sink := func(ctx context.Context, mode string, payload []byte) error {
		return m.broker.Publish(ctx, run.ID, mode, payload)
	}

	// Race the executor against the interrupt signal: an out-of-band cancel
	// fires job.interrupt, which cancels the executor's context and surfaces
	// as a *task.DoneError carrying the requested action.
	var output []byte
	execErr := task.WaitIfNotDone(jobCtx, func(ctx context.Context) error {
		var err error
		output, err = m.executor.Execute(ctx, run.Input, sink)
		return err
	}, job.interrupt)

	status, final := m.settle(output, execErr)

	finishCtx, finishCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer finishCancel()

	// Shutdown mid-run: put the run back in the queue for the next process.
	// The feed stays open so attached subscribers keep waiting.
	if status == types.RunStatusPending {
		if err := m.store.RequeueRun(finishCtx, run.ID); err != nil {
			logger.Error("failed to requeue run on shutdown", zap.String("run_id", run.ID.String()), zap.Error(err))
		}
		return
	}

	if status == types.RunStatusError || status == types.RunStatusInterrupted {
		if err := m.broker.Publish(finishCtx, run.ID, types.StreamModeError, final); err != nil {
			logger.Warn("failed to publish terminal error event", zap.String("run_id", run.ID.String()), zap.Error(err))
		}
	}

	if err := m.store.FinishRun(finishCtx, run.ID, status, final); err != nil {
		logger.Error("failed to record run outcome",
			zap.String("run_id", run.ID.String()),
			zap.String("status", string(status)),
			zap.Error(err),
		)
	}
	m.broker.CloseRun(run.ID)

	if job.rollbackRequested() {
		if err := m.store.DeleteRun(finishCtx, run.ID, nil); err != nil {
			logger.Warn("rollback delete failed", zap.String("run_id", run.ID.String()), zap.Error(err))
		}
	} else if err := m.cacheTerminal(finishCtx, run, status, final); err != nil {
		logger.Warn("failed to cache terminal run", zap.String("run_id", run.ID.String()), zap.Error(err))
	}

	m.collector.RecordRunCompleted(string(status), time.Since(start))
	logger.Info("run finished",
		zap.String("run_id", run.ID.String()),
		zap.String("status", string(status)),
		zap.Duration("duration", time.Since(start)),
	)
}

// settle classifies the execution result into the status the run should land
// in and the chunk persisted as output. Pending means "requeue": the worker
// was shut down, not the run canceled.
func (m *Manager) settle(output []byte, execErr error) (types.RunStatus, []byte) {
	var doneErr *task.DoneError
	switch {
	case execErr == nil:
		return types.RunStatusSuccess, output

	case errors.As(execErr, &doneErr):
		return types.RunStatusInterrupted, errorChunk("run interrupted")

	case errors.Is(execErr, context.DeadlineExceeded):
		return types.RunStatusError, errorChunk(fmt.Sprintf("run exceeded job timeout of %s", m.cfg.JobTimeout))

	case errors.Is(execErr, context.Canceled):
		return types.RunStatusPending, nil

	default:
		return types.RunStatusError, errorChunk(execErr.Error())
	}
}

// errorChunk wraps a failure message so stream consumers can distinguish
// terminal errors from values.
func errorChunk(message string) []byte {
	b, err := json.Marshal(map[string]any{"__error__": map[string]string{"message": message}})
	if err != nil {
		return []byte(`{"__error__":{"message":"internal error"}}`)
	}
	return b
}

func (m *Manager) cacheTerminal(ctx context.Context, run *storage.Run, status types.RunStatus, output []byte) error {
	record := &cache.RunRecord{
		ID:          run.ID.String(),
		Status:      string(status),
		StreamModes: run.StreamModes,
		Output:      output,
		CreatedAt:   run.CreatedAt,
	}
	if run.ThreadID != nil {
		record.ThreadID = run.ThreadID.String()
	}
	return m.cache.PutRun(ctx, record)
}

// Interrupt cancels a run executing in this process by firing its interrupt
// event with the requested action. With the rollback action the worker deletes
// the run row after it unwinds. Reports whether the run was active here.
func (m *Manager) Interrupt(runID uuid.UUID, action string) bool {
	m.mu.Lock()
	job, ok := m.active[runID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	job.interrupt.Set([]byte(types.NormalizeCancelAction(action)))
	return true
}

// ActiveRuns returns how many runs this process is executing right now.
func (m *Manager) ActiveRuns() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

func (j *activeJob) rollbackRequested() bool {
	v, ok := j.interrupt.Value()
	return ok && string(v) == types.CancelActionRollback
}
