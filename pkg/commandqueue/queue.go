package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/marinabox/marinabox/internal/observability"
	"github.com/marinabox/marinabox/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

const tracerName = "marinabox.commandqueue"

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New("command queue is closed")

// Task represents an operation executed in a lane
type Task func(ctx context.Context) (interface{}, error)

// taskRecord tracks a task's execution state
type taskRecord struct {
	id         string
	task       Task
	ctx        context.Context
	enqueuedAt time.Time
	started    bool
	result     chan taskResult
}

type taskResult struct {
	value interface{}
	err   error
}

// laneState is the execution state of a single lane. Guarded by CommandQueue.mu.
type laneState struct {
	concurrency int
	queue       []*taskRecord
	running     int
}

// CommandQueue provides lane-based task serialization with concurrency control
type CommandQueue struct {
	logger zerolog.Logger

	mu        sync.Mutex
	lanes     map[string]*laneState
	taskIDSeq int
	waiting   int
	closed    bool
	wg        sync.WaitGroup
}

// New creates an empty CommandQueue
func New(logger zerolog.Logger) *CommandQueue {
	observability.EnsureRegistered()

	return &CommandQueue{
		logger: logger.With().Str("component", "commandqueue").Logger(),
		lanes:  make(map[string]*laneState),
	}
}

// laneLocked returns the lane, creating it with concurrency 1. Callers hold mu.
func (cq *CommandQueue) laneLocked(lane string) *laneState {
	ls, ok := cq.lanes[lane]
	if !ok {
		ls = &laneState{concurrency: 1}
		cq.lanes[lane] = ls
	}
	return ls
}

// Enqueue runs task in lane once every earlier task in that lane has
// started and capacity is free, and returns its result. The task receives
// ctx. If ctx ends before the task starts, Enqueue returns ctx.Err().
func (cq *CommandQueue) Enqueue(ctx context.Context, lane string, task Task) (interface{}, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "commandqueue.enqueue", attribute.String("lane", lane))
	defer span.End()

	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		return nil, ErrClosed
	}
	cq.taskIDSeq++
	record := &taskRecord{
		id:         fmt.Sprintf("%s-%d", lane, cq.taskIDSeq),
		task:       task,
		ctx:        ctx,
		enqueuedAt: time.Now(),
		result:     make(chan taskResult, 1),
	}
	ls := cq.laneLocked(lane)
	ls.queue = append(ls.queue, record)
	queueSize := len(ls.queue)
	cq.waiting++
	observability.SetRunsWaiting(cq.waiting)
	cq.processLaneLocked(lane)
	cq.mu.Unlock()

	logger := tracing.LoggerFromContext(ctx, cq.logger)
	logger.Debug().
		Str("lane", lane).
		Str("task_id", record.id).
		Int("queue_size", queueSize).
		Msg("Task enqueued")

	select {
	case res := <-record.result:
		tracing.RecordError(span, res.err)
		return res.value, res.err
	case <-ctx.Done():
	}

	cq.mu.Lock()
	if !record.started && cq.removeLocked(lane, record) {
		cq.mu.Unlock()
		logger.Debug().
			Str("lane", lane).
			Str("task_id", record.id).
			Msg("Task abandoned while queued")
		tracing.RecordError(span, ctx.Err())
		return nil, ctx.Err()
	}
	cq.mu.Unlock()

	// Already running: the task observes ctx itself.
	res := <-record.result
	tracing.RecordError(span, res.err)
	return res.value, res.err
}

func (cq *CommandQueue) removeLocked(lane string, record *taskRecord) bool {
	ls := cq.lanes[lane]
	for i, r := range ls.queue {
		if r == record {
			ls.queue = append(ls.queue[:i], ls.queue[i+1:]...)
			cq.waiting--
			observability.SetRunsWaiting(cq.waiting)
			cq.pruneLocked(lane)
			return true
		}
	}
	return false
}

// pruneLocked drops idle lanes so per-session lanes do not accumulate.
func (cq *CommandQueue) pruneLocked(lane string) {
	ls := cq.lanes[lane]
	if ls != nil && ls.running == 0 && len(ls.queue) == 0 && ls.concurrency == 1 {
		delete(cq.lanes, lane)
	}
}

// processLaneLocked starts queued tasks while the lane has capacity.
func (cq *CommandQueue) processLaneLocked(lane string) {
	ls := cq.lanes[lane]
	for ls.running < ls.concurrency && len(ls.queue) > 0 {
		record := ls.queue[0]
		ls.queue = ls.queue[1:]
		record.started = true
		ls.running++
		cq.waiting--
		observability.SetRunsWaiting(cq.waiting)
		observability.RecordRunQueueWait(time.Since(record.enqueuedAt))

		cq.wg.Add(1)
		go cq.executeTask(lane, record)
	}
}

// executeTask executes a single task
func (cq *CommandQueue) executeTask(lane string, record *taskRecord) {
	defer cq.wg.Done()

	ctx, span := tracing.StartSpan(record.ctx, tracerName, "commandqueue.execute_task",
		attribute.String("lane", lane),
		attribute.String("task_id", record.id),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, cq.logger)

	start := time.Now()
	value, err := cq.run(ctx, record.task)
	duration := time.Since(start)

	cq.mu.Lock()
	ls := cq.lanes[lane]
	ls.running--
	cq.processLaneLocked(lane)
	cq.pruneLocked(lane)
	cq.mu.Unlock()

	record.result <- taskResult{value: value, err: err}

	tracing.RecordError(span, err)
	if err != nil {
		logger.Debug().Str("lane", lane).Str("task_id", record.id).Dur("duration", duration).Err(err).Msg("Task failed")
		return
	}
	logger.Debug().Str("lane", lane).Str("task_id", record.id).Dur("duration", duration).Msg("Task completed")
}

// run invokes task, converting a panic into an error so the lane keeps moving.
func (cq *CommandQueue) run(ctx context.Context, task Task) (value interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task(ctx)
}

// GetQueueSize returns the number of queued tasks for a lane
func (cq *CommandQueue) GetQueueSize(lane string) int {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	if ls, ok := cq.lanes[lane]; ok {
		return len(ls.queue)
	}
	return 0
}

// GetRunningCount returns the number of currently executing tasks for a lane
func (cq *CommandQueue) GetRunningCount(lane string) int {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	if ls, ok := cq.lanes[lane]; ok {
		return ls.running
	}
	return 0
}

// GetStats returns statistics for all non-idle lanes
func (cq *CommandQueue) GetStats() map[string]map[string]int {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	stats := make(map[string]map[string]int, len(cq.lanes))
	for lane, ls := range cq.lanes {
		stats[lane] = map[string]int{
			"queued":      len(ls.queue),
			"running":     ls.running,
			"concurrency": ls.concurrency,
		}
	}
	return stats
}

// SetConcurrency updates the concurrency limit for a lane. Values below 1
// are treated as 1.
func (cq *CommandQueue) SetConcurrency(lane string, concurrency int) {
	if concurrency < 1 {
		concurrency = 1
	}

	cq.mu.Lock()
	defer cq.mu.Unlock()

	ls := cq.laneLocked(lane)
	oldMax := ls.concurrency
	ls.concurrency = concurrency
	cq.processLaneLocked(lane)

	cq.logger.Debug().
		Str("lane", lane).
		Int("old_max", oldMax).
		Int("new_max", concurrency).
		Msg("Lane concurrency updated")
}

// Close rejects new tasks and queued tasks, then waits for running tasks.
func (cq *CommandQueue) Close() error {
	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		return nil
	}
	cq.closed = true
	for lane, ls := range cq.lanes {
		for _, record := range ls.queue {
			record.started = true
			record.result <- taskResult{err: ErrClosed}
		}
		cq.waiting -= len(ls.queue)
		ls.queue = nil
		cq.pruneLocked(lane)
	}
	observability.SetRunsWaiting(cq.waiting)
	cq.mu.Unlock()

	cq.wg.Wait()
	return nil
}
