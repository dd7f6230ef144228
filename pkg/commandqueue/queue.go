package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/turnloop/internal/observability"
	"github.com/harun/turnloop/internal/tracing"
)

var (
	// ErrLaneReset is returned for queued tasks dropped by ResetLane.
	ErrLaneReset = errors.New("lane reset")
	// ErrLaneCleared is returned for queued tasks dropped by ClearLane.
	ErrLaneCleared = errors.New("lane cleared")
	// ErrClosed is returned by Enqueue after Close.
	ErrClosed = errors.New("command queue closed")
)

// Task is a unit of work executed on a lane.
type Task func(ctx context.Context) (interface{}, error)

// EventType identifies a queue event.
type EventType string

const (
	EventEnqueued  EventType = "enqueued"
	EventStarted   EventType = "started"
	EventCompleted EventType = "completed"
)

// Event reports task activity on a lane.
type Event struct {
	Type      EventType
	Lane      string
	TaskID    string
	QueueSize int
	// Duration and Err are set on completed events.
	Duration time.Duration
	Err      error
}

// EventHandler receives queue events synchronously.
type EventHandler func(event Event)

// LaneStats is a snapshot of one lane.
type LaneStats struct {
	Queued      int
	Running     int
	Concurrency int
}

type taskRecord struct {
	id         string
	task       Task
	ctx        context.Context
	generation int
	result     chan taskResult
}

type taskResult struct {
	value interface{}
	err   error
}

type laneState struct {
	mu          sync.Mutex
	generation  int
	concurrency int
	queue       []*taskRecord
	running     int
}

// CommandQueue runs tasks in named lanes. Tasks of one lane start in FIFO
// order and at most concurrency of them run at once; lanes are independent.
type CommandQueue struct {
	mu        sync.RWMutex
	lanes     map[string]*laneState
	taskIDSeq int
	closed    bool
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc

	eventMu       sync.RWMutex
	eventHandlers map[EventType][]EventHandler
}

// New creates an empty queue. Lanes are created on first use with
// concurrency 1.
func New() *CommandQueue {
	observability.EnsureRegistered()

	ctx, cancel := context.WithCancel(context.Background())
	return &CommandQueue{
		lanes:         make(map[string]*laneState),
		ctx:           ctx,
		cancel:        cancel,
		eventHandlers: make(map[EventType][]EventHandler),
	}
}

func (cq *CommandQueue) lane(name string) *laneState {
	cq.mu.RLock()
	ls, ok := cq.lanes[name]
	cq.mu.RUnlock()
	if ok {
		return ls
	}

	cq.mu.Lock()
	defer cq.mu.Unlock()
	if ls, ok = cq.lanes[name]; !ok {
		ls = &laneState{concurrency: 1}
		cq.lanes[name] = ls
		log.Debug().Str("lane", name).Msg("Lane initialized")
	}
	return ls
}

func (cq *CommandQueue) existingLane(name string) (*laneState, bool) {
	cq.mu.RLock()
	defer cq.mu.RUnlock()
	ls, ok := cq.lanes[name]
	return ls, ok
}

// Enqueue adds task to lane and waits for its result. The task receives ctx,
// cancelled additionally when the queue is closed.
func (cq *CommandQueue) Enqueue(ctx context.Context, lane string, task Task) (interface{}, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := tracing.StartSpan(ctx, "turnloop.commandqueue", "commandqueue.enqueue", attribute.String("lane", lane))
	defer span.End()

	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		return nil, ErrClosed
	}
	cq.taskIDSeq++
	taskID := fmt.Sprintf("%s-%d", lane, cq.taskIDSeq)
	cq.mu.Unlock()

	ls := cq.lane(lane)
	ls.mu.Lock()
	record := &taskRecord{
		id:         taskID,
		task:       task,
		ctx:        ctx,
		generation: ls.generation,
		result:     make(chan taskResult, 1),
	}
	ls.queue = append(ls.queue, record)
	queueSize := len(ls.queue)
	ls.mu.Unlock()

	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Debug().
		Str("lane", lane).
		Str("taskId", taskID).
		Int("queueSize", queueSize).
		Msg("Task enqueued")
	observability.RecordQueueEnqueue(lane, queueSize)
	cq.emit(Event{Type: EventEnqueued, Lane: lane, TaskID: taskID, QueueSize: queueSize})

	cq.processLane(lane)

	result := <-record.result
	tracing.EndSpan(span, result.err)
	return result.value, result.err
}

// processLane starts queued tasks while the lane has capacity.
func (cq *CommandQueue) processLane(lane string) {
	ls := cq.lane(lane)
	ls.mu.Lock()
	defer ls.mu.Unlock()

	for ls.running < ls.concurrency && len(ls.queue) > 0 {
		record := ls.queue[0]
		ls.queue = ls.queue[1:]

		if record.generation != ls.generation {
			record.result <- taskResult{err: ErrLaneReset}
			continue
		}

		ls.running++
		cq.wg.Add(1)
		go cq.executeTask(lane, ls, record)
	}
}

func (cq *CommandQueue) executeTask(lane string, ls *laneState, record *taskRecord) {
	defer cq.wg.Done()

	taskCtx, span := tracing.StartSpan(record.ctx, "turnloop.commandqueue", "commandqueue.execute_task",
		attribute.String("lane", lane),
		attribute.String("task_id", record.id),
	)
	logger := tracing.LoggerFromContext(taskCtx, log.Logger).With().Str("lane", lane).Str("taskId", record.id).Logger()

	runCtx, cancel := context.WithCancel(taskCtx)
	stopCancel := context.AfterFunc(cq.ctx, cancel)

	cq.emit(Event{Type: EventStarted, Lane: lane, TaskID: record.id})
	logger.Debug().Msg("Task started")

	start := time.Now()
	value, err := cq.run(runCtx, record.task)
	duration := time.Since(start)

	stopCancel()
	cancel()

	ls.mu.Lock()
	ls.running--
	queueSize := len(ls.queue)
	ls.mu.Unlock()

	if err != nil {
		logger.Debug().Err(err).Dur("duration", duration).Msg("Task failed")
	} else {
		logger.Debug().Dur("duration", duration).Msg("Task completed")
	}
	tracing.EndSpan(span, err)
	observability.RecordQueueCompletion(lane, duration, err == nil, queueSize)
	cq.emit(Event{Type: EventCompleted, Lane: lane, TaskID: record.id, QueueSize: queueSize, Duration: duration, Err: err})

	record.result <- taskResult{value: value, err: err}
	cq.processLane(lane)
}

// run executes task and converts a panic into an error so the lane keeps
// draining.
func (cq *CommandQueue) run(ctx context.Context, task Task) (value interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task(ctx)
}

// SetConcurrency updates the number of tasks a lane may run at once.
func (cq *CommandQueue) SetConcurrency(lane string, concurrency int) {
	if concurrency < 1 {
		concurrency = 1
	}
	ls := cq.lane(lane)
	ls.mu.Lock()
	old := ls.concurrency
	ls.concurrency = concurrency
	ls.mu.Unlock()

	log.Debug().Str("lane", lane).Int("oldMax", old).Int("newMax", concurrency).Msg("Lane concurrency updated")
	if concurrency > old {
		cq.processLane(lane)
	}
}

// Stats returns a snapshot of every lane.
func (cq *CommandQueue) Stats() map[string]LaneStats {
	cq.mu.RLock()
	defer cq.mu.RUnlock()

	stats := make(map[string]LaneStats, len(cq.lanes))
	for name, ls := range cq.lanes {
		ls.mu.Lock()
		stats[name] = LaneStats{Queued: len(ls.queue), Running: ls.running, Concurrency: ls.concurrency}
		ls.mu.Unlock()
	}
	return stats
}

// QueueSize returns the number of tasks waiting on lane.
func (cq *CommandQueue) QueueSize(lane string) int {
	ls, ok := cq.existingLane(lane)
	if !ok {
		return 0
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return len(ls.queue)
}

// Running returns the number of tasks executing on lane.
func (cq *CommandQueue) Running(lane string) int {
	ls, ok := cq.existingLane(lane)
	if !ok {
		return 0
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.running
}

// ClearLane rejects every queued task of lane with ErrLaneCleared. Running
// tasks are not affected.
func (cq *CommandQueue) ClearLane(lane string) int {
	return cq.drop(lane, ErrLaneCleared, false)
}

// ResetLane rejects every queued task of lane with ErrLaneReset and starts a
// new generation.
func (cq *CommandQueue) ResetLane(lane string) {
	cq.drop(lane, ErrLaneReset, true)
}

func (cq *CommandQueue) drop(lane string, reason error, bump bool) int {
	ls, ok := cq.existingLane(lane)
	if !ok {
		return 0
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()

	if bump {
		ls.generation++
	}
	count := len(ls.queue)
	for _, record := range ls.queue {
		record.result <- taskResult{err: reason}
	}
	ls.queue = nil

	log.Debug().Str("lane", lane).Int("dropped", count).Err(reason).Msg("Lane drained")
	observability.SetQueueSize(lane, 0)
	return count
}

// Close cancels running tasks, waits for them to return and rejects further
// enqueues.
func (cq *CommandQueue) Close() error {
	cq.mu.Lock()
	cq.closed = true
	names := make([]string, 0, len(cq.lanes))
	for name := range cq.lanes {
		names = append(names, name)
	}
	cq.mu.Unlock()

	for _, name := range names {
		cq.drop(name, ErrClosed, true)
	}
	cq.cancel()
	cq.wg.Wait()
	return nil
}

// On registers a handler for eventType.
func (cq *CommandQueue) On(eventType EventType, handler EventHandler) {
	cq.eventMu.Lock()
	defer cq.eventMu.Unlock()
	cq.eventHandlers[eventType] = append(cq.eventHandlers[eventType], handler)
}

// Off removes every handler for eventType.
func (cq *CommandQueue) Off(eventType EventType) {
	cq.eventMu.Lock()
	defer cq.eventMu.Unlock()
	delete(cq.eventHandlers, eventType)
}

func (cq *CommandQueue) emit(event Event) {
	cq.eventMu.RLock()
	handlers := cq.eventHandlers[event.Type]
	cq.eventMu.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}
}
