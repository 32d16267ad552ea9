package service

import (
	"context"
	"log/slog"
	"sync"
)

// Task is a unit of background work.
type Task func(ctx context.Context)

// TaskQueue runs tasks on a single background worker with a bounded buffer.
// Enqueue never blocks: when the buffer is full the task is dropped and the
// caller is told, which keeps request paths latency-flat under load.
type TaskQueue struct {
	log   *slog.Logger
	tasks chan Task

	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// NewTaskQueue creates a queue with the given buffer size and starts its
// worker.
func NewTaskQueue(size int, log *slog.Logger) *TaskQueue {
	if size < 1 {
		size = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &TaskQueue{
		log:    log.With("component", "taskqueue"),
		tasks:  make(chan Task, size),
		ctx:    ctx,
		cancel: cancel,
	}
	q.wg.Add(1)
	go q.worker()
	return q
}

func (q *TaskQueue) worker() {
	defer q.wg.Done()
	for task := range q.tasks {
		task(q.ctx)
	}
}

// Enqueue schedules a task. Returns false when the queue is full or stopped.
func (q *TaskQueue) Enqueue(task Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return false
	}
	select {
	case q.tasks <- task:
		return true
	default:
		q.log.Warn("task queue full, dropping task")
		return false
	}
}

// Pending returns the number of tasks waiting in the buffer.
func (q *TaskQueue) Pending() int {
	return len(q.tasks)
}

// DrainAndStop waits for all queued tasks to finish, then stops the worker.
// Safe to call more than once.
func (q *TaskQueue) DrainAndStop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		q.wg.Wait()
		return
	}
	q.stopped = true
	close(q.tasks)
	q.mu.Unlock()

	q.wg.Wait()
	q.cancel()
}
