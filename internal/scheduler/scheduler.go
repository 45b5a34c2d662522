// Package scheduler gives "requests are independent and may be processed
// in parallel by distinct tasks" a concrete implementation: a bounded
// worker pool built on a work queue, repurposed from DAG task scheduling
// to RCA/DV request scheduling. A request is a Task; the same
// single-flight-per-resource idea that serializes one DAG node's LLM
// calls here serializes one request's LLM call at a time (LLM calls are
// the only suspension points and are awaited sequentially within a
// request).
package scheduler

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// TaskStatus is a request's lifecycle state, named exactly as the
// teacher's workqueue.TaskStatus.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Task is one RCA or DV request's unit of work.
type Task interface {
	// ID uniquely identifies this request (its request_id, shared with
	// the Trace Store).
	ID() string
	// RequiresLLM reports whether this request's pipeline holds the LLM
	// single-flight slot (true for RCA requests going through C3; DV
	// requests compiling a declarative constraint with no NL step may
	// report false).
	RequiresLLM() bool
	// Run executes the request to completion or ctx cancellation.
	Run(ctx context.Context) error
}

// taskState mirrors workqueue.TaskState's locking idiom: mutable fields
// behind a private mutex, read only through Status()/Err().
type taskState struct {
	task   Task
	mu     sync.RWMutex
	status TaskStatus
	err    error
}

func newTaskState(task Task) *taskState {
	return &taskState{task: task, status: TaskStatusPending}
}

func (ts *taskState) setStatus(s TaskStatus) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.status = s
}

func (ts *taskState) Status() TaskStatus {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.status
}

func (ts *taskState) setErr(err error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.err = err
}

func (ts *taskState) Err() error {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.err
}

// llmGate is the single-flight-per-resource primitive: at most one
// LLM-requiring request runs at a time, corresponding to the
// teacher's SerializedStrategy.CanStartLLM/OnStartLLM/OnCompleteLLM
// generalized from "one DAG node" to "one request".
type llmGate struct {
	ch chan struct{}
}

func newLLMGate() *llmGate {
	return &llmGate{ch: make(chan struct{}, 1)}
}

func (g *llmGate) acquire(ctx context.Context) error {
	select {
	case g.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *llmGate) release() {
	<-g.ch
}

// Scheduler runs submitted Tasks on a bounded worker pool: non-LLM work
// runs with up to Concurrency workers in parallel; a task whose
// RequiresLLM() is true also holds the llmGate for its whole Run, so only
// one such request runs at a time regardless of worker count.
type Scheduler struct {
	mu          sync.Mutex
	tasks       []*taskState
	sem         chan struct{}
	gate        *llmGate
	logger      *zap.Logger
	wg          sync.WaitGroup
}

// New constructs a Scheduler with the given worker concurrency (minimum
// 1).
func New(concurrency int, logger *zap.Logger) *Scheduler {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Scheduler{
		sem:    make(chan struct{}, concurrency),
		gate:   newLLMGate(),
		logger: logger.Named("scheduler"),
	}
}

// Submit enqueues task and starts it on a worker goroutine as soon as a
// slot is free. Non-blocking.
func (s *Scheduler) Submit(ctx context.Context, task Task) {
	ts := newTaskState(task)
	s.mu.Lock()
	s.tasks = append(s.tasks, ts)
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(ctx, ts)
}

func (s *Scheduler) run(ctx context.Context, ts *taskState) {
	defer s.wg.Done()

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		ts.setStatus(TaskStatusCancelled)
		ts.setErr(ctx.Err())
		return
	}
	defer func() { <-s.sem }()

	if ts.task.RequiresLLM() {
		if err := s.gate.acquire(ctx); err != nil {
			ts.setStatus(TaskStatusCancelled)
			ts.setErr(err)
			return
		}
		defer s.gate.release()
	}

	ts.setStatus(TaskStatusRunning)
	s.logger.Info("request started", zap.String("request_id", ts.task.ID()))

	err := ts.task.Run(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			ts.setStatus(TaskStatusCancelled)
		} else {
			ts.setStatus(TaskStatusFailed)
		}
		ts.setErr(err)
		s.logger.Error("request failed", zap.String("request_id", ts.task.ID()), zap.Error(err))
		return
	}

	ts.setStatus(TaskStatusCompleted)
	s.logger.Info("request completed", zap.String("request_id", ts.task.ID()))
}

// Wait blocks until every submitted task has reached a terminal state.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Statuses returns a snapshot of every submitted task's (id, status, err).
type Status struct {
	ID     string
	Status TaskStatus
	Err    error
}

func (s *Scheduler) Statuses() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Status, len(s.tasks))
	for i, ts := range s.tasks {
		out[i] = Status{ID: ts.task.ID(), Status: ts.Status(), Err: ts.Err()}
	}
	return out
}
