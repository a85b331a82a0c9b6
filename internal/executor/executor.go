// Package executor runs tasks dispatched by the orchestrator (and by the
// scheduler's fired entries) under a bounded-concurrency gate, tracking each
// task through PENDING -> RUNNING -> a terminal status and retaining its
// result for later lookup.
//
// Handlers are looked up by task kind in a fixed table built at
// construction time; custom handlers may be added with RegisterHandler
// before the first Submit.
package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BlackRoad-OS/blackroad-pi-ops/internal/clock"
)

// HandlerOutcome is what a Handler reports back to the executor after a
// RUNNING task finishes on its own (as opposed to being timed out or
// cancelled by the executor).
type HandlerOutcome struct {
	Stdout   string
	Stderr   string
	ExitCode int
	// Err, if non-nil, marks the task FAILED with Err.Error() as the result
	// error text. A nil Err with ExitCode == 0 marks it COMPLETED; a nil Err
	// with a nonzero ExitCode also marks it FAILED (built-in shell-style
	// handlers use this path).
	Err error
}

// Handler executes a single task. It must return promptly once ctx is
// cancelled; any spawned child process must be killed.
type Handler func(ctx context.Context, task Task) HandlerOutcome

// pendingQueueSize bounds the backlog of tasks waiting for a concurrency
// slot. An edge agent's operator-issued backlog is not expected to exceed
// this in practice; Submit blocks if it does, applying back-pressure to the
// caller rather than growing without bound.
const pendingQueueSize = 4096

type entry struct {
	mu     sync.Mutex
	task   Task
	result Result
	cancel context.CancelFunc
}

// Executor is the bounded-concurrency task runner described by the
// component design.
type Executor struct {
	clock          clock.Clock
	log            *zap.Logger
	maxConcurrent  int
	defaultTimeout time.Duration

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	sem     chan struct{}
	pending chan string

	mu      sync.Mutex
	tasks   map[string]*entry
	running map[string]bool

	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

// New creates an Executor. maxConcurrent gates how many tasks may be
// RUNNING at once; defaultTimeout applies to tasks that do not set their
// own Timeout.
func New(c clock.Clock, log *zap.Logger, maxConcurrent int, defaultTimeout time.Duration) *Executor {
	if log == nil {
		log = zap.NewNop()
	}
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	e := &Executor{
		clock:          c,
		log:            log,
		maxConcurrent:  maxConcurrent,
		defaultTimeout: defaultTimeout,
		handlers:       make(map[string]Handler),
		sem:            make(chan struct{}, maxConcurrent),
		pending:        make(chan string, pendingQueueSize),
		tasks:          make(map[string]*entry),
		running:        make(map[string]bool),
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
	}
	return e
}

// RegisterHandler installs a handler for kind, overwriting any previous
// registration. Intended to be called at startup, before Submit.
func (e *Executor) RegisterHandler(kind string, h Handler) {
	e.handlersMu.Lock()
	defer e.handlersMu.Unlock()
	e.handlers[kind] = h
}

// Start launches the dispatch loop that hands pending tasks their
// concurrency slot in FIFO order.
func (e *Executor) Start() {
	go e.dispatchLoop()
}

// Stop halts the dispatch loop and waits for it to exit. Idempotent. It
// does not cancel in-flight tasks: each keeps running until its handler
// returns, its timeout elapses, or Cancel is called for it.
func (e *Executor) Stop() {
	e.once.Do(func() { close(e.stopCh) })
	<-e.doneCh
}

// Submit enqueues task for execution and returns its id. If task.ID is
// empty one is generated. If task.CreatedAt is zero it is stamped with the
// executor's clock.
func (e *Executor) Submit(task Task) string {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = e.clock.Now()
	}

	en := &entry{
		task:   task,
		result: Result{TaskID: task.ID, Status: Pending},
	}

	e.mu.Lock()
	e.tasks[task.ID] = en
	e.mu.Unlock()

	e.pending <- task.ID
	return task.ID
}

// Cancel requests that task_id stop. For a PENDING task it transitions
// directly to CANCELLED and its handler is never invoked (if the dispatch
// loop is already waiting on a slot for it, that slot is taken and
// released at once). For a
// RUNNING task it cancels the context passed to the handler. Idempotent;
// returns false if the task is unknown or already terminal.
func (e *Executor) Cancel(taskID string) bool {
	e.mu.Lock()
	en, ok := e.tasks[taskID]
	e.mu.Unlock()
	if !ok {
		return false
	}

	en.mu.Lock()
	defer en.mu.Unlock()

	if en.result.Status.Terminal() {
		return false
	}
	if en.result.Status == Running {
		if en.cancel != nil {
			en.cancel()
		}
		return true
	}
	en.result.Status = Cancelled
	en.result.CompletedAt = e.clock.Now()
	return true
}

// Result returns a copy of the current result for taskID, or false if the
// task is unknown.
func (e *Executor) Result(taskID string) (Result, bool) {
	e.mu.Lock()
	en, ok := e.tasks[taskID]
	e.mu.Unlock()
	if !ok {
		return Result{}, false
	}
	en.mu.Lock()
	defer en.mu.Unlock()
	return en.result, true
}

// Running returns the ids of all tasks currently in the RUNNING state.
func (e *Executor) Running() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.running))
	for id, running := range e.running {
		if running {
			out = append(out, id)
		}
	}
	return out
}

func (e *Executor) dispatchLoop() {
	defer close(e.doneCh)
	for {
		select {
		case <-e.stopCh:
			return
		case id := <-e.pending:
			e.dispatch(id)
		}
	}
}

// dispatch acquires a concurrency slot for id (skipping tasks that were
// cancelled before they got one) and hands execution to a fresh goroutine,
// so the dispatch loop keeps admitting the next pending task in FIFO order.
func (e *Executor) dispatch(id string) {
	e.mu.Lock()
	en, ok := e.tasks[id]
	e.mu.Unlock()
	if !ok {
		return
	}

	en.mu.Lock()
	alreadyTerminal := en.result.Status.Terminal()
	en.mu.Unlock()
	if alreadyTerminal {
		return
	}

	select {
	case e.sem <- struct{}{}:
	case <-e.stopCh:
		return
	}

	go e.run(en)
}

func (e *Executor) run(en *entry) {
	defer func() { <-e.sem }()

	en.mu.Lock()
	if en.result.Status.Terminal() {
		en.mu.Unlock()
		return
	}
	task := en.task
	timeout := task.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	en.cancel = cancel
	en.result.Status = Running
	en.result.StartedAt = e.clock.Now()
	en.mu.Unlock()
	defer cancel()

	e.mu.Lock()
	e.running[task.ID] = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.running, task.ID)
		e.mu.Unlock()
	}()

	handler, ok := e.lookupHandler(task.Kind)
	if !ok {
		e.finish(en, HandlerOutcome{Err: fmt.Errorf("no handler registered for kind %q", task.Kind)}, false, false)
		return
	}

	outcome := handler(ctx, task)
	timedOut := ctx.Err() == context.DeadlineExceeded
	cancelled := ctx.Err() == context.Canceled
	e.finish(en, outcome, timedOut, cancelled)
}

func (e *Executor) lookupHandler(kind string) (Handler, bool) {
	e.handlersMu.RLock()
	defer e.handlersMu.RUnlock()
	h, ok := e.handlers[kind]
	return h, ok
}

func (e *Executor) finish(en *entry, outcome HandlerOutcome, timedOut, cancelled bool) {
	en.mu.Lock()
	defer en.mu.Unlock()

	if en.result.Status == Cancelled {
		return // a concurrent Cancel already settled this task
	}

	en.result.Stdout = outcome.Stdout
	en.result.Stderr = outcome.Stderr
	en.result.ExitCode = outcome.ExitCode
	en.result.CompletedAt = e.clock.Now()

	switch {
	case cancelled:
		en.result.Status = Cancelled
	case timedOut:
		en.result.Status = Timeout
		en.result.Error = "task exceeded its timeout"
	case outcome.Err != nil:
		en.result.Status = Failed
		en.result.Error = outcome.Err.Error()
	case outcome.ExitCode != 0:
		en.result.Status = Failed
	default:
		en.result.Status = Completed
	}
}
