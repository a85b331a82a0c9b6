// Package scheduler drives delayed and recurring internal tasks from a
// min-heap ordered by fire time. Cancellation and rescheduling use lazy
// deletion: stale heap entries are left in place and filtered out when
// popped, against an authoritative map that always reflects the current
// entry for a task id.
package scheduler

import (
	"container/heap"
	"sync"
	"time"

	"github.com/BlackRoad-OS/blackroad-pi-ops/internal/clock"
	"go.uber.org/zap"
)

// Entry is a single scheduled trigger.
type Entry struct {
	TaskID         string
	Kind           string
	Payload        map[string]interface{}
	RunAt          time.Time
	RepeatInterval time.Duration // zero means one-shot
	CreatedAt      time.Time
}

// Callback is invoked for every entry as it fires.
type Callback func(Entry)

const tickResolution = 100 * time.Millisecond

// Scheduler is the min-heap driver described by the component design: a
// heap ordered by RunAt plus an authoritative task_id->Entry map.
type Scheduler struct {
	clock clock.Clock
	log   *zap.Logger

	mu        sync.Mutex
	authority map[string]Entry
	heap      entryHeap
	callbacks []Callback

	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

// New creates a Scheduler. Call Start to begin driving ticks.
func New(c clock.Clock, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		clock:     c,
		log:       log,
		authority: make(map[string]Entry),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// AddCallback registers fn to be invoked for every entry that fires, in
// registration order. Must be called before Start for deterministic
// ordering, though it is safe to call at any time.
func (s *Scheduler) AddCallback(fn Callback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks = append(s.callbacks, fn)
}

// Schedule registers a new trigger. If taskID is empty one is generated.
// delay is relative to now; repeatInterval of zero means one-shot.
func (s *Scheduler) Schedule(taskID, kind string, payload map[string]interface{}, delay, repeatInterval time.Duration) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if taskID == "" {
		taskID = generateID()
	}
	now := s.clock.Now()
	entry := Entry{
		TaskID:         taskID,
		Kind:           kind,
		Payload:        payload,
		RunAt:          now.Add(delay),
		RepeatInterval: repeatInterval,
		CreatedAt:      now,
	}
	s.authority[taskID] = entry
	heap.Push(&s.heap, entry)
	return taskID
}

// Cancel removes taskID from the authoritative map. A matching heap entry,
// if present, is discarded the next time it is popped.
func (s *Scheduler) Cancel(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.authority[taskID]; !ok {
		return false
	}
	delete(s.authority, taskID)
	return true
}

// Reschedule moves taskID to fire after delay from now, without mutating
// the heap directly — it inserts a fresh entry and relies on the run-at
// mismatch check to discard the stale heap entry on pop.
func (s *Scheduler) Reschedule(taskID string, delay time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.authority[taskID]
	if !ok {
		return false
	}
	existing.RunAt = s.clock.Now().Add(delay)
	s.authority[taskID] = existing
	heap.Push(&s.heap, existing)
	return true
}

// List returns a snapshot of all currently scheduled entries.
func (s *Scheduler) List() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.authority))
	for _, e := range s.authority {
		out = append(out, e)
	}
	return out
}

// Start launches the tick driver. Safe to call once.
func (s *Scheduler) Start() {
	go s.run()
}

// Stop halts the tick driver and waits for it to exit. Idempotent.
func (s *Scheduler) Stop() {
	s.once.Do(func() { close(s.stopCh) })
	<-s.doneCh
}

func (s *Scheduler) run() {
	defer close(s.doneCh)
	ticker := s.clock.NewTicker(tickResolution)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case now := <-ticker.C():
			s.tick(now)
		}
	}
}

func (s *Scheduler) tick(now time.Time) {
	due := s.popDue(now)
	for _, entry := range due {
		s.invoke(entry)
		s.rearm(entry)
	}
}

// popDue pops every heap entry with RunAt <= now that still matches the
// authoritative map, discarding cancelled and superseded entries along the
// way, and returns the entries that should fire.
func (s *Scheduler) popDue(now time.Time) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []Entry
	for s.heap.Len() > 0 {
		top := s.heap[0]
		if top.RunAt.After(now) {
			break
		}
		heap.Pop(&s.heap)

		current, ok := s.authority[top.TaskID]
		if !ok {
			continue // cancelled
		}
		if !current.RunAt.Equal(top.RunAt) {
			continue // superseded by a reschedule
		}
		due = append(due, current)
	}
	return due
}

func (s *Scheduler) invoke(entry Entry) {
	s.mu.Lock()
	callbacks := append([]Callback(nil), s.callbacks...)
	s.mu.Unlock()

	for _, cb := range callbacks {
		s.safeInvoke(cb, entry)
	}
}

func (s *Scheduler) safeInvoke(cb Callback, entry Entry) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("scheduler callback panicked",
				zap.String("task_id", entry.TaskID), zap.Any("recover", r))
		}
	}()
	cb(entry)
}

// rearm reinserts entry at its next occurrence if it repeats and is still
// present in the authoritative map; otherwise it removes it from the map.
func (s *Scheduler) rearm(entry Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.authority[entry.TaskID]
	if !ok || !current.RunAt.Equal(entry.RunAt) {
		return
	}
	if entry.RepeatInterval <= 0 {
		delete(s.authority, entry.TaskID)
		return
	}
	next := current
	next.RunAt = s.clock.Now().Add(entry.RepeatInterval)
	s.authority[entry.TaskID] = next
	heap.Push(&s.heap, next)
}

// entryHeap implements container/heap.Interface ordered by RunAt.
type entryHeap []Entry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].RunAt.Before(h[j].RunAt) }
func (h entryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x interface{}) { *h = append(*h, x.(Entry)) }
func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
