package scheduler

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BlackRoad-OS/blackroad-pi-ops/internal/clock"
)

func newTestScheduler() (*Scheduler, *clock.Fake) {
	fc := clock.NewFake(time.Unix(0, 0))
	return New(fc, zap.NewNop()), fc
}

func TestOneShotFiresExactlyOnce(t *testing.T) {
	s, fc := newTestScheduler()
	var fired int32
	s.AddCallback(func(Entry) { atomic.AddInt32(&fired, 1) })
	s.Start()
	defer s.Stop()

	s.Schedule("t1", "shell", nil, 200*time.Millisecond, 0)

	fc.Advance(100 * time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	assert.EqualValues(t, 0, atomic.LoadInt32(&fired))

	fc.Advance(150 * time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	assert.EqualValues(t, 1, atomic.LoadInt32(&fired))

	fc.Advance(time.Second)
	time.Sleep(10 * time.Millisecond)
	assert.EqualValues(t, 1, atomic.LoadInt32(&fired), "one-shot entries must not fire twice")
}

func TestRecurringEntryFiresAtInterval(t *testing.T) {
	s, fc := newTestScheduler()
	var mu sync.Mutex
	var fireTimes []time.Time
	s.AddCallback(func(e Entry) {
		mu.Lock()
		fireTimes = append(fireTimes, fc.Now())
		mu.Unlock()
	})
	s.Start()
	defer s.Stop()

	s.Schedule("recur", "shell", nil, 100*time.Millisecond, 500*time.Millisecond)

	for i := 0; i < 21; i++ {
		fc.Advance(100 * time.Millisecond)
		time.Sleep(2 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(fireTimes), 4)
	require.LessOrEqual(t, len(fireTimes), 5)
	for i := 1; i < len(fireTimes); i++ {
		delta := fireTimes[i].Sub(fireTimes[i-1])
		assert.GreaterOrEqual(t, delta, 500*time.Millisecond)
	}
}

func TestCancelledEntryNeverFires(t *testing.T) {
	s, fc := newTestScheduler()
	var fired int32
	s.AddCallback(func(Entry) { atomic.AddInt32(&fired, 1) })
	s.Start()
	defer s.Stop()

	id := s.Schedule("c1", "shell", nil, 100*time.Millisecond, 0)
	ok := s.Cancel(id)
	assert.True(t, ok)

	fc.Advance(200 * time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	assert.EqualValues(t, 0, atomic.LoadInt32(&fired))
}

func TestRescheduleLeavesStaleHeapEntry(t *testing.T) {
	s, fc := newTestScheduler()
	var mu sync.Mutex
	var fireTimes []time.Time
	s.AddCallback(func(Entry) {
		mu.Lock()
		fireTimes = append(fireTimes, fc.Now())
		mu.Unlock()
	})
	s.Start()
	defer s.Stop()

	id := s.Schedule("r1", "shell", nil, 100*time.Millisecond, 0)
	ok := s.Reschedule(id, 300*time.Millisecond)
	require.True(t, ok)

	fc.Advance(150 * time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	mu.Lock()
	assert.Empty(t, fireTimes, "the superseded entry must be filtered at pop, not fired early")
	mu.Unlock()

	fc.Advance(200 * time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	mu.Lock()
	assert.Len(t, fireTimes, 1)
	mu.Unlock()
}

func TestListReturnsAuthoritativeEntries(t *testing.T) {
	s, _ := newTestScheduler()
	s.Schedule("a", "shell", nil, time.Second, 0)
	s.Schedule("b", "shell", nil, 2*time.Second, 0)
	entries := s.List()
	assert.Len(t, entries, 2)
}
