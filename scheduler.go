package lwm2m

import (
	"container/heap"
	"fmt"
	"time"
)

// SchedHandle identifies a pending scheduled task. It is cleared to a
// not-pending state before its callback runs, so a callback that inspects
// its own handle always sees it as already fired - this is what lets a
// retryable task safely re-arm itself from inside the callback (see
// Scheduler.SchedRetryable).
type SchedHandle struct {
	t *schedTask
}

// Pending reports whether the handle still refers to a task that has not
// yet run or been cancelled.
func (h *SchedHandle) Pending() bool {
	return h != nil && h.t != nil
}

type schedTask struct {
	deadline time.Time
	seq      uint64
	fn       func()
	index    int
	handle   *SchedHandle
}

type taskHeap []*schedTask

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}
func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *taskHeap) Push(x interface{}) {
	t := x.(*schedTask)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// Backoff configures Scheduler.SchedRetryable: the delay before each retry
// doubles until it reaches Max.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

// Scheduler is a single-threaded, monotonic-time priority queue of one-shot
// tasks. There is no locking: every method must be called from the same
// goroutine, matching the library's single-threaded cooperative concurrency
// model.
type Scheduler struct {
	now  func() time.Time
	heap taskHeap
	seq  uint64
}

// NewScheduler builds a Scheduler. now is the monotonic clock source; pass
// time.Now in production and an injectable fake in tests.
func NewScheduler(now func() time.Time) *Scheduler {
	if now == nil {
		now = time.Now
	}
	return &Scheduler{now: now}
}

// Sched inserts a one-shot task to run after delay and returns a handle that
// can cancel it via Del.
func (s *Scheduler) Sched(delay time.Duration, fn func()) *SchedHandle {
	h := &SchedHandle{}
	t := &schedTask{
		deadline: s.now().Add(delay),
		seq:      s.seq,
		fn:       fn,
		handle:   h,
	}
	s.seq++
	h.t = t
	heap.Push(&s.heap, t)
	return h
}

// Del cancels a pending task. Del(nil) and deleting an already-fired handle
// are both no-ops.
func (s *Scheduler) Del(h *SchedHandle) {
	if h == nil || h.t == nil {
		return
	}
	t := h.t
	h.t = nil
	if t.index >= 0 && t.index < len(s.heap) && s.heap[t.index] == t {
		heap.Remove(&s.heap, t.index)
	}
}

// Run executes every task whose deadline has passed, in deadline order,
// clearing each task's handle before invoking its callback. It returns the
// number of tasks executed. A callback may schedule further tasks; those are
// only run on a subsequent Run call unless their delay is non-positive and
// sorts before tasks already dequeued this pass is not guaranteed - Run only
// drains what was due at entry.
func (s *Scheduler) Run() (int64, error) {
	cutoff := s.now()
	var executed int64
	for s.heap.Len() > 0 {
		next := s.heap[0]
		if next.deadline.After(cutoff) {
			break
		}
		t := heap.Pop(&s.heap).(*schedTask)
		if t.handle != nil {
			t.handle.t = nil
		}
		t.fn()
		executed++
	}
	return executed, nil
}

// TimeToNext returns the delay until the earliest pending task's deadline.
// It returns an error if the queue is empty.
func (s *Scheduler) TimeToNext() (time.Duration, error) {
	if s.heap.Len() == 0 {
		return 0, fmt.Errorf("scheduler: queue is empty")
	}
	d := s.heap[0].deadline.Sub(s.now())
	if d < 0 {
		d = 0
	}
	return d, nil
}

// CalculateWaitTimeMS mirrors the public API's sched_calculate_wait_time_ms:
// the number of milliseconds the caller's poll loop should block for, capped
// at limitMs, or limitMs itself when the queue is empty.
func (s *Scheduler) CalculateWaitTimeMS(limitMs int32) int32 {
	d, err := s.TimeToNext()
	if err != nil {
		return limitMs
	}
	ms := int32(d.Milliseconds())
	if ms > limitMs {
		return limitMs
	}
	if ms < 0 {
		return 0
	}
	return ms
}

// SchedRetryable schedules fn to run after delay. If fn returns a non-nil
// error, the task re-schedules itself with an exponentially growing delay
// (factor 2) capped at backoff.Max; on a nil return the handle becomes
// not-pending. The returned handle always refers to whichever attempt is
// currently outstanding, so Del on it cancels further retries.
func (s *Scheduler) SchedRetryable(delay time.Duration, backoff Backoff, fn func() error) *SchedHandle {
	out := &SchedHandle{}
	cur := delay
	var run func()
	run = func() {
		if err := fn(); err != nil {
			next := cur * 2
			if next > backoff.Max || next <= 0 {
				next = backoff.Max
			}
			cur = next
			nh := s.Sched(cur, run)
			out.t = nh.t
			if nh.t != nil {
				nh.t.handle = out
			}
		}
	}
	first := s.Sched(delay, run)
	out.t = first.t
	if first.t != nil {
		first.t.handle = out
	}
	return out
}
