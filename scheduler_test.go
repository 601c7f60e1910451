package lwm2m

import (
	"testing"
	"time"
)

// fakeClock is an injectable monotonic clock for scheduler tests.
type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1000, 0)}
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func TestSchedulerRunsInDeadlineOrder(t *testing.T) {
	clk := newFakeClock()
	s := NewScheduler(clk.Now)

	var order []int
	s.Sched(3*time.Second, func() { order = append(order, 3) })
	s.Sched(1*time.Second, func() { order = append(order, 1) })
	s.Sched(2*time.Second, func() { order = append(order, 2) })

	clk.Advance(5 * time.Second)
	n, err := s.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n != 3 {
		t.Errorf("Run executed %d tasks, want 3", n)
	}
	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Errorf("run order %v, want [1 2 3]", order)
	}
}

func TestSchedulerRunOnlyDrainsDueTasks(t *testing.T) {
	clk := newFakeClock()
	s := NewScheduler(clk.Now)

	ran := 0
	s.Sched(1*time.Second, func() { ran++ })
	s.Sched(10*time.Second, func() { ran++ })

	clk.Advance(2 * time.Second)
	if n, _ := s.Run(); n != 1 {
		t.Errorf("Run executed %d tasks, want 1", n)
	}
	if ran != 1 {
		t.Errorf("ran = %d, want 1", ran)
	}
	d, err := s.TimeToNext()
	if err != nil {
		t.Fatalf("TimeToNext: %v", err)
	}
	if d != 8*time.Second {
		t.Errorf("TimeToNext = %v, want 8s", d)
	}
}

func TestSchedulerHandleClearedBeforeCallback(t *testing.T) {
	clk := newFakeClock()
	s := NewScheduler(clk.Now)

	var h *SchedHandle
	sawPending := true
	h = s.Sched(time.Second, func() {
		sawPending = h.Pending()
	})
	if !h.Pending() {
		t.Fatal("handle should be pending before Run")
	}
	clk.Advance(time.Second)
	s.Run()
	if sawPending {
		t.Error("callback saw its own handle as still pending")
	}
}

func TestSchedulerDel(t *testing.T) {
	clk := newFakeClock()
	s := NewScheduler(clk.Now)

	ran := false
	h := s.Sched(time.Second, func() { ran = true })
	s.Del(h)
	s.Del(h) // second delete is a no-op
	s.Del(nil)

	clk.Advance(2 * time.Second)
	if n, _ := s.Run(); n != 0 {
		t.Errorf("Run executed %d tasks after Del, want 0", n)
	}
	if ran {
		t.Error("cancelled task still ran")
	}
	if _, err := s.TimeToNext(); err == nil {
		t.Error("TimeToNext on empty queue should error")
	}
}

func TestSchedulerRetryableBacksOffAndStops(t *testing.T) {
	clk := newFakeClock()
	s := NewScheduler(clk.Now)

	attempts := 0
	h := s.SchedRetryable(time.Second, Backoff{Initial: time.Second, Max: 4 * time.Second}, func() error {
		attempts++
		if attempts < 4 {
			return errInternal("try again")
		}
		return nil
	})

	// attempt 1 after 1s, retry delays 2s, 4s (capped), then success.
	steps := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 4 * time.Second}
	for i, d := range steps {
		clk.Advance(d)
		s.Run()
		if attempts != i+1 {
			t.Fatalf("after step %d attempts = %d, want %d", i, attempts, i+1)
		}
	}
	if h.Pending() {
		t.Error("handle still pending after successful retry")
	}
}

func TestSchedulerRetryableCancel(t *testing.T) {
	clk := newFakeClock()
	s := NewScheduler(clk.Now)

	attempts := 0
	h := s.SchedRetryable(time.Second, Backoff{Initial: time.Second, Max: time.Minute}, func() error {
		attempts++
		return errInternal("never succeeds")
	})

	clk.Advance(time.Second)
	s.Run()
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1", attempts)
	}
	if !h.Pending() {
		t.Fatal("retry should have re-armed the handle")
	}
	s.Del(h)
	clk.Advance(time.Hour)
	s.Run()
	if attempts != 1 {
		t.Errorf("attempts = %d after Del, want 1", attempts)
	}
}

func TestCalculateWaitTimeMS(t *testing.T) {
	clk := newFakeClock()
	s := NewScheduler(clk.Now)

	if got := s.CalculateWaitTimeMS(500); got != 500 {
		t.Errorf("empty queue: got %d, want limit 500", got)
	}
	s.Sched(100*time.Millisecond, func() {})
	if got := s.CalculateWaitTimeMS(500); got != 100 {
		t.Errorf("got %d, want 100", got)
	}
	if got := s.CalculateWaitTimeMS(50); got != 50 {
		t.Errorf("got %d, want capped 50", got)
	}
}
