package clock

import (
	"sync"
	"testing"
	"time"
)

func TestManualClock(t *testing.T) {
	c := NewManual(10 * time.Millisecond)

	if c.Now() != 0 {
		t.Fatalf("Now = %d, want 0", c.Now())
	}
	deadline := c.DeadlineAfter(25 * time.Millisecond)
	if deadline != 3 {
		t.Fatalf("DeadlineAfter(25ms) = %d, want 3", deadline)
	}

	for i := 0; i < 3; i++ {
		c.Advance()
		if c.Passed(deadline) {
			t.Fatalf("deadline passed early at tick %d", c.Now())
		}
	}
	c.Advance()
	if !c.Passed(deadline) {
		t.Fatalf("deadline should pass at tick %d", c.Now())
	}
}

func TestChangedBroadcast(t *testing.T) {
	c := NewManual(time.Millisecond)

	const waiters = 8
	ch := c.Changed()
	var wg sync.WaitGroup
	wg.Add(waiters)
	for i := 0; i < waiters; i++ {
		go func() {
			defer wg.Done()
			<-ch
		}()
	}

	c.Advance()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waiters were not released by Advance")
	}

	select {
	case <-c.Changed():
		t.Fatal("fresh Changed channel must not be closed yet")
	default:
	}
}

func TestRunningClock(t *testing.T) {
	c := New(time.Millisecond)
	defer c.Stop()

	start := c.Now()
	select {
	case <-c.Changed():
	case <-time.After(time.Second):
		t.Fatal("clock did not tick")
	}
	if c.Now() <= start {
		t.Errorf("Now = %d, want > %d", c.Now(), start)
	}

	c.Stop()
	c.Stop()
	stopped := c.Now()
	time.Sleep(5 * time.Millisecond)
	if c.Now() != stopped {
		t.Errorf("clock advanced after Stop: %d -> %d", stopped, c.Now())
	}
}

func TestTicks(t *testing.T) {
	c := NewManual(0)
	if c.Interval() != DefaultInterval {
		t.Fatalf("Interval = %v, want default", c.Interval())
	}
	if got := c.Ticks(1500 * time.Microsecond); got != 2 {
		t.Errorf("Ticks(1.5ms) = %d, want 2", got)
	}
	if got := c.Ticks(0); got != 0 {
		t.Errorf("Ticks(0) = %d, want 0", got)
	}
}
