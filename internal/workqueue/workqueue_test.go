package workqueue

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestOrderedExecution(t *testing.T) {
	q := New("test")
	defer q.Stop()

	var got []int
	for i := 0; i < 100; i++ {
		i := i
		q.Queue(func() { got = append(got, i) })
	}
	q.Flush()

	if len(got) != 100 {
		t.Fatalf("Expected 100 items, got %d", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("Out of order at %d: %d", i, v)
		}
	}
}

func TestFlushWaitsForRunningItem(t *testing.T) {
	q := New("test")
	defer q.Stop()

	var finished atomic.Bool
	started := make(chan struct{})
	q.Queue(func() {
		close(started)
		time.Sleep(20 * time.Millisecond)
		finished.Store(true)
	})
	<-started
	q.Flush()

	if !finished.Load() {
		t.Fatal("Flush returned before the running item finished")
	}
}

func TestStopDrainsAndRejects(t *testing.T) {
	q := New("test")

	var ran atomic.Int32
	for i := 0; i < 10; i++ {
		q.Queue(func() { ran.Add(1) })
	}
	q.Stop()

	if ran.Load() != 10 {
		t.Errorf("Stop must run queued work first: ran %d/10", ran.Load())
	}
	if q.Queue(func() { ran.Add(1) }) {
		t.Error("Queue after Stop must be rejected")
	}
	q.Stop() // idempotent
}

func TestRealtimeOptionDegradesGracefully(t *testing.T) {
	// Without CAP_SYS_NICE SetFIFO fails; the queue must still work.
	q := New("rt", WithRealtimePriority(50))
	defer q.Stop()

	done := make(chan struct{})
	q.Queue(func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Realtime queue did not run work")
	}
}
