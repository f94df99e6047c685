package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestCommandBufferOrderAndCompletion(t *testing.T) {
	q := NewQueue("test", 2)
	defer q.Close()

	var mu sync.Mutex
	var order []string
	record := func(s string) func(context.Context) error {
		return func(context.Context) error {
			mu.Lock()
			order = append(order, s)
			mu.Unlock()
			return nil
		}
	}

	var calls atomic.Int32
	var bufs []*CommandBuffer
	for _, name := range []string{"a", "b", "c"} {
		cb := NewCommandBuffer(name)
		cb.Encode(name+"1", record(name+"1"))
		cb.Encode(name+"2", record(name+"2"))
		cb.AddCleanup(func() { record(name + "-cleanup")(nil) })
		cb.AddCompletedHandler(func(c Completion) {
			calls.Add(1)
			if c.Err != nil || c.Status != StatusCompleted {
				t.Errorf("Expected success, got %v (%s)", c.Err, c.Status)
			}
		})
		if err := q.Commit(context.Background(), cb); err != nil {
			t.Fatal(err)
		}
		bufs = append(bufs, cb)
	}
	for _, cb := range bufs {
		<-cb.Done()
	}

	want := []string{"a1", "a2", "a-cleanup", "b1", "b2", "b-cleanup", "c1", "c2", "c-cleanup"}
	if len(order) != len(want) {
		t.Fatalf("Expected %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("Position %d: expected %s, got %s", i, want[i], order[i])
		}
	}
	if calls.Load() != 3 {
		t.Errorf("Expected 3 completions, got %d", calls.Load())
	}
}

func TestEncodeAfterCommit(t *testing.T) {
	q := NewQueue("test", 1)
	defer q.Close()
	cb := NewCommandBuffer("once")
	if err := q.Commit(context.Background(), cb); err != nil {
		t.Fatal(err)
	}
	if err := cb.Encode("late", func(context.Context) error { return nil }); !errors.Is(err, ErrAlreadyCommitted) {
		t.Errorf("Expected ErrAlreadyCommitted, got %v", err)
	}
	<-cb.Done()
	if err := q.Commit(context.Background(), cb); !errors.Is(err, ErrAlreadyCommitted) {
		t.Errorf("Expected ErrAlreadyCommitted on recommit, got %v", err)
	}
	if q.InFlight() != 0 {
		t.Errorf("Expected rejected commit to free its slot, got %d in flight", q.InFlight())
	}
}

func TestSingleHandler(t *testing.T) {
	cb := NewCommandBuffer("h")
	if err := cb.AddCompletedHandler(func(Completion) {}); err != nil {
		t.Fatal(err)
	}
	if err := cb.AddCompletedHandler(func(Completion) {}); !errors.Is(err, ErrHandlerRegistered) {
		t.Errorf("Expected ErrHandlerRegistered, got %v", err)
	}
}

// TestFailureCompletesOnce verifies errors and panics each produce exactly one completion
func TestFailureCompletesOnce(t *testing.T) {
	q := NewQueue("test", 4)
	defer q.Close()

	tests := []struct {
		name string
		run  func(context.Context) error
		want error
	}{
		{"error", func(context.Context) error { return errors.New("boom") }, ErrSubmissionFailed},
		{"panic", func(context.Context) error { panic("bad dispatch") }, ErrSubmissionFailed},
		{"lost", func(context.Context) error { return ErrDeviceLost }, ErrDeviceLost},
	}
	for _, tt := range tests {
		var calls atomic.Int32
		var got Completion
		ranAfter := false
		cleaned := false
		cb := NewCommandBuffer(tt.name)
		cb.Encode("fail", tt.run)
		cb.Encode("after", func(context.Context) error { ranAfter = true; return nil })
		cb.AddCleanup(func() { cleaned = true })
		cb.AddCompletedHandler(func(c Completion) { calls.Add(1); got = c })
		if err := q.Commit(context.Background(), cb); err != nil {
			t.Fatal(err)
		}
		<-cb.Done()
		if calls.Load() != 1 {
			t.Errorf("%s: expected 1 completion, got %d", tt.name, calls.Load())
		}
		if !errors.Is(got.Err, tt.want) || got.Status != StatusFailed {
			t.Errorf("%s: expected %v, got %v (%s)", tt.name, tt.want, got.Err, got.Status)
		}
		if ranAfter {
			t.Errorf("%s: commands after a failure should not run", tt.name)
		}
		if !cleaned {
			t.Errorf("%s: cleanup did not run", tt.name)
		}
	}
}

// TestBackpressure fills the queue and checks both the blocking and rejecting paths
func TestBackpressure(t *testing.T) {
	q := NewQueue("test", 2)
	defer q.Close()

	gate := make(chan struct{})
	blocked := func() *CommandBuffer {
		cb := NewCommandBuffer("blocked")
		cb.Encode("wait", func(context.Context) error { <-gate; return nil })
		return cb
	}
	for i := 0; i < 2; i++ {
		if err := q.TryCommit(blocked()); err != nil {
			t.Fatalf("Commit %d: %v", i, err)
		}
	}
	if q.InFlight() != 2 {
		t.Fatalf("Expected 2 in flight, got %d", q.InFlight())
	}

	if err := q.TryCommit(NewCommandBuffer("extra")); !errors.Is(err, ErrQueueFull) {
		t.Errorf("Expected ErrQueueFull, got %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := q.Commit(ctx, NewCommandBuffer("extra")); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected DeadlineExceeded, got %v", err)
	}

	committed := make(chan error, 1)
	last := NewCommandBuffer("last")
	go func() { committed <- q.Commit(context.Background(), last) }()
	select {
	case err := <-committed:
		t.Fatalf("Commit should block while saturated, returned %v", err)
	case <-time.After(20 * time.Millisecond):
	}
	close(gate)
	if err := <-committed; err != nil {
		t.Fatal(err)
	}
	<-last.Done()
}

func TestCloseDrains(t *testing.T) {
	q := NewQueue("test", 3)
	var ran atomic.Int32
	for i := 0; i < 3; i++ {
		cb := NewCommandBuffer("drain")
		cb.Encode("sleep", func(context.Context) error {
			time.Sleep(5 * time.Millisecond)
			ran.Add(1)
			return nil
		})
		if err := q.Commit(context.Background(), cb); err != nil {
			t.Fatal(err)
		}
	}
	q.Close()
	if ran.Load() != 3 {
		t.Errorf("Expected 3 buffers drained, got %d", ran.Load())
	}
	if err := q.TryCommit(NewCommandBuffer("late")); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("Expected ErrQueueClosed, got %v", err)
	}
}

func TestCloseFromHandler(t *testing.T) {
	q := NewQueue("test", 2)
	if q.OnWorker() {
		t.Fatal("Test goroutine reported as queue worker")
	}

	gate := make(chan struct{})
	first := NewCommandBuffer("first")
	first.Encode("wait", func(context.Context) error {
		<-gate
		return nil
	})
	closed := make(chan bool, 1)
	first.AddCompletedHandler(func(Completion) {
		onWorker := q.OnWorker()
		q.Close()
		closed <- onWorker
	})
	var ran atomic.Bool
	second := NewCommandBuffer("second")
	second.Encode("mark", func(context.Context) error {
		ran.Store(true)
		return nil
	})
	for _, cb := range []*CommandBuffer{first, second} {
		if err := q.Commit(context.Background(), cb); err != nil {
			t.Fatal(err)
		}
	}
	close(gate)

	select {
	case onWorker := <-closed:
		if !onWorker {
			t.Error("Expected handler to run on the queue worker")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Close from a completion handler deadlocked")
	}
	select {
	case <-q.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Queue did not drain after Close")
	}
	if !ran.Load() {
		t.Error("Expected the buffer committed before Close to run")
	}
	q.Close()
}

func TestWaitReturnsCompletion(t *testing.T) {
	q := NewQueue("test", 1)
	defer q.Close()
	cb := NewCommandBuffer("wait")
	cb.Encode("nop", func(context.Context) error { return nil })
	q.Commit(context.Background(), cb)
	c, err := cb.Wait(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if c.ID != cb.ID() || c.Status != StatusCompleted || c.End.Before(c.Start) {
		t.Errorf("Unexpected completion %+v", c)
	}
}

func TestDiscardRunsCleanups(t *testing.T) {
	cb := NewCommandBuffer("discard")
	cleaned := 0
	cb.AddCleanup(func() { cleaned++ })
	cb.AddCompletedHandler(func(Completion) { t.Error("Handler must not run for a discarded buffer") })
	cb.Discard()
	cb.Discard()
	if cleaned != 1 {
		t.Errorf("Expected 1 cleanup, got %d", cleaned)
	}
	if cb.Status() != StatusFailed {
		t.Errorf("Expected failed status, got %s", cb.Status())
	}
	q := NewQueue("test", 1)
	defer q.Close()
	if err := q.TryCommit(cb); !errors.Is(err, ErrAlreadyCommitted) {
		t.Errorf("Expected ErrAlreadyCommitted, got %v", err)
	}
}
