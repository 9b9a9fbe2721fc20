package speedtest

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"proxydeck/internal/shared/types"
)

// blockingRunner records the order jobs enter and holds each one until
// released, so tests can observe serialization.
type blockingRunner struct {
	entered chan int
	release chan struct{}

	active     atomic.Int32
	overlapped atomic.Bool

	mu  sync.Mutex
	ran []int
}

func newBlockingRunner() *blockingRunner {
	return &blockingRunner{
		entered: make(chan int, 16),
		release: make(chan struct{}),
	}
}

func (r *blockingRunner) Run(index int, profile *types.ServerProfile) {
	if r.active.Add(1) > 1 {
		r.overlapped.Store(true)
	}
	defer r.active.Add(-1)

	r.mu.Lock()
	r.ran = append(r.ran, index)
	r.mu.Unlock()

	r.entered <- index
	<-r.release
}

func (r *blockingRunner) order() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.ran...)
}

func waitEntered(t *testing.T, r *blockingRunner) int {
	t.Helper()
	select {
	case idx := <-r.entered:
		return idx
	case <-time.After(2 * time.Second):
		t.Fatalf("Timed out waiting for a job to start")
		return -1
	}
}

func dispatcherProfile(remarks string) *types.ServerProfile {
	return &types.ServerProfile{
		ID:      "job-" + remarks,
		Remarks: remarks,
		Type:    types.ProtocolHTTP,
		Address: "10.0.0.1",
		Port:    8080,
	}
}

func TestDispatcher_RunsJobsInOrderOneAtATime(t *testing.T) {
	runner := newBlockingRunner()
	d := NewDispatcher(runner, nil, DispatcherOptions{Tick: 10 * time.Millisecond})
	d.Start()
	defer d.Stop()

	d.Enqueue(0, dispatcherProfile("a"))
	d.Enqueue(1, dispatcherProfile("b"))
	d.Enqueue(2, dispatcherProfile("c"))

	for i := 0; i < 3; i++ {
		if idx := waitEntered(t, runner); idx != i {
			t.Errorf("Expected job %d to run, got %d", i, idx)
		}
		runner.release <- struct{}{}
	}

	if runner.overlapped.Load() {
		t.Errorf("Expected at most one job in flight at a time")
	}
	if got := runner.order(); len(got) != 3 {
		t.Errorf("Expected 3 jobs run, got %v", got)
	}
}

func TestDispatcher_EnqueueNeverBlocksWhenFull(t *testing.T) {
	runner := newBlockingRunner()
	d := NewDispatcher(runner, nil, DispatcherOptions{Tick: 10 * time.Millisecond, QueueSize: 1})
	d.Start()
	defer d.Stop()

	d.Enqueue(0, dispatcherProfile("a"))
	waitEntered(t, runner)

	// One slot buffers, the rest must be dropped without blocking.
	done := make(chan struct{})
	go func() {
		for i := 1; i <= 5; i++ {
			d.Enqueue(i, dispatcherProfile("x"))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Enqueue blocked on a full queue")
	}

	runner.release <- struct{}{}
	waitEntered(t, runner)
	runner.release <- struct{}{}

	// Give the loop time to prove nothing else was queued.
	time.Sleep(50 * time.Millisecond)
	if got := runner.order(); len(got) != 2 {
		t.Errorf("Expected exactly 2 jobs run (1 active + 1 buffered), got %v", got)
	}
}

func TestDispatcher_StopWaitsForCurrentJob(t *testing.T) {
	runner := newBlockingRunner()
	d := NewDispatcher(runner, nil, DispatcherOptions{Tick: 10 * time.Millisecond})
	d.Start()

	d.Enqueue(0, dispatcherProfile("a"))
	d.Enqueue(1, dispatcherProfile("b"))
	waitEntered(t, runner)

	stopped := make(chan struct{})
	go func() {
		d.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatalf("Stop returned while a job was still running")
	case <-time.After(50 * time.Millisecond):
	}

	runner.release <- struct{}{}
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatalf("Stop did not return after the running job finished")
	}

	if got := runner.order(); len(got) != 1 {
		t.Errorf("Expected queued jobs to be discarded on stop, got %v", got)
	}
}

func TestDispatcher_ExitingHostStopsDispatching(t *testing.T) {
	runner := newBlockingRunner()
	var exiting atomic.Bool
	exiting.Store(true)
	d := NewDispatcher(runner, exiting.Load, DispatcherOptions{Tick: 10 * time.Millisecond})
	d.Start()

	d.Enqueue(0, dispatcherProfile("a"))

	select {
	case idx := <-runner.entered:
		t.Fatalf("Expected no job to run during shutdown, job %d ran", idx)
	case <-time.After(100 * time.Millisecond):
	}
	d.Stop()
}
