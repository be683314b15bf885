package runtime

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeClock lets tests fire timers on demand instead of waiting on wall
// clock time.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	c      chan time.Time
	fired  bool
	stopCh chan struct{}
}

func (f *fakeTimer) C() <-chan time.Time { return f.c }
func (f *fakeTimer) Stop() bool {
	select {
	case <-f.stopCh:
		return false
	default:
		close(f.stopCh)
		return !f.fired
	}
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(0, 0)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) NewTimer(d time.Duration) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTimer{c: make(chan time.Time, 1), stopCh: make(chan struct{})}
	if d <= 0 {
		t.fired = true
		t.c <- f.now
	} else {
		f.timers = append(f.timers, t)
	}
	return t
}

// fire delivers the current time to every pending timer, as if d had
// elapsed for all of them.
func (f *fakeClock) fire() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.timers {
		if !t.fired {
			t.fired = true
			t.c <- f.now
		}
	}
	f.timers = nil
}

func TestRuntimeNowUsesInjectedClock(t *testing.T) {
	clock := newFakeClock()
	rt := New(clock, nil)

	if !rt.Now().Equal(clock.now) {
		t.Fatalf("Now() = %v, want %v", rt.Now(), clock.now)
	}
}

func TestRuntimeSpawnAndWait(t *testing.T) {
	rt := New(nil, nil)
	var count int32

	for i := 0; i < 5; i++ {
		rt.Spawn(context.Background(), func(ctx context.Context) {
			atomic.AddInt32(&count, 1)
		})
	}
	rt.Wait()

	if got := atomic.LoadInt32(&count); got != 5 {
		t.Fatalf("count = %d, want 5", got)
	}
	if running := rt.Running(); running != 0 {
		t.Fatalf("Running() = %d after Wait, want 0", running)
	}
}

func TestRuntimeSpawnTracksRunning(t *testing.T) {
	rt := New(nil, nil)
	release := make(chan struct{})
	started := make(chan struct{})

	rt.Spawn(context.Background(), func(ctx context.Context) {
		close(started)
		<-release
	})
	<-started

	if running := rt.Running(); running != 1 {
		t.Fatalf("Running() = %d while task blocked, want 1", running)
	}
	close(release)
	rt.Wait()
	if running := rt.Running(); running != 0 {
		t.Fatalf("Running() = %d after task returned, want 0", running)
	}
}

func TestRuntimeSleepZeroYields(t *testing.T) {
	clock := newFakeClock()
	rt := New(clock, nil)

	done := make(chan error, 1)
	go func() { done <- rt.Sleep(context.Background(), 0) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Sleep(0) returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Sleep(0) never returned")
	}
}

func TestRuntimeSleepCancelledByContext(t *testing.T) {
	clock := newFakeClock()
	rt := New(clock, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Sleep(ctx, time.Hour) }()
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("Sleep returned nil error after context cancellation")
		}
	case <-time.After(time.Second):
		t.Fatal("Sleep never returned after cancellation")
	}
}

func TestRuntimeSleepWaitsForTimer(t *testing.T) {
	clock := newFakeClock()
	rt := New(clock, nil)

	done := make(chan error, 1)
	go func() { done <- rt.Sleep(context.Background(), time.Hour) }()

	select {
	case <-done:
		t.Fatal("Sleep returned before its timer fired")
	case <-time.After(50 * time.Millisecond):
	}

	clock.fire()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Sleep returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Sleep never returned after timer fired")
	}
}
