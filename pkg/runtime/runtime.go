// Package runtime is the cooperative single-threaded engine driving
// circuits, streams and their cell traffic: spawn/sleep/now primitives
// over an injectable Clock, a Transport poll contract external hosts
// implement, checkout/return ownership of circuits while they cross a
// suspension point, and a round-robin drive loop enforcing per-stream and
// per-circuit cell budgets (SPEC_FULL.md section 4.5).
package runtime

import (
	"context"
	"sync"
	"time"

	"github.com/nyxtor/tor-core/pkg/logger"
)

// Runtime owns the primitives a single cooperative worker loop is built
// from: it never itself spawns OS threads to parallelize circuit work —
// Spawn launches a tracked goroutine (Go's stand-in for a cooperative
// task, since the language has no native coroutines), Sleep suspends
// without blocking anything but the caller, and Now reads the injected
// Clock so tests can control time deterministically.
type Runtime struct {
	clock  Clock
	logger *logger.Logger

	wg      sync.WaitGroup
	mu      sync.Mutex
	running int
}

// New creates a Runtime. A nil clock defaults to SystemClock.
func New(clock Clock, log *logger.Logger) *Runtime {
	if clock == nil {
		clock = SystemClock{}
	}
	if log == nil {
		log = logger.NewDefault()
	}
	return &Runtime{clock: clock, logger: log.Component("runtime")}
}

// Now returns the runtime's current time, per the injected Clock.
func (rt *Runtime) Now() time.Time {
	return rt.clock.Now()
}

// Spawn launches fn as a tracked task. fn must return when ctx is
// cancelled; Spawn does not forcibly interrupt it. Wait blocks until every
// task started via Spawn has returned.
func (rt *Runtime) Spawn(ctx context.Context, fn func(context.Context)) {
	rt.mu.Lock()
	rt.running++
	rt.mu.Unlock()

	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		defer func() {
			rt.mu.Lock()
			rt.running--
			rt.mu.Unlock()
		}()
		fn(ctx)
	}()
}

// Wait blocks until all tasks started via Spawn have returned.
func (rt *Runtime) Wait() {
	rt.wg.Wait()
}

// Running returns the number of tasks currently spawned and not yet
// returned.
func (rt *Runtime) Running() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.running
}

// Sleep suspends the calling task for d, or until ctx is cancelled,
// whichever comes first. A zero duration still yields to the scheduler
// rather than returning synchronously, so sleep(0) used to yield the
// drive loop lets other spawned tasks interleave instead of starving.
func (rt *Runtime) Sleep(ctx context.Context, d time.Duration) error {
	timer := rt.clock.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C():
		return nil
	}
}
