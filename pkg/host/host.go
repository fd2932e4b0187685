// Package host provides a small facade over ambient process state: monotonic
// time, sleeping, and process memory usage. Components take these interfaces
// explicitly instead of reaching for globals, so tests can substitute a fake
// clock and deterministic memory readings.
package host

import (
	"context"
	"os"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// Clock abstracts time observation and sleeping for components that make
// time-based decisions (token refill, breaker retry windows, backpressure
// pauses).
type Clock interface {
	// Now returns the current time
	Now() time.Time

	// Sleep blocks for the given duration or until the context is canceled
	Sleep(ctx context.Context, d time.Duration) error

	// Ticker returns a ticker firing every d until stopped
	Ticker(d time.Duration) Ticker
}

// Ticker delivers periodic ticks. Like time.Ticker it drops ticks when the
// receiver falls behind.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// RealClock implements Clock using the system clock.
type RealClock struct{}

// Now returns the current system time
func (RealClock) Now() time.Time { return time.Now() }

// Sleep blocks for d or until ctx is canceled
func (RealClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ticker returns a ticker backed by time.NewTicker
func (RealClock) Ticker(d time.Duration) Ticker {
	return realTicker{t: time.NewTicker(d)}
}

type realTicker struct {
	t *time.Ticker
}

func (rt realTicker) C() <-chan time.Time { return rt.t.C }

func (rt realTicker) Stop() { rt.t.Stop() }

// FakeClock is a manually advanced clock for tests. Sleepers are released
// and tickers fire when Advance moves the clock past their deadline.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []fakeWaiter
	tickers []*fakeTicker
}

type fakeWaiter struct {
	deadline time.Time
	ch       chan struct{}
}

// NewFakeClock creates a fake clock starting at the given time.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

// Now returns the fake current time
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Sleep blocks until the clock is advanced past now+d or ctx is canceled
func (c *FakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	c.mu.Lock()
	w := fakeWaiter{deadline: c.now.Add(d), ch: make(chan struct{})}
	c.waiters = append(c.waiters, w)
	c.mu.Unlock()

	select {
	case <-w.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ticker returns a ticker driven by Advance.
func (c *FakeClock) Ticker(d time.Duration) Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := &fakeTicker{
		clock: c,
		d:     d,
		next:  c.now.Add(d),
		ch:    make(chan time.Time, 1),
	}
	c.tickers = append(c.tickers, t)
	return t
}

type fakeTicker struct {
	clock   *FakeClock
	d       time.Duration
	next    time.Time
	ch      chan time.Time
	stopped bool
}

func (t *fakeTicker) C() <-chan time.Time { return t.ch }

// Stop stops the ticker. Already-delivered ticks remain in the channel.
func (t *fakeTicker) Stop() {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	t.stopped = true
}

// Advance moves the clock forward, releases any sleepers whose deadline has
// been reached, and fires any due tickers.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)

	remaining := c.waiters[:0]
	var released []chan struct{}
	for _, w := range c.waiters {
		if !w.deadline.After(c.now) {
			released = append(released, w.ch)
		} else {
			remaining = append(remaining, w)
		}
	}
	c.waiters = remaining

	for _, t := range c.tickers {
		if t.stopped {
			continue
		}
		for !t.next.After(c.now) {
			select {
			case t.ch <- t.next:
			default:
			}
			t.next = t.next.Add(t.d)
		}
	}
	c.mu.Unlock()

	for _, ch := range released {
		close(ch)
	}
}

// MemoryStats reports process memory usage for backpressure decisions.
type MemoryStats interface {
	// UsedBytes returns the current process memory usage
	UsedBytes() uint64

	// Reclaim attempts to return unused memory to the OS
	Reclaim()
}

// ProcessMemory implements MemoryStats against the live process, preferring
// OS-reported RSS over Go heap statistics since the bound in config is an
// operating-system-level limit.
type ProcessMemory struct {
	proc *process.Process
}

// NewProcessMemory creates a MemoryStats backed by the current process.
func NewProcessMemory() *ProcessMemory {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		proc = nil
	}
	return &ProcessMemory{proc: proc}
}

// UsedBytes returns the process RSS, falling back to Go heap allocation when
// process information is unavailable.
func (pm *ProcessMemory) UsedBytes() uint64 {
	if pm.proc != nil {
		if memInfo, err := pm.proc.MemoryInfo(); err == nil && memInfo != nil {
			return memInfo.RSS
		}
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapAlloc
}

// Reclaim runs a garbage collection cycle and returns freed pages to the OS.
func (pm *ProcessMemory) Reclaim() {
	runtime.GC()
	debug.FreeOSMemory()
}

// FixedMemory is a MemoryStats returning a settable value, for tests.
type FixedMemory struct {
	mu    sync.Mutex
	bytes uint64
}

// NewFixedMemory creates a FixedMemory with an initial reading.
func NewFixedMemory(bytes uint64) *FixedMemory {
	return &FixedMemory{bytes: bytes}
}

// UsedBytes returns the configured value
func (fm *FixedMemory) UsedBytes() uint64 {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	return fm.bytes
}

// Set updates the reported value
func (fm *FixedMemory) Set(bytes uint64) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	fm.bytes = bytes
}

// Reclaim is a no-op for the fixed reader
func (fm *FixedMemory) Reclaim() {}
