package utils

import (
	"runtime"
	"testing"
	"time"
)

// GoroutineLeakDetector compares goroutine counts before and after a test
// body. Background goroutines that exit late are given a grace period.
type GoroutineLeakDetector struct {
	t              testing.TB
	initialCount   int
	allowedGrowth  int
	checkInterval  time.Duration
	stabilizeDelay time.Duration
	timeout        time.Duration
}

// NewGoroutineLeakDetector creates a new goroutine leak detector
func NewGoroutineLeakDetector(t testing.TB) *GoroutineLeakDetector {
	return &GoroutineLeakDetector{
		t:              t,
		checkInterval:  50 * time.Millisecond,
		stabilizeDelay: 200 * time.Millisecond,
		timeout:        2 * time.Second,
	}
}

// SetAllowedGrowth sets the number of goroutines allowed to remain
func (d *GoroutineLeakDetector) SetAllowedGrowth(n int) *GoroutineLeakDetector {
	d.allowedGrowth = n
	return d
}

// SetStabilizeDelay sets the delay before the first count is taken
func (d *GoroutineLeakDetector) SetStabilizeDelay(delay time.Duration) *GoroutineLeakDetector {
	d.stabilizeDelay = delay
	return d
}

// SetTimeout bounds how long Check waits for goroutines to exit
func (d *GoroutineLeakDetector) SetTimeout(timeout time.Duration) *GoroutineLeakDetector {
	d.timeout = timeout
	return d
}

// Start records the initial goroutine count
func (d *GoroutineLeakDetector) Start() {
	time.Sleep(d.stabilizeDelay)
	d.initialCount = runtime.NumGoroutine()
	d.t.Logf("Starting goroutine count: %d", d.initialCount)
}

// Check polls until the goroutine count is back within the allowed growth or
// the timeout passes, then reports a leak with every stack.
func (d *GoroutineLeakDetector) Check() {
	d.t.Helper()

	deadline := time.Now().Add(d.timeout)
	count := runtime.NumGoroutine()
	for count-d.initialCount > d.allowedGrowth && time.Now().Before(deadline) {
		time.Sleep(d.checkInterval)
		count = runtime.NumGoroutine()
	}

	leaked := count - d.initialCount
	if leaked <= d.allowedGrowth {
		d.t.Logf("No goroutine leak: started with %d, ended with %d", d.initialCount, count)
		return
	}

	buf := make([]byte, 1<<20)
	n := runtime.Stack(buf, true)
	d.t.Errorf("Goroutine leak detected: started with %d, ended with %d (leaked: %d, allowed: %d)",
		d.initialCount, count, leaked, d.allowedGrowth)
	d.t.Logf("Current goroutine stack traces:\n%s", buf[:n])
}

// VerifyNoLeak runs fn between Start and Check
func VerifyNoLeak(t testing.TB, allowedGrowth int, fn func()) {
	t.Helper()
	d := NewGoroutineLeakDetector(t).SetAllowedGrowth(allowedGrowth)
	d.Start()
	fn()
	d.Check()
}
