// Package pool recycles time.Timer instances for the hot enqueue and teardown
// paths, where allocating a fresh timer per operation would churn the GC.
package pool

import (
	"sync"
	"time"
)

var timerPool sync.Pool

// GetTimer returns a timer armed with duration d. Release it with PutTimer once
// the caller is done with it.
func GetTimer(d time.Duration) *time.Timer {
	v := timerPool.Get()
	if v == nil {
		return time.NewTimer(d)
	}

	t, _ := v.(*time.Timer) // only *time.Timer values ever enter the pool
	if t.Reset(d) {
		// the timer was still active, its channel may hold a stale tick
		drain(t)
	}

	return t
}

// PutTimer stops t and returns it to the pool. The caller must not touch t
// afterwards.
func PutTimer(t *time.Timer) {
	if !t.Stop() {
		drain(t)
	}

	timerPool.Put(t)
}

func drain(t *time.Timer) {
	select {
	case <-t.C:
	default:
	}
}
