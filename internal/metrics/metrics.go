package metrics

import (
	"sync"
	"sync/atomic"
)

// engineStats holds counters for automation engine activity.
// Kept simple/thread-safe for use from the runner and exposition.
type engineStats struct {
	eventsHandled  uint64
	rateLimitSkips uint64
	httpDrops      uint64
	mu             sync.Mutex
	byStatus       map[string]uint64
}

var eng engineStats

// IncHTTPDrop increments the HTTP rate limit drop counter (HTTP 429).
func IncHTTPDrop() {
	atomic.AddUint64(&eng.httpDrops, 1)
}

// HTTPDrops returns the current HTTP rate limit drop count.
func HTTPDrops() uint64 {
	return atomic.LoadUint64(&eng.httpDrops)
}

// IncEventHandled increments the handled-event counter.
func IncEventHandled() {
	atomic.AddUint64(&eng.eventsHandled, 1)
}

// IncRateLimitSkip increments the per-automation rate limit skip counter.
func IncRateLimitSkip() {
	atomic.AddUint64(&eng.rateLimitSkips, 1)
}

// IncExecution increments the execution counter for a terminal status.
func IncExecution(status string) {
	if status == "" {
		status = "unknown"
	}
	eng.mu.Lock()
	if eng.byStatus == nil {
		eng.byStatus = make(map[string]uint64)
	}
	eng.byStatus[status]++
	eng.mu.Unlock()
}

// EngineSnapshot returns a copy of the current counters.
func EngineSnapshot() (events, skips uint64, byStatus map[string]uint64) {
	events = atomic.LoadUint64(&eng.eventsHandled)
	skips = atomic.LoadUint64(&eng.rateLimitSkips)
	eng.mu.Lock()
	defer eng.mu.Unlock()
	byStatus = make(map[string]uint64, len(eng.byStatus))
	for k, v := range eng.byStatus {
		byStatus[k] = v
	}
	return events, skips, byStatus
}

// Reset zeroes all counters. Intended for tests.
func Reset() {
	atomic.StoreUint64(&eng.eventsHandled, 0)
	atomic.StoreUint64(&eng.rateLimitSkips, 0)
	atomic.StoreUint64(&eng.httpDrops, 0)
	eng.mu.Lock()
	eng.byStatus = nil
	eng.mu.Unlock()
}
