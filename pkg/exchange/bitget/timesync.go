package bitget

import (
	"sync"
	"time"
)

// timeSync keeps a server-minus-local offset so signed timestamps stay
// inside the venue's acceptance window even when the host clock drifts.
type timeSync struct {
	getServerTime func() (int64, error)
	offset        int64 // ms
	lastSync      time.Time
	syncInterval  time.Duration
	mu            sync.Mutex
}

func newTimeSync(getServerTime func() (int64, error)) *timeSync {
	return &timeSync{
		getServerTime: getServerTime,
		syncInterval:  30 * time.Minute,
	}
}

// Now returns the current time in ms adjusted for server offset,
// resyncing when the last sample is stale. Sync failures fall back to
// the local clock.
func (ts *timeSync) Now() int64 {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if time.Since(ts.lastSync) >= ts.syncInterval {
		ts.syncLocked()
	}
	return time.Now().UnixMilli() + ts.offset
}

func (ts *timeSync) syncLocked() {
	localBefore := time.Now().UnixMilli()
	serverTime, err := ts.getServerTime()
	if err != nil {
		// Keep the previous offset; retry after half an interval.
		ts.lastSync = time.Now().Add(-ts.syncInterval / 2)
		return
	}
	localAfter := time.Now().UnixMilli()

	// Assume network latency is symmetric.
	latency := (localAfter - localBefore) / 2
	ts.offset = serverTime - (localBefore + latency)
	ts.lastSync = time.Now()
}
