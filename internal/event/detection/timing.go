package detection

import (
	"sync"
	"time"
)

// TimingTracker remembers when each client was last seen.
type TimingTracker interface {
	RecordRequest(ip string, timestamp time.Time)
	GetLastRequest(ip string) (time.Time, bool)
}

// DefaultTrackerLimit bounds how many clients a MemoryTimingTracker keeps.
const DefaultTrackerLimit = 10000

// MemoryTimingTracker keeps the last request per client. When full, clients
// idle for over a minute are dropped; if none are, it starts over.
type MemoryTimingTracker struct {
	mu           sync.RWMutex
	limit        int
	lastRequests map[string]time.Time
}

// NewMemoryTimingTracker creates a tracker holding at most limit clients
// (DefaultTrackerLimit when limit <= 0).
func NewMemoryTimingTracker(limit int) *MemoryTimingTracker {
	if limit <= 0 {
		limit = DefaultTrackerLimit
	}
	return &MemoryTimingTracker{limit: limit, lastRequests: make(map[string]time.Time)}
}

func (t *MemoryTimingTracker) RecordRequest(ip string, timestamp time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.lastRequests[ip]; !ok && len(t.lastRequests) >= t.limit {
		t.evict(timestamp.Add(-time.Minute))
	}
	t.lastRequests[ip] = timestamp
}

// evict drops entries older than cutoff, or everything when none are.
func (t *MemoryTimingTracker) evict(cutoff time.Time) {
	for ip, seen := range t.lastRequests {
		if seen.Before(cutoff) {
			delete(t.lastRequests, ip)
		}
	}
	if len(t.lastRequests) >= t.limit {
		t.lastRequests = make(map[string]time.Time)
	}
}

func (t *MemoryTimingTracker) GetLastRequest(ip string) (time.Time, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	lastTime, exists := t.lastRequests[ip]
	return lastTime, exists
}

func (t *MemoryTimingTracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.lastRequests)
}

func (a *Analyzer) analyzeTiming(clientIP string) TimingAnalysis {
	analysis := TimingAnalysis{}
	now := a.now()

	if lastTime, exists := a.tracker.GetLastRequest(clientIP); exists {
		interval := now.Sub(lastTime)
		analysis.RequestInterval = float64(interval.Nanoseconds()) / 1e6
		analysis.HasPreviousRequest = true
		analysis.IntervalPrecision = intervalPrecision(interval.Milliseconds())
	}
	a.tracker.RecordRequest(clientIP, now)
	return analysis
}

// intervalPrecision reports the largest round number the interval is a
// multiple of. Scripted clients tend to poll on exact intervals.
func intervalPrecision(ms int64) int {
	if ms <= 0 {
		return 0
	}
	for _, p := range []int64{1000, 500, 100, 50, 10} {
		if ms%p == 0 {
			return int(p)
		}
	}
	return 0
}
