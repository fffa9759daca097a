package scheduler

import (
	"sync"
	"time"
)

// rateLimiter enforces per-user sliding-window limits. A rejected request
// leaves no trace in the window; only admitted timestamps count.
type rateLimiter struct {
	perMinute int
	perHour   int

	mu        sync.Mutex
	windows   map[string][]time.Time
	denied    int64
	lastSweep time.Time
}

// sweepInterval bounds how often the full window map is scanned for users
// who stopped submitting.
const sweepInterval = time.Hour

func newRateLimiter(perMinute, perHour int) *rateLimiter {
	return &rateLimiter{
		perMinute: perMinute,
		perHour:   perHour,
		windows:   make(map[string][]time.Time),
	}
}

// allow records the request timestamp and returns true when both windows
// have headroom. The caller's window is pruned inline; users who stopped
// submitting are dropped by the periodic sweep so the map stays bounded by
// recently active users.
func (l *rateLimiter) allow(userID string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) >= sweepInterval {
		l.sweepLocked(now)
		l.lastSweep = now
	}

	window := l.windows[userID]
	hourCutoff := now.Add(-time.Hour)
	pruned := window[:0]
	for _, ts := range window {
		if ts.After(hourCutoff) {
			pruned = append(pruned, ts)
		}
	}

	if l.perHour > 0 && len(pruned) >= l.perHour {
		l.windows[userID] = pruned
		l.denied++
		return false
	}
	if l.perMinute > 0 {
		minuteCutoff := now.Add(-time.Minute)
		inMinute := 0
		for _, ts := range pruned {
			if ts.After(minuteCutoff) {
				inMinute++
			}
		}
		if inMinute >= l.perMinute {
			l.windows[userID] = pruned
			l.denied++
			return false
		}
	}

	l.windows[userID] = append(pruned, now)
	return true
}

// sweepLocked drops every user whose whole window has aged out. Timestamps
// are appended in order, so a stale newest entry means a stale window.
// Callers hold l.mu.
func (l *rateLimiter) sweepLocked(now time.Time) {
	cutoff := now.Add(-time.Hour)
	for user, window := range l.windows {
		if len(window) == 0 || !window[len(window)-1].After(cutoff) {
			delete(l.windows, user)
		}
	}
}

// deniedCount returns the number of rejections so far.
func (l *rateLimiter) deniedCount() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.denied
}
