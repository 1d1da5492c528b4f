package engine

import (
	"sync"
	"time"
)

type eventKey struct {
	client string
	action string
	reason string
}

// eventDedupe drops a security event when the same client already produced
// one with the same action and reason inside the window. A blocked client
// hammering the proxy yields one event per window, not one per request.
type eventDedupe struct {
	mu     sync.Mutex
	window time.Duration
	limit  int
	last   map[eventKey]time.Time
}

func newEventDedupe(window time.Duration, limit int) *eventDedupe {
	if limit <= 0 {
		limit = 10000
	}
	return &eventDedupe{window: window, limit: limit, last: make(map[eventKey]time.Time)}
}

// Suppress reports whether the event is a repeat. A fresh event is
// remembered from now on.
func (d *eventDedupe) Suppress(clientID, action, reason string, now time.Time) bool {
	key := eventKey{client: clientID, action: action, reason: reason}
	d.mu.Lock()
	defer d.mu.Unlock()
	if ts, ok := d.last[key]; ok && now.Sub(ts) <= d.window {
		return true
	}
	if len(d.last) >= d.limit {
		d.pruneLocked(now)
		if len(d.last) >= d.limit {
			// Every entry is still live.
			clear(d.last)
		}
	}
	d.last[key] = now
	return false
}

// Prune forgets entries older than the window and returns how many remain.
func (d *eventDedupe) Prune(now time.Time) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pruneLocked(now)
	return len(d.last)
}

func (d *eventDedupe) pruneLocked(now time.Time) {
	for k, ts := range d.last {
		if now.Sub(ts) > d.window {
			delete(d.last, k)
		}
	}
}
