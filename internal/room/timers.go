package room

import (
	"time"

	"github.com/benbjohnson/clock"
)

// Timer keys. A room holds at most one pending timer per key.
const (
	timerDeadline  = "deadline"
	timerAdvance   = "advance"
	timerEmptyRoom = "empty-room"
	timerRetention = "retention"
	graceKeyPrefix = "grace:"
)

func graceKey(userID string) string {
	return graceKeyPrefix + userID
}

type scheduledTimer struct {
	timer *clock.Timer
	seq   uint64
}

// arm schedules fn on the actor after d, replacing any timer under key.
// The callback re-checks the sequence number on the actor, so a timer
// that was cancelled or replaced after it fired is a no-op.
func (r *Room) arm(key string, d time.Duration, fn func()) {
	r.cancel(key)
	r.timerSeq++
	seq := r.timerSeq

	t := r.clock.AfterFunc(d, func() {
		r.post(func() {
			entry, ok := r.timers[key]
			if !ok || entry.seq != seq {
				return
			}
			delete(r.timers, key)
			fn()
		})
	})
	r.timers[key] = scheduledTimer{timer: t, seq: seq}
}

func (r *Room) cancel(key string) {
	if entry, ok := r.timers[key]; ok {
		entry.timer.Stop()
		delete(r.timers, key)
	}
}

func (r *Room) cancelAll() {
	for key := range r.timers {
		r.cancel(key)
	}
}

func (r *Room) armed(key string) bool {
	_, ok := r.timers[key]
	return ok
}
