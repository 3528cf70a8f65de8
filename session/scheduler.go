package session

import (
	"sync"
	"time"
)

// Scheduler holds at most one pending refresh timer per session id.
// Scheduling for an id that already has a pending timer supersedes it, so a
// stale closure can never race a newer one to mutate the same stored token
// set.
//
// The intended pairing is Flow.Refresh: after a login or refresh yields
// tokens, schedule for the gap until their ExpiresAt (less a margin) with an
// fn that calls Refresh and then schedules again.
//
// Timers belong on the client side of a deployment only: a server process
// must not hold a timer per browser session (it doesn't scale and doesn't
// survive restarts), so server-rendered passes check expiry inline instead.
type Scheduler struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewScheduler creates an empty Scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{timers: map[string]*time.Timer{}}
}

// Schedule runs fn after d, cancelling any timer already pending for sid.
// fn should re-load session state rather than close over a captured token
// set, which may be superseded by the time it fires.
func (s *Scheduler) Schedule(sid string, d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[sid]; ok {
		t.Stop()
	}
	s.timers[sid] = time.AfterFunc(d, func() {
		s.mu.Lock()
		delete(s.timers, sid)
		s.mu.Unlock()
		fn()
	})
}

// Cancel stops any pending timer for sid, reporting whether one existed.
// Logout and manual token updates must cancel so a stale closure doesn't
// refresh with a superseded refresh token.
func (s *Scheduler) Cancel(sid string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.timers[sid]
	if ok {
		t.Stop()
		delete(s.timers, sid)
	}
	return ok
}

// Stop cancels every pending timer.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sid, t := range s.timers {
		t.Stop()
		delete(s.timers, sid)
	}
}
