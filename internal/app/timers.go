package app

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

type timerKind string

const (
	timerDeadline timerKind = "deadline"
	timerGrace    timerKind = "grace"
	timerEviction timerKind = "eviction"
	// timerFreeze retries a quizmaster detach whose store write was lost.
	timerFreeze timerKind = "freeze"
)

type timerKey struct {
	sessionID string
	kind      timerKind
}

type armedTimer struct {
	timer         clockwork.Timer
	questionIndex int
}

// TimerEvent is what a fired timer hands back to the session stream.
type TimerEvent struct {
	SessionID     string
	Kind          timerKind
	QuestionIndex int
}

// Timers keeps at most one pending timer per (session, kind). Firing never mutates
// state directly; the callback receives the event and is expected to enqueue it on
// the session's lane.
type Timers struct {
	mu     sync.Mutex
	clock  clockwork.Clock
	timers map[timerKey]*armedTimer
	fire   func(TimerEvent)
}

func NewTimers(clock clockwork.Clock, fire func(TimerEvent)) *Timers {
	return &Timers{
		clock:  clock,
		timers: make(map[timerKey]*armedTimer),
		fire:   fire,
	}
}

// Arm replaces any pending timer of the same kind for the session.
func (t *Timers) Arm(sessionID string, kind timerKind, questionIndex int, after time.Duration) {
	if after < 0 {
		after = 0
	}
	key := timerKey{sessionID: sessionID, kind: kind}
	armed := &armedTimer{questionIndex: questionIndex}

	t.mu.Lock()
	defer t.mu.Unlock()
	if prev, ok := t.timers[key]; ok {
		prev.timer.Stop()
	}
	armed.timer = t.clock.AfterFunc(after, func() {
		t.mu.Lock()
		if t.timers[key] != armed {
			t.mu.Unlock()
			return
		}
		delete(t.timers, key)
		t.mu.Unlock()

		log.Debug().
			Str("session_id", sessionID).
			Str("timer", string(kind)).
			Int("question_index", questionIndex).
			Msg("timer fired")
		t.fire(TimerEvent{SessionID: sessionID, Kind: kind, QuestionIndex: questionIndex})
	})
	t.timers[key] = armed
}

// Cancel stops the pending timer of one kind. It reports whether one was pending.
func (t *Timers) Cancel(sessionID string, kind timerKind) bool {
	key := timerKey{sessionID: sessionID, kind: kind}
	t.mu.Lock()
	defer t.mu.Unlock()
	armed, ok := t.timers[key]
	if !ok {
		return false
	}
	armed.timer.Stop()
	delete(t.timers, key)
	return true
}

// CancelSession stops every pending timer for the session.
func (t *Timers) CancelSession(sessionID string) {
	for _, kind := range []timerKind{timerDeadline, timerGrace, timerEviction, timerFreeze} {
		t.Cancel(sessionID, kind)
	}
}

// Pending reports whether a timer of kind is armed for the session, and for which question.
func (t *Timers) Pending(sessionID string, kind timerKind) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	armed, ok := t.timers[timerKey{sessionID: sessionID, kind: kind}]
	if !ok {
		return 0, false
	}
	return armed.questionIndex, true
}

// StopAll cancels every pending timer.
func (t *Timers) StopAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, armed := range t.timers {
		armed.timer.Stop()
		delete(t.timers, key)
	}
}
