package app

import (
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

type firedLog struct {
	mu     sync.Mutex
	events []TimerEvent
}

func (f *firedLog) record(ev TimerEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

func (f *firedLog) snapshot() []TimerEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]TimerEvent(nil), f.events...)
}

func TestTimersFireOnce(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	fired := &firedLog{}
	timers := NewTimers(clock, fired.record)

	timers.Arm("s1", timerDeadline, 2, 20*time.Second)
	if idx, ok := timers.Pending("s1", timerDeadline); !ok || idx != 2 {
		t.Fatalf("expected pending deadline for question 2, got %d %v", idx, ok)
	}

	clock.Advance(19 * time.Second)
	if len(fired.snapshot()) != 0 {
		t.Fatalf("timer fired early")
	}
	clock.Advance(time.Second)
	waitFor(t, func() bool { return len(fired.snapshot()) == 1 })

	ev := fired.snapshot()[0]
	if ev.SessionID != "s1" || ev.Kind != timerDeadline || ev.QuestionIndex != 2 {
		t.Fatalf("unexpected event %+v", ev)
	}
	if _, ok := timers.Pending("s1", timerDeadline); ok {
		t.Fatalf("fired timer should no longer be pending")
	}
}

func TestTimersRearmReplaces(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	fired := &firedLog{}
	timers := NewTimers(clock, fired.record)

	timers.Arm("s1", timerDeadline, 0, 10*time.Second)
	timers.Arm("s1", timerDeadline, 1, 30*time.Second)
	timers.Arm("s1", timerGrace, 1, time.Minute)

	clock.Advance(30 * time.Second)
	waitFor(t, func() bool { return len(fired.snapshot()) == 1 })
	if ev := fired.snapshot()[0]; ev.QuestionIndex != 1 {
		t.Fatalf("replaced timer fired: %+v", ev)
	}

	if !timers.Cancel("s1", timerGrace) {
		t.Fatalf("expected a pending grace timer")
	}
	if timers.Cancel("s1", timerGrace) {
		t.Fatalf("second cancel should report nothing pending")
	}
	clock.Advance(time.Hour)
	time.Sleep(20 * time.Millisecond)
	if n := len(fired.snapshot()); n != 1 {
		t.Fatalf("cancelled timer fired, %d events", n)
	}
}

func TestTimersCancelSession(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	fired := &firedLog{}
	timers := NewTimers(clock, fired.record)

	timers.Arm("s1", timerDeadline, 0, time.Second)
	timers.Arm("s1", timerEviction, 0, time.Second)
	timers.Arm("s2", timerDeadline, 0, time.Second)
	timers.CancelSession("s1")

	clock.Advance(time.Second)
	waitFor(t, func() bool { return len(fired.snapshot()) == 1 })
	if ev := fired.snapshot()[0]; ev.SessionID != "s2" {
		t.Fatalf("unexpected event %+v", ev)
	}
	timers.StopAll()
}
