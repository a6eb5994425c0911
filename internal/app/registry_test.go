package app

import (
	"errors"
	"testing"

	"live-quiz-service/internal/domain"
)

func TestRegistryRoutesByAudience(t *testing.T) {
	r := NewRegistry()
	qm, a, b, other := &recorder{}, &recorder{}, &recorder{}, &recorder{}
	r.Register("qm", quizmaster("host"), qm)
	r.Register("a", player("A"), a)
	r.Register("b", player("B"), b)
	r.Register("x", player("X"), other)

	mustAttach(t, r, "qm", "s1", domain.RoleQuizmaster, "host")
	mustAttach(t, r, "a", "s1", domain.RolePlayer, "A")
	mustAttach(t, r, "b", "s1", domain.RolePlayer, "B")
	mustAttach(t, r, "x", "s2", domain.RolePlayer, "X")

	msg := domain.Outbound{Type: "ping", SessionID: "s1"}
	if n := r.Broadcast("s1", AudienceAll, msg); n != 3 {
		t.Fatalf("expected 3 deliveries, got %d", n)
	}
	if n := r.Broadcast("s1", AudiencePlayers, msg); n != 2 {
		t.Fatalf("expected 2 player deliveries, got %d", n)
	}
	if n := r.Broadcast("s1", AudienceQuizmaster, msg); n != 1 {
		t.Fatalf("expected 1 quizmaster delivery, got %d", n)
	}
	if n := r.Broadcast("s1", AudienceParticipant("B"), msg); n != 1 {
		t.Fatalf("expected 1 targeted delivery, got %d", n)
	}
	if other.count() != 0 {
		t.Fatalf("another session's connection received frames")
	}
	if qm.count() != 2 || a.count() != 2 || b.count() != 3 {
		t.Fatalf("unexpected counts qm=%d a=%d b=%d", qm.count(), a.count(), b.count())
	}
}

func TestRegistryBroadcastSkipsFailingSender(t *testing.T) {
	r := NewRegistry()
	bad, good := &recorder{fail: true}, &recorder{}
	r.Register("bad", player("A"), bad)
	r.Register("good", player("B"), good)
	mustAttach(t, r, "bad", "s1", domain.RolePlayer, "A")
	mustAttach(t, r, "good", "s1", domain.RolePlayer, "B")

	if n := r.Broadcast("s1", AudienceAll, domain.Outbound{Type: "ping"}); n != 1 {
		t.Fatalf("expected one successful delivery, got %d", n)
	}
	if good.count() != 1 {
		t.Fatalf("healthy connection missed the frame")
	}
}

func TestRegistryAttachRules(t *testing.T) {
	r := NewRegistry()
	first, second, p1, p2 := &recorder{}, &recorder{}, &recorder{}, &recorder{}
	r.Register("qm1", quizmaster("host"), first)
	r.Register("qm2", quizmaster("host"), second)
	r.Register("p1", player("A"), p1)
	r.Register("p2", player("A"), p2)

	if _, err := r.Attach("ghost", "s1", domain.RolePlayer, "G"); !errors.Is(err, domain.ErrNotBound) {
		t.Fatalf("unregistered connection: expected ErrNotBound, got %v", err)
	}
	mustAttach(t, r, "qm1", "s1", domain.RoleQuizmaster, "host")
	if _, err := r.Attach("qm2", "s1", domain.RoleQuizmaster, "host"); !errors.Is(err, domain.ErrRoleConflict) {
		t.Fatalf("expected ErrRoleConflict, got %v", err)
	}
	if _, err := r.Attach("qm1", "s2", domain.RoleQuizmaster, "host"); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("rebinding a bound connection: expected ErrInvalidTransition, got %v", err)
	}

	mustAttach(t, r, "p1", "s1", domain.RolePlayer, "A")
	superseded, err := r.Attach("p2", "s1", domain.RolePlayer, "A")
	if err != nil || superseded != "p1" {
		t.Fatalf("expected p1 superseded, got %q, %v", superseded, err)
	}
	if !p1.isClosed() || p1.last(t, domain.MsgError).Payload.(domain.ErrorPayload).Code != domain.CodeRoleConflict {
		t.Fatalf("superseded connection should be told and closed")
	}
	if _, ok := r.Binding("p1"); ok {
		t.Fatalf("superseded connection should be unbound")
	}
	if stats := r.Stats(); stats.Sessions["s1"] != 2 || stats.Connections != 4 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestRegistryDropSessionKeepsConnections(t *testing.T) {
	r := NewRegistry()
	r.Register("qm", quizmaster("host"), &recorder{})
	r.Register("a", player("A"), &recorder{})
	mustAttach(t, r, "qm", "s1", domain.RoleQuizmaster, "host")
	mustAttach(t, r, "a", "s1", domain.RolePlayer, "A")

	if n := r.DropSession("s1"); n != 2 {
		t.Fatalf("expected 2 dropped bindings, got %d", n)
	}
	if r.QuizmasterBound("s1") {
		t.Fatalf("quizmaster binding should be gone")
	}
	if _, ok := r.Identity("a"); !ok {
		t.Fatalf("connection should stay registered")
	}
	mustAttach(t, r, "a", "s2", domain.RolePlayer, "A")

	if b, ok := r.Unregister("a"); !ok || b.SessionID != "s2" {
		t.Fatalf("unexpected unregister result %+v %v", b, ok)
	}
	if err := r.SendTo("a", domain.Outbound{Type: "ping"}); !errors.Is(err, domain.ErrNotBound) {
		t.Fatalf("expected ErrNotBound after unregister, got %v", err)
	}
}

func mustAttach(t *testing.T, r *Registry, connID, sessionID string, role domain.Role, pid string) {
	t.Helper()
	if _, err := r.Attach(connID, sessionID, role, pid); err != nil {
		t.Fatalf("attach %s: %v", connID, err)
	}
}
