package app

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"live-quiz-service/internal/domain"
	"live-quiz-service/internal/infra/memory"
)

var epoch = time.Date(2024, 11, 22, 10, 0, 0, 0, time.UTC)

// recorder is a Sender that keeps every frame it is given.
type recorder struct {
	mu     sync.Mutex
	frames []domain.Outbound
	closed bool
	fail   bool
}

func (r *recorder) Send(msg domain.Outbound) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return fmt.Errorf("send refused")
	}
	r.frames = append(r.frames, msg)
	return nil
}

func (r *recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *recorder) all(msgType string) []domain.Outbound {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Outbound
	for _, f := range r.frames {
		if f.Type == msgType {
			out = append(out, f)
		}
	}
	return out
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func (r *recorder) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *recorder) last(t *testing.T, msgType string) domain.Outbound {
	t.Helper()
	frames := r.all(msgType)
	if len(frames) == 0 {
		t.Fatalf("no %s frame received", msgType)
	}
	return frames[len(frames)-1]
}

// checkedStore asserts structural invariants on every write that reaches the store.
type checkedStore struct {
	SessionRepository
	mu         sync.Mutex
	violations []error
	interfere  int
}

func (s *checkedStore) Replace(ctx context.Context, session domain.Session, version uint64) (uint64, error) {
	if err := session.CheckInvariants(); err != nil {
		s.mu.Lock()
		s.violations = append(s.violations, err)
		s.mu.Unlock()
	}
	s.mu.Lock()
	interfere := s.interfere > 0
	if interfere {
		s.interfere--
	}
	s.mu.Unlock()
	if interfere {
		// Another process writes the same session first.
		current, v, err := s.SessionRepository.Load(ctx, session.ID)
		if err == nil {
			_, _ = s.SessionRepository.Replace(ctx, current, v)
		}
	}
	return s.SessionRepository.Replace(ctx, session, version)
}

type harness struct {
	t       *testing.T
	ctx     context.Context
	clock   *clockwork.FakeClock
	store   *checkedStore
	results *memory.ResultLog
	coord   *Coordinator
	conns   map[string]*recorder
}

func newHarness(t *testing.T, settings Settings, opts ...Option) *harness {
	t.Helper()
	clock := clockwork.NewFakeClockAt(epoch)
	store := &checkedStore{SessionRepository: memory.NewSessionStore()}
	results := memory.NewResultLog()
	quizzes := memory.NewQuizRepository(memory.NewStaticQuizLoader(testQuizzes()), time.Hour, nil)

	next := 0
	opts = append([]Option{
		WithClock(clock),
		WithIDGenerator(func() string {
			next++
			return fmt.Sprintf("s-%d", next)
		}),
	}, opts...)
	coord := NewCoordinator(store, quizzes, results, settings, opts...)
	h := &harness{
		t:       t,
		ctx:     context.Background(),
		clock:   clock,
		store:   store,
		results: results,
		coord:   coord,
		conns:   make(map[string]*recorder),
	}
	t.Cleanup(func() {
		_ = coord.Shutdown(context.Background())
		store.mu.Lock()
		defer store.mu.Unlock()
		for _, v := range store.violations {
			t.Errorf("invariant violated: %v", v)
		}
	})
	return h
}

func testQuizzes() map[string]domain.Quiz {
	return map[string]domain.Quiz{
		"quiz-1": {
			ID: "quiz-1",
			Questions: []domain.Question{
				{
					ID:     "q1",
					Prompt: "What is 2 + 2?",
					Options: []domain.Option{
						{ID: "o1", Text: "3"},
						{ID: "o2", Text: "4", Correct: true},
					},
				},
				{
					ID:     "q2",
					Prompt: "Capital of France?",
					Options: []domain.Option{
						{ID: "a", Text: "Paris", Correct: true},
						{ID: "b", Text: "Rome"},
					},
					Points: 3,
				},
			},
		},
		"empty": {ID: "empty"},
	}
}

func quizmaster(id string) domain.Identity {
	return domain.Identity{ParticipantID: id, DisplayName: "Host", Roles: []domain.Role{domain.RoleQuizmaster}}
}

func player(id string) domain.Identity {
	return domain.Identity{ParticipantID: id, DisplayName: id, Roles: []domain.Role{domain.RolePlayer}}
}

func (h *harness) connect(connID string, identity domain.Identity) *recorder {
	rec := &recorder{}
	h.conns[connID] = rec
	h.coord.Connect(connID, identity, rec)
	return rec
}

func (h *harness) send(connID, msgType, sessionID string, payload any) error {
	h.t.Helper()
	env := domain.Envelope{Type: msgType, SessionID: sessionID}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			h.t.Fatalf("marshal payload: %v", err)
		}
		env.Payload = raw
	}
	return h.coord.Handle(h.ctx, connID, env)
}

func (h *harness) must(connID, msgType, sessionID string, payload any) {
	h.t.Helper()
	if err := h.send(connID, msgType, sessionID, payload); err != nil {
		h.t.Fatalf("%s from %s: %v", msgType, connID, err)
	}
}

// lobby creates a session from quiz-1 with the given players joined.
func (h *harness) lobby(players ...string) string {
	h.t.Helper()
	h.connect("c-qm", quizmaster("qm"))
	h.must("c-qm", domain.MsgCreateSession, "", domain.CreateSessionPayload{QuizID: "quiz-1"})
	created := h.conns["c-qm"].last(h.t, domain.MsgSessionCreated).Payload.(domain.SessionCreated)
	for _, id := range players {
		h.connect("c-"+id, player(id))
		h.must("c-"+id, domain.MsgJoinSession, created.SessionID, domain.JoinSessionPayload{DisplayName: id})
	}
	return created.SessionID
}

func (h *harness) answer(connID string, idx int, choice string) domain.AckStatus {
	h.t.Helper()
	h.must(connID, domain.MsgAnswer, "", domain.AnswerPayload{QuestionIndex: idx, Choice: choice})
	return h.conns[connID].last(h.t, domain.MsgAnswerAck).Payload.(domain.AnswerAck).Status
}

func (h *harness) session(id string) *domain.Session {
	h.t.Helper()
	s, _, err := h.store.Load(h.ctx, id)
	if err != nil {
		h.t.Fatalf("load session %s: %v", id, err)
	}
	return &s
}

// advance moves the fake clock and waits until cond holds, for timer-driven work.
func (h *harness) advance(d time.Duration, cond func() bool) {
	h.t.Helper()
	h.clock.Advance(d)
	waitFor(h.t, cond)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in time")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// settle waits for every queued session job to finish.
func (h *harness) settle() {
	h.t.Helper()
	waitFor(h.t, func() bool { return h.coord.lanes.Active() == 0 })
}

// sessionLocker is an in-process Locker that remembers which sessions are held.
type sessionLocker struct {
	mu    sync.Mutex
	held  map[string]bool
	locks int
}

func (l *sessionLocker) Lock(_ context.Context, key string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held == nil {
		l.held = make(map[string]bool)
	}
	l.held[key] = true
	l.locks++
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.held[key] = false
	}, nil
}

func (l *sessionLocker) isHeld(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held[key]
}

// lockCheckingSink records whether the session lock was held at delivery time.
type lockCheckingSink struct {
	locker *sessionLocker
	mu     sync.Mutex
	held   []bool
}

func (s *lockCheckingSink) SaveResult(_ context.Context, result domain.Result) error {
	held := s.locker.isHeld(result.SessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.held = append(s.held, held)
	return nil
}

func (s *lockCheckingSink) deliveries() []bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bool(nil), s.held...)
}
