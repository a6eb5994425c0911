package nats

import (
	"encoding/json"
	"testing"
	"time"

	"live-quiz-service/internal/domain"
)

func TestResultMessage(t *testing.T) {
	finished := time.Date(2024, 11, 22, 12, 0, 0, 0, time.UTC)
	result := domain.Result{
		SessionID:  "s-1",
		QuizID:     "quiz-1",
		Quizmaster: "qm",
		FinishedAt: finished,
		Standings: []domain.Standing{
			{Rank: 1, ParticipantID: "a", DisplayName: "Alice", Score: 3},
			{Rank: 2, ParticipantID: "b", DisplayName: "Bob", Score: 1},
		},
	}

	msg, err := resultMessage("quiz.results", result, finished)
	if err != nil {
		t.Fatalf("build message: %v", err)
	}
	if msg.Subject != "quiz.results.session.finished" {
		t.Fatalf("unexpected subject %q", msg.Subject)
	}
	if msg.Header.Get("Session-ID") != "s-1" || msg.Header.Get("Quiz-ID") != "quiz-1" {
		t.Fatalf("unexpected headers %v", msg.Header)
	}

	var env resultEnvelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if env.EventID != "s-1" || env.EventType != eventSessionFinished {
		t.Fatalf("unexpected envelope %+v", env)
	}
	if len(env.Payload.Standings) != 2 || env.Payload.Standings[0].ParticipantID != "a" {
		t.Fatalf("standings lost order: %+v", env.Payload.Standings)
	}
}

func TestStreamConfigCoversPrefix(t *testing.T) {
	cfg := DefaultConfig()
	sc := streamConfig(cfg)
	if sc.Name != "QUIZ_RESULTS" || len(sc.Subjects) != 1 || sc.Subjects[0] != "quiz.results.>" {
		t.Fatalf("unexpected stream config %+v", sc)
	}
	if sc.Duplicates != cfg.DuplicateWindow {
		t.Fatalf("duplicate window not applied")
	}
}
