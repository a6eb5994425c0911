package memory

import (
	"context"
	"testing"
	"time"

	"live-quiz-service/internal/domain"
)

func TestResultLogKeepsFirstRecordPerSession(t *testing.T) {
	log := NewResultLog()
	first := domain.Result{SessionID: "s-1", FinishedAt: time.Now(), Standings: []domain.Standing{{Rank: 1, ParticipantID: "a", Score: 3}}}
	if err := log.SaveResult(context.Background(), first); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := log.SaveResult(context.Background(), domain.Result{SessionID: "s-1"}); err != nil {
		t.Fatalf("save again: %v", err)
	}

	results := log.Results()
	if len(results) != 1 || len(results[0].Standings) != 1 {
		t.Fatalf("expected the first record only, got %+v", results)
	}
}
