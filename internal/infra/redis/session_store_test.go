package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"live-quiz-service/internal/domain"
)

func TestSessionStoreRoundTripAndConflict(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	defer mr.Close()

	ctx := context.Background()
	store := NewSessionStore(newClient(mr), time.Hour)
	now := time.Date(2024, 11, 22, 9, 30, 0, 0, time.UTC)

	if _, err := store.Create(ctx, domain.NewSession("s-1", "quiz-1", "qm", 3, now)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if !mr.Exists("quiz:session:s-1") {
		t.Fatalf("expected redis key to be set")
	}
	if ttl := mr.TTL("quiz:session:s-1"); ttl != time.Hour {
		t.Fatalf("expected ttl 1h, got %s", ttl)
	}
	if _, err := store.Create(ctx, domain.NewSession("s-1", "quiz-1", "qm", 3, now)); !errors.Is(err, domain.ErrStoreConflict) {
		t.Fatalf("expected duplicate create to conflict, got %v", err)
	}

	first, v1, err := store.Load(ctx, "s-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	second, v2, _ := store.Load(ctx, "s-1")
	if v1 != 1 || v2 != 1 {
		t.Fatalf("expected version 1, got %d and %d", v1, v2)
	}
	if !first.CreatedAt.Equal(now) || first.QuestionIndex != -1 {
		t.Fatalf("unexpected decoded session %+v", first)
	}

	first.Players = append(first.Players, domain.PlayerState{ID: "p1", DisplayName: "Alice", Connected: true})
	next, err := store.Replace(ctx, first, v1)
	if err != nil {
		t.Fatalf("replace: %v", err)
	}
	if next != 2 {
		t.Fatalf("expected version 2, got %d", next)
	}

	second.Players = append(second.Players, domain.PlayerState{ID: "p2", DisplayName: "Bob", Connected: true})
	if _, err := store.Replace(ctx, second, v2); !errors.Is(err, domain.ErrStoreConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	current, version, _ := store.Load(ctx, "s-1")
	if version != 2 || len(current.Players) != 1 || current.Players[0].ID != "p1" {
		t.Fatalf("losing writer must not change the entry: v=%d players=%+v", version, current.Players)
	}

	if err := store.Delete(ctx, "s-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if mr.Exists("quiz:session:s-1") {
		t.Fatalf("expected redis key to be removed")
	}
	if _, _, err := store.Load(ctx, "s-1"); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	if _, err := store.Replace(ctx, current, version); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected not found on replace after delete, got %v", err)
	}
}
