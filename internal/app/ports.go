package app

import (
	"context"

	"live-quiz-service/internal/domain"
)

// SessionRepository stores session snapshots under a version used for compare-and-swap.
// Load returns an independent copy; Replace succeeds only while the stored version equals
// version and otherwise returns domain.ErrStoreConflict without touching the entry.
type SessionRepository interface {
	Create(ctx context.Context, session domain.Session) (uint64, error)
	Load(ctx context.Context, sessionID string) (domain.Session, uint64, error)
	Replace(ctx context.Context, session domain.Session, version uint64) (uint64, error)
	Delete(ctx context.Context, sessionID string) error
}

// QuizRepository loads quiz content (from cache/backing store).
type QuizRepository interface {
	GetQuiz(ctx context.Context, quizID string) (domain.Quiz, error)
}

// ResultSink durably records a finished session.
type ResultSink interface {
	SaveResult(ctx context.Context, result domain.Result) error
}

// Locker serializes session processing across coordinator processes.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// Authenticator turns a raw credential into an identity.
type Authenticator interface {
	Verify(credential []byte) (domain.Identity, error)
}
