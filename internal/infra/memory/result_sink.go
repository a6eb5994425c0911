package memory

import (
	"context"
	"sync"

	"live-quiz-service/internal/domain"
)

// ResultLog keeps finished session results in process. Saving the same session twice
// keeps the first record.
type ResultLog struct {
	mu      sync.Mutex
	results []domain.Result
	seen    map[string]struct{}
}

func NewResultLog() *ResultLog {
	return &ResultLog{seen: make(map[string]struct{})}
}

func (l *ResultLog) SaveResult(_ context.Context, result domain.Result) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.seen[result.SessionID]; ok {
		return nil
	}
	l.seen[result.SessionID] = struct{}{}
	l.results = append(l.results, result)
	return nil
}

// Results returns the saved results in arrival order.
func (l *ResultLog) Results() []domain.Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.Result, len(l.results))
	copy(out, l.results)
	return out
}
