package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"live-quiz-service/internal/domain"
)

// ResultSink persists final standings into session_results. A session is written at
// most once; repeated saves are ignored.
type ResultSink struct {
	pool *pgxpool.Pool
}

func NewResultSink(pool *pgxpool.Pool) *ResultSink {
	return &ResultSink{pool: pool}
}

func (s *ResultSink) SaveResult(ctx context.Context, result domain.Result) error {
	standings, err := json.Marshal(result.Standings)
	if err != nil {
		return fmt.Errorf("marshal standings: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO session_results (session_id, quiz_id, quizmaster_id, finished_at, standings)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (session_id) DO NOTHING`,
		result.SessionID, result.QuizID, result.Quizmaster, result.FinishedAt, standings)
	if err != nil {
		return fmt.Errorf("save result %s: %w", result.SessionID, err)
	}
	return nil
}

// LoadResult reads back a stored result.
func (s *ResultSink) LoadResult(ctx context.Context, sessionID string) (domain.Result, error) {
	result := domain.Result{SessionID: sessionID}
	var standings []byte
	err := s.pool.QueryRow(ctx,
		`SELECT quiz_id, quizmaster_id, finished_at, standings FROM session_results WHERE session_id=$1`,
		sessionID).Scan(&result.QuizID, &result.Quizmaster, &result.FinishedAt, &standings)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Result{}, fmt.Errorf("result %s: %w", sessionID, domain.ErrSessionNotFound)
	}
	if err != nil {
		return domain.Result{}, fmt.Errorf("load result: %w", err)
	}
	if err := json.Unmarshal(standings, &result.Standings); err != nil {
		return domain.Result{}, fmt.Errorf("unmarshal standings: %w", err)
	}
	return result, nil
}
