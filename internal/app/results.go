package app

import (
	"context"
	"errors"

	"live-quiz-service/internal/domain"
)

// ResultSinks fans a result out to every sink; failures are joined, never short-circuited.
type ResultSinks []ResultSink

func (s ResultSinks) SaveResult(ctx context.Context, result domain.Result) error {
	var errs []error
	for _, sink := range s {
		if err := sink.SaveResult(ctx, result); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
