package redis

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"live-quiz-service/internal/codec"
	"live-quiz-service/internal/domain"
)

// QuizLoader fetches quiz content from a backing store (e.g., Postgres).
type QuizLoader interface {
	LoadQuiz(ctx context.Context, quizID string) (domain.Quiz, error)
}

// QuizRepository caches whole quizzes in Redis as CBOR under quiz:{id}:content and
// falls back to the loader on a miss. Cache errors degrade to a direct load.
type QuizRepository struct {
	client *redis.Client
	loader QuizLoader
	ttl    time.Duration
	sf     singleflight.Group

	mu  sync.Mutex
	rnd *rand.Rand
}

func NewQuizRepository(client *redis.Client, loader QuizLoader, ttl time.Duration) *QuizRepository {
	return &QuizRepository{
		client: client,
		loader: loader,
		ttl:    ttl,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (r *QuizRepository) GetQuiz(ctx context.Context, quizID string) (domain.Quiz, error) {
	if quiz, ok := r.fromCache(ctx, quizID); ok {
		return quiz, nil
	}

	result, err, _ := r.sf.Do(quizID, func() (interface{}, error) {
		// Re-check cache in case another goroutine filled it.
		if quiz, ok := r.fromCache(ctx, quizID); ok {
			return quiz, nil
		}

		quiz, err := r.loader.LoadQuiz(ctx, quizID)
		if err != nil {
			return domain.Quiz{}, err
		}
		if quiz.ID == "" {
			quiz.ID = quizID
		}

		data, err := codec.Marshal(quiz)
		if err == nil {
			err = r.client.Set(ctx, r.key(quizID), data, r.ttlWithJitter()).Err()
		}
		if err != nil {
			log.Warn().Err(err).Str("quiz_id", quizID).Msg("quiz cache fill failed")
		}
		return quiz, nil
	})
	if err != nil {
		return domain.Quiz{}, err
	}
	return result.(domain.Quiz), nil
}

func (r *QuizRepository) fromCache(ctx context.Context, quizID string) (domain.Quiz, bool) {
	raw, err := r.client.Get(ctx, r.key(quizID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Debug().Err(err).Str("quiz_id", quizID).Msg("quiz cache read failed")
		}
		return domain.Quiz{}, false
	}
	var quiz domain.Quiz
	if err := codec.Unmarshal(raw, &quiz); err != nil {
		log.Warn().Err(err).Str("quiz_id", quizID).Msg("discarding undecodable cached quiz")
		return domain.Quiz{}, false
	}
	return quiz, true
}

func (r *QuizRepository) key(quizID string) string {
	return "quiz:" + quizID + ":content"
}

func (r *QuizRepository) ttlWithJitter() time.Duration {
	if r.ttl <= 0 {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	jitterMax := int64(r.ttl) / 10
	return r.ttl + time.Duration(r.rnd.Int63n(jitterMax+1))
}
