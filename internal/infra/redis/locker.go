package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"live-quiz-service/internal/domain"
)

const lockRetryInterval = 10 * time.Millisecond

// releaseScript deletes the lock only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker is a per-key mutex shared by every process talking to the same Redis.
// Locks expire after ttl so a crashed holder cannot wedge a session.
type Locker struct {
	client *redis.Client
	ttl    time.Duration
	wait   time.Duration
}

func NewLocker(client *redis.Client, ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &Locker{client: client, ttl: ttl, wait: 2 * ttl}
}

// Lock blocks until the key is acquired, ctx ends, or the wait budget runs out.
// A lock that stays busy is reported as domain.ErrStoreConflict.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	lockKey := "quiz:lock:" + key
	token := uuid.NewString()

	waitCtx, cancel := context.WithTimeout(ctx, l.wait)
	defer cancel()
	ticker := time.NewTicker(lockRetryInterval)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(waitCtx, lockKey, token, l.ttl).Result()
		if err != nil && waitCtx.Err() == nil {
			return nil, fmt.Errorf("acquire %s: %w", lockKey, err)
		}
		if ok {
			return func() { l.release(lockKey, token) }, nil
		}
		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("lock %s busy: %w", lockKey, domain.ErrStoreConflict)
		case <-ticker.C:
		}
	}
}

func (l *Locker) release(lockKey, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := releaseScript.Run(ctx, l.client, []string{lockKey}, token).Err(); err != nil {
		log.Warn().Err(err).Str("lock", lockKey).Msg("release session lock")
	}
}
