package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"live-quiz-service/internal/codec"
	"live-quiz-service/internal/domain"
)

const (
	fieldVersion = "version"
	fieldData    = "data"
)

// SessionStore keeps each session as a hash {version, data} where data is the CBOR
// snapshot. Replace runs under WATCH so a concurrent writer from another process
// makes the transaction fail instead of interleaving fields.
type SessionStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewSessionStore(client *redis.Client, ttl time.Duration) *SessionStore {
	return &SessionStore{client: client, ttl: ttl}
}

func (s *SessionStore) Create(ctx context.Context, session domain.Session) (uint64, error) {
	data, err := codec.Marshal(session)
	if err != nil {
		return 0, fmt.Errorf("encode session: %w", err)
	}
	key := s.key(session.ID)
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if exists > 0 {
			return fmt.Errorf("session %s already exists: %w", session.ID, domain.ErrStoreConflict)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, fieldVersion, 1, fieldData, data)
			if s.ttl > 0 {
				pipe.Expire(ctx, key, s.ttl)
			}
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return 0, domain.ErrStoreConflict
	}
	if err != nil {
		return 0, err
	}
	return 1, nil
}

func (s *SessionStore) Load(ctx context.Context, sessionID string) (domain.Session, uint64, error) {
	values, err := s.client.HMGet(ctx, s.key(sessionID), fieldVersion, fieldData).Result()
	if err != nil {
		return domain.Session{}, 0, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	return decodeEntry(sessionID, values)
}

func (s *SessionStore) Replace(ctx context.Context, session domain.Session, version uint64) (uint64, error) {
	data, err := codec.Marshal(session)
	if err != nil {
		return 0, fmt.Errorf("encode session: %w", err)
	}
	key := s.key(session.ID)
	next := version + 1
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.HGet(ctx, key, fieldVersion).Uint64()
		if errors.Is(err, redis.Nil) {
			return domain.ErrSessionNotFound
		}
		if err != nil {
			return err
		}
		if current != version {
			return domain.ErrStoreConflict
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, fieldVersion, next, fieldData, data)
			if s.ttl > 0 {
				pipe.Expire(ctx, key, s.ttl)
			}
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return 0, domain.ErrStoreConflict
	}
	if err != nil {
		return 0, err
	}
	return next, nil
}

func (s *SessionStore) Delete(ctx context.Context, sessionID string) error {
	return s.client.Del(ctx, s.key(sessionID)).Err()
}

func (s *SessionStore) key(sessionID string) string {
	return "quiz:session:" + sessionID
}

func decodeEntry(sessionID string, values []interface{}) (domain.Session, uint64, error) {
	if len(values) != 2 || values[0] == nil || values[1] == nil {
		return domain.Session{}, 0, domain.ErrSessionNotFound
	}
	rawVersion, ok := values[0].(string)
	if !ok {
		return domain.Session{}, 0, fmt.Errorf("session %s: unexpected version type %T", sessionID, values[0])
	}
	version, err := strconv.ParseUint(rawVersion, 10, 64)
	if err != nil {
		return domain.Session{}, 0, fmt.Errorf("session %s: parse version: %w", sessionID, err)
	}
	rawData, ok := values[1].(string)
	if !ok {
		return domain.Session{}, 0, fmt.Errorf("session %s: unexpected data type %T", sessionID, values[1])
	}
	var session domain.Session
	if err := codec.Unmarshal([]byte(rawData), &session); err != nil {
		return domain.Session{}, 0, fmt.Errorf("decode session %s: %w", sessionID, err)
	}
	return session, version, nil
}
