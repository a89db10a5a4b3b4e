package sessions

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Seklfreak/robyul-referrals/models"
	"github.com/go-redis/cache"
	"github.com/go-redis/redis"
	"github.com/pkg/errors"
)

// Store keeps the latest session of every user.
type Store interface {
	Get(ctx context.Context, userID string) (models.Session, bool, error)
	Put(ctx context.Context, session models.Session) error
	Delete(ctx context.Context, userID string) error
	List(ctx context.Context) ([]models.Session, error)
}

type MemoryStore struct {
	sync.RWMutex
	sessions map[string]models.Session
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]models.Session)}
}

func (s *MemoryStore) Get(ctx context.Context, userID string) (models.Session, bool, error) {
	s.RLock()
	defer s.RUnlock()
	session, ok := s.sessions[userID]
	return session, ok, nil
}

func (s *MemoryStore) Put(ctx context.Context, session models.Session) error {
	s.Lock()
	s.sessions[session.UserID] = session
	s.Unlock()
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, userID string) error {
	s.Lock()
	delete(s.sessions, userID)
	s.Unlock()
	return nil
}

func (s *MemoryStore) List(ctx context.Context) ([]models.Session, error) {
	s.RLock()
	defer s.RUnlock()
	result := make([]models.Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		result = append(result, session)
	}
	return result, nil
}

// RedisStore keeps sessions msgpack encoded in redis so they survive restarts. A set indexes
// the stored user ids for List.
type RedisStore struct {
	client *redis.Client
	codec  *cache.Codec
	ttl    time.Duration
}

func NewRedisStore(client *redis.Client, codec *cache.Codec, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, codec: codec, ttl: ttl}
}

func (s *RedisStore) Get(ctx context.Context, userID string) (session models.Session, found bool, err error) {
	err = s.codec.Get(fmt.Sprintf(models.SessionRedisKey, userID), &session)
	if err == cache.ErrCacheMiss {
		return session, false, nil
	}
	if err != nil {
		return session, false, errors.Wrapf(err, "reading session of %s failed", userID)
	}
	return session, true, nil
}

func (s *RedisStore) Put(ctx context.Context, session models.Session) error {
	err := s.codec.Set(&cache.Item{
		Key:        fmt.Sprintf(models.SessionRedisKey, session.UserID),
		Object:     session,
		Expiration: s.ttl,
	})
	if err != nil {
		return errors.Wrapf(err, "storing session of %s failed", session.UserID)
	}
	err = s.client.WithContext(ctx).SAdd(models.SessionIndexRedisKey, session.UserID).Err()
	return errors.Wrap(err, "indexing session failed")
}

func (s *RedisStore) Delete(ctx context.Context, userID string) error {
	err := s.codec.Delete(fmt.Sprintf(models.SessionRedisKey, userID))
	if err != nil && err != cache.ErrCacheMiss {
		return errors.Wrapf(err, "deleting session of %s failed", userID)
	}
	err = s.client.WithContext(ctx).SRem(models.SessionIndexRedisKey, userID).Err()
	return errors.Wrap(err, "unindexing session failed")
}

// List returns all indexed sessions. Index entries whose session expired in redis are dropped.
func (s *RedisStore) List(ctx context.Context) ([]models.Session, error) {
	userIDs, err := s.client.WithContext(ctx).SMembers(models.SessionIndexRedisKey).Result()
	if err != nil {
		return nil, errors.Wrap(err, "listing sessions failed")
	}

	result := make([]models.Session, 0, len(userIDs))
	for _, userID := range userIDs {
		session, found, err := s.Get(ctx, userID)
		if err != nil {
			return result, err
		}
		if !found {
			s.client.WithContext(ctx).SRem(models.SessionIndexRedisKey, userID)
			continue
		}
		result = append(result, session)
	}
	return result, nil
}
