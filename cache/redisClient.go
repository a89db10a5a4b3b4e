package cache

import (
	"errors"
	"sync"
	"time"

	"github.com/go-redis/cache"
	"github.com/go-redis/redis"
	"github.com/vmihailenco/msgpack"
)

const (
	// local tier in front of redis for hot session items
	localCacheSize = 1000
	localCacheTTL  = 30 * time.Second
)

var (
	redisClient *redis.Client
	redisMutex  sync.RWMutex
	cacheCodec  *cache.Codec
)

// NewRedisCodec returns a msgpack codec on top of client with a small in-process tier.
func NewRedisCodec(client *redis.Client) *cache.Codec {
	codec := &cache.Codec{
		Redis: client,
		Marshal: func(v interface{}) ([]byte, error) {
			return msgpack.Marshal(v)
		},
		Unmarshal: func(b []byte, v interface{}) error {
			return msgpack.Unmarshal(b, v)
		},
	}
	codec.UseLocalCache(localCacheSize, localCacheTTL)
	return codec
}

func SetRedisClient(s *redis.Client) {
	redisMutex.Lock()
	defer redisMutex.Unlock()

	redisClient = s
	cacheCodec = nil
	if s != nil {
		cacheCodec = NewRedisCodec(s)
	}
}

func HasRedisClient() bool {
	redisMutex.RLock()
	defer redisMutex.RUnlock()

	return redisClient != nil
}

func GetRedisClient() *redis.Client {
	redisMutex.RLock()
	defer redisMutex.RUnlock()

	if redisClient == nil {
		panic(errors.New("Tried to get redis client before cache#SetRedisClient() was called"))
	}

	return redisClient
}

func GetRedisCacheCodec() *cache.Codec {
	redisMutex.RLock()
	defer redisMutex.RUnlock()

	if cacheCodec == nil {
		panic(errors.New("Tried to get redis cache codec before cache#SetRedisClient() was called"))
	}

	return cacheCodec
}

// CloseRedisClient closes the connection pool, if any, and forgets the client.
func CloseRedisClient() error {
	redisMutex.Lock()
	defer redisMutex.Unlock()

	if redisClient == nil {
		return nil
	}
	err := redisClient.Close()
	redisClient = nil
	cacheCodec = nil
	return err
}
