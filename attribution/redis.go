package attribution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/warp/commission-engine/commission"
)

const redisKeyPrefix = "commission:attribution:"

// RedisStore keeps attributions in Redis with SET EX, so expiry is enforced
// by the server and shared across API instances.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// ConnectRedis initializes a client from a redis:// URL or host:port.
func ConnectRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	var client *redis.Client
	if strings.HasPrefix(addr, "redis://") || strings.HasPrefix(addr, "rediss://") {
		opt, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client = redis.NewClient(opt)
	} else {
		client = redis.NewClient(&redis.Options{
			Addr:         addr,
			Password:     password,
			DB:           db,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
			MaxRetries:   3,
		})
	}
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func (s *RedisStore) Put(ctx context.Context, a Attribution, ttl time.Duration) error {
	a.ExpiresAt = time.Now().Add(ttl).UTC()
	raw, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, redisKeyPrefix+a.VisitorID, raw, ttl).Err()
}

func (s *RedisStore) Get(ctx context.Context, visitorID string) (Attribution, error) {
	return s.decode(s.client.Get(ctx, redisKeyPrefix+visitorID).Bytes())
}

func (s *RedisStore) decode(raw []byte, err error) (Attribution, error) {
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Attribution{}, commission.ErrNotFound
		}
		return Attribution{}, err
	}
	var out Attribution
	if err := json.Unmarshal(raw, &out); err != nil {
		return Attribution{}, fmt.Errorf("decode attribution: %w", err)
	}
	return out, nil
}

func (s *RedisStore) Delete(ctx context.Context, visitorID string) error {
	return s.client.Del(ctx, redisKeyPrefix+visitorID).Err()
}
