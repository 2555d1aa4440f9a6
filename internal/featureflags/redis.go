package featureflags

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"colloquy/api/internal/viewer"
)

// RedisSource reads flag values from Redis so rollout state can change
// without a deploy. Keys are checked most-specific first:
//
//	flag:granular_permissions:app:<platformApplicationID>
//	flag:granular_permissions
//
// Missing keys fall back to the wrapped Source.
type RedisSource struct {
	client   *redis.Client
	fallback Source
	prefix   string
}

func NewRedisSource(redisURL string, fallback Source) (*RedisSource, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisSourceWithClient(client, fallback), nil
}

// NewRedisSourceWithClient builds a source from an existing Redis client.
func NewRedisSourceWithClient(client *redis.Client, fallback Source) *RedisSource {
	return &RedisSource{
		client:   client,
		fallback: fallback,
		prefix:   "flag:" + GranularPermissions,
	}
}

func (s *RedisSource) GranularPermissionsEnabled(ctx context.Context, v viewer.Viewer) (bool, error) {
	if !v.IsPlatform() {
		return false, nil
	}

	keys := []string{
		s.prefix + ":app:" + *v.PlatformApplicationID,
		s.prefix,
	}
	for _, key := range keys {
		value, err := s.client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("read flag %s: %w", key, err)
		}
		return parseFlagValue(value), nil
	}

	return s.fallback.GranularPermissionsEnabled(ctx, v)
}

func parseFlagValue(value string) bool {
	switch value {
	case "1", "true", "on", "enabled":
		return true
	default:
		return false
	}
}

func (s *RedisSource) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisSource) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
