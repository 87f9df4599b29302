package flags

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps flags in one hash per tenant:
//
//	HSET feature-flags:{tenant} {flag} "true"|"false"
//
// Ops flip a flag straight from redis-cli; there is deliberately no REST
// surface for this.
type RedisStore struct {
	client *redis.Client
	logger *slog.Logger
}

func NewRedisStore(client *redis.Client, logger *slog.Logger) *RedisStore {
	return &RedisStore{client: client, logger: logger}
}

func flagKey(tenantID string) string { return "feature-flags:" + tenantID }

func (s *RedisStore) IsEnabled(ctx context.Context, tenantID, flag string, def bool) bool {
	v, err := s.client.HGet(ctx, flagKey(tenantID), flag).Result()
	if err == nil {
		return v == "true"
	}
	if err != redis.Nil {
		s.logger.Warn("flag lookup failed, using default", "tenant", tenantID, "flag", flag, "error", err)
		return def
	}
	v, err = s.client.HGet(ctx, flagKey(GlobalTenant), flag).Result()
	if err == nil {
		return v == "true"
	}
	if err != redis.Nil {
		s.logger.Warn("global flag lookup failed, using default", "flag", flag, "error", err)
	}
	return def
}

func (s *RedisStore) Set(ctx context.Context, tenantID, flag string, value bool) error {
	if err := s.client.HSet(ctx, flagKey(tenantID), flag, strconv.FormatBool(value)).Err(); err != nil {
		return err
	}
	s.logger.Info("feature flag set", "tenant", tenantID, "flag", flag, "value", value)
	return nil
}

func (s *RedisStore) InitDefaults(ctx context.Context, tenantID string) error {
	key := flagKey(tenantID)
	for flag, v := range defaults {
		if err := s.client.HSetNX(ctx, key, flag, strconv.FormatBool(v)).Err(); err != nil {
			return err
		}
	}
	// Flags persist long-term; refresh the expiry on every init.
	return s.client.Expire(ctx, key, 365*24*time.Hour).Err()
}

var _ Store = (*RedisStore)(nil)
