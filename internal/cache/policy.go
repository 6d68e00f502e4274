package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"schoolerp/attendance/internal/attendance"
)

// PolicyCache serves tenant policies from Redis for up to ttl before asking
// the wrapped source again. A nil client disables caching.
type PolicyCache struct {
	next  attendance.PolicySource
	redis *redis.Client
	ttl   time.Duration
}

var _ attendance.PolicySource = (*PolicyCache)(nil)

func NewPolicyCache(next attendance.PolicySource, client *redis.Client, ttl time.Duration) *PolicyCache {
	return &PolicyCache{next: next, redis: client, ttl: ttl}
}

func (c *PolicyCache) Policy(ctx context.Context, tenantID uuid.UUID) (attendance.Policy, error) {
	if c.redis == nil || c.ttl <= 0 {
		return c.next.Policy(ctx, tenantID)
	}
	key := policyKey(tenantID)
	value, err := c.redis.Get(ctx, key).Result()
	switch {
	case err == redis.Nil:
	case err != nil:
		zerolog.Ctx(ctx).Warn().Err(err).Str("key", key).Msg("policy cache read failed")
		return c.next.Policy(ctx, tenantID)
	default:
		var policy attendance.Policy
		if err := json.Unmarshal([]byte(value), &policy); err == nil {
			return policy, nil
		}
	}

	policy, err := c.next.Policy(ctx, tenantID)
	if err != nil {
		return attendance.Policy{}, err
	}
	data, err := json.Marshal(policy)
	if err != nil {
		return policy, nil
	}
	if err := c.redis.Set(ctx, key, data, c.ttl).Err(); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("key", key).Msg("policy cache write failed")
	}
	return policy, nil
}

func (c *PolicyCache) Invalidate(ctx context.Context, tenantID uuid.UUID) error {
	if c.redis != nil {
		if err := c.redis.Del(ctx, policyKey(tenantID)).Err(); err != nil {
			return err
		}
	}
	return c.next.Invalidate(ctx, tenantID)
}

func policyKey(tenantID uuid.UUID) string {
	return fmt.Sprintf("attendance_policy:%s", tenantID)
}
