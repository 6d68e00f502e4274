package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"schoolerp/attendance/internal/attendance"
)

const minGenerationTTL = 24 * time.Hour

// SummaryCache stores computed monthly summaries as JSON.
type SummaryCache struct {
	redis *redis.Client
	ttl   time.Duration
}

var _ attendance.SummaryCache = (*SummaryCache)(nil)

func NewSummaryCache(client *redis.Client, ttl time.Duration) *SummaryCache {
	return &SummaryCache{redis: client, ttl: ttl}
}

func (c *SummaryCache) Get(ctx context.Context, key attendance.SummaryKey) ([]attendance.StudentSummary, bool, error) {
	value, err := c.redis.Get(ctx, summaryKey(key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var rows []attendance.StudentSummary
	if err := json.Unmarshal(value, &rows); err != nil {
		return nil, false, err
	}
	return rows, true, nil
}

func (c *SummaryCache) Set(ctx context.Context, key attendance.SummaryKey, rows []attendance.StudentSummary) error {
	data, err := json.Marshal(rows)
	if err != nil {
		return err
	}
	return c.redis.Set(ctx, summaryKey(key), data, c.ttl).Err()
}

// Generation reads the scope counter; a missing counter is generation 0.
func (c *SummaryCache) Generation(ctx context.Context, tenantID, classSectionID uuid.UUID, month attendance.YearMonth) (int64, error) {
	gen, err := c.redis.Get(ctx, generationKey(tenantID, classSectionID, month)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return gen, err
}

// Invalidate bumps the scope generation. Entries of older generations are
// no longer read and expire on their own TTL.
func (c *SummaryCache) Invalidate(ctx context.Context, tenantID, classSectionID uuid.UUID, month attendance.YearMonth) error {
	key := generationKey(tenantID, classSectionID, month)
	pipe := c.redis.TxPipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, c.generationTTL())
	_, err := pipe.Exec(ctx)
	return err
}

// generationTTL outlives every summary written under the counter.
func (c *SummaryCache) generationTTL() time.Duration {
	if ttl := 2 * c.ttl; ttl > minGenerationTTL {
		return ttl
	}
	return minGenerationTTL
}

func generationKey(tenantID, classSectionID uuid.UUID, month attendance.YearMonth) string {
	return fmt.Sprintf("attendance_summary_gen:%s:%s:%s", tenantID, classSectionID, month)
}

func summaryKey(key attendance.SummaryKey) string {
	mode := "marked"
	if key.CountUnmarked {
		mode = "all"
	}
	return fmt.Sprintf("attendance_summary:%s:%s:%s:%s:%d", key.TenantID, key.ClassSectionID, key.Month, mode, key.Generation)
}
