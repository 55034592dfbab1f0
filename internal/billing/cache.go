package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/merenda-erp/merenda-erp/internal/shared"
)

// ReportCache stores built reports. Reports only change when their invoice is cancelled or
// deleted, which invalidates the entry.
type ReportCache interface {
	Fetch(ctx context.Context, invoiceID int64, loader func(context.Context) (Report, error)) (Report, error)
	Invalidate(ctx context.Context, invoiceID int64) error
}

const reportCacheVersion = 1

// RedisReportCache keeps JSON encoded reports in redis.
type RedisReportCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisReportCache instantiates the cache helper.
func NewRedisReportCache(client *redis.Client, ttl time.Duration, logger *slog.Logger) *RedisReportCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisReportCache{client: client, ttl: ttl, logger: logger}
}

// Fetch loads a cached report or populates it using the loader.
func (c *RedisReportCache) Fetch(ctx context.Context, invoiceID int64, loader func(context.Context) (Report, error)) (Report, error) {
	if loader == nil {
		return Report{}, errors.New("billing: report loader required")
	}
	if c == nil || c.client == nil {
		return loader(ctx)
	}
	key := shared.ReportCacheKey(invoiceID, reportCacheVersion)
	raw, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var cached Report
		if jsonErr := json.Unmarshal(raw, &cached); jsonErr == nil {
			return cached, nil
		}
	case !errors.Is(err, redis.Nil):
		return Report{}, fmt.Errorf("billing: read report cache: %w", err)
	}

	report, err := loader(ctx)
	if err != nil {
		return Report{}, err
	}
	encoded, err := json.Marshal(report)
	if err != nil {
		return Report{}, err
	}
	if err := c.client.Set(ctx, key, encoded, c.ttl).Err(); err != nil {
		c.logger.Warn("write report cache", slog.Int64("invoice_id", invoiceID), slog.Any("error", err))
	}
	return report, nil
}

// Invalidate drops the cached report of an invoice.
func (c *RedisReportCache) Invalidate(ctx context.Context, invoiceID int64) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Del(ctx, shared.ReportCacheKey(invoiceID, reportCacheVersion)).Err()
}
