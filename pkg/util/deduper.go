package util

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Deduper hands out short-lived Redis leases. It is an in-flight guard only:
// durable dedup state lives in the database.
type Deduper struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewDeduperWithLogger(rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *Deduper {
	return &Deduper{
		rdb:    rdb,
		ttl:    ttl,
		logger: logger,
	}
}

func dedupKey(scope, key string) string {
	return fmt.Sprintf("dedup:%s:%s", scope, key)
}

// AcquireOnce returns true if the caller now holds the lease for scope+key and
// false when someone else holds it.
func (d *Deduper) AcquireOnce(ctx context.Context, scope, key string) bool {
	k := dedupKey(scope, key)

	ok, err := d.rdb.SetNX(ctx, k, 1, d.ttl).Result()
	if err != nil {
		// Redis 不可用时不阻止处理
		d.logger.Warn("Redis dedup check failed, allowing processing",
			zap.String("scope", scope),
			zap.String("key", key),
			zap.Error(err),
		)
		return true
	}

	if !ok {
		d.logger.Info("Skipped duplicated event",
			zap.String("scope", scope),
			zap.String("dedup_key", k),
		)
	}
	return ok
}

// Release drops the lease early.
func (d *Deduper) Release(ctx context.Context, scope, key string) {
	if err := d.rdb.Del(ctx, dedupKey(scope, key)).Err(); err != nil {
		d.logger.Warn("Failed to release dedup lease",
			zap.String("scope", scope),
			zap.String("key", key),
			zap.Error(err),
		)
	}
}
