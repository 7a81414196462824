// Package redis allocates order number sequences with Redis INCR.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// KeyTTL outlives the UTC day a sequence key belongs to.
const KeyTTL = 48 * time.Hour

type Sequencer struct {
	rdb redis.Cmdable
}

func NewSequencer(rdb redis.Cmdable) *Sequencer {
	return &Sequencer{rdb: rdb}
}

func (s *Sequencer) Next(ctx context.Context, key string) (int64, error) {
	pipe := s.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, KeyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("incr %s: %w", key, err)
	}
	return incr.Val(), nil
}
