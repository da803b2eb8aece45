package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	WakeKey  = "ldnq:wake"
	DelayKey = "ldnq:delay"

	wakeToken = "1"
	// pending wake tokens beyond this are dropped; one per idle worker is enough
	maxPending = 1024
	moveBatch  = 200
)

// Redis shares rings between processes: a list of wake tokens for BRPOP and a
// ZSET of delayed rings scored by unix seconds.
type Redis struct {
	rdb *r.Client
	log *zap.Logger
}

func NewRedis(rdb *r.Client, log *zap.Logger) *Redis {
	if log == nil {
		log = zap.NewNop()
	}
	return &Redis{rdb: rdb, log: log}
}

func (q *Redis) Ring(ctx context.Context) error {
	pipe := q.rdb.TxPipeline()
	pipe.LPush(ctx, WakeKey, wakeToken)
	pipe.LTrim(ctx, WakeKey, 0, maxPending-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ring: %w", err)
	}
	return nil
}

func (q *Redis) RingAt(ctx context.Context, id string, at time.Time) error {
	if time.Until(at) <= 0 {
		return q.Ring(ctx)
	}
	if err := q.rdb.ZAdd(ctx, DelayKey, r.Z{Score: float64(at.Unix()), Member: id}).Err(); err != nil {
		return fmt.Errorf("ring at %s: %w", id, err)
	}
	return nil
}

func (q *Redis) Wait(ctx context.Context, d time.Duration) bool {
	res, err := q.rdb.BRPop(ctx, d, WakeKey).Result()
	switch {
	case err == nil:
		return len(res) == 2
	case errors.Is(err, r.Nil), ctx.Err() != nil:
		return false
	default:
		// redis is down; keep the poll cadence instead of spinning
		q.log.Warn("wait for ring", zap.Error(err))
		sleep(ctx, d)
		return false
	}
}

func (q *Redis) MoveDue(ctx context.Context, now time.Time) (int, error) {
	ids, err := q.rdb.ZRangeByScore(ctx, DelayKey, &r.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%d", now.Unix()), Offset: 0, Count: moveBatch,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("due rings: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	pipe := q.rdb.TxPipeline()
	for _, id := range ids {
		pipe.LPush(ctx, WakeKey, wakeToken)
		pipe.ZRem(ctx, DelayKey, id)
	}
	pipe.LTrim(ctx, WakeKey, 0, maxPending-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("move due rings: %w", err)
	}
	return len(ids), nil
}
