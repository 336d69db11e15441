package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Scheduler delivers a command back onto the bus at a future instant.
// Timeouts are delayed messages re-entering the same ordered channel, so
// they survive process restarts and serialize with the rest of the
// request's commands. Scheduling a new timer for the same request+type
// supersedes the previous one.
type Scheduler interface {
	Schedule(ctx context.Context, cmd Command, fireAt time.Time) error
	Cancel(ctx context.Context, requestID string, t Type) error
}

// SchedulerStore is the subset of redis operations the scheduler needs,
// kept narrow so tests can fake it.
type SchedulerStore interface {
	ZAdd(ctx context.Context, key, member string, score float64) error
	ZRangeByScoreLimit(ctx context.Context, key string, max float64, limit int) ([]string, error)
	ZRem(ctx context.Context, key, member string) error
	HSet(ctx context.Context, key, field, value string) error
	HGet(ctx context.Context, key, field string) (string, error)
	HDel(ctx context.Context, key, field string) error
}

// RedisScheduler stores pending timers in a sorted set scored by the
// fire instant, with command payloads in a companion hash. A drain loop
// moves due entries onto the Kafka bus.
type RedisScheduler struct {
	store  SchedulerStore
	bus    Bus
	logger *slog.Logger

	dueKey     string
	payloadKey string
}

func NewRedisScheduler(store SchedulerStore, bus Bus, logger *slog.Logger) *RedisScheduler {
	return &RedisScheduler{
		store:      store,
		bus:        bus,
		logger:     logger,
		dueKey:     "match:timers:due",
		payloadKey: "match:timers:payload",
	}
}

func timerMember(requestID string, t Type) string {
	return requestID + "|" + string(t)
}

func (s *RedisScheduler) Schedule(ctx context.Context, cmd Command, fireAt time.Time) error {
	b, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encode timer %s: %w", cmd.Type, err)
	}
	member := timerMember(cmd.RequestID, cmd.Type)
	if err := s.store.HSet(ctx, s.payloadKey, member, string(b)); err != nil {
		return fmt.Errorf("schedule %s for request %s: %w", cmd.Type, cmd.RequestID, err)
	}
	if err := s.store.ZAdd(ctx, s.dueKey, member, float64(fireAt.UnixMilli())); err != nil {
		return fmt.Errorf("schedule %s for request %s: %w", cmd.Type, cmd.RequestID, err)
	}
	return nil
}

func (s *RedisScheduler) Cancel(ctx context.Context, requestID string, t Type) error {
	member := timerMember(requestID, t)
	if err := s.store.ZRem(ctx, s.dueKey, member); err != nil {
		return fmt.Errorf("cancel timer for request %s: %w", requestID, err)
	}
	if err := s.store.HDel(ctx, s.payloadKey, member); err != nil {
		return fmt.Errorf("cancel timer for request %s: %w", requestID, err)
	}
	return nil
}

// Drain publishes every timer due at or before now and removes it.
// Returns the number of timers fired.
func (s *RedisScheduler) Drain(ctx context.Context, now time.Time) (int, error) {
	members, err := s.store.ZRangeByScoreLimit(ctx, s.dueKey, float64(now.UnixMilli()), 100)
	if err != nil {
		return 0, fmt.Errorf("drain timers: %w", err)
	}
	fired := 0
	for _, member := range members {
		raw, err := s.store.HGet(ctx, s.payloadKey, member)
		if err != nil {
			// payload gone, likely cancelled between range and fetch
			_ = s.store.ZRem(ctx, s.dueKey, member)
			continue
		}
		var cmd Command
		if err := json.Unmarshal([]byte(raw), &cmd); err != nil {
			s.logger.Error("timer payload corrupt", "member", member, "error", err)
			_ = s.store.ZRem(ctx, s.dueKey, member)
			_ = s.store.HDel(ctx, s.payloadKey, member)
			continue
		}
		if err := s.bus.Publish(ctx, cmd); err != nil {
			// leave the timer in place for the next drain pass
			s.logger.Error("timer publish failed", "request_id", cmd.RequestID, "type", cmd.Type, "error", err)
			continue
		}
		_ = s.store.ZRem(ctx, s.dueKey, member)
		_ = s.store.HDel(ctx, s.payloadKey, member)
		fired++
	}
	return fired, nil
}

// Run polls for due timers until the context ends.
func (s *RedisScheduler) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if _, err := s.Drain(ctx, now); err != nil {
				s.logger.Error("timer drain failed", "error", err)
			}
		}
	}
}

// RedisSchedulerStore adapts a go-redis client to SchedulerStore.
type RedisSchedulerStore struct{ C *redis.Client }

func (r *RedisSchedulerStore) ZAdd(ctx context.Context, key, member string, score float64) error {
	return r.C.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

func (r *RedisSchedulerStore) ZRangeByScoreLimit(ctx context.Context, key string, max float64, limit int) ([]string, error) {
	return r.C.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%f", max), Count: int64(limit),
	}).Result()
}

func (r *RedisSchedulerStore) ZRem(ctx context.Context, key, member string) error {
	return r.C.ZRem(ctx, key, member).Err()
}

func (r *RedisSchedulerStore) HSet(ctx context.Context, key, field, value string) error {
	return r.C.HSet(ctx, key, field, value).Err()
}

func (r *RedisSchedulerStore) HGet(ctx context.Context, key, field string) (string, error) {
	return r.C.HGet(ctx, key, field).Result()
}

func (r *RedisSchedulerStore) HDel(ctx context.Context, key, field string) error {
	return r.C.HDel(ctx, key, field).Err()
}
