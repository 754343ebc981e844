package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/reddimon/attribution-go/config"
	"github.com/reddimon/attribution-go/constants"
	"github.com/reddimon/attribution-go/logger"
)

var redisLog = logger.ZapForComponent("queue.redis")

const (
	redisKeyEvents   = "attr:events"
	redisKeyPending  = "attr:pending"
	redisKeyInFlight = "attr:inflight"
	redisKeyFailed   = "attr:failed"
	redisKeyInstalls = "attr:installs"
	redisKeySubs     = "attr:subscriptions"
	redisKeySeq      = "attr:seq"

	// Failed events kept for inspection before the oldest are trimmed.
	redisFailedRetention = 1000
)

// RedisStore keeps the event queue in Redis so a relay fleet can share one
// durable store. The pending zset is scored by due time (CreatedAt on
// enqueue, the backoff deadline on requeue), so PeekBatch reads exactly the
// due set and parked retries never shadow due events. Delivered events are
// deleted immediately; the dedup sets outlive them. Failed events are
// retained for inspection up to a fixed retention, oldest trimmed first.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(cfg config.Redis) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Host,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     10,
		MinIdleConns: 2,
	})
	if _, err := rdb.Ping(context.Background()).Result(); err != nil {
		return nil, fmt.Errorf("could not connect to Redis: %w", err)
	}
	redisLog.Infof("event store connected to redis at %v", cfg.Host)
	return &RedisStore{rdb: rdb}, nil
}

func (s *RedisStore) get(ctx context.Context, id string) (*Event, error) {
	raw, err := s.rdb.HGet(ctx, redisKeyEvents, id).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load event %s: %w", id, err)
	}
	var ev Event
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		return nil, fmt.Errorf("failed to decode event %s: %w", id, err)
	}
	return &ev, nil
}

func (s *RedisStore) put(ctx context.Context, ev *Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event %s: %w", ev.ID, err)
	}
	return s.rdb.HSet(ctx, redisKeyEvents, ev.ID, raw).Err()
}

// dueScore places an event on the pending zset at the time it becomes
// eligible for delivery.
func dueScore(t time.Time) float64 {
	return float64(t.UnixMilli())
}

// Enqueue stores the event and places it on the pending queue. The dedup
// sets are claimed first via SAdd, whose return value makes the check and
// the write one atomic operation across concurrent relays.
func (s *RedisStore) Enqueue(ctx context.Context, ev *Event) error {
	exists, err := s.rdb.HExists(ctx, redisKeyEvents, ev.ID).Result()
	if err != nil {
		return fmt.Errorf("failed to check event %s: %w", ev.ID, err)
	}
	if exists {
		return ErrDuplicateID
	}

	if ev.Type == constants.EventInstallation && ev.DeviceContext.DeviceID != "" {
		added, err := s.rdb.SAdd(ctx, redisKeyInstalls, ev.DeviceContext.DeviceID).Result()
		if err != nil {
			return fmt.Errorf("failed to claim install for device %s: %w", ev.DeviceContext.DeviceID, err)
		}
		if added == 0 {
			return ErrDuplicateInstall
		}
	}
	if ev.Type == constants.EventSubscription {
		if sid, ok := ev.Payload[constants.PayloadKeySubscriptionID].(string); ok && sid != "" {
			added, err := s.rdb.SAdd(ctx, redisKeySubs, sid).Result()
			if err != nil {
				return fmt.Errorf("failed to claim subscription %s: %w", sid, err)
			}
			if added == 0 {
				return ErrDuplicateSubscription
			}
		}
	}

	seq, err := s.rdb.Incr(ctx, redisKeySeq).Result()
	if err != nil {
		return fmt.Errorf("failed to allocate sequence: %w", err)
	}
	ev.Seq = uint64(seq)
	ev.Status = StatusPending

	if err := s.put(ctx, ev); err != nil {
		return err
	}
	if err := s.rdb.ZAdd(ctx, redisKeyPending, redis.Z{
		Score: dueScore(ev.CreatedAt), Member: ev.ID,
	}).Err(); err != nil {
		return fmt.Errorf("failed to enqueue event %s: %w", ev.ID, err)
	}
	return nil
}

// PeekBatch returns up to maxN Pending events whose due time has passed,
// ordered by due time.
func (s *RedisStore) PeekBatch(ctx context.Context, maxN int, now time.Time) ([]*Event, error) {
	ids, err := s.rdb.ZRangeByScore(ctx, redisKeyPending, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now.UnixMilli()),
		Count: int64(maxN),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read pending queue: %w", err)
	}

	out := make([]*Event, 0, len(ids))
	for _, id := range ids {
		ev, err := s.get(ctx, id)
		if err != nil {
			redisLog.Warnf("pending event %s missing from store: %v", id, err)
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

// MarkInFlight claims a pending event for delivery and counts the attempt.
func (s *RedisStore) MarkInFlight(ctx context.Context, id string) (*Event, error) {
	removed, err := s.rdb.ZRem(ctx, redisKeyPending, id).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to claim event %s: %w", id, err)
	}
	if removed == 0 {
		ev, err := s.get(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("cannot start delivery of %s event %s", ev.Status, id)
	}

	ev, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	ev.Status = StatusInFlight
	ev.Attempts++
	if err := s.put(ctx, ev); err != nil {
		return nil, err
	}
	if err := s.rdb.SAdd(ctx, redisKeyInFlight, id).Err(); err != nil {
		return nil, fmt.Errorf("failed to track in-flight event %s: %w", id, err)
	}
	return ev, nil
}

// MarkDelivered removes the event; the dedup sets keep its identity.
func (s *RedisStore) MarkDelivered(ctx context.Context, id string) error {
	pipe := s.rdb.TxPipeline()
	pipe.HDel(ctx, redisKeyEvents, id)
	pipe.ZRem(ctx, redisKeyPending, id)
	pipe.SRem(ctx, redisKeyInFlight, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to finalize event %s: %w", id, err)
	}
	return nil
}

// MarkFailed retires the event to the failed set for inspection.
func (s *RedisStore) MarkFailed(ctx context.Context, id string, reason string) error {
	ev, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	ev.Status = StatusFailed
	ev.FailReason = reason
	if err := s.put(ctx, ev); err != nil {
		return err
	}

	pipe := s.rdb.TxPipeline()
	pipe.ZRem(ctx, redisKeyPending, id)
	pipe.SRem(ctx, redisKeyInFlight, id)
	pipe.ZAdd(ctx, redisKeyFailed, redis.Z{Score: float64(ev.Seq), Member: id})
	pipe.ZRemRangeByRank(ctx, redisKeyFailed, 0, int64(-redisFailedRetention-1))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to retire event %s: %w", id, err)
	}
	return nil
}

// Requeue returns an in-flight event to the pending queue.
func (s *RedisStore) Requeue(ctx context.Context, id string, nextAttempt time.Time) error {
	ev, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	ev.Status = StatusPending
	ev.NextAttemptAt = nextAttempt
	if err := s.put(ctx, ev); err != nil {
		return err
	}

	pipe := s.rdb.TxPipeline()
	pipe.SRem(ctx, redisKeyInFlight, id)
	pipe.ZAdd(ctx, redisKeyPending, redis.Z{Score: dueScore(nextAttempt), Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to requeue event %s: %w", id, err)
	}
	return nil
}

// HasInstallation checks the install dedup set.
func (s *RedisStore) HasInstallation(ctx context.Context, deviceID string) (bool, error) {
	ok, err := s.rdb.SIsMember(ctx, redisKeyInstalls, deviceID).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check install for device %s: %w", deviceID, err)
	}
	return ok, nil
}

// HasSubscription checks the subscription dedup set.
func (s *RedisStore) HasSubscription(ctx context.Context, subscriptionID string) (bool, error) {
	ok, err := s.rdb.SIsMember(ctx, redisKeySubs, subscriptionID).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check subscription %s: %w", subscriptionID, err)
	}
	return ok, nil
}

// PendingCount counts queued plus claimed events.
func (s *RedisStore) PendingCount(ctx context.Context) (int, error) {
	pending, err := s.rdb.ZCard(ctx, redisKeyPending).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count pending events: %w", err)
	}
	inflight, err := s.rdb.SCard(ctx, redisKeyInFlight).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count in-flight events: %w", err)
	}
	return int(pending + inflight), nil
}

// Close releases the Redis connection.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
