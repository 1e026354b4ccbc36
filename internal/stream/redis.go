package stream

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// payloadField is the entry field carrying the JSON payload.
const payloadField = "data"

// RedisStore implements Store over Redis streams.
type RedisStore struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// NewRedisStore wraps an already-connected client.
func NewRedisStore(rdb *redis.Client, logger *zap.Logger) *RedisStore {
	return &RedisStore{rdb: rdb, logger: logger.Named("stream")}
}

// Publish implements Store.
func (s *RedisStore) Publish(ctx context.Context, stream string, payload []byte, maxLen int64) (string, error) {
	args := &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{payloadField: payload},
	}
	if maxLen > 0 {
		args.MaxLen = maxLen
		args.Approx = true
	}
	id, err := s.rdb.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("publish to %s: %w", stream, err)
	}
	return id, nil
}

// CreateGroup implements Store. An existing group is tolerated.
func (s *RedisStore) CreateGroup(ctx context.Context, stream, group, start string) error {
	err := s.rdb.XGroupCreateMkStream(ctx, stream, group, start).Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", group, stream, err)
	}
	return nil
}

// Claim implements Store.
func (s *RedisStore) Claim(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Message, error) {
	res, err := s.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim from %s: %w", stream, err)
	}

	var msgs []Message
	for _, str := range res {
		for _, entry := range str.Messages {
			raw, ok := entry.Values[payloadField]
			if !ok {
				s.logger.Warn("entry missing payload field",
					zap.String("stream", stream), zap.String("msg_id", entry.ID))
				continue
			}
			msgs = append(msgs, Message{ID: entry.ID, Payload: toBytes(raw)})
		}
	}
	return msgs, nil
}

func toBytes(v interface{}) []byte {
	switch t := v.(type) {
	case string:
		return []byte(t)
	case []byte:
		return t
	default:
		return []byte(fmt.Sprintf("%v", t))
	}
}

// Ack implements Store.
func (s *RedisStore) Ack(ctx context.Context, stream, group, msgID string) error {
	if err := s.rdb.XAck(ctx, stream, group, msgID).Err(); err != nil {
		return fmt.Errorf("ack %s on %s: %w", msgID, stream, err)
	}
	return nil
}

// Pending implements Store.
func (s *RedisStore) Pending(ctx context.Context, stream, group string) (PendingStats, error) {
	p, err := s.rdb.XPending(ctx, stream, group).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return PendingStats{Consumers: map[string]int64{}}, nil
		}
		return PendingStats{}, fmt.Errorf("pending on %s: %w", stream, err)
	}
	return PendingStats{
		Count:     p.Count,
		MinID:     p.Lower,
		MaxID:     p.Higher,
		Consumers: p.Consumers,
	}, nil
}

// ReadRange implements Store.
func (s *RedisStore) ReadRange(ctx context.Context, stream, start, end string, count int64) ([]Message, error) {
	if start == "" {
		start = "-"
	}
	if end == "" {
		end = "+"
	}
	entries, err := s.rdb.XRangeN(ctx, stream, start, end, count).Result()
	if err != nil {
		return nil, fmt.Errorf("range on %s: %w", stream, err)
	}
	msgs := make([]Message, 0, len(entries))
	for _, entry := range entries {
		raw, ok := entry.Values[payloadField]
		if !ok {
			continue
		}
		msgs = append(msgs, Message{ID: entry.ID, Payload: toBytes(raw)})
	}
	return msgs, nil
}

// LockAcquire implements Store via SET NX.
func (s *RedisStore) LockAcquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("lock %s: %w", key, err)
	}
	return ok, nil
}

// Heartbeat implements Store via SETEX.
func (s *RedisStore) Heartbeat(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.rdb.SetEx(ctx, key, time.Now().UTC().Format(time.RFC3339), ttl).Err(); err != nil {
		return fmt.Errorf("heartbeat %s: %w", key, err)
	}
	return nil
}

// LiveKeys implements Store with a cursor scan.
func (s *RedisStore) LiveKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		batch, next, err := s.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", pattern, err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

// DelayAdd implements Store, scoring entries by due time in unix millis.
func (s *RedisStore) DelayAdd(ctx context.Context, set string, payload []byte, at time.Time) error {
	err := s.rdb.ZAdd(ctx, set, redis.Z{
		Score:  float64(at.UnixMilli()),
		Member: payload,
	}).Err()
	if err != nil {
		return fmt.Errorf("delay add to %s: %w", set, err)
	}
	return nil
}

// DrainDelayed implements Store. Due members move onto stream one by one so
// a crash mid-drain loses nothing: the member is removed only after the add.
func (s *RedisStore) DrainDelayed(ctx context.Context, set, stream string, maxLen int64) (int, error) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	members, err := s.rdb.ZRangeByScore(ctx, set, &redis.ZRangeBy{
		Min: "-inf", Max: now, Count: 100,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("drain %s: %w", set, err)
	}

	moved := 0
	for _, m := range members {
		if _, err := s.Publish(ctx, stream, []byte(m), maxLen); err != nil {
			return moved, err
		}
		if err := s.rdb.ZRem(ctx, set, m).Err(); err != nil {
			return moved, fmt.Errorf("drain %s: %w", set, err)
		}
		moved++
	}
	return moved, nil
}
