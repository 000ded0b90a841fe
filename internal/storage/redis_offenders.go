// internal/storage/redis_offenders.go
package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/RegistryAccord/registryaccord-approvals-go/internal/model"
)

const offenderKeyPrefix = "approvals:offender:"

// RedisOffenders keeps repeat-offender records in Redis hashes so that strike
// counts are shared by every instance without a database round trip.
type RedisOffenders struct {
	client *goredis.Client
}

// NewRedisOffenders wraps an existing client.
func NewRedisOffenders(client *goredis.Client) *RedisOffenders {
	return &RedisOffenders{client: client}
}

// DialRedisOffenders connects to addr and verifies the connection.
func DialRedisOffenders(ctx context.Context, addr string) (*RedisOffenders, error) {
	client := goredis.NewClient(&goredis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisOffenders(client), nil
}

// Close releases the underlying client.
func (r *RedisOffenders) Close() error {
	return r.client.Close()
}

func (r *RedisOffenders) GetOffender(ctx context.Context, userID string) (model.RepeatOffenderRecord, error) {
	return readOffender(ctx, r.client, userID)
}

// UpdateOffender runs fn inside WATCH/MULTI and retries when another writer
// touched the key in between.
func (r *RedisOffenders) UpdateOffender(ctx context.Context, userID string, fn func(model.RepeatOffenderRecord) model.RepeatOffenderRecord) (model.RepeatOffenderRecord, error) {
	key := offenderKey(userID)
	var result model.RepeatOffenderRecord

	txf := func(tx *goredis.Tx) error {
		rec, err := readOffender(ctx, tx, userID)
		if err != nil {
			return err
		}
		next := fn(rec)
		next.UserID = userID

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.HSet(ctx, key, map[string]any{
				"strike_count":   next.StrikeCount,
				"clean_streak":   next.CleanStreak,
				"last_strike_at": formatTime(next.LastStrikeAt),
				"last_decay_at":  formatTime(next.LastDecayAt),
			})
			return nil
		})
		if err == nil {
			result = next
		}
		return err
	}

	for attempt := 0; attempt < offenderUpdateAttempts; attempt++ {
		err := r.client.Watch(ctx, txf, key)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		return model.RepeatOffenderRecord{}, fmt.Errorf("update offender: %w", err)
	}
	return model.RepeatOffenderRecord{}, fmt.Errorf("update offender %s: %w", userID, ErrConflict)
}

func readOffender(ctx context.Context, c goredis.Cmdable, userID string) (model.RepeatOffenderRecord, error) {
	values, err := c.HGetAll(ctx, offenderKey(userID)).Result()
	if err != nil {
		return model.RepeatOffenderRecord{}, fmt.Errorf("get offender: %w", err)
	}
	rec := model.RepeatOffenderRecord{UserID: userID}
	if len(values) == 0 {
		return rec, nil
	}

	if rec.StrikeCount, err = parseInt(values["strike_count"]); err != nil {
		return model.RepeatOffenderRecord{}, fmt.Errorf("parse strike_count: %w", err)
	}
	if rec.CleanStreak, err = parseInt(values["clean_streak"]); err != nil {
		return model.RepeatOffenderRecord{}, fmt.Errorf("parse clean_streak: %w", err)
	}
	if rec.LastStrikeAt, err = parseTime(values["last_strike_at"]); err != nil {
		return model.RepeatOffenderRecord{}, fmt.Errorf("parse last_strike_at: %w", err)
	}
	if rec.LastDecayAt, err = parseTime(values["last_decay_at"]); err != nil {
		return model.RepeatOffenderRecord{}, fmt.Errorf("parse last_decay_at: %w", err)
	}
	return rec, nil
}

func offenderKey(userID string) string {
	return offenderKeyPrefix + userID
}

func parseInt(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return strconv.FormatInt(t.UTC().UnixMilli(), 10)
}

func parseTime(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil, err
	}
	t := time.UnixMilli(ms).UTC()
	return &t, nil
}
