package redis

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	rd "github.com/redis/go-redis/v9"
)

// LoadReplay decodes the response saved under a client idempotency key into out.
func LoadReplay(ctx context.Context, rdb *rd.Client, key string, out any) (bool, error) {
	raw, err := rdb.Get(ctx, IdempotencyKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, err
	}
	return true, nil
}

// SaveReplay keeps v as the answer to every later request carrying key.
func SaveReplay(ctx context.Context, rdb *rd.Client, key string, v any, ttl time.Duration) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return rdb.Set(ctx, IdempotencyKey(key), b, ttl).Err()
}
