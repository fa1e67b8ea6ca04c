package redis

import (
	"context"
	"time"

	rd "github.com/redis/go-redis/v9"
)

// New connects to Redis and verifies the connection with a PING.
func New(ctx context.Context, addr string, db int) (*rd.Client, error) {
	rdb := rd.NewClient(&rd.Options{
		Addr:         addr,
		DB:           db,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return rdb, nil
}
