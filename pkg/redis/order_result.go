package redis

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	rd "github.com/redis/go-redis/v9"
)

// Result kinds written by the worker on failure.
const (
	ResultOutOfStock = "OUT_OF_STOCK"
	ResultNotFound   = "NOT_FOUND"
	ResultInternal   = "INTERNAL"
)

// Shortage is one line the worker could not cover from the locked ledger row.
type Shortage struct {
	ProductID uint64 `json:"product_id"`
	SizeID    uint64 `json:"size_id"`
	ColorID   uint64 `json:"color_id"`
	Available int64  `json:"available"`
	Requested int64  `json:"requested"`
}

// OrderResult is the outcome of one reservation job.
type OrderResult struct {
	Success   bool       `json:"success"`
	OrderID   uint64     `json:"order_id,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Kind      string     `json:"kind,omitempty"`
	Error     string     `json:"error,omitempty"`
	Shortages []Shortage `json:"out_of_stock_items,omitempty"`
}

// GetOrderResult reads the result slot of a job. found=false means nothing was posted yet.
func GetOrderResult(ctx context.Context, rdb *rd.Client, jobID string) (OrderResult, bool, error) {
	raw, err := rdb.Get(ctx, OrderResultKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return OrderResult{}, false, nil
		}
		return OrderResult{}, false, err
	}
	var out OrderResult
	if err := json.Unmarshal(raw, &out); err != nil {
		return OrderResult{}, false, err
	}
	return out, true, nil
}

// PutOrderResult posts the outcome of a job once. A second post for the same job is ignored
// and reported with written=false.
func PutOrderResult(ctx context.Context, rdb *rd.Client, jobID string, res OrderResult, ttl time.Duration) (bool, error) {
	b, err := json.Marshal(res)
	if err != nil {
		return false, err
	}
	return rdb.SetNX(ctx, OrderResultKey(jobID), b, ttl).Result()
}
