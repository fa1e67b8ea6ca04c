package stock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"checkout/internal/model"
	rediskey "checkout/pkg/redis"

	rd "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNotFound means the variant has no ledger row.
var ErrNotFound = errors.New("stock entry not found")

// Ledger reads and adjusts per-variant quantities. The relational table is the
// system of record; the Redis counters in front of it are advisory.
type Ledger struct {
	db         *gorm.DB
	rdb        *rd.Client
	log        *zap.Logger
	listingTTL time.Duration
}

func NewLedger(db *gorm.DB, rdb *rd.Client, log *zap.Logger, listingTTL time.Duration) *Ledger {
	return &Ledger{db: db, rdb: rdb, log: log, listingTTL: listingTTL}
}

// GetAvailable returns the cached quantity of v, filling the cache from the ledger on a miss.
func (l *Ledger) GetAvailable(ctx context.Context, v model.Variant) (int64, error) {
	key := rediskey.StockKey(v.ProductID, v.SizeID, v.ColorID)
	n, err := l.rdb.Get(ctx, key).Int64()
	switch {
	case err == nil:
		return n, nil
	case !errors.Is(err, rd.Nil):
		// the cache is an optimisation; read through to the ledger
		l.log.Warn("stock cache read failed", zap.String("variant", v.String()), zap.Error(err))
	}

	var row model.ProductStock
	err = l.db.WithContext(ctx).
		Where("product_id = ? AND size_id = ? AND color_id = ?", v.ProductID, v.SizeID, v.ColorID).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("read ledger %s: %w", v, err)
	}

	pending, err := l.pendingHolds(ctx, v)
	if err != nil {
		// without the pending holds a rebuilt counter could read high; leave it missing
		l.log.Warn("stock cache backfill skipped", zap.String("variant", v.String()), zap.Error(err))
		return row.Quantity, nil
	}
	n = counterValue(row.Quantity, pending[v])

	// SETNX so a counter created concurrently (and maybe already decremented) is kept
	if err := l.rdb.SetNX(ctx, key, n, 0).Err(); err != nil {
		l.log.Warn("stock cache backfill failed", zap.String("variant", v.String()), zap.Error(err))
	}
	return n, nil
}

// pendingHolds sums, per variant, the cache holds of checkouts that neither produced an
// order nor were given back yet. A counter rebuilt from the ledger leaves them out:
// the hold comes back later through CompensateOnce, or the order's decrement lands in
// the ledger. With no variants given, every variant is summed.
func (l *Ledger) pendingHolds(ctx context.Context, only ...model.Variant) (map[model.Variant]int64, error) {
	out := make(map[model.Variant]int64)
	holds, err := rediskey.OutstandingHolds(ctx, l.rdb)
	if err != nil {
		return nil, fmt.Errorf("list holds: %w", err)
	}
	if len(holds) == 0 {
		return out, nil
	}

	ids := make([]string, len(holds))
	for i, h := range holds {
		ids[i] = h.JobID
	}
	returned, err := rediskey.Compensated(ctx, l.rdb, ids)
	if err != nil {
		return nil, fmt.Errorf("check compensated holds: %w", err)
	}
	var placed []string
	err = l.db.WithContext(ctx).Model(&model.Order{}).Where("job_id IN ?", ids).Pluck("job_id", &placed).Error
	if err != nil {
		return nil, fmt.Errorf("find placed holds: %w", err)
	}
	for _, id := range placed {
		returned[id] = true
	}

	want := make(map[model.Variant]bool, len(only))
	for _, v := range only {
		want[v] = true
	}
	for _, h := range holds {
		if returned[h.JobID] {
			continue
		}
		for _, it := range h.Items {
			v := model.Variant{ProductID: it.ProductID, SizeID: it.SizeID, ColorID: it.ColorID}
			if len(want) == 0 || want[v] {
				out[v] += it.Quantity
			}
		}
	}
	return out, nil
}

func counterValue(ledger, pending int64) int64 {
	if pending >= ledger {
		return 0
	}
	return ledger - pending
}

// Decrement takes every hold from the cache counters or none of them.
func (l *Ledger) Decrement(ctx context.Context, holds []rediskey.StockHold) (rediskey.ReserveResult, error) {
	return rediskey.ReserveStock(ctx, l.rdb, holds)
}

func (l *Ledger) Increment(ctx context.Context, holds []rediskey.StockHold) error {
	_, err := rediskey.ReturnStock(ctx, l.rdb, holds)
	return err
}

// CompensateOnce gives the holds of jobID back to the cache at most once across all callers.
func (l *Ledger) CompensateOnce(ctx context.Context, jobID string, holds []rediskey.StockHold) (bool, error) {
	return rediskey.CompensateStockOnce(ctx, l.rdb, jobID, holds)
}

// ReturnToCache mirrors a committed ledger increment into the cache. Failures are only logged.
func (l *Ledger) ReturnToCache(ctx context.Context, holds []rediskey.StockHold) {
	if len(holds) == 0 {
		return
	}
	if err := l.Increment(ctx, holds); err != nil {
		l.log.Warn("mirror stock return to cache failed", zap.Int("items", len(holds)), zap.Error(err))
	}
	l.InvalidateListingCache(ctx)
}

func (l *Ledger) InvalidateListingCache(ctx context.Context) {
	if err := l.rdb.Del(ctx, rediskey.StockListingKey).Err(); err != nil {
		l.log.Warn("invalidate stock listing failed", zap.Error(err))
	}
}

type Page struct {
	Items []model.ProductStock `json:"items"`
	Total int64                `json:"total"`
	Page  int                  `json:"page"`
	Size  int                  `json:"size"`
}

// ListStocks returns one page of ledger rows. Pages are cached as fields of a single
// hash so InvalidateListingCache drops them all at once.
func (l *Ledger) ListStocks(ctx context.Context, page, size int) (Page, error) {
	if page < 1 {
		page = 1
	}
	if size < 1 || size > 100 {
		size = 20
	}
	field := fmt.Sprintf("%d:%d", page, size)

	raw, err := l.rdb.HGet(ctx, rediskey.StockListingKey, field).Bytes()
	if err == nil {
		var out Page
		if err := json.Unmarshal(raw, &out); err == nil {
			return out, nil
		}
	} else if !errors.Is(err, rd.Nil) {
		l.log.Warn("stock listing cache read failed", zap.Error(err))
	}

	out := Page{Page: page, Size: size}
	if err := l.db.WithContext(ctx).Model(&model.ProductStock{}).Count(&out.Total).Error; err != nil {
		return Page{}, fmt.Errorf("count stocks: %w", err)
	}
	err = l.db.WithContext(ctx).Order("product_id, size_id, color_id").
		Offset((page - 1) * size).
		Limit(size).
		Find(&out.Items).Error
	if err != nil {
		return Page{}, fmt.Errorf("list stocks: %w", err)
	}

	if b, err := json.Marshal(out); err == nil {
		pipe := l.rdb.TxPipeline()
		pipe.HSet(ctx, rediskey.StockListingKey, field, b)
		pipe.Expire(ctx, rediskey.StockListingKey, l.listingTTL)
		if _, err := pipe.Exec(ctx); err != nil {
			l.log.Warn("stock listing cache write failed", zap.Error(err))
		}
	}
	return out, nil
}

// Preload overwrites every cache counter with its ledger quantity, less the holds of
// checkouts still in flight, and reports how many counters it wrote.
func (l *Ledger) Preload(ctx context.Context) (int, error) {
	var rows []model.ProductStock
	if err := l.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return 0, fmt.Errorf("load stocks: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}
	pending, err := l.pendingHolds(ctx)
	if err != nil {
		return 0, err
	}
	pipe := l.rdb.Pipeline()
	for _, r := range rows {
		pipe.Set(ctx, rediskey.StockKey(r.ProductID, r.SizeID, r.ColorID), counterValue(r.Quantity, pending[r.Variant()]), 0)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("preload cache: %w", err)
	}
	l.InvalidateListingCache(ctx)
	l.log.Info("stock preloaded", zap.Int("variants", len(rows)))
	return len(rows), nil
}

// SetQuantity overwrites the ledger quantity of v, creating the row if needed.
// The cache counter is dropped and rebuilt on the next read, pending holds excluded.
func (l *Ledger) SetQuantity(ctx context.Context, v model.Variant, qty int64) error {
	if qty < 0 {
		return fmt.Errorf("quantity must be >= 0, got %d", qty)
	}
	row := model.ProductStock{ProductID: v.ProductID, SizeID: v.SizeID, ColorID: v.ColorID, Quantity: qty}
	err := l.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "product_id"}, {Name: "size_id"}, {Name: "color_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"quantity"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("set quantity %s: %w", v, err)
	}
	if err := l.rdb.Del(ctx, rediskey.StockKey(v.ProductID, v.SizeID, v.ColorID)).Err(); err != nil {
		l.log.Warn("drop stock counter failed", zap.String("variant", v.String()), zap.Error(err))
	}
	l.InvalidateListingCache(ctx)
	return nil
}
