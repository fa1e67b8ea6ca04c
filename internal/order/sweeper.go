package order

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"checkout/internal/model"
	"checkout/internal/stock"
	rediskey "checkout/pkg/redis"

	"github.com/google/uuid"
	rd "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type SweeperConfig struct {
	Interval    time.Duration
	BatchSize   int
	CancelGrace time.Duration
	Clock       func() time.Time
}

type SweepReport struct {
	Orders        int `json:"orders"`
	ItemsReturned int `json:"items_returned"`
	Cancelled     int `json:"cancelled"`
	HoldsReleased int `json:"holds_released"`
}

// Sweeper returns the stock of abandoned reservations: expired pending orders,
// recently cancelled or failed orders whose items are still reserved, and cache
// holds of checkouts that never produced an order.
type Sweeper struct {
	db      *gorm.DB
	rdb     *rd.Client
	ledger  *stock.Ledger
	log     *zap.Logger
	cfg     SweeperConfig
	running atomic.Bool
}

func NewSweeper(db *gorm.DB, rdb *rd.Client, ledger *stock.Ledger, log *zap.Logger, cfg SweeperConfig) *Sweeper {
	if cfg.Clock == nil {
		cfg.Clock = utcNow
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Sweeper{db: db, rdb: rdb, ledger: ledger, log: log, cfg: cfg}
}

func (s *Sweeper) Run(ctx context.Context) {
	t := time.NewTicker(s.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.tick(ctx)
		}
	}
}

// tick never overlaps with another sweep, in this process or another one.
func (s *Sweeper) tick(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		s.log.Info("sweep still running, tick skipped")
		return
	}
	defer s.running.Store(false)

	token := uuid.NewString()
	if err := rediskey.AcquireLock(ctx, s.rdb, rediskey.SweeperLockKey, token, s.cfg.Interval); err != nil {
		if !errors.Is(err, rediskey.ErrLockHeld) {
			s.log.Warn("acquire sweeper lock", zap.Error(err))
		}
		return
	}
	defer func() {
		if err := rediskey.ReleaseLockIfMatch(context.WithoutCancel(ctx), s.rdb, rediskey.SweeperLockKey, token); err != nil {
			s.log.Warn("release sweeper lock", zap.Error(err))
		}
	}()

	rep, err := s.CancelExpiredOrders(ctx)
	if err != nil {
		// the failed batch was rolled back; the next tick retries it
		s.log.Error("sweep failed", zap.Error(err), zap.Int("orders", rep.Orders))
		return
	}
	if rep != (SweepReport{}) {
		s.log.Info("sweep done",
			zap.Int("orders", rep.Orders),
			zap.Int("items_returned", rep.ItemsReturned),
			zap.Int("cancelled", rep.Cancelled),
			zap.Int("holds_released", rep.HoldsReleased))
	}
}

// CancelExpiredOrders runs one sweep now. Running it again on reconciled orders changes nothing.
func (s *Sweeper) CancelExpiredOrders(ctx context.Context) (SweepReport, error) {
	var rep SweepReport
	now := s.cfg.Clock()

	var lastID uint64
	for {
		ids, err := s.candidates(ctx, now, lastID)
		if err != nil {
			return rep, err
		}
		if len(ids) == 0 {
			break
		}
		lastID = ids[len(ids)-1]

		batch, returned, err := s.sweepBatch(ctx, ids, now)
		if err != nil {
			return rep, err
		}
		rep.Orders += batch.Orders
		rep.ItemsReturned += batch.ItemsReturned
		rep.Cancelled += batch.Cancelled
		s.ledger.ReturnToCache(ctx, returned)
	}

	released, err := s.releaseDueHolds(ctx, now)
	rep.HoldsReleased = released
	return rep, err
}

func (s *Sweeper) candidates(ctx context.Context, now time.Time, afterID uint64) ([]uint64, error) {
	var ids []uint64
	err := s.db.WithContext(ctx).Model(&model.Order{}).
		Distinct("orders.id").
		Joins("JOIN order_items ON order_items.order_id = orders.id AND order_items.reserved = ?", true).
		Where("orders.id > ?", afterID).
		Where(s.db.Where("orders.status = ? AND orders.expires_at < ?", model.OrderPending, now).
			Or("orders.status IN ? AND orders.updated_at >= ?",
				[]model.OrderStatus{model.OrderCancelled, model.OrderFailed}, now.Add(-s.cfg.CancelGrace))).
		Order("orders.id").
		Limit(s.cfg.BatchSize).
		Pluck("orders.id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("select sweep candidates: %w", err)
	}
	return ids, nil
}

// sweepBatch returns the reserved stock of the given orders in one transaction.
// The cache holds to mirror are returned for after the commit.
func (s *Sweeper) sweepBatch(ctx context.Context, ids []uint64, now time.Time) (SweepReport, []rediskey.StockHold, error) {
	var (
		rep      SweepReport
		returned []rediskey.StockHold
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rep, returned = SweepReport{}, nil

		var orders []model.Order
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id IN ?", ids).
			Order("id").
			Find(&orders).Error
		if err != nil {
			return fmt.Errorf("lock orders: %w", err)
		}

		add := make(map[model.Variant]int64)
		for _, o := range orders {
			// the order may have been paid or cancelled since it was selected
			if !s.sweepable(o, now) {
				continue
			}
			items, err := releaseReserved(tx, o.ID)
			if err != nil {
				return err
			}
			for _, it := range items {
				add[it.Variant()] += it.Quantity
			}
			if o.Status == model.OrderPending {
				if err := tx.Model(&model.Order{}).Where("id = ?", o.ID).
					Update("status", model.OrderCancelled).Error; err != nil {
					return fmt.Errorf("cancel order %d: %w", o.ID, err)
				}
				rep.Cancelled++
			}
			rep.Orders++
			rep.ItemsReturned += len(items)
			s.log.Info("reservation returned",
				zap.Uint64("order_id", o.ID), zap.String("status", string(o.Status)), zap.Int("items", len(items)))
		}

		returned, err = incrementLedger(tx, add)
		return err
	})
	if err != nil {
		return SweepReport{}, nil, err
	}
	return rep, returned, nil
}

func (s *Sweeper) sweepable(o model.Order, now time.Time) bool {
	switch o.Status {
	case model.OrderPending:
		return o.ExpiresAt != nil && o.ExpiresAt.Before(now)
	case model.OrderCancelled, model.OrderFailed:
		return !o.UpdatedAt.Before(now.Add(-s.cfg.CancelGrace))
	}
	return false
}

// releaseDueHolds settles cache holds whose checkout never reached an outcome in time.
func (s *Sweeper) releaseDueHolds(ctx context.Context, now time.Time) (int, error) {
	holds, err := rediskey.DueHolds(ctx, s.rdb, now, int64(s.cfg.BatchSize))
	if err != nil {
		return 0, fmt.Errorf("list due holds: %w", err)
	}

	released := 0
	for _, h := range holds {
		var n int64
		if err := s.db.WithContext(ctx).Model(&model.Order{}).Where("job_id = ?", h.JobID).Count(&n).Error; err != nil {
			return released, fmt.Errorf("look up order of job %s: %w", h.JobID, err)
		}
		// an order owns its stock from here on; its expiry returns it
		if n == 0 && len(h.Items) > 0 {
			ok, err := s.ledger.CompensateOnce(ctx, h.JobID, h.Items)
			if err != nil {
				return released, fmt.Errorf("compensate hold %s: %w", h.JobID, err)
			}
			if ok {
				released++
				s.log.Info("abandoned checkout hold returned", zap.String("job_id", h.JobID), zap.Int("items", len(h.Items)))
			}
		}
		if err := rediskey.DropHold(ctx, s.rdb, h.JobID); err != nil {
			return released, fmt.Errorf("drop hold %s: %w", h.JobID, err)
		}
	}
	if released > 0 {
		s.ledger.InvalidateListingCache(ctx)
	}
	return released, nil
}

// releaseReserved flips every still-reserved item of an order and returns the ones it flipped.
// An item flipped by someone else in the meantime is skipped, which keeps the return idempotent.
func releaseReserved(tx *gorm.DB, orderID uint64) ([]model.OrderItem, error) {
	var items []model.OrderItem
	if err := tx.Where("order_id = ? AND reserved = ?", orderID, true).Order("id").Find(&items).Error; err != nil {
		return nil, fmt.Errorf("load reserved items of order %d: %w", orderID, err)
	}
	out := items[:0]
	for _, it := range items {
		res := tx.Model(&model.OrderItem{}).
			Where("id = ? AND reserved = ?", it.ID, true).
			Update("reserved", false)
		if res.Error != nil {
			return nil, fmt.Errorf("release item %d: %w", it.ID, res.Error)
		}
		if res.RowsAffected == 1 {
			out = append(out, it)
		}
	}
	return out, nil
}

// incrementLedger applies the increments in variant order, matching the worker's lock order.
func incrementLedger(tx *gorm.DB, add map[model.Variant]int64) ([]rediskey.StockHold, error) {
	variants := make([]model.Variant, 0, len(add))
	for v := range add {
		variants = append(variants, v)
	}
	sort.Slice(variants, func(i, j int) bool { return variants[i].Less(variants[j]) })

	holds := make([]rediskey.StockHold, 0, len(variants))
	for _, v := range variants {
		ok, err := stock.IncrementTx(tx, v, add[v])
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		holds = append(holds, rediskey.StockHold{
			ProductID: v.ProductID, SizeID: v.SizeID, ColorID: v.ColorID, Quantity: add[v],
		})
	}
	return holds, nil
}
