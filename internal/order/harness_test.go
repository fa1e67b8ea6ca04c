package order

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"checkout/internal/cart"
	"checkout/internal/database"
	"checkout/internal/model"
	"checkout/internal/queue"
	"checkout/internal/stock"
	rediskey "checkout/pkg/redis"

	"github.com/alicebob/miniredis/v2"
	rd "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const window = 10 * time.Minute

var (
	v111 = model.Variant{ProductID: 1, SizeID: 1, ColorID: 1}
	v121 = model.Variant{ProductID: 1, SizeID: 2, ColorID: 1}
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type queueMode int

const (
	deliver queueMode = iota
	drop
	fail
)

// inlineQueue hands jobs straight to the worker inside Enqueue.
type inlineQueue struct {
	w       *Worker
	mu      sync.Mutex
	mode    queueMode
	dropped []queue.ReservationJob
}

func (q *inlineQueue) Enqueue(ctx context.Context, job queue.ReservationJob) error {
	q.mu.Lock()
	mode := q.mode
	if mode == drop {
		q.dropped = append(q.dropped, job)
	}
	q.mu.Unlock()

	switch mode {
	case fail:
		return errors.New("queue unavailable")
	case drop:
		return nil
	}
	return q.w.Handle(ctx, job)
}

func (q *inlineQueue) setMode(m queueMode) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.mode = m
}

type harness struct {
	db      *gorm.DB
	rdb     *rd.Client
	mr      *miniredis.Miniredis
	clock   *testClock
	ledger  *stock.Ledger
	worker  *Worker
	coord   *Coordinator
	sweeper *Sweeper
	admin   *Admin
	cart    *cart.Store
	jobs    *inlineQueue
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := database.Open(context.Background(), "sqlite", database.MemoryDSN(t.Name()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close(db) })

	mr := miniredis.RunT(t)
	rdb := rd.NewClient(&rd.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	log := zap.NewNop()
	clock := &testClock{t: time.Now().UTC()}
	ledger := stock.NewLedger(db, rdb, log, time.Minute)

	worker := NewWorker(db, rdb, log, WorkerConfig{
		MaxAttempts:       3,
		Backoff:           time.Millisecond,
		ReservationWindow: window,
		ResultTTL:         time.Minute,
		Clock:             clock.Now,
	})
	jobs := &inlineQueue{w: worker}
	carts := cart.NewStore(db)

	return &harness{
		db:     db,
		rdb:    rdb,
		mr:     mr,
		clock:  clock,
		ledger: ledger,
		worker: worker,
		coord: NewCoordinator(ledger, rdb, jobs, carts, log, CoordinatorConfig{
			LockTTL:           10 * time.Second,
			PollInterval:      5 * time.Millisecond,
			PollAttempts:      20,
			ReservationWindow: window,
			HoldGrace:         time.Minute,
			Clock:             clock.Now,
		}),
		sweeper: NewSweeper(db, rdb, ledger, log, SweeperConfig{
			Interval:    time.Minute,
			BatchSize:   2,
			CancelGrace: 10 * time.Minute,
			Clock:       clock.Now,
		}),
		admin: NewAdmin(db, ledger, log),
		cart:  carts,
		jobs:  jobs,
	}
}

func (h *harness) seed(t *testing.T, v model.Variant, qty int64) {
	t.Helper()
	require.NoError(t, h.db.Create(&model.ProductStock{
		ProductID: v.ProductID, SizeID: v.SizeID, ColorID: v.ColorID, Quantity: qty,
	}).Error)
}

func (h *harness) ledgerQty(t *testing.T, v model.Variant) int64 {
	t.Helper()
	var row model.ProductStock
	require.NoError(t, h.db.
		Where("product_id = ? AND size_id = ? AND color_id = ?", v.ProductID, v.SizeID, v.ColorID).
		Take(&row).Error)
	return row.Quantity
}

func (h *harness) cacheQty(t *testing.T, v model.Variant) int64 {
	t.Helper()
	s, err := h.mr.Get(rediskey.StockKey(v.ProductID, v.SizeID, v.ColorID))
	require.NoError(t, err)
	n, err := strconv.ParseInt(s, 10, 64)
	require.NoError(t, err)
	return n
}

func dec(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func line(v model.Variant, qty int64) ItemRequest {
	return ItemRequest{
		ProductID: v.ProductID, SizeID: v.SizeID, ColorID: v.ColorID,
		Quantity: qty, Price: dec("10.00"),
		ProductName: "Tee", SizeName: "M", ColorName: "Black",
	}
}

func checkout(items ...ItemRequest) PlaceOrderRequest {
	return PlaceOrderRequest{
		CarrierID:     1,
		ShippingFee:   dec("2.50"),
		OriginalPrice: dec("30.00"),
		FinalPrice:    dec("32.50"),
		Name:          "Ann Lee",
		Email:         "ann@example.com",
		Phone:         "0900000000",
		Street:        "1 Main St",
		City:          "Hanoi",
		Country:       "VN",
		Items:         items,
	}
}

func checkoutErr(t *testing.T, err error) *CheckoutError {
	t.Helper()
	var ce *CheckoutError
	require.ErrorAs(t, err, &ce)
	return ce
}
