package stock

import (
	"context"
	"testing"
	"time"

	"checkout/internal/database"
	"checkout/internal/model"
	rediskey "checkout/pkg/redis"

	"github.com/alicebob/miniredis/v2"
	rd "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var v111 = model.Variant{ProductID: 1, SizeID: 1, ColorID: 1}

func newTestLedger(t *testing.T) (*Ledger, *gorm.DB, *miniredis.Miniredis) {
	t.Helper()
	db, err := database.Open(context.Background(), "sqlite", database.MemoryDSN(t.Name()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close(db) })

	mr := miniredis.RunT(t)
	rdb := rd.NewClient(&rd.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return NewLedger(db, rdb, zap.NewNop(), time.Minute), db, mr
}

func seed(t *testing.T, db *gorm.DB, v model.Variant, qty int64) {
	t.Helper()
	require.NoError(t, db.Create(&model.ProductStock{
		ProductID: v.ProductID, SizeID: v.SizeID, ColorID: v.ColorID, Quantity: qty,
	}).Error)
}

func TestGetAvailableBackfillsCache(t *testing.T) {
	l, db, mr := newTestLedger(t)
	ctx := context.Background()
	seed(t, db, v111, 5)

	n, err := l.GetAvailable(ctx, v111)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	cached, err := mr.Get(rediskey.StockKey(1, 1, 1))
	require.NoError(t, err)
	assert.Equal(t, "5", cached)

	// a hit is served from the cache even when the ledger moved on
	require.NoError(t, db.Model(&model.ProductStock{}).Where("product_id = 1").Update("quantity", 9).Error)
	n, err = l.GetAvailable(ctx, v111)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
}

func TestGetAvailableNotFound(t *testing.T) {
	l, _, mr := newTestLedger(t)

	_, err := l.GetAvailable(context.Background(), model.Variant{ProductID: 7, SizeID: 7, ColorID: 7})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, mr.Exists(rediskey.StockKey(7, 7, 7)))
}

func TestDecrementIncrement(t *testing.T) {
	l, db, mr := newTestLedger(t)
	ctx := context.Background()
	seed(t, db, v111, 5)
	_, err := l.GetAvailable(ctx, v111)
	require.NoError(t, err)

	holds := []rediskey.StockHold{{ProductID: 1, SizeID: 1, ColorID: 1, Quantity: 3}}
	res, err := l.Decrement(ctx, holds)
	require.NoError(t, err)
	assert.True(t, res.Reserved)
	got, _ := mr.Get(rediskey.StockKey(1, 1, 1))
	assert.Equal(t, "2", got)

	res, err = l.Decrement(ctx, holds)
	require.NoError(t, err)
	assert.False(t, res.Reserved)
	assert.Equal(t, int64(2), res.Available)

	require.NoError(t, l.Increment(ctx, holds))
	got, _ = mr.Get(rediskey.StockKey(1, 1, 1))
	assert.Equal(t, "5", got)
}

func TestListStocksCachedUntilInvalidated(t *testing.T) {
	l, db, mr := newTestLedger(t)
	ctx := context.Background()
	seed(t, db, v111, 5)
	seed(t, db, model.Variant{ProductID: 1, SizeID: 2, ColorID: 1}, 4)

	page, err := l.ListStocks(ctx, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(2), page.Total)
	require.Len(t, page.Items, 2)
	assert.True(t, mr.Exists(rediskey.StockListingKey))

	require.NoError(t, db.Model(&model.ProductStock{}).Where("size_id = 2").Update("quantity", 0).Error)
	page, err = l.ListStocks(ctx, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(4), page.Items[1].Quantity, "served from cache")

	l.InvalidateListingCache(ctx)
	page, err = l.ListStocks(ctx, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(0), page.Items[1].Quantity)
}

func TestPreloadAndSetQuantity(t *testing.T) {
	l, db, mr := newTestLedger(t)
	ctx := context.Background()
	seed(t, db, v111, 5)

	n, err := l.Preload(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, _ := mr.Get(rediskey.StockKey(1, 1, 1))
	assert.Equal(t, "5", got)

	require.NoError(t, l.SetQuantity(ctx, v111, 8))
	assert.False(t, mr.Exists(rediskey.StockKey(1, 1, 1)))
	avail, err := l.GetAvailable(ctx, v111)
	require.NoError(t, err)
	assert.Equal(t, int64(8), avail)

	v := model.Variant{ProductID: 2, SizeID: 1, ColorID: 1}
	require.NoError(t, l.SetQuantity(ctx, v, 3))
	avail, err = l.GetAvailable(ctx, v)
	require.NoError(t, err)
	assert.Equal(t, int64(3), avail)

	assert.Error(t, l.SetQuantity(ctx, v, -1))
}

func TestDecrementTxGuardsQuantity(t *testing.T) {
	_, db, _ := newTestLedger(t)
	seed(t, db, v111, 2)

	err := db.Transaction(func(tx *gorm.DB) error {
		rows, err := LockRows(tx, []model.Variant{v111, v111, {ProductID: 9, SizeID: 9, ColorID: 9}})
		require.NoError(t, err)
		assert.Len(t, rows, 1)
		assert.Equal(t, int64(2), rows[v111].Quantity)
		return DecrementTx(tx, v111, 3)
	})
	assert.ErrorIs(t, err, ErrConditionFailed)

	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		return DecrementTx(tx, v111, 2)
	}))
	var row model.ProductStock
	require.NoError(t, db.Take(&row).Error)
	assert.Equal(t, int64(0), row.Quantity)

	var ok bool
	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		var err error
		ok, err = IncrementTx(tx, v111, 4)
		return err
	}))
	assert.True(t, ok)
	require.NoError(t, db.Take(&row).Error)
	assert.Equal(t, int64(4), row.Quantity)
}

func TestRebuiltCounterLeavesOutPendingHolds(t *testing.T) {
	l, db, mr := newTestLedger(t)
	ctx := context.Background()
	seed(t, db, v111, 5)
	due := time.Now().Add(time.Hour)
	hold := []rediskey.StockHold{{ProductID: 1, SizeID: 1, ColorID: 1, Quantity: 2}}

	// pending: neither placed nor given back
	require.NoError(t, rediskey.PutHold(ctx, l.rdb, "pending", hold, due))
	// given back already
	require.NoError(t, rediskey.PutHold(ctx, l.rdb, "returned", hold, due))
	require.NoError(t, mr.Set(rediskey.CompensationLockKey("returned"), "1"))
	// its order exists, so the ledger already carries the decrement
	require.NoError(t, rediskey.PutHold(ctx, l.rdb, "placed", hold, due))
	require.NoError(t, db.Create(&model.Order{JobID: "placed", CarrierID: 1, Status: model.OrderPending}).Error)

	n, err := l.Preload(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	cached, err := mr.Get(rediskey.StockKey(1, 1, 1))
	require.NoError(t, err)
	assert.Equal(t, "3", cached)

	require.NoError(t, l.SetQuantity(ctx, v111, 1))
	avail, err := l.GetAvailable(ctx, v111)
	require.NoError(t, err)
	assert.Equal(t, int64(0), avail, "never below zero")
}
