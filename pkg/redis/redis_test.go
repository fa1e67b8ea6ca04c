package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	rd "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *rd.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := rd.NewClient(&rd.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestReserveStockAllOrNothing(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newTestRedis(t)
	require.NoError(t, mr.Set(StockKey(1, 1, 1), "5"))
	require.NoError(t, mr.Set(StockKey(2, 1, 1), "1"))

	res, err := ReserveStock(ctx, rdb, []StockHold{
		{ProductID: 1, SizeID: 1, ColorID: 1, Quantity: 3},
		{ProductID: 2, SizeID: 1, ColorID: 1, Quantity: 2},
	})
	require.NoError(t, err)
	assert.False(t, res.Reserved)
	assert.Equal(t, 1, res.Index)
	assert.Equal(t, int64(1), res.Available)

	got, _ := mr.Get(StockKey(1, 1, 1))
	assert.Equal(t, "5", got, "first counter must be untouched when a later one is short")

	res, err = ReserveStock(ctx, rdb, []StockHold{{ProductID: 1, SizeID: 1, ColorID: 1, Quantity: 3}})
	require.NoError(t, err)
	assert.True(t, res.Reserved)
	got, _ = mr.Get(StockKey(1, 1, 1))
	assert.Equal(t, "2", got)
}

func TestReserveStockMissingKey(t *testing.T) {
	_, rdb := newTestRedis(t)
	res, err := ReserveStock(context.Background(), rdb, []StockHold{{ProductID: 9, SizeID: 9, ColorID: 9, Quantity: 1}})
	require.NoError(t, err)
	assert.False(t, res.Reserved)
	assert.True(t, res.Missing)
	assert.Equal(t, 0, res.Index)
}

func TestReturnStockSkipsMissingCounters(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newTestRedis(t)
	require.NoError(t, mr.Set(StockKey(1, 1, 1), "2"))

	n, err := ReturnStock(ctx, rdb, []StockHold{
		{ProductID: 1, SizeID: 1, ColorID: 1, Quantity: 3},
		{ProductID: 7, SizeID: 1, ColorID: 1, Quantity: 3},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, _ := mr.Get(StockKey(1, 1, 1))
	assert.Equal(t, "5", got)
	assert.False(t, mr.Exists(StockKey(7, 1, 1)))
}

func TestCompensateStockOnce(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newTestRedis(t)
	require.NoError(t, mr.Set(StockKey(1, 1, 1), "2"))
	holds := []StockHold{{ProductID: 1, SizeID: 1, ColorID: 1, Quantity: 3}}

	first, err := CompensateStockOnce(ctx, rdb, "job-1", holds)
	require.NoError(t, err)
	assert.True(t, first)

	second, err := CompensateStockOnce(ctx, rdb, "job-1", holds)
	require.NoError(t, err)
	assert.False(t, second)

	got, _ := mr.Get(StockKey(1, 1, 1))
	assert.Equal(t, "5", got)
}

func TestLockAcquireRelease(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newTestRedis(t)
	key := CheckoutLockKey("cart:1")

	require.NoError(t, AcquireLock(ctx, rdb, key, "a", 10*time.Second))
	assert.ErrorIs(t, AcquireLock(ctx, rdb, key, "b", 10*time.Second), ErrLockHeld)

	require.NoError(t, ReleaseLockIfMatch(ctx, rdb, key, "b"))
	assert.True(t, mr.Exists(key), "foreign token must not release the lock")

	require.NoError(t, ReleaseLockIfMatch(ctx, rdb, key, "a"))
	assert.False(t, mr.Exists(key))

	require.NoError(t, AcquireLock(ctx, rdb, key, "c", 10*time.Second))
	mr.FastForward(11 * time.Second)
	require.NoError(t, AcquireLock(ctx, rdb, key, "d", 10*time.Second))
}

func TestOrderResultWrittenOnce(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newTestRedis(t)

	_, found, err := GetOrderResult(ctx, rdb, "job-1")
	require.NoError(t, err)
	assert.False(t, found)

	written, err := PutOrderResult(ctx, rdb, "job-1", OrderResult{Success: true, OrderID: 42}, time.Minute)
	require.NoError(t, err)
	assert.True(t, written)

	written, err = PutOrderResult(ctx, rdb, "job-1", OrderResult{Success: false, Kind: ResultInternal}, time.Minute)
	require.NoError(t, err)
	assert.False(t, written)

	res, found, err := GetOrderResult(ctx, rdb, "job-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, res.Success)
	assert.Equal(t, uint64(42), res.OrderID)

	mr.FastForward(61 * time.Second)
	_, found, err = GetOrderResult(ctx, rdb, "job-1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestHolds(t *testing.T) {
	ctx := context.Background()
	_, rdb := newTestRedis(t)
	now := time.Now()
	items := []StockHold{{ProductID: 1, SizeID: 2, ColorID: 3, Quantity: 4}}

	require.NoError(t, PutHold(ctx, rdb, "due", items, now.Add(-time.Second)))
	require.NoError(t, PutHold(ctx, rdb, "later", items, now.Add(time.Hour)))

	due, err := DueHolds(ctx, rdb, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "due", due[0].JobID)
	assert.Equal(t, items, due[0].Items)

	require.NoError(t, DropHold(ctx, rdb, "due"))
	due, err = DueHolds(ctx, rdb, now, 10)
	require.NoError(t, err)
	assert.Empty(t, due)
}
