package redis

import (
	"context"
	"fmt"
	"time"

	rd "github.com/redis/go-redis/v9"
)

// StockHold is a quantity held against one variant counter.
type StockHold struct {
	ProductID uint64 `json:"product_id"`
	SizeID    uint64 `json:"size_id"`
	ColorID   uint64 `json:"color_id"`
	Quantity  int64  `json:"quantity"`
}

func (h StockHold) Key() string { return StockKey(h.ProductID, h.SizeID, h.ColorID) }

// luaReserveStock checks every counter first and only then decrements all of them,
// so a request either holds all of its items or none.
// KEYS[i]=stock key, ARGV[i]=quantity; returns {status, index, current}
// status 0 = reserved, -1 = insufficient, -2 = key missing.
const luaReserveStock = `
for i, key in ipairs(KEYS) do
  local v = redis.call('GET', key)
  if not v then
    return {-2, i, 0}
  end
  local current = tonumber(v)
  if current < tonumber(ARGV[i]) then
    return {-1, i, current}
  end
end
for i, key in ipairs(KEYS) do
  redis.call('DECRBY', key, ARGV[i])
end
return {0, 0, 0}
`

// luaReturnStock only touches counters that still exist; a missing counter is
// rebuilt from the ledger on the next read.
const luaReturnStock = `
local n = 0
for i, key in ipairs(KEYS) do
  if redis.call('EXISTS', key) == 1 then
    redis.call('INCRBY', key, ARGV[i])
    n = n + 1
  end
end
return n
`

// luaCompensateStockOnce guards the return of a job's hold with a SET NX marker.
// KEYS[1]=marker, KEYS[2..]=stock keys, ARGV[1]=marker ttl seconds, ARGV[2..]=quantities
const luaCompensateStockOnce = `
if redis.call('SET', KEYS[1], '1', 'NX', 'EX', ARGV[1]) then
  for i = 2, #KEYS do
    if redis.call('EXISTS', KEYS[i]) == 1 then
      redis.call('INCRBY', KEYS[i], ARGV[i])
    end
  end
  return 1
end
return 0
`

// ReserveResult describes the outcome of ReserveStock.
type ReserveResult struct {
	Reserved  bool
	Index     int // offending hold when not reserved
	Missing   bool
	Available int64
}

// ReserveStock decrements every counter by its hold, all or nothing.
func ReserveStock(ctx context.Context, rdb *rd.Client, holds []StockHold) (ReserveResult, error) {
	if len(holds) == 0 {
		return ReserveResult{Reserved: true}, nil
	}
	keys, args := holdArgs(holds)
	vals, err := rdb.Eval(ctx, luaReserveStock, keys, args...).Slice()
	if err != nil {
		return ReserveResult{}, err
	}
	if len(vals) != 3 {
		return ReserveResult{}, fmt.Errorf("reserve stock: unexpected reply %v", vals)
	}
	status, _ := vals[0].(int64)
	index, _ := vals[1].(int64)
	current, _ := vals[2].(int64)
	switch status {
	case 0:
		return ReserveResult{Reserved: true}, nil
	case -1:
		return ReserveResult{Index: int(index) - 1, Available: current}, nil
	default:
		return ReserveResult{Index: int(index) - 1, Missing: true}, nil
	}
}

// ReturnStock adds the holds back to the counters that still exist and reports how many it touched.
func ReturnStock(ctx context.Context, rdb *rd.Client, holds []StockHold) (int, error) {
	if len(holds) == 0 {
		return 0, nil
	}
	keys, args := holdArgs(holds)
	return rdb.Eval(ctx, luaReturnStock, keys, args...).Int()
}

// CompensateStockOnce reports true only for the call that actually returned the hold.
func CompensateStockOnce(ctx context.Context, rdb *rd.Client, jobID string, holds []StockHold) (bool, error) {
	const markerTTLSeconds = int64((7 * 24 * time.Hour) / time.Second)

	keys := make([]string, 0, len(holds)+1)
	args := make([]interface{}, 0, len(holds)+1)
	keys = append(keys, CompensationLockKey(jobID))
	args = append(args, markerTTLSeconds)
	for _, h := range holds {
		keys = append(keys, h.Key())
		args = append(args, h.Quantity)
	}

	n, err := rdb.Eval(ctx, luaCompensateStockOnce, keys, args...).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func holdArgs(holds []StockHold) ([]string, []interface{}) {
	keys := make([]string, len(holds))
	args := make([]interface{}, len(holds))
	for i, h := range holds {
		keys[i] = h.Key()
		args[i] = h.Quantity
	}
	return keys, args
}
