package redis

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	rd "github.com/redis/go-redis/v9"
)

// Hold is the provisional cache deduction of one checkout, kept until the
// checkout reaches an outcome or the sweeper reconciles it.
type Hold struct {
	JobID string
	Items []StockHold
}

// holdRetention keeps the item list around well past its due time in case the sweeper is down.
const holdRetention = 7 * 24 * time.Hour

// PutHold records the items of jobID and indexes them to become due at dueAt.
func PutHold(ctx context.Context, rdb *rd.Client, jobID string, items []StockHold, dueAt time.Time) error {
	b, err := json.Marshal(items)
	if err != nil {
		return err
	}
	pipe := rdb.TxPipeline()
	pipe.Set(ctx, HoldKey(jobID), b, time.Until(dueAt)+holdRetention)
	pipe.ZAdd(ctx, HoldIndexKey, rd.Z{Score: float64(dueAt.Unix()), Member: jobID})
	_, err = pipe.Exec(ctx)
	return err
}

// DropHold forgets the hold of jobID.
func DropHold(ctx context.Context, rdb *rd.Client, jobID string) error {
	pipe := rdb.TxPipeline()
	pipe.Del(ctx, HoldKey(jobID))
	pipe.ZRem(ctx, HoldIndexKey, jobID)
	_, err := pipe.Exec(ctx)
	return err
}

// DueHolds lists up to limit holds whose due time is not after now.
// A hold whose item list has vanished is returned with no items.
func DueHolds(ctx context.Context, rdb *rd.Client, now time.Time, limit int64) ([]Hold, error) {
	return holdsUpTo(ctx, rdb, strconv.FormatInt(now.Unix(), 10), limit)
}

// OutstandingHolds lists every hold still indexed, due or not.
func OutstandingHolds(ctx context.Context, rdb *rd.Client) ([]Hold, error) {
	return holdsUpTo(ctx, rdb, "+inf", 0)
}

// Compensated reports which of jobIDs already had their hold given back.
func Compensated(ctx context.Context, rdb *rd.Client, jobIDs []string) (map[string]bool, error) {
	out := make(map[string]bool, len(jobIDs))
	if len(jobIDs) == 0 {
		return out, nil
	}
	pipe := rdb.Pipeline()
	cmds := make([]*rd.IntCmd, len(jobIDs))
	for i, id := range jobIDs {
		cmds[i] = pipe.Exists(ctx, CompensationLockKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	for i, id := range jobIDs {
		out[id] = cmds[i].Val() == 1
	}
	return out, nil
}

func holdsUpTo(ctx context.Context, rdb *rd.Client, max string, limit int64) ([]Hold, error) {
	ids, err := rdb.ZRangeByScore(ctx, HoldIndexKey, &rd.ZRangeBy{
		Min:   "-inf",
		Max:   max,
		Count: limit,
	}).Result()
	if err != nil {
		return nil, err
	}

	out := make([]Hold, 0, len(ids))
	for _, id := range ids {
		h := Hold{JobID: id}
		raw, err := rdb.Get(ctx, HoldKey(id)).Bytes()
		switch {
		case errors.Is(err, rd.Nil):
		case err != nil:
			return nil, err
		default:
			if err := json.Unmarshal(raw, &h.Items); err != nil {
				return nil, err
			}
		}
		out = append(out, h)
	}
	return out, nil
}
