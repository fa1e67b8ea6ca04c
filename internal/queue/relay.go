package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	rd "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Publisher is the downstream the relay forwards jobs to.
type Publisher interface {
	Publish(ctx context.Context, job ReservationJob) error
}

// Relay forwards jobs from the Redis Stream outbox to Kafka.
// An entry is ACKed only after Kafka accepted it; a failed publish leaves it pending for retry.
type Relay struct {
	rdb       *rd.Client
	publisher Publisher
	log       *zap.Logger

	stream   string
	group    string
	consumer string
}

func NewRelay(rdb *rd.Client, publisher Publisher, log *zap.Logger, stream, group, consumer string) *Relay {
	return &Relay{
		rdb:       rdb,
		publisher: publisher,
		log:       log,
		stream:    stream,
		group:     group,
		consumer:  consumer,
	}
}

func (r *Relay) Run(ctx context.Context) {
	if err := r.ensureGroup(ctx); err != nil {
		r.log.Error("relay ensure group", zap.Error(err))
		return
	}

	for {
		if ctx.Err() != nil {
			return
		}
		if _, err := r.poll(ctx, 2*time.Second); err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			r.log.Warn("relay poll", zap.Error(err))
			if !pause(ctx, 300*time.Millisecond) {
				return
			}
		}
	}
}

// poll forwards one batch and reports how many entries it ACKed.
// Pending entries of this consumer go first so nothing is left behind after a restart.
func (r *Relay) poll(ctx context.Context, block time.Duration) (int, error) {
	msgs, err := r.readGroup(ctx, "0", -1)
	if err != nil {
		return 0, fmt.Errorf("read pending: %w", err)
	}
	if len(msgs) == 0 {
		msgs, err = r.readGroup(ctx, ">", block)
		if err != nil {
			return 0, fmt.Errorf("read new: %w", err)
		}
	}

	done := 0
	for _, xm := range msgs {
		if err := r.processOne(ctx, xm); err != nil {
			// keep the rest for the next round, in order
			r.log.Warn("relay forward failed", zap.String("entry_id", xm.ID), zap.Error(err))
			if !pause(ctx, 200*time.Millisecond) {
				return done, ctx.Err()
			}
			break
		}
		done++
	}
	return done, nil
}

// pause waits for d and reports false if ctx ended first.
func pause(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func (r *Relay) ensureGroup(ctx context.Context) error {
	err := r.rdb.XGroupCreateMkStream(ctx, r.stream, r.group, "0").Err()
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return err
}

func (r *Relay) readGroup(ctx context.Context, streamID string, block time.Duration) ([]rd.XMessage, error) {
	streams, err := r.rdb.XReadGroup(ctx, &rd.XReadGroupArgs{
		Group:    r.group,
		Consumer: r.consumer,
		Streams:  []string{r.stream, streamID},
		Count:    16,
		Block:    block,
		NoAck:    false,
	}).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]rd.XMessage, 0, 16)
	for _, s := range streams {
		out = append(out, s.Messages...)
	}
	return out, nil
}

func (r *Relay) processOne(ctx context.Context, xm rd.XMessage) error {
	job, err := parseJobEntry(xm.Values)
	if err != nil {
		// a malformed entry would block the stream forever; drop it
		r.log.Error("relay drop malformed entry", zap.String("entry_id", xm.ID), zap.Error(err))
		if ackErr := r.ackAndDelete(ctx, xm.ID); ackErr != nil {
			return fmt.Errorf("parse failed: %v, ack failed: %w", err, ackErr)
		}
		return nil
	}

	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.publisher.Publish(pubCtx, job); err != nil {
		return err
	}
	return r.ackAndDelete(ctx, xm.ID)
}

func (r *Relay) ackAndDelete(ctx context.Context, id string) error {
	pipe := r.rdb.TxPipeline()
	pipe.XAck(ctx, r.stream, r.group, id)
	pipe.XDel(ctx, r.stream, id)
	_, err := pipe.Exec(ctx)
	return err
}

func parseJobEntry(values map[string]interface{}) (ReservationJob, error) {
	jobID, err := getStreamString(values, "job_id")
	if err != nil {
		return ReservationJob{}, err
	}
	payload, err := getStreamString(values, "payload")
	if err != nil {
		return ReservationJob{}, err
	}

	var job ReservationJob
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		return ReservationJob{}, fmt.Errorf("invalid payload: %w", err)
	}
	if job.JobID != jobID {
		return ReservationJob{}, fmt.Errorf("job_id %q does not match payload %q", jobID, job.JobID)
	}
	if err := job.Validate(); err != nil {
		return ReservationJob{}, err
	}
	return job, nil
}

func getStreamString(values map[string]interface{}, key string) (string, error) {
	v, ok := values[key]
	if !ok {
		return "", fmt.Errorf("missing field %s", key)
	}
	switch x := v.(type) {
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	default:
		return "", fmt.Errorf("unsupported field type %s: %T", key, v)
	}
}
