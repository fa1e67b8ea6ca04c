package queue

import (
	"context"
	"encoding/json"

	rd "github.com/redis/go-redis/v9"
)

// StreamEnqueuer appends jobs to a Redis Stream outbox; the Relay moves them to Kafka.
type StreamEnqueuer struct {
	rdb    *rd.Client
	stream string
}

func NewStreamEnqueuer(rdb *rd.Client, stream string) *StreamEnqueuer {
	return &StreamEnqueuer{rdb: rdb, stream: stream}
}

func (s *StreamEnqueuer) Enqueue(ctx context.Context, job ReservationJob) error {
	b, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return s.rdb.XAdd(ctx, &rd.XAddArgs{
		Stream: s.stream,
		Values: map[string]interface{}{
			"job_id":  job.JobID,
			"payload": string(b),
		},
	}).Err()
}
