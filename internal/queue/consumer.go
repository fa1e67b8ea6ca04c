package queue

import (
	"context"
	"encoding/json"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Handler processes one job. It returns an error only when the job must be redelivered.
type Handler func(ctx context.Context, job ReservationJob) error

// Consumer reads reservation jobs from Kafka and handles them one at a time.
// Several consumers in the same group split the partitions between them.
type Consumer struct {
	r      *kafka.Reader
	handle Handler
	log    *zap.Logger
}

func NewConsumer(brokers []string, topic, groupID string, handle Handler, log *zap.Logger) *Consumer {
	return &Consumer{
		r: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			Topic:    topic,
			GroupID:  groupID,
			MinBytes: 1e3,
			MaxBytes: 1e6,
		}),
		handle: handle,
		log:    log,
	}
}

func (c *Consumer) Close() error { return c.r.Close() }

// Run commits each message after it was handled, so a crash mid-job means redelivery.
func (c *Consumer) Run(ctx context.Context) {
	for {
		m, err := c.r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.log.Error("consumer fetch", zap.Error(err))
			}
			return
		}

		var job ReservationJob
		if err := json.Unmarshal(m.Value, &job); err != nil {
			c.log.Error("consumer drop undecodable job", zap.Int64("offset", m.Offset), zap.Error(err))
		} else if err := job.Validate(); err != nil {
			c.log.Error("consumer drop invalid job", zap.String("job_id", job.JobID), zap.Error(err))
		} else if err := c.handle(ctx, job); err != nil {
			c.log.Warn("job left for redelivery", zap.String("job_id", job.JobID), zap.Error(err))
			return
		}

		if err := c.r.CommitMessages(ctx, m); err != nil {
			if ctx.Err() == nil {
				c.log.Error("consumer commit", zap.Int64("offset", m.Offset), zap.Error(err))
			}
			return
		}
	}
}
