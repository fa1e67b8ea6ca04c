package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
)

// Enqueuer hands a reservation job to the order workers.
type Enqueuer interface {
	Enqueue(ctx context.Context, job ReservationJob) error
}

// Producer writes reservation jobs to Kafka.
type Producer struct {
	w *kafka.Writer
}

// NewProducer configures the writer for durability:
// - Hash on the job id keeps redeliveries of a job on one partition.
// - RequireAll waits for every in-sync replica.
// - MaxAttempts and the timeouts bound how long a publish may take.
func NewProducer(brokers []string, topic string) *Producer {
	return &Producer{
		w: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			MaxAttempts:  5,
			WriteTimeout: 5 * time.Second,
			ReadTimeout:  5 * time.Second,
			BatchTimeout: 50 * time.Millisecond,
		},
	}
}

func (p *Producer) Close() error { return p.w.Close() }

// Publish synchronously writes one job, keyed by its job id.
func (p *Producer) Publish(ctx context.Context, job ReservationJob) error {
	b, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return p.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(job.JobID),
		Value: b,
	})
}

// Enqueue publishes straight to Kafka (QUEUE_MODE=kafka).
func (p *Producer) Enqueue(ctx context.Context, job ReservationJob) error {
	return p.Publish(ctx, job)
}
