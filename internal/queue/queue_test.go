package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	rd "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakePublisher struct {
	mu   sync.Mutex
	jobs []ReservationJob
	err  error
}

func (f *fakePublisher) Publish(_ context.Context, job ReservationJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.jobs = append(f.jobs, job)
	return nil
}

func testJob(id string) ReservationJob {
	return ReservationJob{
		JobID:         id,
		CreatedAt:     time.Now().UTC(),
		CarrierID:     1,
		OriginalPrice: decimal.RequireFromString("20.00"),
		FinalPrice:    decimal.RequireFromString("20.00"),
		Buyer:         Buyer{Name: "Ann", Email: "ann@example.com"},
		Items: []JobItem{
			{ProductID: 1, SizeID: 1, ColorID: 1, Quantity: 2, Price: decimal.RequireFromString("10.00")},
		},
	}
}

func newRelay(t *testing.T, pub Publisher) (*Relay, *StreamEnqueuer, *rd.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := rd.NewClient(&rd.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	r := NewRelay(rdb, pub, zap.NewNop(), "jobs", "relay", "relay-1")
	require.NoError(t, r.ensureGroup(context.Background()))
	require.NoError(t, r.ensureGroup(context.Background()), "group creation is idempotent")
	return r, NewStreamEnqueuer(rdb, "jobs"), rdb
}

func TestJobValidate(t *testing.T) {
	require.NoError(t, testJob("j1").Validate())

	cases := map[string]func(*ReservationJob){
		"no job id":     func(j *ReservationJob) { j.JobID = "" },
		"no created_at": func(j *ReservationJob) { j.CreatedAt = time.Time{} },
		"no carrier":    func(j *ReservationJob) { j.CarrierID = 0 },
		"no items":      func(j *ReservationJob) { j.Items = nil },
		"zero quantity": func(j *ReservationJob) { j.Items[0].Quantity = 0 },
		"no color":      func(j *ReservationJob) { j.Items[0].ColorID = 0 },
		"negative price": func(j *ReservationJob) {
			j.Items[0].Price = decimal.NewFromInt(-1)
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			j := testJob("j1")
			mutate(&j)
			assert.Error(t, j.Validate())
		})
	}
}

func TestRelayForwardsAndAcks(t *testing.T) {
	pub := &fakePublisher{}
	r, enq, rdb := newRelay(t, pub)
	ctx := context.Background()

	require.NoError(t, enq.Enqueue(ctx, testJob("j1")))
	require.NoError(t, enq.Enqueue(ctx, testJob("j2")))

	n, err := r.poll(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.Len(t, pub.jobs, 2)
	assert.Equal(t, "j1", pub.jobs[0].JobID)
	assert.Equal(t, "j2", pub.jobs[1].JobID)
	assert.True(t, pub.jobs[0].Items[0].Price.Equal(decimal.RequireFromString("10")))

	length, err := rdb.XLen(ctx, "jobs").Result()
	require.NoError(t, err)
	assert.Zero(t, length, "forwarded entries are deleted")
}

func TestRelayKeepsEntryWhenPublishFails(t *testing.T) {
	pub := &fakePublisher{err: errors.New("kafka down")}
	r, enq, rdb := newRelay(t, pub)
	ctx := context.Background()

	require.NoError(t, enq.Enqueue(ctx, testJob("j1")))
	n, err := r.poll(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Zero(t, n)

	pending, err := rdb.XPending(ctx, "jobs", "relay").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending.Count)

	// the pending entry is retried first once Kafka is back
	pub.mu.Lock()
	pub.err = nil
	pub.mu.Unlock()
	n, err = r.poll(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, pub.jobs, 1)
	assert.Equal(t, "j1", pub.jobs[0].JobID)
}

func TestRelayDropsMalformedEntry(t *testing.T) {
	pub := &fakePublisher{}
	r, _, rdb := newRelay(t, pub)
	ctx := context.Background()

	require.NoError(t, rdb.XAdd(ctx, &rd.XAddArgs{
		Stream: "jobs",
		Values: map[string]interface{}{"job_id": "x", "payload": "{not json"},
	}).Err())

	n, err := r.poll(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, pub.jobs)

	length, err := rdb.XLen(ctx, "jobs").Result()
	require.NoError(t, err)
	assert.Zero(t, length)
}

func TestParseJobEntryRejectsMismatchedID(t *testing.T) {
	_, err := parseJobEntry(map[string]interface{}{
		"job_id":  "other",
		"payload": `{"job_id":"j1"}`,
	})
	assert.Error(t, err)

	_, err = parseJobEntry(map[string]interface{}{"payload": "{}"})
	assert.Error(t, err)
}

type publishFunc func(ctx context.Context, job ReservationJob) error

func (f publishFunc) Publish(ctx context.Context, job ReservationJob) error { return f(ctx, job) }

func TestRelayStopsWaitingWhenCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r, enq, rdb := newRelay(t, publishFunc(func(context.Context, ReservationJob) error {
		cancel()
		return errors.New("kafka down")
	}))
	require.NoError(t, enq.Enqueue(context.Background(), testJob("j1")))

	start := time.Now()
	n, err := r.poll(ctx, 100*time.Millisecond)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, n)
	assert.Less(t, time.Since(start), 200*time.Millisecond)

	pending, err := rdb.XPending(context.Background(), "jobs", "relay").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending.Count, "entry stays for the next relay")

	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("relay did not stop after cancel")
	}
}
