package order

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"checkout/internal/model"
	"checkout/internal/queue"
	"checkout/internal/stock"
	rediskey "checkout/pkg/redis"

	rd "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// WorkerConfig tunes the order worker.
type WorkerConfig struct {
	MaxAttempts       int
	Backoff           time.Duration
	ReservationWindow time.Duration
	ResultTTL         time.Duration
	Clock             func() time.Time
}

// Worker turns reservation jobs into durable orders. It is the only writer of
// orders and the only component that decrements the durable ledger.
type Worker struct {
	db  *gorm.DB
	rdb *rd.Client
	log *zap.Logger
	cfg WorkerConfig
}

func NewWorker(db *gorm.DB, rdb *rd.Client, log *zap.Logger, cfg WorkerConfig) *Worker {
	if cfg.Clock == nil {
		cfg.Clock = utcNow
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	return &Worker{db: db, rdb: rdb, log: log, cfg: cfg}
}

// Handle processes a job with retries and posts its outcome to the result store.
// It only returns an error when ctx was cancelled before an outcome was reached,
// in which case the job must be redelivered.
func (w *Worker) Handle(ctx context.Context, job queue.ReservationJob) error {
	log := w.log.With(zap.String("job_id", job.JobID))

	var (
		order *model.Order
		err   error
	)
	if w.cfg.Clock().Sub(job.CreatedAt) > w.cfg.ReservationWindow {
		// a redelivery of a job that did succeed still reports its order
		if order, err = w.findByJob(ctx, job.JobID); err != nil || order == nil {
			err = ErrJobExpired
		}
	} else {
		order, err = w.processWithRetry(ctx, job, log)
	}
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	w.settle(ctx, job.JobID, order, err, log)
	return nil
}

// settle posts the outcome of a job. A transient error is checked against the orders
// table first: a commit reported as failed may have landed all the same.
func (w *Worker) settle(ctx context.Context, jobID string, order *model.Order, err error, log *zap.Logger) {
	if err != nil && !terminal(err) {
		placed, ferr := w.findByJob(ctx, jobID)
		if ferr != nil {
			log.Error("look up order after failed attempt", zap.Error(ferr))
		} else if placed != nil {
			log.Warn("failed attempt left a committed order", zap.Error(err))
			order, err = placed, nil
		}
	}

	if err == nil {
		log.Info("order created", zap.Uint64("order_id", order.ID))
		w.publish(ctx, jobID, rediskey.OrderResult{Success: true, OrderID: order.ID, ExpiresAt: order.ExpiresAt}, log)
		return
	}

	log.Warn("reservation job failed", zap.Error(err))
	w.markFailed(ctx, jobID, log)
	w.publish(ctx, jobID, failureResult(err), log)
}

func (w *Worker) processWithRetry(ctx context.Context, job queue.ReservationJob, log *zap.Logger) (*model.Order, error) {
	var lastErr error
	for attempt := 1; attempt <= w.cfg.MaxAttempts; attempt++ {
		order, err := w.ProcessOrder(ctx, job)
		if err == nil {
			return order, nil
		}
		lastErr = err
		if terminal(err) || attempt == w.cfg.MaxAttempts {
			break
		}

		delay := w.cfg.Backoff * time.Duration(1<<(attempt-1))
		log.Warn("order attempt failed, retrying", zap.Int("attempt", attempt), zap.Duration("backoff", delay), zap.Error(err))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, lastErr
}

// ProcessOrder makes one attempt at creating the order of job inside a single transaction.
// A job that already produced an order returns that order unchanged.
func (w *Worker) ProcessOrder(ctx context.Context, job queue.ReservationJob) (*model.Order, error) {
	if existing, err := w.findByJob(ctx, job.JobID); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	need := make(map[model.Variant]int64, len(job.Items))
	for _, it := range job.Items {
		need[it.Variant()] += it.Quantity
	}
	variants := stock.Dedupe(job.Variants())
	sort.Slice(variants, func(i, j int) bool { return variants[i].Less(variants[j]) })

	var order model.Order
	err := w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rows, err := stock.LockRows(tx, variants)
		if err != nil {
			return err
		}
		if err := checkLocked(rows, variants, need); err != nil {
			return err
		}

		expires := w.cfg.Clock().Add(w.cfg.ReservationWindow)
		order = model.Order{
			JobID:          job.JobID,
			UserID:         job.UserID,
			CarrierID:      job.CarrierID,
			CouponID:       job.CouponID,
			ShippingFee:    job.ShippingFee,
			DiscountAmount: job.DiscountAmount,
			OriginalPrice:  job.OriginalPrice,
			FinalPrice:     job.FinalPrice,
			Status:         model.OrderPending,
			ExpiresAt:      &expires,
		}
		if err := tx.Create(&order).Error; err != nil {
			return fmt.Errorf("create order: %w", err)
		}

		items := make([]model.OrderItem, 0, len(job.Items))
		for _, it := range job.Items {
			items = append(items, model.OrderItem{
				OrderID:       order.ID,
				ProductID:     it.ProductID,
				SizeID:        it.SizeID,
				ColorID:       it.ColorID,
				Quantity:      it.Quantity,
				Price:         it.Price,
				Reserved:      true,
				ReservedUntil: &expires,
			})
		}
		if err := tx.Create(&items).Error; err != nil {
			return fmt.Errorf("create order items: %w", err)
		}

		b := job.Buyer
		details := model.OrderDetails{
			OrderID:   order.ID,
			UserID:    job.UserID,
			AddressID: b.AddressID,
			Name:      b.Name,
			Email:     b.Email,
			Phone:     b.Phone,
			Street:    b.Street,
			Ward:      b.Ward,
			District:  b.District,
			City:      b.City,
			Country:   b.Country,
		}
		if err := tx.Create(&details).Error; err != nil {
			return fmt.Errorf("create order details: %w", err)
		}

		for _, v := range variants {
			if err := stock.DecrementTx(tx, v, need[v]); err != nil {
				return err
			}
		}
		order.Items = items
		order.Details = &details
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// checkLocked verifies every variant has a row holding enough stock.
func checkLocked(rows map[model.Variant]model.ProductStock, variants []model.Variant, need map[model.Variant]int64) error {
	var missing, short []rediskey.Shortage
	for _, v := range variants {
		s := rediskey.Shortage{ProductID: v.ProductID, SizeID: v.SizeID, ColorID: v.ColorID, Requested: need[v]}
		row, ok := rows[v]
		if !ok {
			missing = append(missing, s)
			continue
		}
		if row.Quantity < need[v] {
			s.Available = row.Quantity
			short = append(short, s)
		}
	}
	if len(missing) > 0 {
		return &ShortageError{Kind: rediskey.ResultNotFound, Items: missing}
	}
	if len(short) > 0 {
		return &ShortageError{Kind: rediskey.ResultOutOfStock, Items: short}
	}
	return nil
}

func (w *Worker) findByJob(ctx context.Context, jobID string) (*model.Order, error) {
	var o model.Order
	err := w.db.WithContext(ctx).Where("job_id = ?", jobID).Take(&o).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find order by job: %w", err)
	}
	return &o, nil
}

// markFailed flags an order left behind by a failed job. The sweeper returns its stock.
func (w *Worker) markFailed(ctx context.Context, jobID string, log *zap.Logger) {
	res := w.db.WithContext(ctx).Model(&model.Order{}).
		Where("job_id = ? AND status IN ?", jobID, []model.OrderStatus{model.OrderPending, model.OrderInPayment, model.OrderInProgress}).
		Update("status", model.OrderFailed)
	if res.Error != nil {
		log.Error("mark order failed", zap.Error(res.Error))
		return
	}
	if res.RowsAffected > 0 {
		log.Warn("order marked failed")
	}
}

func (w *Worker) publish(ctx context.Context, jobID string, res rediskey.OrderResult, log *zap.Logger) {
	written, err := rediskey.PutOrderResult(ctx, w.rdb, jobID, res, w.cfg.ResultTTL)
	if err != nil {
		log.Error("post order result", zap.Error(err))
		return
	}
	if !written {
		log.Info("order result already posted")
	}
}

func failureResult(err error) rediskey.OrderResult {
	var se *ShortageError
	if errors.As(err, &se) {
		return rediskey.OrderResult{Kind: se.Kind, Error: se.Error(), Shortages: se.Items}
	}
	if errors.Is(err, ErrJobExpired) {
		return rediskey.OrderResult{Kind: rediskey.ResultInternal, Error: ErrJobExpired.Error()}
	}
	// internals stay in the log
	return rediskey.OrderResult{Kind: rediskey.ResultInternal, Error: "order creation failed"}
}

func utcNow() time.Time { return time.Now().UTC() }
