package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"checkout/internal/model"
	"checkout/internal/queue"
	"checkout/internal/stock"
	rediskey "checkout/pkg/redis"

	"github.com/google/uuid"
	rd "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Cart is the cart service as seen from checkout.
type Cart interface {
	RemoveLineItem(ctx context.Context, cartID uint64, v model.Variant) error
}

// ItemRequest is one checkout line.
type ItemRequest struct {
	ProductID   uint64           `json:"product_id" binding:"required,min=1"`
	SizeID      uint64           `json:"size_id" binding:"required,min=1"`
	ColorID     uint64           `json:"color_id" binding:"required,min=1"`
	Quantity    int64            `json:"quantity" binding:"required,min=1"`
	Price       *decimal.Decimal `json:"price" binding:"required"`
	ProductName string           `json:"product_name"`
	SizeName    string           `json:"size_name"`
	ColorName   string           `json:"color_name"`
}

func (it ItemRequest) Variant() model.Variant {
	return model.Variant{ProductID: it.ProductID, SizeID: it.SizeID, ColorID: it.ColorID}
}

// PlaceOrderRequest is a checkout submitted by a buyer. Prices are taken as submitted.
type PlaceOrderRequest struct {
	CarrierID uint64  `json:"carrier_id" binding:"required,min=1"`
	CartID    *uint64 `json:"cart_id"`
	CouponID  *uint64 `json:"coupon_id"`
	AddressID *uint64 `json:"address_id"`

	ShippingFee    *decimal.Decimal `json:"shipping_fee"`
	DiscountAmount *decimal.Decimal `json:"discount_amount"`
	OriginalPrice  *decimal.Decimal `json:"original_price" binding:"required"`
	FinalPrice     *decimal.Decimal `json:"final_price" binding:"required"`

	Name     string `json:"name" binding:"required"`
	Email    string `json:"email" binding:"required,email"`
	Phone    string `json:"phone" binding:"required"`
	Street   string `json:"street"`
	Ward     string `json:"ward"`
	District string `json:"district"`
	City     string `json:"city"`
	Country  string `json:"country"`

	Items []ItemRequest `json:"items" binding:"required,min=1,dive"`

	// filled from headers, never from the body
	UserID         *uint64 `json:"-"`
	IdempotencyKey string  `json:"-"`
}

// Validate checks the request without touching any store.
func (r PlaceOrderRequest) Validate() error {
	if r.CarrierID == 0 {
		return errors.New("carrier_id is required")
	}
	if r.OriginalPrice == nil || r.FinalPrice == nil {
		return errors.New("original_price and final_price are required")
	}
	for name, p := range map[string]*decimal.Decimal{
		"shipping_fee":    r.ShippingFee,
		"discount_amount": r.DiscountAmount,
		"original_price":  r.OriginalPrice,
		"final_price":     r.FinalPrice,
	} {
		if p != nil && p.IsNegative() {
			return fmt.Errorf("%s must be >= 0", name)
		}
	}
	if r.Name == "" || r.Email == "" || r.Phone == "" {
		return errors.New("name, email and phone are required")
	}
	if len(r.Items) == 0 {
		return errors.New("items must not be empty")
	}
	for i, it := range r.Items {
		if it.ProductID == 0 || it.SizeID == 0 || it.ColorID == 0 {
			return fmt.Errorf("items[%d]: product_id, size_id and color_id are required", i)
		}
		if it.Quantity <= 0 {
			return fmt.Errorf("items[%d]: quantity must be > 0", i)
		}
		if it.Price == nil || it.Price.IsNegative() {
			return fmt.Errorf("items[%d]: price must be >= 0", i)
		}
	}
	return nil
}

// PlacedItem echoes one purchased line.
type PlacedItem struct {
	ProductID   uint64          `json:"product_id"`
	SizeID      uint64          `json:"size_id"`
	ColorID     uint64          `json:"color_id"`
	Quantity    int64           `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
	ProductName string          `json:"product_name"`
	SizeName    string          `json:"size_name"`
	ColorName   string          `json:"color_name"`
}

// Placement is a successful checkout.
type Placement struct {
	OrderID    uint64          `json:"order_id"`
	JobID      string          `json:"job_id"`
	Email      string          `json:"email"`
	FinalPrice decimal.Decimal `json:"final_price"`
	ExpiresAt  *time.Time      `json:"expires_at"`
	Items      []PlacedItem    `json:"items"`
}

// CoordinatorConfig tunes the synchronous checkout.
type CoordinatorConfig struct {
	LockTTL           time.Duration
	PollInterval      time.Duration
	PollAttempts      int
	ReservationWindow time.Duration
	HoldGrace         time.Duration
	IdempotencyTTL    time.Duration
	Clock             func() time.Time
}

// Coordinator runs the synchronous part of a checkout: it takes stock from the
// cache, hands the order to the workers and waits for their verdict.
type Coordinator struct {
	ledger *stock.Ledger
	rdb    *rd.Client
	jobs   queue.Enqueuer
	cart   Cart
	log    *zap.Logger
	cfg    CoordinatorConfig
}

func NewCoordinator(ledger *stock.Ledger, rdb *rd.Client, jobs queue.Enqueuer, cart Cart, log *zap.Logger, cfg CoordinatorConfig) *Coordinator {
	if cfg.Clock == nil {
		cfg.Clock = utcNow
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = 24 * time.Hour
	}
	return &Coordinator{ledger: ledger, rdb: rdb, jobs: jobs, cart: cart, log: log, cfg: cfg}
}

// PlaceOrder runs one checkout. Failures are always a *CheckoutError.
// A request carrying an idempotency key that already placed an order gets that
// placement back instead of a second order.
func (c *Coordinator) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*Placement, error) {
	if err := req.Validate(); err != nil {
		return nil, &CheckoutError{Kind: KindValidation, Message: err.Error(), Hold: HoldNone}
	}
	if dups := duplicateVariants(req.Items); len(dups) > 0 {
		return nil, &CheckoutError{
			Kind:       KindDuplicateItems,
			Message:    "an item variant appears more than once",
			Hold:       HoldNone,
			Duplicates: dups,
		}
	}

	jobID := uuid.NewString()
	log := c.log.With(zap.String("job_id", jobID))

	lockKey := rediskey.CheckoutLockKey(lockScope(req, jobID))
	token := uuid.NewString()
	if err := rediskey.AcquireLock(ctx, c.rdb, lockKey, token, c.cfg.LockTTL); err != nil {
		if errors.Is(err, rediskey.ErrLockHeld) {
			return nil, &CheckoutError{
				Kind:    KindInternal,
				Message: "another checkout for this cart is in progress",
				Hold:    HoldNone,
				cause:   ErrCheckoutInProgress,
			}
		}
		log.Error("acquire checkout lock", zap.Error(err))
		return nil, internalError("checkout unavailable, try again", HoldNone, err)
	}
	defer func() {
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := rediskey.ReleaseLockIfMatch(relCtx, c.rdb, lockKey, token); err != nil {
			log.Warn("release checkout lock", zap.Error(err))
		}
	}()

	if req.IdempotencyKey != "" {
		var prev Placement
		found, err := rediskey.LoadReplay(ctx, c.rdb, req.IdempotencyKey, &prev)
		if err != nil {
			log.Error("read idempotency key", zap.Error(err))
			return nil, internalError("checkout unavailable, try again", HoldNone, err)
		}
		if found {
			log.Info("replaying placed order", zap.Uint64("order_id", prev.OrderID))
			return &prev, nil
		}
	}

	if cerr := c.checkStock(ctx, req.Items, log); cerr != nil {
		return nil, cerr
	}

	holds := make([]rediskey.StockHold, 0, len(req.Items))
	for _, it := range req.Items {
		holds = append(holds, rediskey.StockHold{
			ProductID: it.ProductID, SizeID: it.SizeID, ColorID: it.ColorID, Quantity: it.Quantity,
		})
	}
	if cerr := c.takeHold(ctx, jobID, req.Items, holds, log); cerr != nil {
		return nil, cerr
	}

	job := buildJob(jobID, c.cfg.Clock(), req)
	if err := c.jobs.Enqueue(ctx, job); err != nil {
		log.Error("enqueue reservation job", zap.Error(err))
		return nil, internalError("could not queue the order", c.rollback(ctx, jobID, holds, log), err)
	}

	res, found := c.awaitResult(ctx, jobID, log)
	if !found {
		log.Warn("order result not observed in time")
		return nil, &CheckoutError{
			Kind:    KindTimeout,
			Message: "the order is still being processed",
			Hold:    HoldPending,
			JobID:   jobID,
		}
	}

	if !res.Success {
		hold := c.rollback(ctx, jobID, holds, log)
		return nil, resultError(res, hold, jobID)
	}

	if err := rediskey.DropHold(ctx, c.rdb, jobID); err != nil {
		// the sweeper drops it once it sees the order
		log.Warn("drop checkout hold", zap.Error(err))
	}
	if req.CartID != nil {
		for _, it := range req.Items {
			if err := c.cart.RemoveLineItem(ctx, *req.CartID, it.Variant()); err != nil {
				log.Warn("remove cart line item", zap.Uint64("cart_id", *req.CartID),
					zap.String("variant", it.Variant().String()), zap.Error(err))
			}
		}
	}
	c.ledger.InvalidateListingCache(ctx)

	out := placement(res, jobID, req)
	if req.IdempotencyKey != "" {
		if err := rediskey.SaveReplay(ctx, c.rdb, req.IdempotencyKey, out, c.cfg.IdempotencyTTL); err != nil {
			log.Warn("save idempotency key", zap.Error(err))
		}
	}
	log.Info("order placed", zap.Uint64("order_id", res.OrderID))
	return out, nil
}

// checkStock resolves availability of every line before anything is mutated.
func (c *Coordinator) checkStock(ctx context.Context, items []ItemRequest, log *zap.Logger) *CheckoutError {
	var outOfStock, notFound []ItemIssue
	for _, it := range items {
		issue := ItemIssue{ProductID: it.ProductID, SizeID: it.SizeID, ColorID: it.ColorID, Requested: it.Quantity}
		avail, err := c.ledger.GetAvailable(ctx, it.Variant())
		switch {
		case errors.Is(err, stock.ErrNotFound):
			notFound = append(notFound, issue)
		case err != nil:
			log.Error("read stock", zap.String("variant", it.Variant().String()), zap.Error(err))
			return internalError("could not read stock", HoldNone, err)
		case avail < it.Quantity:
			issue.Available = avail
			outOfStock = append(outOfStock, issue)
		}
	}
	switch {
	case len(outOfStock) > 0:
		return &CheckoutError{Kind: KindOutOfStock, Message: "some items are out of stock", Hold: HoldNone,
			OutOfStock: outOfStock, NotFound: notFound}
	case len(notFound) > 0:
		return &CheckoutError{Kind: KindNotFound, Message: "some items do not exist", Hold: HoldNone,
			NotFound: notFound}
	}
	return nil
}

// takeHold records the hold for the sweeper, then decrements every counter at once.
func (c *Coordinator) takeHold(ctx context.Context, jobID string, items []ItemRequest, holds []rediskey.StockHold, log *zap.Logger) *CheckoutError {
	dueAt := c.cfg.Clock().Add(c.cfg.ReservationWindow + c.cfg.HoldGrace)
	if err := rediskey.PutHold(ctx, c.rdb, jobID, holds, dueAt); err != nil {
		log.Error("record checkout hold", zap.Error(err))
		return internalError("could not reserve stock", HoldNone, err)
	}

	res, err := c.ledger.Decrement(ctx, holds)
	if err == nil && res.Reserved {
		return nil
	}
	if dropErr := rediskey.DropHold(ctx, c.rdb, jobID); dropErr != nil {
		log.Warn("drop checkout hold", zap.Error(dropErr))
	}
	if err != nil {
		log.Error("decrement stock cache", zap.Error(err))
		return internalError("could not reserve stock", HoldNone, err)
	}

	it := items[res.Index]
	if res.Missing {
		// counter evicted between the check and the decrement
		return internalError("stock changed during checkout, try again", HoldNone,
			fmt.Errorf("stock counter %s vanished", it.Variant()))
	}
	return &CheckoutError{
		Kind:    KindOutOfStock,
		Message: "some items are out of stock",
		Hold:    HoldNone,
		OutOfStock: []ItemIssue{{
			ProductID: it.ProductID, SizeID: it.SizeID, ColorID: it.ColorID,
			Requested: it.Quantity, Available: res.Available,
		}},
	}
}

// rollback gives the cache hold back once and reports what the caller should be told.
func (c *Coordinator) rollback(ctx context.Context, jobID string, holds []rediskey.StockHold, log *zap.Logger) HoldState {
	ctx = context.WithoutCancel(ctx)
	if _, err := c.ledger.CompensateOnce(ctx, jobID, holds); err != nil {
		// the hold stays indexed; the sweeper compensates it
		log.Error("compensate stock cache", zap.Error(err))
		return HoldPending
	}
	if err := rediskey.DropHold(ctx, c.rdb, jobID); err != nil {
		log.Warn("drop checkout hold", zap.Error(err))
	}
	return HoldReleased
}

// awaitResult polls the result slot without holding anything but the checkout lock.
func (c *Coordinator) awaitResult(ctx context.Context, jobID string, log *zap.Logger) (rediskey.OrderResult, bool) {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for attempt := 0; attempt < c.cfg.PollAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return rediskey.OrderResult{}, false
		case <-ticker.C:
		}
		res, found, err := rediskey.GetOrderResult(ctx, c.rdb, jobID)
		if err != nil {
			log.Warn("read order result", zap.Int("attempt", attempt+1), zap.Error(err))
			continue
		}
		if found {
			return res, true
		}
	}
	return rediskey.OrderResult{}, false
}

func resultError(res rediskey.OrderResult, hold HoldState, jobID string) *CheckoutError {
	switch res.Kind {
	case rediskey.ResultOutOfStock:
		return &CheckoutError{Kind: KindOutOfStock, Message: "some items are out of stock", Hold: hold,
			JobID: jobID, OutOfStock: issuesFromShortages(res.Shortages)}
	case rediskey.ResultNotFound:
		return &CheckoutError{Kind: KindNotFound, Message: "some items do not exist", Hold: hold,
			JobID: jobID, NotFound: issuesFromShortages(res.Shortages)}
	default:
		return &CheckoutError{Kind: KindInternal, Message: "the order could not be created", Hold: hold,
			JobID: jobID, cause: errors.New(res.Error)}
	}
}

// lockScope picks what concurrent checkouts must not overlap on.
func lockScope(req PlaceOrderRequest, jobID string) string {
	switch {
	case req.IdempotencyKey != "":
		return "key:" + req.IdempotencyKey
	case req.CartID != nil:
		return fmt.Sprintf("cart:%d", *req.CartID)
	case req.UserID != nil:
		return fmt.Sprintf("user:%d", *req.UserID)
	default:
		return "job:" + jobID
	}
}

func duplicateVariants(items []ItemRequest) []model.Variant {
	seen := make(map[model.Variant]int, len(items))
	var dups []model.Variant
	for _, it := range items {
		v := it.Variant()
		seen[v]++
		if seen[v] == 2 {
			dups = append(dups, v)
		}
	}
	return dups
}

func buildJob(jobID string, now time.Time, req PlaceOrderRequest) queue.ReservationJob {
	items := make([]queue.JobItem, 0, len(req.Items))
	for _, it := range req.Items {
		items = append(items, queue.JobItem{
			ProductID:   it.ProductID,
			SizeID:      it.SizeID,
			ColorID:     it.ColorID,
			Quantity:    it.Quantity,
			Price:       *it.Price,
			ProductName: it.ProductName,
			SizeName:    it.SizeName,
			ColorName:   it.ColorName,
		})
	}
	return queue.ReservationJob{
		JobID:          jobID,
		CreatedAt:      now,
		UserID:         req.UserID,
		CartID:         req.CartID,
		CarrierID:      req.CarrierID,
		CouponID:       req.CouponID,
		ShippingFee:    orZero(req.ShippingFee),
		DiscountAmount: orZero(req.DiscountAmount),
		OriginalPrice:  *req.OriginalPrice,
		FinalPrice:     *req.FinalPrice,
		Buyer: queue.Buyer{
			Name:      req.Name,
			Email:     req.Email,
			Phone:     req.Phone,
			Street:    req.Street,
			Ward:      req.Ward,
			District:  req.District,
			City:      req.City,
			Country:   req.Country,
			AddressID: req.AddressID,
		},
		Items: items,
	}
}

func placement(res rediskey.OrderResult, jobID string, req PlaceOrderRequest) *Placement {
	items := make([]PlacedItem, 0, len(req.Items))
	for _, it := range req.Items {
		items = append(items, PlacedItem{
			ProductID:   it.ProductID,
			SizeID:      it.SizeID,
			ColorID:     it.ColorID,
			Quantity:    it.Quantity,
			Price:       *it.Price,
			ProductName: it.ProductName,
			SizeName:    it.SizeName,
			ColorName:   it.ColorName,
		})
	}
	return &Placement{
		OrderID:    res.OrderID,
		JobID:      jobID,
		Email:      req.Email,
		FinalPrice: *req.FinalPrice,
		ExpiresAt:  res.ExpiresAt,
		Items:      items,
	}
}

func orZero(d *decimal.Decimal) decimal.Decimal {
	if d == nil {
		return decimal.Zero
	}
	return *d
}
