package order

import (
	"errors"
	"fmt"
	"strings"

	"checkout/internal/model"
	rediskey "checkout/pkg/redis"
)

// Kind classifies a failed checkout for the caller.
type Kind string

const (
	KindOutOfStock     Kind = "OUT_OF_STOCK"
	KindNotFound       Kind = "NOT_FOUND"
	KindDuplicateItems Kind = "DUPLICATE_ITEMS"
	KindValidation     Kind = "VALIDATION"
	KindTimeout        Kind = "TIMEOUT"
	KindInternal       Kind = "INTERNAL"
)

// HoldState tells the caller what happened to the stock provisionally taken for the checkout.
type HoldState string

const (
	HoldNone     HoldState = "none"     // nothing was taken
	HoldReleased HoldState = "released" // taken and given back
	HoldPending  HoldState = "pending"  // still held; a background process settles it
)

var (
	// ErrCheckoutInProgress means another checkout holds the lock for the same cart, user or key.
	ErrCheckoutInProgress = errors.New("checkout already in progress")

	ErrInsufficientStock = errors.New("insufficient stock")
	ErrStockMissing      = errors.New("stock entry missing")
	ErrJobExpired        = errors.New("reservation job expired")

	ErrOrderNotFound     = errors.New("order not found")
	ErrInvalidStatus     = errors.New("invalid order status")
	ErrInvalidTransition = errors.New("invalid order status transition")
)

// ItemIssue is one line that could not be reserved.
type ItemIssue struct {
	ProductID uint64 `json:"product_id"`
	SizeID    uint64 `json:"size_id"`
	ColorID   uint64 `json:"color_id"`
	Requested int64  `json:"requested"`
	Available int64  `json:"available"`
}

// CheckoutError is the structured failure of PlaceOrder.
type CheckoutError struct {
	Kind       Kind            `json:"kind"`
	Message    string          `json:"message"`
	Hold       HoldState       `json:"hold"`
	JobID      string          `json:"job_id,omitempty"`
	OutOfStock []ItemIssue     `json:"out_of_stock_items,omitempty"`
	NotFound   []ItemIssue     `json:"not_found_items,omitempty"`
	Duplicates []model.Variant `json:"duplicate_items,omitempty"`

	cause error
}

func (e *CheckoutError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *CheckoutError) Unwrap() error { return e.cause }

func internalError(msg string, hold HoldState, cause error) *CheckoutError {
	return &CheckoutError{Kind: KindInternal, Message: msg, Hold: hold, cause: cause}
}

// ShortageError is the terminal stock failure found by the worker under row locks.
type ShortageError struct {
	Kind  string // rediskey.ResultOutOfStock or rediskey.ResultNotFound
	Items []rediskey.Shortage
}

func (e *ShortageError) Error() string {
	parts := make([]string, 0, len(e.Items))
	for _, it := range e.Items {
		v := model.Variant{ProductID: it.ProductID, SizeID: it.SizeID, ColorID: it.ColorID}
		if e.Kind == rediskey.ResultNotFound {
			parts = append(parts, v.String())
			continue
		}
		parts = append(parts, fmt.Sprintf("%s available=%d requested=%d", v, it.Available, it.Requested))
	}
	if e.Kind == rediskey.ResultNotFound {
		return fmt.Sprintf("%v: %s", ErrStockMissing, strings.Join(parts, ", "))
	}
	return fmt.Sprintf("%v: %s", ErrInsufficientStock, strings.Join(parts, ", "))
}

func (e *ShortageError) Is(target error) bool {
	switch target {
	case ErrInsufficientStock:
		return e.Kind == rediskey.ResultOutOfStock
	case ErrStockMissing:
		return e.Kind == rediskey.ResultNotFound
	}
	return false
}

// terminal reports whether retrying the job cannot change its outcome.
func terminal(err error) bool {
	return errors.Is(err, ErrInsufficientStock) ||
		errors.Is(err, ErrStockMissing) ||
		errors.Is(err, ErrJobExpired)
}

func issuesFromShortages(items []rediskey.Shortage) []ItemIssue {
	out := make([]ItemIssue, 0, len(items))
	for _, s := range items {
		out = append(out, ItemIssue{
			ProductID: s.ProductID, SizeID: s.SizeID, ColorID: s.ColorID,
			Requested: s.Requested, Available: s.Available,
		})
	}
	return out
}
