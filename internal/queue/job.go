package queue

import (
	"fmt"
	"time"

	"checkout/internal/model"

	"github.com/shopspring/decimal"
)

// JobItem is one checkout line as the buyer submitted it.
type JobItem struct {
	ProductID   uint64          `json:"product_id"`
	SizeID      uint64          `json:"size_id"`
	ColorID     uint64          `json:"color_id"`
	Quantity    int64           `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
	ProductName string          `json:"product_name"`
	SizeName    string          `json:"size_name"`
	ColorName   string          `json:"color_name"`
}

func (it JobItem) Variant() model.Variant {
	return model.Variant{ProductID: it.ProductID, SizeID: it.SizeID, ColorID: it.ColorID}
}

// Buyer is the contact and shipping snapshot stored with the order.
type Buyer struct {
	Name      string  `json:"name"`
	Email     string  `json:"email"`
	Phone     string  `json:"phone"`
	Street    string  `json:"street"`
	Ward      string  `json:"ward"`
	District  string  `json:"district"`
	City      string  `json:"city"`
	Country   string  `json:"country"`
	AddressID *uint64 `json:"address_id,omitempty"`
}

// ReservationJob carries a whole checkout to the order workers.
// JobID is also the Kafka key and the result slot key.
type ReservationJob struct {
	JobID     string    `json:"job_id"`
	CreatedAt time.Time `json:"created_at"`

	UserID    *uint64 `json:"user_id,omitempty"`
	CartID    *uint64 `json:"cart_id,omitempty"`
	CarrierID uint64  `json:"carrier_id"`
	CouponID  *uint64 `json:"coupon_id,omitempty"`

	ShippingFee    decimal.Decimal `json:"shipping_fee"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	OriginalPrice  decimal.Decimal `json:"original_price"`
	FinalPrice     decimal.Decimal `json:"final_price"`

	Buyer Buyer     `json:"buyer"`
	Items []JobItem `json:"items"`
}

// Validate rejects messages a worker cannot process.
func (j ReservationJob) Validate() error {
	if j.JobID == "" {
		return fmt.Errorf("job_id is required")
	}
	if j.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	if j.CarrierID == 0 {
		return fmt.Errorf("carrier_id is required")
	}
	if len(j.Items) == 0 {
		return fmt.Errorf("items must not be empty")
	}
	for i, it := range j.Items {
		if it.ProductID == 0 || it.SizeID == 0 || it.ColorID == 0 {
			return fmt.Errorf("items[%d]: product_id, size_id and color_id are required", i)
		}
		if it.Quantity <= 0 {
			return fmt.Errorf("items[%d]: quantity must be > 0", i)
		}
		if it.Price.IsNegative() {
			return fmt.Errorf("items[%d]: price must be >= 0", i)
		}
	}
	return nil
}

// Variants lists the variant of every line, in line order.
func (j ReservationJob) Variants() []model.Variant {
	out := make([]model.Variant, len(j.Items))
	for i, it := range j.Items {
		out[i] = it.Variant()
	}
	return out
}
