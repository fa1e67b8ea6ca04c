package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Order is created by the order worker inside the reservation transaction.
type Order struct {
	ID uint64 `gorm:"primaryKey;autoIncrement" json:"id"`
	// JobID is the reservation job that created the order; a redelivered job finds it here.
	JobID     string  `gorm:"size:64;uniqueIndex;not null" json:"job_id"`
	UserID    *uint64 `gorm:"index" json:"user_id"` // nil for guest checkout
	CarrierID uint64  `gorm:"not null" json:"carrier_id"`
	CouponID  *uint64 `json:"coupon_id"`

	ShippingFee    decimal.Decimal `gorm:"type:decimal(10,2);not null" json:"shipping_fee"`
	DiscountAmount decimal.Decimal `gorm:"type:decimal(10,2);not null" json:"discount_amount"`
	OriginalPrice  decimal.Decimal `gorm:"type:decimal(10,2);not null" json:"original_price"`
	FinalPrice     decimal.Decimal `gorm:"type:decimal(10,2);not null" json:"final_price"`

	Status    OrderStatus `gorm:"type:varchar(20);not null;index" json:"status"`
	ExpiresAt *time.Time  `gorm:"index" json:"expires_at"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`

	Items   []OrderItem   `gorm:"foreignKey:OrderID" json:"items,omitempty"`
	Details *OrderDetails `gorm:"foreignKey:OrderID" json:"details,omitempty"`
}

func (Order) TableName() string { return "orders" }

// OrderItem is one purchased variant; Reserved stays true until its stock is returned.
type OrderItem struct {
	ID            uint64          `gorm:"primaryKey;autoIncrement" json:"id"`
	OrderID       uint64          `gorm:"not null;index" json:"order_id"`
	ProductID     uint64          `gorm:"not null" json:"product_id"`
	SizeID        uint64          `gorm:"not null" json:"size_id"`
	ColorID       uint64          `gorm:"not null" json:"color_id"`
	Quantity      int64           `gorm:"not null" json:"quantity"`
	Price         decimal.Decimal `gorm:"type:decimal(10,2);not null" json:"price"`
	Reserved      bool            `gorm:"not null;index" json:"reserved"`
	ReservedUntil *time.Time      `json:"reserved_until"`
}

func (OrderItem) TableName() string { return "order_items" }

func (i OrderItem) Variant() Variant {
	return Variant{ProductID: i.ProductID, SizeID: i.SizeID, ColorID: i.ColorID}
}

// OrderDetails is the buyer contact and shipping snapshot taken when the order is created.
type OrderDetails struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	OrderID   uint64    `gorm:"not null;uniqueIndex" json:"order_id"`
	UserID    *uint64   `json:"user_id"`
	AddressID *uint64   `json:"address_id"`
	Name      string    `gorm:"size:255;not null" json:"name"`
	Email     string    `gorm:"size:255;not null" json:"email"`
	Phone     string    `gorm:"size:32;not null" json:"phone"`
	Street    string    `gorm:"size:255;not null" json:"street"`
	Ward      string    `gorm:"size:128;not null" json:"ward"`
	District  string    `gorm:"size:128;not null" json:"district"`
	City      string    `gorm:"size:128;not null" json:"city"`
	Country   string    `gorm:"size:128;not null" json:"country"`
	CreatedAt time.Time `json:"created_at"`
}

func (OrderDetails) TableName() string { return "order_details" }
