package model

import "time"

type CartItem struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	CartID    uint64    `gorm:"not null;index" json:"cart_id"`
	ProductID uint64    `gorm:"not null" json:"product_id"`
	SizeID    uint64    `gorm:"not null" json:"size_id"`
	ColorID   uint64    `gorm:"not null" json:"color_id"`
	Quantity  int64     `gorm:"not null" json:"quantity"`
	CreatedAt time.Time `json:"created_at"`
}

func (CartItem) TableName() string { return "cart_items" }

// All lists every table the service migrates.
func All() []any {
	return []any{&ProductStock{}, &Order{}, &OrderItem{}, &OrderDetails{}, &CartItem{}}
}
