package model

import "fmt"

// Variant identifies one sellable (product, size, color) combination.
type Variant struct {
	ProductID uint64 `json:"product_id"`
	SizeID    uint64 `json:"size_id"`
	ColorID   uint64 `json:"color_id"`
}

func (v Variant) String() string {
	return fmt.Sprintf("%d-%d-%d", v.ProductID, v.SizeID, v.ColorID)
}

func (v Variant) Less(o Variant) bool {
	if v.ProductID != o.ProductID {
		return v.ProductID < o.ProductID
	}
	if v.SizeID != o.SizeID {
		return v.SizeID < o.SizeID
	}
	return v.ColorID < o.ColorID
}

// ProductStock is the authoritative quantity of one variant.
// The Redis counter is only a mirror of it.
type ProductStock struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement" json:"id"`
	ProductID uint64 `gorm:"not null;uniqueIndex:idx_product_stocks_variant" json:"product_id"`
	SizeID    uint64 `gorm:"not null;uniqueIndex:idx_product_stocks_variant" json:"size_id"`
	ColorID   uint64 `gorm:"not null;uniqueIndex:idx_product_stocks_variant" json:"color_id"`
	Quantity  int64  `gorm:"not null;default:0;check:quantity >= 0" json:"quantity"`
}

func (ProductStock) TableName() string { return "product_stocks" }

func (s ProductStock) Variant() Variant {
	return Variant{ProductID: s.ProductID, SizeID: s.SizeID, ColorID: s.ColorID}
}
