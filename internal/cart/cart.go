package cart

import (
	"context"
	"fmt"

	"checkout/internal/model"

	"gorm.io/gorm"
)

// Store is the cart collaborator checkout talks to.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// RemoveLineItem deletes the lines of cartID holding variant v. Other lines are untouched.
func (s *Store) RemoveLineItem(ctx context.Context, cartID uint64, v model.Variant) error {
	err := s.db.WithContext(ctx).
		Where("cart_id = ? AND product_id = ? AND size_id = ? AND color_id = ?",
			cartID, v.ProductID, v.SizeID, v.ColorID).
		Delete(&model.CartItem{}).Error
	if err != nil {
		return fmt.Errorf("remove cart %d line %s: %w", cartID, v, err)
	}
	return nil
}

// Items lists the lines of a cart.
func (s *Store) Items(ctx context.Context, cartID uint64) ([]model.CartItem, error) {
	var items []model.CartItem
	err := s.db.WithContext(ctx).Where("cart_id = ?", cartID).Order("id").Find(&items).Error
	return items, err
}
