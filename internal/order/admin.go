package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"checkout/internal/model"
	"checkout/internal/stock"
	rediskey "checkout/pkg/redis"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Admin exposes the operational order entry points.
type Admin struct {
	db     *gorm.DB
	ledger *stock.Ledger
	log    *zap.Logger
}

func NewAdmin(db *gorm.DB, ledger *stock.Ledger, log *zap.Logger) *Admin {
	return &Admin{db: db, ledger: ledger, log: log}
}

// GetOrder loads an order with its items and details.
func (a *Admin) GetOrder(ctx context.Context, id uint64) (*model.Order, error) {
	var o model.Order
	err := a.db.WithContext(ctx).Preload("Items").Preload("Details").Take(&o, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get order %d: %w", id, err)
	}
	return &o, nil
}

// OrderFilter narrows an order listing. Zero fields match everything.
type OrderFilter struct {
	UserID        *uint64
	OrderID       uint64
	Status        model.OrderStatus
	From, To      time.Time // created_at bounds, inclusive
	CustomerName  string    // substring match on the shipping details
	CustomerEmail string
	CustomerPhone string
}

// OrderPage is one page of orders, newest first.
type OrderPage struct {
	Orders     []model.Order `json:"orders"`
	Total      int64         `json:"total"`
	Page       int           `json:"page"`
	Size       int           `json:"size"`
	TotalPages int           `json:"total_pages"`
}

// ListOrders pages through the orders matching f, with items and details loaded.
func (a *Admin) ListOrders(ctx context.Context, f OrderFilter, page, size int) (OrderPage, error) {
	if f.Status != "" && !f.Status.Valid() {
		return OrderPage{}, fmt.Errorf("%w: %q", ErrInvalidStatus, f.Status)
	}
	if page < 1 {
		page = 1
	}
	if size < 1 || size > 100 {
		size = 10
	}

	out := OrderPage{Orders: []model.Order{}, Page: page, Size: size}
	if err := a.filtered(ctx, f).Count(&out.Total).Error; err != nil {
		return OrderPage{}, fmt.Errorf("count orders: %w", err)
	}
	err := a.filtered(ctx, f).
		Preload("Items").
		Preload("Details").
		Order("created_at DESC, id DESC").
		Offset((page - 1) * size).
		Limit(size).
		Find(&out.Orders).Error
	if err != nil {
		return OrderPage{}, fmt.Errorf("list orders: %w", err)
	}
	out.TotalPages = int((out.Total + int64(size) - 1) / int64(size))
	return out, nil
}

// ListUserOrders pages through the orders of one user, optionally of one status.
func (a *Admin) ListUserOrders(ctx context.Context, userID uint64, status model.OrderStatus, page, size int) (OrderPage, error) {
	return a.ListOrders(ctx, OrderFilter{UserID: &userID, Status: status}, page, size)
}

func (a *Admin) filtered(ctx context.Context, f OrderFilter) *gorm.DB {
	q := a.db.WithContext(ctx).Model(&model.Order{})
	if f.UserID != nil {
		q = q.Where("user_id = ?", *f.UserID)
	}
	if f.OrderID != 0 {
		q = q.Where("id = ?", f.OrderID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if !f.From.IsZero() {
		q = q.Where("created_at >= ?", f.From.UTC())
	}
	if !f.To.IsZero() {
		q = q.Where("created_at <= ?", f.To.UTC())
	}

	if f.CustomerName == "" && f.CustomerEmail == "" && f.CustomerPhone == "" {
		return q
	}
	details := a.db.WithContext(ctx).Model(&model.OrderDetails{}).Select("order_id")
	if f.CustomerName != "" {
		details = details.Where("name LIKE ?", "%"+f.CustomerName+"%")
	}
	if f.CustomerEmail != "" {
		details = details.Where("email LIKE ?", "%"+f.CustomerEmail+"%")
	}
	if f.CustomerPhone != "" {
		details = details.Where("phone LIKE ?", "%"+f.CustomerPhone+"%")
	}
	return q.Where("id IN (?)", details)
}

// UpdateOrderStatus moves an order along its lifecycle. A cancelled order keeps its
// items reserved until the sweeper returns them.
func (a *Admin) UpdateOrderStatus(ctx context.Context, id uint64, status model.OrderStatus) (*model.Order, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	var o model.Order
	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Take(&o, id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrOrderNotFound
		}
		if err != nil {
			return fmt.Errorf("lock order %d: %w", id, err)
		}
		if o.Status.Terminal() {
			return fmt.Errorf("%w: order is already %s", ErrInvalidTransition, o.Status)
		}
		if !model.CanTransition(o.Status, status) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, status)
		}
		if err := tx.Model(&model.Order{}).Where("id = ?", id).Update("status", status).Error; err != nil {
			return fmt.Errorf("update order %d: %w", id, err)
		}
		o.Status = status
		return nil
	})
	if err != nil {
		return nil, err
	}
	a.log.Info("order status updated", zap.Uint64("order_id", id), zap.String("status", string(status)))
	return &o, nil
}

// CompleteOrder confirms delivery. Only a shipping order can complete; anything else reports false.
func (a *Admin) CompleteOrder(ctx context.Context, id uint64) (bool, error) {
	res := a.db.WithContext(ctx).Model(&model.Order{}).
		Where("id = ? AND status = ?", id, model.OrderShipping).
		Update("status", model.OrderCompleted)
	if res.Error != nil {
		return false, fmt.Errorf("complete order %d: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// DeleteOrder removes an order with its items and details. Stock still reserved by
// the order goes back to the ledger in the same transaction.
func (a *Admin) DeleteOrder(ctx context.Context, id uint64) (bool, error) {
	var returned []rediskey.StockHold
	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var o model.Order
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Take(&o, id).Error
		if err != nil {
			return err
		}

		items, err := releaseReserved(tx, id)
		if err != nil {
			return err
		}
		add := make(map[model.Variant]int64, len(items))
		for _, it := range items {
			add[it.Variant()] += it.Quantity
		}
		if returned, err = incrementLedger(tx, add); err != nil {
			return err
		}

		if err := tx.Where("order_id = ?", id).Delete(&model.OrderDetails{}).Error; err != nil {
			return fmt.Errorf("delete details of order %d: %w", id, err)
		}
		if err := tx.Where("order_id = ?", id).Delete(&model.OrderItem{}).Error; err != nil {
			return fmt.Errorf("delete items of order %d: %w", id, err)
		}
		return tx.Delete(&model.Order{}, id).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("delete order %d: %w", id, err)
	}

	a.ledger.ReturnToCache(ctx, returned)
	a.log.Info("order deleted", zap.Uint64("order_id", id), zap.Int("items_returned", len(returned)))
	return true, nil
}
