package order

import (
	"context"
	"testing"
	"time"

	"checkout/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpdateOrderStatusTransitions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seed(t, v111, 5)
	p, err := h.coord.PlaceOrder(ctx, checkout(line(v111, 1)))
	require.NoError(t, err)

	o, err := h.admin.UpdateOrderStatus(ctx, p.OrderID, model.OrderInPayment)
	require.NoError(t, err)
	assert.Equal(t, model.OrderInPayment, o.Status)

	_, err = h.admin.UpdateOrderStatus(ctx, p.OrderID, model.OrderShipping)
	require.NoError(t, err)

	_, err = h.admin.UpdateOrderStatus(ctx, p.OrderID, model.OrderPending)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = h.admin.UpdateOrderStatus(ctx, p.OrderID, model.OrderStatus("lost"))
	assert.ErrorIs(t, err, ErrInvalidStatus)

	_, err = h.admin.UpdateOrderStatus(ctx, 999, model.OrderCancelled)
	assert.ErrorIs(t, err, ErrOrderNotFound)

	got, err := h.admin.GetOrder(ctx, p.OrderID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderShipping, got.Status)
}

func TestCompleteOrderOnlyFromShipping(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seed(t, v111, 5)
	p, err := h.coord.PlaceOrder(ctx, checkout(line(v111, 1)))
	require.NoError(t, err)

	ok, err := h.admin.CompleteOrder(ctx, p.OrderID)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = h.admin.UpdateOrderStatus(ctx, p.OrderID, model.OrderShipping)
	require.NoError(t, err)
	ok, err = h.admin.CompleteOrder(ctx, p.OrderID)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = h.admin.UpdateOrderStatus(ctx, p.OrderID, model.OrderCancelled)
	assert.ErrorIs(t, err, ErrInvalidTransition, "completed is terminal")
}

func TestDeleteOrderReturnsReservedStock(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seed(t, v111, 5)
	p, err := h.coord.PlaceOrder(ctx, checkout(line(v111, 3)))
	require.NoError(t, err)

	ok, err := h.admin.DeleteOrder(ctx, p.OrderID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(5), h.ledgerQty(t, v111))
	assert.Equal(t, int64(5), h.cacheQty(t, v111))

	_, err = h.admin.GetOrder(ctx, p.OrderID)
	assert.ErrorIs(t, err, ErrOrderNotFound)
	var n int64
	require.NoError(t, h.db.Model(&model.OrderItem{}).Count(&n).Error)
	assert.Zero(t, n)
	require.NoError(t, h.db.Model(&model.OrderDetails{}).Count(&n).Error)
	assert.Zero(t, n)

	ok, err = h.admin.DeleteOrder(ctx, p.OrderID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestListOrdersFilters(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seed(t, v111, 10)

	place := func(user uint64, name string) uint64 {
		req := checkout(line(v111, 1))
		req.UserID = &user
		req.Name = name
		p, err := h.coord.PlaceOrder(ctx, req)
		require.NoError(t, err)
		return p.OrderID
	}
	a1 := place(1, "Ann Lee")
	a2 := place(1, "Ann Lee")
	b1 := place(2, "Bob Tran")
	_, err := h.admin.UpdateOrderStatus(ctx, a2, model.OrderShipping)
	require.NoError(t, err)

	all, err := h.admin.ListOrders(ctx, OrderFilter{}, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), all.Total)
	assert.Equal(t, 2, all.TotalPages)
	require.Len(t, all.Orders, 2)
	assert.Equal(t, b1, all.Orders[0].ID, "newest first")
	assert.Len(t, all.Orders[0].Items, 1)
	require.NotNil(t, all.Orders[0].Details)

	mine, err := h.admin.ListUserOrders(ctx, 1, "", 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(2), mine.Total)

	pending, err := h.admin.ListUserOrders(ctx, 1, model.OrderPending, 1, 10)
	require.NoError(t, err)
	require.Len(t, pending.Orders, 1)
	assert.Equal(t, a1, pending.Orders[0].ID)

	byName, err := h.admin.ListOrders(ctx, OrderFilter{CustomerName: "Tran"}, 1, 10)
	require.NoError(t, err)
	require.Len(t, byName.Orders, 1)
	assert.Equal(t, b1, byName.Orders[0].ID)

	byID, err := h.admin.ListOrders(ctx, OrderFilter{OrderID: a2, Status: model.OrderShipping}, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), byID.Total)

	later, err := h.admin.ListOrders(ctx, OrderFilter{From: time.Now().Add(time.Hour)}, 1, 10)
	require.NoError(t, err)
	assert.Zero(t, later.Total)
	assert.Empty(t, later.Orders)

	_, err = h.admin.ListOrders(ctx, OrderFilter{Status: "lost"}, 1, 10)
	assert.ErrorIs(t, err, ErrInvalidStatus)
}
