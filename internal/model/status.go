package model

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderPending    OrderStatus = "pending"     // created by the worker, stock reserved
	OrderInPayment  OrderStatus = "in_payment"  // a payment attempt started
	OrderInProgress OrderStatus = "in_progress" // being prepared
	OrderShipping   OrderStatus = "shipping"    // paid or COD confirmed
	OrderCompleted  OrderStatus = "completed"
	OrderCancelled  OrderStatus = "cancelled"
	OrderFailed     OrderStatus = "failed"
)

var validNext = map[OrderStatus]map[OrderStatus]bool{
	OrderPending: {
		OrderInPayment: true, OrderInProgress: true, OrderShipping: true,
		OrderCancelled: true, OrderFailed: true,
	},
	OrderInPayment: {
		OrderPending: true, OrderShipping: true, OrderCancelled: true, OrderFailed: true,
	},
	OrderInProgress: {OrderShipping: true, OrderCancelled: true, OrderFailed: true},
	OrderShipping:   {OrderCompleted: true, OrderCancelled: true},
	OrderCompleted:  {},
	OrderCancelled:  {},
	OrderFailed:     {},
}

func (s OrderStatus) Valid() bool {
	_, ok := validNext[s]
	return ok
}

// Terminal reports whether no further transition is allowed out of s.
func (s OrderStatus) Terminal() bool {
	return s == OrderCompleted || s == OrderCancelled || s == OrderFailed
}

func CanTransition(from, to OrderStatus) bool {
	return validNext[from][to]
}
