package redis

import "fmt"

func StockKey(productID, sizeID, colorID uint64) string {
	return fmt.Sprintf("stock:%d:%d:%d", productID, sizeID, colorID)
}

// StockListingKey caches the paginated stock listing view.
const StockListingKey = "product_stocks"

// CompensationLockKey marks that the cache hold of a job was already returned.
func CompensationLockKey(jobID string) string {
	return fmt.Sprintf("stock:compensated:%s", jobID)
}

func OrderResultKey(jobID string) string {
	return fmt.Sprintf("orderResult:%s", jobID)
}

// CheckoutLockKey bounds the synchronous checkout critical section for one scope.
func CheckoutLockKey(scope string) string {
	return fmt.Sprintf("checkout:lock:%s", scope)
}

func IdempotencyKey(key string) string {
	return fmt.Sprintf("checkout:idem:%s", key)
}

func HoldKey(jobID string) string {
	return fmt.Sprintf("checkout:hold:%s", jobID)
}

// HoldIndexKey is a sorted set of job ids scored by the unix time their hold becomes due.
const HoldIndexKey = "checkout:holds"

// SweeperLockKey keeps sweeper runs of different instances from overlapping.
const SweeperLockKey = "sweeper:lock"
