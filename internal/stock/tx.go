package stock

import (
	"errors"
	"fmt"
	"sort"

	"checkout/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrConditionFailed is returned when a guarded decrement matched no row.
var ErrConditionFailed = errors.New("stock decrement condition failed")

// LockRows locks the ledger rows of variants for the rest of tx, one row at a time in
// ascending variant order so concurrent transactions always queue in the same order.
// Variants without a row are absent from the result.
func LockRows(tx *gorm.DB, variants []model.Variant) (map[model.Variant]model.ProductStock, error) {
	sorted := Dedupe(variants)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Less(sorted[j]) })

	out := make(map[model.Variant]model.ProductStock, len(sorted))
	for _, v := range sorted {
		var row model.ProductStock
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("product_id = ? AND size_id = ? AND color_id = ?", v.ProductID, v.SizeID, v.ColorID).
			Take(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("lock stock %s: %w", v, err)
		}
		out[v] = row
	}
	return out, nil
}

// DecrementTx subtracts n from v only while the row still holds at least n.
func DecrementTx(tx *gorm.DB, v model.Variant, n int64) error {
	res := tx.Model(&model.ProductStock{}).
		Where("product_id = ? AND size_id = ? AND color_id = ? AND quantity >= ?", v.ProductID, v.SizeID, v.ColorID, n).
		Update("quantity", gorm.Expr("quantity - ?", n))
	if res.Error != nil {
		return fmt.Errorf("decrement stock %s: %w", v, res.Error)
	}
	if res.RowsAffected != 1 {
		return fmt.Errorf("%w: %s by %d", ErrConditionFailed, v, n)
	}
	return nil
}

// IncrementTx adds n back to v. A variant whose row was removed is skipped.
func IncrementTx(tx *gorm.DB, v model.Variant, n int64) (bool, error) {
	res := tx.Model(&model.ProductStock{}).
		Where("product_id = ? AND size_id = ? AND color_id = ?", v.ProductID, v.SizeID, v.ColorID).
		Update("quantity", gorm.Expr("quantity + ?", n))
	if res.Error != nil {
		return false, fmt.Errorf("increment stock %s: %w", v, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// Dedupe returns the distinct variants, keeping first-seen order.
func Dedupe(variants []model.Variant) []model.Variant {
	seen := make(map[model.Variant]struct{}, len(variants))
	out := make([]model.Variant, 0, len(variants))
	for _, v := range variants {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
