package database

import (
	"context"
	"testing"

	"checkout/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenMigratesSchema(t *testing.T) {
	db, err := Open(context.Background(), "sqlite", MemoryDSN(t.Name()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = Close(db) })

	for _, table := range []string{"product_stocks", "orders", "order_items", "order_details", "cart_items"} {
		assert.True(t, db.Migrator().HasTable(table), table)
	}

	require.NoError(t, db.Create(&model.ProductStock{ProductID: 1, SizeID: 1, ColorID: 1, Quantity: 3}).Error)
	dup := db.Create(&model.ProductStock{ProductID: 1, SizeID: 1, ColorID: 1, Quantity: 1})
	assert.Error(t, dup.Error, "variant must be unique")
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "mysql", "x")
	assert.Error(t, err)
}
