package integration

import (
	"context"
	"testing"

	"github.com/safar/go-storefront/internal/database"
	"github.com/safar/go-storefront/internal/store"
	"github.com/shopspring/decimal"
)

func TestOptimisticStockUpdate(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	product, err := store.CreateProduct(ctx, db, "TEST-PRD-001", "Widget", "Test", decimal.RequireFromString("4.99"), 50)
	if err != nil {
		t.Fatalf("Create product: %v", err)
	}

	err = store.UpdateStockOptimistic(ctx, db, product.ID, 40, product.Version)
	if err != nil {
		t.Fatalf("First update should succeed: %v", err)
	}

	err = store.UpdateStockOptimistic(ctx, db, product.ID, 30, product.Version)
	if err != database.ErrOptimisticLockFailed {
		t.Errorf("Expected optimistic lock failure, got: %v", err)
	}
}

func TestGetProductsBatch(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	widget, err := store.CreateProduct(ctx, db, "TEST-PRD-002", "Widget", "Test", decimal.RequireFromString("4.99"), 50)
	if err != nil {
		t.Fatalf("Create widget: %v", err)
	}
	gadget, err := store.CreateProduct(ctx, db, "TEST-PRD-003", "Gadget", "Test", decimal.RequireFromString("19.99"), 10)
	if err != nil {
		t.Fatalf("Create gadget: %v", err)
	}

	products, err := store.GetProducts(ctx, db, []int64{widget.ID, gadget.ID})
	if err != nil {
		t.Fatalf("Get products: %v", err)
	}
	if len(products) != 2 {
		t.Fatalf("Expected 2 products, got %d", len(products))
	}
	if products[widget.ID].Name != "Widget" || products[gadget.ID].Name != "Gadget" {
		t.Errorf("Unexpected products: %+v", products)
	}

	_, err = store.GetProducts(ctx, db, []int64{widget.ID, 999999})
	if err != database.ErrProductNotFound {
		t.Errorf("Expected ErrProductNotFound for a missing id, got: %v", err)
	}
}
