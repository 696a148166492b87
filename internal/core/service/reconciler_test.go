package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/inventory-engine/internal/core/domain"
)

func TestReconciler_FullPassOldestFirst(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, engineOptions{})
	e.addProduct(t, "p-1", false)

	e.placeOrder(t, "order-b", item("p-1", 5))
	e.clock.Advance(time.Minute)
	e.placeOrder(t, "order-a", item("p-1", 5))

	_, err := e.coordinator.AdjustStock(ctx, "p-1", 5, "found in back room", "tester")
	require.NoError(t, err)

	cleared, err := e.reconciler.AttemptBackorderFulfillmentForAllOpenOrders(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, cleared)
	assert.Equal(t, domain.OrderStatusProcessing, e.order(t, "order-b").Status)
	assert.Equal(t, domain.OrderStatusBackordered, e.order(t, "order-a").Status)
	assert.Equal(t, 0, e.onHand(t, "p-1"))

	// nothing changed, nothing to do
	cleared, err = e.reconciler.AttemptBackorderFulfillmentForAllOpenOrders(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, cleared)
	assert.Equal(t, domain.OrderStatusBackordered, e.order(t, "order-a").Status)
}

func TestReconciler_HandleEventFiltersEvents(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, engineOptions{})
	e.addProduct(t, "p-1", false)
	e.addProduct(t, "p-2", false)

	e.placeOrder(t, "order-1", item("p-1", 2))
	_, err := e.coordinator.AdjustStock(ctx, "p-1", 2, "", "tester")
	require.NoError(t, err)

	incoming := func(productID string, ref domain.Reference) domain.StockTransactionCommitted {
		return domain.NewStockTransactionCommitted(domain.StockTransaction{
			Type:          domain.TransactionAdjustment,
			ProductID:     productID,
			QuantityDelta: 2,
			Reference:     ref,
			Status:        domain.TransactionCompleted,
		}, e.clock.Now())
	}

	// the order's own release never feeds it back
	require.NoError(t, e.reconciler.HandleEvent(ctx, incoming("p-1", domain.Reference{Type: domain.ReferenceOrder, ID: "order-1"})))
	assert.Equal(t, domain.OrderStatusBackordered, e.order(t, "order-1").Status)

	// stock for another product is irrelevant
	require.NoError(t, e.reconciler.HandleEvent(ctx, incoming("p-2", domain.Reference{Type: domain.ReferenceManual, ID: "m-1"})))
	assert.Equal(t, domain.OrderStatusBackordered, e.order(t, "order-1").Status)

	// outgoing and backorder records never trigger
	outgoing := incoming("p-1", domain.Reference{Type: domain.ReferenceManual, ID: "m-2"})
	outgoing.Transaction.QuantityDelta = -1
	require.NoError(t, e.reconciler.HandleEvent(ctx, outgoing))
	backorder := incoming("p-1", domain.Reference{Type: domain.ReferenceOrder, ID: "order-9"})
	backorder.Transaction.Status = domain.TransactionBackordered
	require.NoError(t, e.reconciler.HandleEvent(ctx, backorder))
	assert.Equal(t, domain.OrderStatusBackordered, e.order(t, "order-1").Status)

	require.NoError(t, e.reconciler.HandleEvent(ctx, incoming("p-1", domain.Reference{Type: domain.ReferenceManual, ID: "m-3"})))
	assert.Equal(t, domain.OrderStatusProcessing, e.order(t, "order-1").Status)
	assert.Equal(t, 0, e.onHand(t, "p-1"))
}
