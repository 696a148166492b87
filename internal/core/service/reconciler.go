package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/rl1809/inventory-engine/internal/core/domain"
	"github.com/rl1809/inventory-engine/internal/pkg/logger"
	"github.com/rl1809/inventory-engine/internal/pkg/tracing"
	"github.com/rl1809/inventory-engine/internal/port"
)

const SystemActor = "system:reconciler"

// BackorderReconciler retries backordered orders. It runs one pass per
// on-hand-increasing event and a full pass on the scheduler's interval.
type BackorderReconciler struct {
	orders  port.OrderRepository
	machine *OrderStatusMachine
}

func NewBackorderReconciler(orders port.OrderRepository, machine *OrderStatusMachine) *BackorderReconciler {
	return &BackorderReconciler{orders: orders, machine: machine}
}

// HandleEvent is the event bus subscriber. Only stock arriving for a product
// triggers a pass, restricted to orders waiting on that product. The order that
// caused the event is skipped: its own release must not be reserved back.
func (r *BackorderReconciler) HandleEvent(ctx context.Context, event domain.StockTransactionCommitted) error {
	txn := event.Transaction
	if !txn.Incoming() {
		return nil
	}

	orders, err := r.orders.ListOrdersByStatus(ctx, domain.OrderStatusBackordered)
	if err != nil {
		return fmt.Errorf("list backordered orders: %w", err)
	}

	var errs []error
	for _, order := range orders {
		if txn.Reference.Type == domain.ReferenceOrder && txn.Reference.ID == order.ID {
			continue
		}
		if !waitsOn(order, txn.ProductID) {
			continue
		}
		if _, err := r.machine.FulfillBackorders(ctx, order.ID, SystemActor); err != nil {
			errs = append(errs, fmt.Errorf("order %s: %w", order.ID, err))
		}
	}
	return errors.Join(errs...)
}

// AttemptBackorderFulfillmentForAllOpenOrders tries every backordered order,
// oldest first, and returns how many left the backordered state. It is
// idempotent and may run concurrently with itself.
func (r *BackorderReconciler) AttemptBackorderFulfillmentForAllOpenOrders(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "BackorderReconciler.AttemptBackorderFulfillmentForAllOpenOrders")
	defer span.End()

	orders, err := r.orders.ListOrdersByStatus(ctx, domain.OrderStatusBackordered)
	if err != nil {
		return 0, tracing.Fail(span, fmt.Errorf("list backordered orders: %w", err))
	}

	cleared := 0
	var errs []error
	for _, order := range orders {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		saved, err := r.machine.FulfillBackorders(ctx, order.ID, SystemActor)
		if err != nil {
			errs = append(errs, fmt.Errorf("order %s: %w", order.ID, err))
			continue
		}
		if saved.Status == domain.OrderStatusProcessing {
			cleared++
		}
	}

	logger.Ctx(ctx).Info().
		Int("backordered", len(orders)).
		Int("cleared", cleared).
		Msg("backorder reconciliation pass finished")
	return cleared, tracing.Fail(span, errors.Join(errs...))
}

func waitsOn(order domain.Order, productID string) bool {
	for _, l := range order.Lines {
		if l.ProductID == productID && l.BackorderedQty > 0 {
			return true
		}
	}
	return false
}
