package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/rl1809/inventory-engine/internal/core/domain"
	"github.com/rl1809/inventory-engine/internal/pkg/logger"
	"github.com/rl1809/inventory-engine/internal/pkg/metrics"
	"github.com/rl1809/inventory-engine/internal/pkg/tracing"
	"github.com/rl1809/inventory-engine/internal/port"
)

// LineOutcome is the result of reserving a single requested line.
type LineOutcome struct {
	ProductID   string `json:"productId"`
	Requested   int    `json:"requested"`
	Reserved    int    `json:"reserved"`
	Backordered int    `json:"backordered"`
}

type ReservationResult struct {
	OrderID          string            `json:"orderId"`
	Lines            []LineOutcome     `json:"lines"`
	ReservedItems    []domain.LineItem `json:"reservedItems"`
	BackorderedItems []domain.LineItem `json:"backorderedItems"`
}

func (r *ReservationResult) HasBackorders() bool {
	return len(r.BackorderedItems) > 0
}

func (r *ReservationResult) add(o LineOutcome) {
	r.Lines = append(r.Lines, o)
	if o.Reserved > 0 {
		r.ReservedItems = domain.MergeLineItems(append(r.ReservedItems, domain.LineItem{ProductID: o.ProductID, Quantity: o.Reserved}))
	}
	if o.Backordered > 0 {
		r.BackorderedItems = domain.MergeLineItems(append(r.BackorderedItems, domain.LineItem{ProductID: o.ProductID, Quantity: o.Backordered}))
	}
}

type FulfillmentResult struct {
	OrderID   string            `json:"orderId"`
	Fulfilled []domain.LineItem `json:"fulfilled"`
	Cleared   bool              `json:"cleared"`
}

// ReservationCoordinator turns order lines into ledger deductions, backorder
// records and releases, logging every committed change.
type ReservationCoordinator struct {
	ledger  *StockLedger
	holds   *HoldManager
	uow     *UnitOfWork
	catalog port.ProductCatalog
	now     func() time.Time
}

func NewReservationCoordinator(ledger *StockLedger, holds *HoldManager, uow *UnitOfWork, catalog port.ProductCatalog, now func() time.Time) *ReservationCoordinator {
	if now == nil {
		now = time.Now
	}
	return &ReservationCoordinator{
		ledger:  ledger,
		holds:   holds,
		uow:     uow,
		catalog: catalog,
		now:     now,
	}
}

// Reserve reserves every line of an order, backordering whatever is not available.
// A hold placed under orderID during checkout is consumed by the reservation.
//
// Without transaction support lines commit one by one; when a later line fails the
// returned result still lists the lines that were committed, so the caller can
// release them. With transaction support a failure leaves nothing behind and the
// result is nil.
func (c *ReservationCoordinator) Reserve(ctx context.Context, orderID string, lines []domain.LineItem, warehouseID, actorID string) (*ReservationResult, error) {
	ctx, span := tracer.Start(ctx, "ReservationCoordinator.Reserve")
	defer span.End()
	span.SetAttributes(attribute.String("order.id", orderID), attribute.Int("lines", len(lines)))
	defer metrics.ObserveSince("reserve", time.Now())

	for _, line := range lines {
		if line.Quantity <= 0 || line.ProductID == "" {
			return nil, tracing.Fail(span, fmt.Errorf("reserve order %s line %q: %w", orderID, line.ProductID, domain.ErrInvalidQuantity))
		}
	}

	result := &ReservationResult{OrderID: orderID}
	_, err := c.uow.Do(ctx, func(ctx context.Context, rec *Recorder) error {
		result = &ReservationResult{OrderID: orderID}
		for _, line := range lines {
			outcome, err := c.reserveLine(ctx, rec, orderID, line, warehouseID, actorID, true)
			if err != nil {
				return err
			}
			result.add(outcome)
		}
		return nil
	})
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).
			Str("order_id", orderID).
			Int("committed_lines", len(result.Lines)).
			Msg("reservation failed")
		if c.uow.Transactional() {
			return nil, tracing.Fail(span, err)
		}
		return result, tracing.Fail(span, err)
	}

	logger.Ctx(ctx).Info().
		Str("order_id", orderID).
		Interface("reserved", result.ReservedItems).
		Interface("backordered", result.BackorderedItems).
		Msg("order reserved")
	return result, nil
}

// reserveLine deducts what is available for one line. With allowBackorder the
// shortfall is logged as a backorder; without it a shortfall fails the line with
// *domain.InsufficientStockError and nothing is written.
func (c *ReservationCoordinator) reserveLine(ctx context.Context, rec *Recorder, orderID string, line domain.LineItem, warehouseID, actorID string, allowBackorder bool) (LineOutcome, error) {
	product, err := c.catalog.GetProduct(ctx, line.ProductID)
	if err != nil {
		return LineOutcome{}, fmt.Errorf("get product %s: %w", line.ProductID, err)
	}
	if warehouseID == "" {
		warehouseID = product.WarehouseID
	}
	// never-stocked products backorder in full
	if _, err := c.ledger.Ensure(ctx, line.ProductID); err != nil {
		return LineOutcome{}, err
	}

	var reserved int
	change, err := c.ledger.Mutate(ctx, line.ProductID, func(e *domain.LedgerEntry) (bool, error) {
		reserved = 0
		_, ownHold := e.RemoveHold(orderID)

		take := line.Quantity
		if !product.AllowNegativeStock {
			take = min(line.Quantity, max(e.Available(c.now()), 0))
		}
		if take < line.Quantity && !allowBackorder {
			return false, &domain.InsufficientStockError{
				ProductID: line.ProductID,
				Requested: line.Quantity,
				Available: take,
			}
		}

		e.OnHand -= take
		reserved = take
		return take > 0 || ownHold, nil
	})
	if err != nil {
		return LineOutcome{}, err
	}

	outcome := LineOutcome{
		ProductID:   line.ProductID,
		Requested:   line.Quantity,
		Reserved:    reserved,
		Backordered: line.Quantity - reserved,
	}
	ref := domain.Reference{Type: domain.ReferenceOrder, ID: orderID}

	if reserved > 0 {
		_, err = rec.Append(ctx, domain.StockTransaction{
			Type:             domain.TransactionSale,
			ProductID:        line.ProductID,
			WarehouseID:      warehouseID,
			QuantityDelta:    -reserved,
			PreviousQuantity: change.Previous.OnHand,
			NewQuantity:      change.Current.OnHand,
			Reference:        ref,
			Status:           domain.TransactionCompleted,
			CreatedBy:        actorID,
		})
		if err != nil {
			return LineOutcome{}, err
		}
	}

	if outcome.Backordered > 0 {
		onHand := change.Current.OnHand
		_, err = rec.Append(ctx, domain.StockTransaction{
			Type:             domain.TransactionBackorder,
			ProductID:        line.ProductID,
			WarehouseID:      warehouseID,
			QuantityDelta:    outcome.Backordered,
			PreviousQuantity: onHand,
			NewQuantity:      onHand,
			Reference:        ref,
			Status:           domain.TransactionBackordered,
			CreatedBy:        actorID,
		})
		if err != nil {
			return LineOutcome{}, err
		}
	}

	switch {
	case outcome.Backordered == 0:
		metrics.Reservations.WithLabelValues("reserved").Inc()
	case outcome.Reserved > 0:
		metrics.Reservations.WithLabelValues("partial").Inc()
	default:
		metrics.Reservations.WithLabelValues("backordered").Inc()
	}
	return outcome, nil
}

// Release re-credits the reserved quantities of an order and drops any checkout
// hold still placed under orderID. Backordered units were never deducted and are
// not part of lines.
func (c *ReservationCoordinator) Release(ctx context.Context, orderID string, lines []domain.LineItem, warehouseID, actorID string) error {
	ctx, span := tracer.Start(ctx, "ReservationCoordinator.Release")
	defer span.End()
	span.SetAttributes(attribute.String("order.id", orderID))

	if _, err := c.holds.Release(ctx, orderID); err != nil {
		return tracing.Fail(span, fmt.Errorf("release checkout holds of %s: %w", orderID, err))
	}

	_, err := c.uow.Do(ctx, func(ctx context.Context, rec *Recorder) error {
		for _, line := range lines {
			if line.Quantity <= 0 {
				continue
			}
			_, err := c.applyMovement(ctx, rec, Movement{
				ProductID:   line.ProductID,
				Quantity:    line.Quantity,
				Type:        domain.TransactionAdjustment,
				Reference:   domain.Reference{Type: domain.ReferenceOrder, ID: orderID},
				WarehouseID: warehouseID,
				ActorID:     actorID,
				Note:        fmt.Sprintf("release of order %s", orderID),
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return tracing.Fail(span, err)
	}

	logger.Ctx(ctx).Info().Str("order_id", orderID).Interface("released", lines).Msg("order reservation released")
	return nil
}

// AttemptBackorderFulfillment reserves the backordered slice of every line whose
// slice is now fully available, moving it from backordered to pending on order.
// order is modified in place and must be discarded when an error is returned.
func (c *ReservationCoordinator) AttemptBackorderFulfillment(ctx context.Context, order *domain.Order, actorID string) (*FulfillmentResult, error) {
	ctx, span := tracer.Start(ctx, "ReservationCoordinator.AttemptBackorderFulfillment")
	defer span.End()
	span.SetAttributes(attribute.String("order.id", order.ID))

	result := &FulfillmentResult{OrderID: order.ID}
	_, err := c.uow.Do(ctx, func(ctx context.Context, rec *Recorder) error {
		result = &FulfillmentResult{OrderID: order.ID}
		for i := range order.Lines {
			line := &order.Lines[i]
			if line.BackorderedQty <= 0 {
				continue
			}

			slice := domain.LineItem{ProductID: line.ProductID, Quantity: line.BackorderedQty}
			outcome, err := c.reserveLine(ctx, rec, order.ID, slice, order.WarehouseID, actorID, false)
			if errors.Is(err, domain.ErrInsufficientStock) {
				continue
			}
			if err != nil {
				return err
			}

			line.BackorderedQty -= outcome.Reserved
			line.PendingQty += outcome.Reserved
			result.Fulfilled = append(result.Fulfilled, domain.LineItem{ProductID: line.ProductID, Quantity: outcome.Reserved})
		}
		return nil
	})
	if err != nil {
		if c.uow.Transactional() {
			result.Fulfilled = nil
		}
		return result, tracing.Fail(span, err)
	}

	if len(result.Fulfilled) > 0 {
		if order.Reservation == nil {
			order.Reservation = &domain.ReservationInfo{ReservedAt: c.now()}
		}
		order.Reservation.ReservedItems = domain.MergeLineItems(append(order.Reservation.ReservedItems, result.Fulfilled...))
		order.Reservation.BackorderedItems = backorderedItems(order)
	}
	result.Cleared = !order.HasBackorders()

	logger.Ctx(ctx).Info().
		Str("order_id", order.ID).
		Interface("fulfilled", result.Fulfilled).
		Bool("cleared", result.Cleared).
		Msg("backorder fulfillment attempted")
	return result, nil
}

func backorderedItems(order *domain.Order) []domain.LineItem {
	var items []domain.LineItem
	for _, l := range order.Lines {
		if l.BackorderedQty > 0 {
			items = append(items, domain.LineItem{ProductID: l.ProductID, Quantity: l.BackorderedQty})
		}
	}
	return domain.MergeLineItems(items)
}
