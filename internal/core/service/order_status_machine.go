package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/rl1809/inventory-engine/internal/core/domain"
	"github.com/rl1809/inventory-engine/internal/pkg/logger"
	"github.com/rl1809/inventory-engine/internal/pkg/metrics"
	"github.com/rl1809/inventory-engine/internal/pkg/tracing"
	"github.com/rl1809/inventory-engine/internal/port"
)

const (
	noteBackorderFulfilled = "backorder fulfilled"
	cancelSaveRetries      = 3
)

// OrderStatusMachine gates reservations behind order status changes and keeps
// the status history of every order.
type OrderStatusMachine struct {
	orders      port.OrderRepository
	coordinator *ReservationCoordinator
	now         func() time.Time
}

func NewOrderStatusMachine(orders port.OrderRepository, coordinator *ReservationCoordinator, now func() time.Time) *OrderStatusMachine {
	if now == nil {
		now = time.Now
	}
	return &OrderStatusMachine{orders: orders, coordinator: coordinator, now: now}
}

// Create stores a new draft order.
func (m *OrderStatusMachine) Create(ctx context.Context, orderID, customerID, warehouseID string, items []domain.LineItem, actorID string) (*domain.Order, error) {
	if orderID == "" {
		orderID = uuid.NewString()
	}
	order, err := domain.NewOrder(orderID, customerID, warehouseID, items, m.now())
	if err != nil {
		return nil, err
	}
	order.StatusHistory = []domain.StatusChange{{
		To:        domain.OrderStatusDraft,
		ChangedBy: actorID,
		ChangedAt: order.CreatedAt,
		Note:      "created",
	}}
	if err := m.orders.CreateOrder(ctx, *order); err != nil {
		return nil, fmt.Errorf("create order %s: %w", orderID, err)
	}
	return order, nil
}

func (m *OrderStatusMachine) Get(ctx context.Context, orderID string) (*domain.Order, error) {
	order, err := m.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", orderID, err)
	}
	return order, nil
}

// Confirm moves a draft order to confirmed and immediately reserves it, leaving
// it processing or backordered.
func (m *OrderStatusMachine) Confirm(ctx context.Context, orderID, actorID, note string) (*domain.Order, error) {
	order, err := m.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status == domain.OrderStatusDraft {
		if _, err := m.Transition(ctx, orderID, domain.OrderStatusConfirmed, actorID, note); err != nil {
			return nil, err
		}
	}
	return m.Transition(ctx, orderID, domain.OrderStatusProcessing, actorID, note)
}

// Transition applies one status change and its side effects.
//
// confirmed -> processing|backordered reserves the order; the outcome picks the
// target. backordered -> processing needs every backorder cleared. Cancelling a
// confirmed, processing or backordered order releases its reservation first.
// shipped -> delivered moves pending quantities to delivered.
func (m *OrderStatusMachine) Transition(ctx context.Context, orderID string, to domain.OrderStatus, actorID, note string) (*domain.Order, error) {
	ctx, span := tracer.Start(ctx, "OrderStatusMachine.Transition")
	defer span.End()
	span.SetAttributes(attribute.String("order.id", orderID), attribute.String("order.to", string(to)))

	order, err := m.Get(ctx, orderID)
	if err != nil {
		return nil, tracing.Fail(span, err)
	}
	from := order.Status
	if !to.Valid() || !from.CanTransitionTo(to) {
		return nil, tracing.Fail(span, &domain.InvalidTransitionError{OrderID: orderID, From: from, To: to})
	}

	var saved *domain.Order
	switch {
	case from == domain.OrderStatusConfirmed && (to == domain.OrderStatusProcessing || to == domain.OrderStatusBackordered):
		saved, err = m.reserve(ctx, order, actorID, note)
	case to == domain.OrderStatusCancelled:
		saved, err = m.cancel(ctx, order, actorID, note)
	case from == domain.OrderStatusBackordered && to == domain.OrderStatusProcessing:
		if order.HasBackorders() {
			return nil, tracing.Fail(span, &domain.InvalidTransitionError{OrderID: orderID, From: from, To: to})
		}
		saved, err = m.save(ctx, order, to, actorID, note)
	case to == domain.OrderStatusDelivered:
		work := order.Clone()
		for i := range work.Lines {
			work.Lines[i].DeliveredQty += work.Lines[i].PendingQty
			work.Lines[i].PendingQty = 0
		}
		saved, err = m.save(ctx, work, to, actorID, note)
	default:
		saved, err = m.save(ctx, order, to, actorID, note)
	}
	if err != nil {
		return nil, tracing.Fail(span, err)
	}

	metrics.OrderTransitions.WithLabelValues(string(from), string(saved.Status)).Inc()
	logger.Ctx(ctx).Info().
		Str("order_id", orderID).
		Str("from", string(from)).
		Str("to", string(saved.Status)).
		Str("actor_id", actorID).
		Msg("order status changed")
	return saved, nil
}

func (m *OrderStatusMachine) save(ctx context.Context, order *domain.Order, to domain.OrderStatus, actorID, note string) (*domain.Order, error) {
	work := order.Clone()
	work.RecordTransition(to, actorID, note, m.now())
	if err := work.CheckLines(); err != nil {
		return nil, err
	}
	if err := m.orders.UpdateOrder(ctx, *work); err != nil {
		return nil, fmt.Errorf("save order %s: %w", order.ID, err)
	}
	work.Version++
	return work, nil
}

func (m *OrderStatusMachine) reserve(ctx context.Context, order *domain.Order, actorID, note string) (*domain.Order, error) {
	result, err := m.coordinator.Reserve(ctx, order.ID, order.Items(), order.WarehouseID, actorID)
	if err != nil {
		if result != nil {
			m.compensate(ctx, order, result.ReservedItems, actorID)
		}
		return nil, err
	}

	work := order.Clone()
	for i, outcome := range result.Lines {
		work.Lines[i].PendingQty = outcome.Reserved
		work.Lines[i].BackorderedQty = outcome.Backordered
		work.Lines[i].DeliveredQty = 0
	}
	work.Reservation = &domain.ReservationInfo{
		ReservedItems:    result.ReservedItems,
		BackorderedItems: result.BackorderedItems,
		ReservedAt:       m.now(),
	}

	to := domain.OrderStatusProcessing
	if result.HasBackorders() {
		to = domain.OrderStatusBackordered
	}

	saved, err := m.save(ctx, work, to, actorID, note)
	if err != nil {
		m.compensate(ctx, order, result.ReservedItems, actorID)
		return nil, err
	}
	return saved, nil
}

// compensate gives back stock that was deducted for an order whose new state
// could not be saved.
func (m *OrderStatusMachine) compensate(ctx context.Context, order *domain.Order, items []domain.LineItem, actorID string) {
	if len(items) == 0 {
		return
	}
	if err := m.coordinator.Release(ctx, order.ID, items, order.WarehouseID, actorID); err != nil {
		logger.Ctx(ctx).Error().Err(err).
			Str("order_id", order.ID).
			Bool("critical", true).
			Interface("items", items).
			Msg("compensating release failed, reconcile from transaction log")
		return
	}
	logger.Ctx(ctx).Warn().Str("order_id", order.ID).Interface("items", items).Msg("reservation compensated")
}

// cancel claims the order with a version-checked save before any stock moves,
// so only the caller whose save wins releases the reservation. A conflict is
// retried against a fresh read, which picks up units reserved in the meantime.
func (m *OrderStatusMachine) cancel(ctx context.Context, order *domain.Order, actorID, note string) (*domain.Order, error) {
	current := order
	for attempt := 1; ; attempt++ {
		work := current.Clone()
		var release []domain.LineItem
		if holdsReservation(current.Status) {
			release = work.Reservation.Outstanding()
		}
		if len(release) > 0 {
			work.Reservation.Released = &domain.ReleaseInfo{
				Items:      release,
				ReleasedBy: actorID,
				ReleasedAt: m.now(),
				Reason:     note,
			}
		}

		saved, err := m.save(ctx, work, domain.OrderStatusCancelled, actorID, note)
		if err == nil {
			if err := m.releaseCancelled(ctx, current, saved, release, actorID); err != nil {
				return nil, err
			}
			return saved, nil
		}
		if !errors.Is(err, domain.ErrVersionConflict) || attempt >= cancelSaveRetries {
			return nil, err
		}

		current, err = m.Get(ctx, order.ID)
		if err != nil {
			return nil, err
		}
		if current.Status == domain.OrderStatusCancelled {
			return current, nil
		}
		if !current.Status.CanTransitionTo(domain.OrderStatusCancelled) {
			return nil, &domain.InvalidTransitionError{OrderID: order.ID, From: current.Status, To: domain.OrderStatusCancelled}
		}
	}
}

// releaseCancelled gives back the stock of an order this caller cancelled. When
// the release fails the order is put back as it was before the cancel.
func (m *OrderStatusMachine) releaseCancelled(ctx context.Context, before, cancelled *domain.Order, items []domain.LineItem, actorID string) error {
	if len(items) == 0 {
		return nil
	}
	err := m.coordinator.Release(ctx, before.ID, items, before.WarehouseID, actorID)
	if err == nil {
		return nil
	}

	restore := before.Clone()
	restore.Version = cancelled.Version
	restore.UpdatedAt = m.now()
	if rerr := m.orders.UpdateOrder(ctx, *restore); rerr != nil {
		logger.Ctx(ctx).Error().Err(rerr).
			Str("order_id", before.ID).
			Bool("critical", true).
			Interface("items", items).
			Msg("order cancelled but reservation not released, reconcile from transaction log")
	}
	return fmt.Errorf("release order %s: %w", before.ID, err)
}

func holdsReservation(status domain.OrderStatus) bool {
	return status == domain.OrderStatusConfirmed ||
		status == domain.OrderStatusProcessing ||
		status == domain.OrderStatusBackordered
}

// FulfillBackorders reserves whatever backordered slices are now available and
// moves the order to processing once no backorder is left. Orders that are not
// backordered are returned unchanged.
func (m *OrderStatusMachine) FulfillBackorders(ctx context.Context, orderID, actorID string) (*domain.Order, error) {
	ctx, span := tracer.Start(ctx, "OrderStatusMachine.FulfillBackorders")
	defer span.End()
	span.SetAttributes(attribute.String("order.id", orderID))

	order, err := m.Get(ctx, orderID)
	if err != nil {
		return nil, tracing.Fail(span, err)
	}
	if order.Status != domain.OrderStatusBackordered {
		return order, nil
	}

	work := order.Clone()
	result, err := m.coordinator.AttemptBackorderFulfillment(ctx, work, actorID)
	if err != nil {
		m.compensate(ctx, order, result.Fulfilled, actorID)
		return nil, tracing.Fail(span, err)
	}
	if len(result.Fulfilled) == 0 {
		return order, nil
	}

	var saved *domain.Order
	if result.Cleared {
		saved, err = m.save(ctx, work, domain.OrderStatusProcessing, actorID, noteBackorderFulfilled)
	} else {
		saved, err = m.saveLines(ctx, work)
	}
	if err != nil {
		m.compensate(ctx, order, result.Fulfilled, actorID)
		return nil, tracing.Fail(span, err)
	}

	if result.Cleared {
		metrics.BackordersCleared.Inc()
		metrics.OrderTransitions.WithLabelValues(string(domain.OrderStatusBackordered), string(domain.OrderStatusProcessing)).Inc()
		logger.Ctx(ctx).Info().Str("order_id", orderID).Msg("backorders cleared, order processing")
	}
	return saved, nil
}

// saveLines persists line and reservation changes without a status change.
func (m *OrderStatusMachine) saveLines(ctx context.Context, work *domain.Order) (*domain.Order, error) {
	work.UpdatedAt = m.now()
	if err := work.CheckLines(); err != nil {
		return nil, err
	}
	if err := m.orders.UpdateOrder(ctx, *work); err != nil {
		return nil, fmt.Errorf("save order %s: %w", work.ID, err)
	}
	work.Version++
	return work, nil
}
