package service

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/inventory-engine/internal/core/domain"
	"github.com/rl1809/inventory-engine/internal/port"
)

func TestOrder_ReservesOnConfirm(t *testing.T) {
	e := newTestEngine(t, engineOptions{})
	e.addProduct(t, "p-1", false)
	e.receive(t, "p-1", 10, "1")

	order := e.placeOrder(t, "order-1", item("p-1", 4))
	assert.Equal(t, domain.OrderStatusProcessing, order.Status)
	assert.Equal(t, 4, order.Lines[0].PendingQty)
	assert.Equal(t, []domain.LineItem{item("p-1", 4)}, order.Reservation.ReservedItems)
	assert.Equal(t, 6, e.onHand(t, "p-1"))

	var path []domain.OrderStatus
	for _, c := range order.StatusHistory {
		path = append(path, c.To)
	}
	assert.Equal(t, []domain.OrderStatus{
		domain.OrderStatusDraft,
		domain.OrderStatusConfirmed,
		domain.OrderStatusProcessing,
	}, path)
}

func TestOrder_BackorderedThenFulfilledByReceipt(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, engineOptions{reconcileOnEvent: true})
	e.addProduct(t, "p-1", false)
	e.receive(t, "p-1", 10, "1")

	first := e.placeOrder(t, "order-1", item("p-1", 10))
	assert.Equal(t, domain.OrderStatusProcessing, first.Status)
	assert.Equal(t, 0, e.onHand(t, "p-1"))

	second := e.placeOrder(t, "order-2", item("p-1", 5))
	assert.Equal(t, domain.OrderStatusBackordered, second.Status)
	assert.Equal(t, 5, second.Lines[0].BackorderedQty)
	assert.Equal(t, 0, second.Lines[0].PendingQty)

	e.receive(t, "p-1", 20, "1")

	second = e.order(t, "order-2")
	assert.Equal(t, domain.OrderStatusProcessing, second.Status)
	assert.Equal(t, 0, second.Lines[0].BackorderedQty)
	assert.Equal(t, 5, second.Lines[0].PendingQty)
	assert.NoError(t, second.CheckLines())
	last := second.StatusHistory[len(second.StatusHistory)-1]
	assert.Equal(t, SystemActor, last.ChangedBy)
	assert.Equal(t, noteBackorderFulfilled, last.Note)

	assert.Equal(t, 15, e.onHand(t, "p-1"))
	assert.Equal(t, 15, e.replayed(t, "p-1"))

	txns, err := e.txlog.ListByReference(ctx, domain.Reference{Type: domain.ReferenceOrder, ID: "order-2"})
	require.NoError(t, err)
	require.Len(t, txns, 2)
	assert.Equal(t, domain.TransactionBackorder, txns[0].Type)
	assert.Equal(t, domain.TransactionSale, txns[1].Type)
	assert.Equal(t, -5, txns[1].QuantityDelta)

	balance, err := e.projector.Balance(ctx, "p-1", testWarehouse)
	require.NoError(t, err)
	assert.Equal(t, 15, balance.Quantity)
}

func TestOrder_PartialBackorderClearsInSteps(t *testing.T) {
	e := newTestEngine(t, engineOptions{reconcileOnEvent: true})
	e.addProduct(t, "p-1", false)
	e.receive(t, "p-1", 3, "1")

	order := e.placeOrder(t, "order-1", item("p-1", 5))
	require.Equal(t, domain.OrderStatusBackordered, order.Status)
	assert.Equal(t, 3, order.Lines[0].PendingQty)
	assert.Equal(t, 2, order.Lines[0].BackorderedQty)

	e.receive(t, "p-1", 1, "1")
	order = e.order(t, "order-1")
	assert.Equal(t, domain.OrderStatusBackordered, order.Status)
	assert.Equal(t, 1, e.onHand(t, "p-1"))

	e.receive(t, "p-1", 1, "1")
	order = e.order(t, "order-1")
	assert.Equal(t, domain.OrderStatusProcessing, order.Status)
	assert.Equal(t, 5, order.Lines[0].PendingQty)
	assert.Equal(t, 0, e.onHand(t, "p-1"))
}

func TestOrder_CancelReleasesReservation(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, engineOptions{})
	e.addProduct(t, "p-1", false)
	e.receive(t, "p-1", 10, "1")
	e.placeOrder(t, "order-1", item("p-1", 4))

	order, err := e.machine.Transition(ctx, "order-1", domain.OrderStatusCancelled, "alice", "customer changed mind")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, order.Status)
	require.NotNil(t, order.Reservation.Released)
	assert.Equal(t, []domain.LineItem{item("p-1", 4)}, order.Reservation.Released.Items)
	assert.Equal(t, "alice", order.Reservation.Released.ReleasedBy)
	assert.Equal(t, 10, e.onHand(t, "p-1"))

	_, err = e.machine.Transition(ctx, "order-1", domain.OrderStatusCancelled, "alice", "")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	assert.Equal(t, 10, e.onHand(t, "p-1"))
}

func TestOrder_CancelBackorderedReleasesOnlyReservedPart(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, engineOptions{reconcileOnEvent: true})
	e.addProduct(t, "p-1", false)
	e.receive(t, "p-1", 3, "1")

	e.placeOrder(t, "order-1", item("p-1", 5))
	e.clock.Advance(time.Second)
	second := e.placeOrder(t, "order-2", item("p-1", 2))
	require.Equal(t, domain.OrderStatusBackordered, second.Status)

	// The release re-stocks 3 units; order-2 picks up 2 of them, order-1 none.
	cancelled, err := e.machine.Transition(ctx, "order-1", domain.OrderStatusCancelled, "alice", "")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, cancelled.Status)
	assert.Equal(t, []domain.LineItem{item("p-1", 3)}, cancelled.Reservation.Released.Items)

	assert.Equal(t, domain.OrderStatusProcessing, e.order(t, "order-2").Status)
	assert.Equal(t, 1, e.onHand(t, "p-1"))
	assert.Equal(t, 1, e.replayed(t, "p-1"))
}

func TestOrder_CancelAfterShipKeepsStock(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, engineOptions{})
	e.addProduct(t, "p-1", false)
	e.receive(t, "p-1", 10, "1")
	e.placeOrder(t, "order-1", item("p-1", 4))

	_, err := e.machine.Transition(ctx, "order-1", domain.OrderStatusShipped, "alice", "")
	require.NoError(t, err)
	order, err := e.machine.Transition(ctx, "order-1", domain.OrderStatusCancelled, "alice", "lost in transit")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, order.Status)
	assert.Nil(t, order.Reservation.Released)
	assert.Equal(t, 6, e.onHand(t, "p-1"))
}

func TestOrder_DeliverMovesPendingToDelivered(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, engineOptions{})
	e.addProduct(t, "p-1", false)
	e.receive(t, "p-1", 10, "1")
	e.placeOrder(t, "order-1", item("p-1", 4))

	_, err := e.machine.Transition(ctx, "order-1", domain.OrderStatusShipped, "alice", "")
	require.NoError(t, err)
	order, err := e.machine.Transition(ctx, "order-1", domain.OrderStatusDelivered, "alice", "")
	require.NoError(t, err)
	assert.Equal(t, 4, order.Lines[0].DeliveredQty)
	assert.Equal(t, 0, order.Lines[0].PendingQty)
	assert.NoError(t, order.CheckLines())

	_, err = e.machine.Transition(ctx, "order-1", domain.OrderStatusCancelled, "alice", "")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestOrder_InvalidTransitions(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, engineOptions{})
	e.addProduct(t, "p-1", false)

	_, err := e.machine.Create(ctx, "order-1", "customer-1", testWarehouse, []domain.LineItem{item("p-1", 2)}, "tester")
	require.NoError(t, err)

	_, err = e.machine.Transition(ctx, "order-1", domain.OrderStatusShipped, "tester", "")
	var ite *domain.InvalidTransitionError
	require.True(t, errors.As(err, &ite), "got %v", err)
	assert.Equal(t, domain.OrderStatusDraft, ite.From)
	assert.Equal(t, domain.OrderStatusShipped, ite.To)

	_, err = e.machine.Transition(ctx, "order-1", domain.OrderStatus("lost"), "tester", "")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	// backordered -> processing by hand needs every backorder cleared
	order, err := e.machine.Confirm(ctx, "order-1", "tester", "")
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusBackordered, order.Status)
	_, err = e.machine.Transition(ctx, "order-1", domain.OrderStatusProcessing, "tester", "")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = e.machine.Transition(ctx, "missing", domain.OrderStatusConfirmed, "tester", "")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = e.machine.Create(ctx, "order-2", "customer-1", testWarehouse, nil, "tester")
	assert.ErrorIs(t, err, domain.ErrInvalidQuantity)
}

func TestOrder_SaveConflictCompensatesReservation(t *testing.T) {
	ctx := context.Background()
	repo := &conflictingOrderRepo{}
	e := newTestEngine(t, engineOptions{
		orderRepo: func(inner port.OrderRepository) port.OrderRepository {
			repo.OrderRepository = inner
			return repo
		},
	})
	e.addProduct(t, "p-1", false)
	e.receive(t, "p-1", 10, "1")

	_, err := e.machine.Create(ctx, "order-1", "customer-1", testWarehouse, []domain.LineItem{item("p-1", 4)}, "tester")
	require.NoError(t, err)
	_, err = e.machine.Transition(ctx, "order-1", domain.OrderStatusConfirmed, "tester", "")
	require.NoError(t, err)

	repo.remaining.Store(1)
	_, err = e.machine.Transition(ctx, "order-1", domain.OrderStatusProcessing, "tester", "")
	require.ErrorIs(t, err, domain.ErrVersionConflict)

	assert.Equal(t, domain.OrderStatusConfirmed, e.order(t, "order-1").Status)
	assert.Equal(t, 10, e.onHand(t, "p-1"))
	assert.Equal(t, 10, e.replayed(t, "p-1"))
}

func TestOrder_CancelConflictDoesNotReleaseTwice(t *testing.T) {
	ctx := context.Background()
	repo := &conflictingOrderRepo{}
	e := newTestEngine(t, engineOptions{
		orderRepo: func(inner port.OrderRepository) port.OrderRepository {
			repo.OrderRepository = inner
			return repo
		},
	})
	e.addProduct(t, "p-1", false)
	e.receive(t, "p-1", 10, "1")
	e.placeOrder(t, "order-1", item("p-1", 4))

	repo.remaining.Store(1)
	order, err := e.machine.Transition(ctx, "order-1", domain.OrderStatusCancelled, "alice", "")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, order.Status)
	assert.NotNil(t, order.Reservation.Released)
	assert.Equal(t, 10, e.onHand(t, "p-1"))
}

func TestOrder_ConcurrentCancelsReleaseOnce(t *testing.T) {
	ctx := context.Background()
	repo := newRendezvousOrderRepo(2)
	e := newTestEngine(t, engineOptions{
		orderRepo: func(inner port.OrderRepository) port.OrderRepository {
			repo.OrderRepository = inner
			return repo
		},
	})
	e.addProduct(t, "p-1", false)
	e.receive(t, "p-1", 10, "1")
	e.placeOrder(t, "order-1", item("p-1", 4))
	require.Equal(t, 6, e.onHand(t, "p-1"))

	repo.armed.Store(true)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = e.machine.Transition(ctx, "order-1", domain.OrderStatusCancelled, "alice", "")
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 10, e.onHand(t, "p-1"))
	assert.Equal(t, 10, e.replayed(t, "p-1"))

	order := e.order(t, "order-1")
	assert.Equal(t, domain.OrderStatusCancelled, order.Status)
	require.NotNil(t, order.Reservation.Released)
	assert.Equal(t, []domain.LineItem{item("p-1", 4)}, order.Reservation.Released.Items)
}

func TestOrder_CancelReleasesUnitsReservedMeanwhile(t *testing.T) {
	ctx := context.Background()
	repo := &interleavingOrderRepo{}
	e := newTestEngine(t, engineOptions{
		orderRepo: func(inner port.OrderRepository) port.OrderRepository {
			repo.OrderRepository = inner
			return repo
		},
	})
	e.addProduct(t, "p-1", false)
	e.receive(t, "p-1", 2, "1")
	order := e.placeOrder(t, "order-1", item("p-1", 5))
	require.Equal(t, domain.OrderStatusBackordered, order.Status)
	e.receive(t, "p-1", 3, "1")
	require.Equal(t, 3, e.onHand(t, "p-1"))

	var fulfilled *domain.Order
	repo.before = func() {
		var err error
		fulfilled, err = e.machine.FulfillBackorders(ctx, "order-1", SystemActor)
		require.NoError(t, err)
	}
	repo.armed.Store(true)

	cancelled, err := e.machine.Transition(ctx, "order-1", domain.OrderStatusCancelled, "alice", "")
	require.NoError(t, err)
	require.NotNil(t, fulfilled)
	assert.Equal(t, domain.OrderStatusProcessing, fulfilled.Status)

	assert.Equal(t, domain.OrderStatusCancelled, cancelled.Status)
	require.NotNil(t, cancelled.Reservation.Released)
	assert.Equal(t, []domain.LineItem{item("p-1", 5)}, cancelled.Reservation.Released.Items)
	assert.Equal(t, 5, e.onHand(t, "p-1"))
	assert.Equal(t, 5, e.replayed(t, "p-1"))
}

func TestOrder_LogLinesCarryOrderIDOnce(t *testing.T) {
	var buf bytes.Buffer
	ctx := zerolog.New(&buf).WithContext(context.Background())
	e := newTestEngine(t, engineOptions{})
	e.addProduct(t, "p-1", false)
	e.receive(t, "p-1", 10, "1")

	_, err := e.machine.Create(ctx, "order-1", "customer-1", testWarehouse, []domain.LineItem{item("p-1", 4)}, "tester")
	require.NoError(t, err)
	_, err = e.machine.Confirm(ctx, "order-1", "tester", "")
	require.NoError(t, err)
	_, err = e.machine.Transition(ctx, "order-1", domain.OrderStatusCancelled, "tester", "")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.NotEmpty(t, lines)
	for _, line := range lines {
		assert.LessOrEqual(t, strings.Count(line, `"order_id":`), 1, line)
	}
	assert.Contains(t, buf.String(), `"order_id":"order-1"`)
}
