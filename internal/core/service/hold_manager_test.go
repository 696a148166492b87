package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/inventory-engine/internal/core/domain"
)

func TestHold_ReleaseRestoresAvailability(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, engineOptions{})
	e.addProduct(t, "p-1", false)
	e.receive(t, "p-1", 10, "1")

	res, err := e.holds.Hold(ctx, "cart-1", "p-1", 4)
	require.NoError(t, err)
	assert.Equal(t, 6, res.Available)
	assert.Equal(t, e.clock.Now().Add(DefaultReservationTTL), res.ExpiresAt)
	assert.Equal(t, 6, e.available(t, "p-1"))
	assert.Equal(t, 10, e.onHand(t, "p-1"), "holds never touch on-hand")

	released, err := e.holds.Release(ctx, "cart-1")
	require.NoError(t, err)
	assert.Equal(t, 1, released)
	assert.Equal(t, 10, e.available(t, "p-1"))

	// releasing again is a no-op
	released, err = e.holds.Release(ctx, "cart-1")
	require.NoError(t, err)
	assert.Equal(t, 0, released)
}

func TestHold_InsufficientStock(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, engineOptions{})
	e.addProduct(t, "p-1", false)
	e.receive(t, "p-1", 5, "1")

	_, err := e.holds.Hold(ctx, "cart-1", "p-1", 3)
	require.NoError(t, err)

	_, err = e.holds.Hold(ctx, "cart-2", "p-1", 3)
	var ise *domain.InsufficientStockError
	require.True(t, errors.As(err, &ise), "got %v", err)
	assert.Equal(t, 2, ise.Available)

	_, err = e.holds.Hold(ctx, "cart-2", "p-1", 0)
	assert.ErrorIs(t, err, domain.ErrInvalidQuantity)

	_, err = e.holds.Hold(ctx, "cart-2", "missing", 1)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestHold_RenewCountsOwnHold(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, engineOptions{})
	e.addProduct(t, "p-1", false)
	e.receive(t, "p-1", 6, "1")

	_, err := e.holds.Hold(ctx, "cart-1", "p-1", 4)
	require.NoError(t, err)

	e.clock.Advance(10 * time.Minute)
	res, err := e.holds.Hold(ctx, "cart-1", "p-1", 6)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Available)
	assert.Equal(t, e.clock.Now().Add(DefaultReservationTTL), res.ExpiresAt)

	// the renewed hold outlives the original expiry
	e.clock.Advance(10 * time.Minute)
	assert.Equal(t, 0, e.available(t, "p-1"))
}

func TestHold_LapsesWithoutSweep(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, engineOptions{})
	e.addProduct(t, "p-1", false)
	e.receive(t, "p-1", 5, "1")

	_, err := e.holds.Hold(ctx, "cart-1", "p-1", 5)
	require.NoError(t, err)

	e.clock.Advance(DefaultReservationTTL - time.Nanosecond)
	assert.Equal(t, 0, e.available(t, "p-1"))

	e.clock.Advance(time.Nanosecond)
	assert.Equal(t, 5, e.available(t, "p-1"))

	_, err = e.holds.Hold(ctx, "cart-2", "p-1", 5)
	require.NoError(t, err)
}

func TestExpireHolds(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, engineOptions{})
	for _, id := range []string{"p-1", "p-2"} {
		e.addProduct(t, id, false)
		e.receive(t, id, 5, "1")
	}

	_, err := e.holds.Hold(ctx, "cart-1", "p-1", 2)
	require.NoError(t, err)
	_, err = e.holds.Hold(ctx, "cart-2", "p-1", 2)
	require.NoError(t, err)
	e.clock.Advance(time.Minute)
	_, err = e.holds.Hold(ctx, "cart-3", "p-2", 2)
	require.NoError(t, err)

	e.clock.Advance(DefaultReservationTTL - 30*time.Second)
	expired, err := e.holds.ExpireHolds(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, expired)

	stored, err := e.store.GetEntry(ctx, "p-1")
	require.NoError(t, err)
	assert.Empty(t, stored.Holds)
	stored, err = e.store.GetEntry(ctx, "p-2")
	require.NoError(t, err)
	assert.Len(t, stored.Holds, 1)

	expired, err = e.holds.ExpireHolds(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, expired)
}

func TestConvertToPermanent(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, engineOptions{})
	e.addProduct(t, "p-1", false)
	e.addProduct(t, "p-2", false)
	e.receive(t, "p-1", 5, "1")
	e.receive(t, "p-2", 5, "1")

	_, err := e.holds.Hold(ctx, "cart-1", "p-1", 2)
	require.NoError(t, err)
	_, err = e.holds.Hold(ctx, "cart-1", "p-2", 1)
	require.NoError(t, err)

	txns, err := e.holds.ConvertToPermanent(ctx, "cart-1", "tester")
	require.NoError(t, err)
	require.Len(t, txns, 2)
	for _, txn := range txns {
		assert.Equal(t, domain.TransactionSale, txn.Type)
		assert.Equal(t, domain.Reference{Type: domain.ReferenceCheckout, ID: "cart-1"}, txn.Reference)
		assert.Equal(t, testWarehouse, txn.WarehouseID)
	}

	assert.Equal(t, 3, e.onHand(t, "p-1"))
	assert.Equal(t, 3, e.available(t, "p-1"))
	assert.Equal(t, 4, e.onHand(t, "p-2"))

	txns, err = e.holds.ConvertToPermanent(ctx, "cart-1", "tester")
	require.NoError(t, err)
	assert.Empty(t, txns)
	assert.Equal(t, 3, e.onHand(t, "p-1"))
	assert.Equal(t, e.onHand(t, "p-1"), e.replayed(t, "p-1"))
}

func TestConvertToPermanent_ExpiredHoldIsNotSpent(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, engineOptions{})
	e.addProduct(t, "p-1", false)
	e.receive(t, "p-1", 5, "1")

	_, err := e.holds.Hold(ctx, "cart-1", "p-1", 2)
	require.NoError(t, err)
	e.clock.Advance(DefaultReservationTTL)

	txns, err := e.holds.ConvertToPermanent(ctx, "cart-1", "tester")
	require.NoError(t, err)
	assert.Empty(t, txns)
	assert.Equal(t, 5, e.onHand(t, "p-1"))
}

func TestHoldOnce_Idempotent(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, engineOptions{})
	e.addProduct(t, "p-1", false)
	e.receive(t, "p-1", 2, "1")

	_, err := e.holds.HoldOnce(ctx, "req-1", "cart-1", "p-1", 3)
	require.ErrorIs(t, err, domain.ErrInsufficientStock)

	// a failed attempt does not burn the request ID
	e.receive(t, "p-1", 1, "1")
	_, err = e.holds.HoldOnce(ctx, "req-1", "cart-1", "p-1", 3)
	require.NoError(t, err)

	_, err = e.holds.HoldOnce(ctx, "req-1", "cart-1", "p-1", 3)
	assert.ErrorIs(t, err, domain.ErrDuplicateRequest)
}

func TestHold_ConcurrentNeverOverHolds(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, engineOptions{maxRetries: 100})
	e.addProduct(t, "p-1", false)
	e.receive(t, "p-1", 10, "1")

	var wg sync.WaitGroup
	var held atomic.Int32
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			_, err := e.holds.Hold(ctx, fmt.Sprintf("cart-%d", id), "p-1", 1)
			switch {
			case err == nil:
				held.Add(1)
			case errors.Is(err, domain.ErrInsufficientStock), errors.Is(err, domain.ErrReservationFailed):
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, int(held.Load()), 10)
	reserved, err := e.holds.Reserved(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, int(held.Load()), reserved)
	assert.Equal(t, 10-reserved, e.available(t, "p-1"))
}
