package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/rl1809/inventory-engine/internal/core/domain"
)

func runScheduler(t *testing.T, s *Scheduler) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	return func() {
		cancel()
		require.NoError(t, <-done)
	}
}

func TestScheduler_SweepsExpiredHolds(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	e := newTestEngine(t, engineOptions{})
	e.addProduct(t, "p-1", false)
	e.receive(t, "p-1", 5, "1")
	_, err := e.holds.Hold(context.Background(), "cart-1", "p-1", 2)
	require.NoError(t, err)
	e.clock.Advance(DefaultReservationTTL)

	s := NewScheduler(e.holds, e.reconciler, e.store, SchedulerConfig{
		HoldSweepInterval: 10 * time.Millisecond,
		ReconcileInterval: time.Hour,
	})
	stop := runScheduler(t, s)

	assert.Eventually(t, func() bool {
		entry, err := e.store.GetEntry(context.Background(), "p-1")
		return err == nil && len(entry.Holds) == 0
	}, 2*time.Second, 5*time.Millisecond)
	stop()
}

func TestScheduler_SkipsWhenLeaseHeldElsewhere(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ctx := context.Background()
	e := newTestEngine(t, engineOptions{})
	e.addProduct(t, "p-1", false)
	e.receive(t, "p-1", 5, "1")
	_, err := e.holds.Hold(ctx, "cart-1", "p-1", 2)
	require.NoError(t, err)
	e.clock.Advance(DefaultReservationTTL)

	ok, err := e.store.AcquireLease(ctx, leaseHoldSweep, "other-instance", time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	s := NewScheduler(e.holds, e.reconciler, e.store, SchedulerConfig{
		HoldSweepInterval: 5 * time.Millisecond,
		ReconcileInterval: time.Hour,
	})
	stop := runScheduler(t, s)
	time.Sleep(50 * time.Millisecond)
	stop()

	entry, err := e.store.GetEntry(ctx, "p-1")
	require.NoError(t, err)
	assert.Len(t, entry.Holds, 1, "the sweep must not run without the lease")
}

func TestScheduler_ReconcileClearsBackorders(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, engineOptions{})
	e.addProduct(t, "p-1", false)
	e.placeOrder(t, "order-1", item("p-1", 3))

	_, err := e.coordinator.AdjustStock(ctx, "p-1", 3, "", "tester")
	require.NoError(t, err)

	s := NewScheduler(e.holds, e.reconciler, nil, SchedulerConfig{})
	require.NoError(t, s.Reconcile(ctx))
	assert.Equal(t, domain.OrderStatusProcessing, e.order(t, "order-1").Status)
}
