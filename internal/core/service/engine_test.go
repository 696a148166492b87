package service

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/inventory-engine/internal/adapter/storage"
	"github.com/rl1809/inventory-engine/internal/core/domain"
	"github.com/rl1809/inventory-engine/internal/port"
)

const testWarehouse = "wh-1"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// conflictingLedgerRepo fails the next `remaining` updates with a version conflict.
type conflictingLedgerRepo struct {
	port.LedgerRepository
	remaining atomic.Int32
}

func (r *conflictingLedgerRepo) UpdateEntry(ctx context.Context, entry domain.LedgerEntry) error {
	if r.remaining.Add(-1) >= 0 {
		return domain.ErrVersionConflict
	}
	return r.LedgerRepository.UpdateEntry(ctx, entry)
}

type conflictingOrderRepo struct {
	port.OrderRepository
	remaining atomic.Int32
}

func (r *conflictingOrderRepo) UpdateOrder(ctx context.Context, order domain.Order) error {
	if r.remaining.Add(-1) >= 0 {
		return domain.ErrVersionConflict
	}
	return r.OrderRepository.UpdateOrder(ctx, order)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.StockTransactionCommitted
}

func (p *recordingPublisher) Publish(ctx context.Context, event domain.StockTransactionCommitted) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) Events() []domain.StockTransactionCommitted {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.StockTransactionCommitted(nil), p.events...)
}

type engineOptions struct {
	transactional    bool
	reconcileOnEvent bool
	maxRetries       int
	ledgerRepo       func(inner port.LedgerRepository) port.LedgerRepository
	orderRepo        func(inner port.OrderRepository) port.OrderRepository
	catalog          func(inner port.ProductCatalog) port.ProductCatalog
}

type testEngine struct {
	store       *storage.MemoryStore
	clock       *fakeClock
	bus         *EventBus
	txlog       *TransactionLog
	uow         *UnitOfWork
	ledger      *StockLedger
	holds       *HoldManager
	coordinator *ReservationCoordinator
	machine     *OrderStatusMachine
	reconciler  *BackorderReconciler
	projector   *BalanceProjector
}

func newTestEngine(t *testing.T, opts engineOptions) *testEngine {
	t.Helper()

	e := &testEngine{
		store: storage.NewMemoryStore(),
		clock: newFakeClock(),
		bus:   NewEventBus(),
	}

	var ledgerRepo port.LedgerRepository = e.store
	if opts.ledgerRepo != nil {
		ledgerRepo = opts.ledgerRepo(e.store)
	}
	var orderRepo port.OrderRepository = e.store
	if opts.orderRepo != nil {
		orderRepo = opts.orderRepo(e.store)
	}
	var catalog port.ProductCatalog = e.store
	if opts.catalog != nil {
		catalog = opts.catalog(e.store)
	}
	var runner port.TxRunner
	if opts.transactional {
		runner = e.store
	}

	now := e.clock.Now
	e.txlog = NewTransactionLog(e.store, e.bus, now)
	e.uow = NewUnitOfWork(e.txlog, runner)
	e.ledger = NewStockLedger(ledgerRepo, e.store, opts.maxRetries, now)
	e.holds = NewHoldManager(e.ledger, e.uow, e.store, DefaultReservationTTL, now)
	e.coordinator = NewReservationCoordinator(e.ledger, e.holds, e.uow, catalog, now)
	e.machine = NewOrderStatusMachine(orderRepo, e.coordinator, now)
	e.reconciler = NewBackorderReconciler(orderRepo, e.machine)
	e.projector = NewBalanceProjector(e.store, e.txlog, e.holds, 0)

	e.bus.Subscribe("balance", e.projector.HandleEvent)
	if opts.reconcileOnEvent {
		e.bus.Subscribe("reconciler", e.reconciler.HandleEvent)
	}
	t.Cleanup(e.bus.Close)
	return e
}

func (e *testEngine) addProduct(t *testing.T, id string, allowNegative bool) {
	t.Helper()
	require.NoError(t, e.store.SaveProduct(context.Background(), domain.Product{
		ID:                 id,
		Name:               id,
		WarehouseID:        testWarehouse,
		AllowNegativeStock: allowNegative,
	}))
}

func (e *testEngine) receive(t *testing.T, productID string, qty int, unitCost string) {
	t.Helper()
	_, err := e.coordinator.ReceiveStock(context.Background(), productID, qty, decimal.RequireFromString(unitCost), domain.Reference{}, "tester")
	require.NoError(t, err)
}

func (e *testEngine) onHand(t *testing.T, productID string) int {
	t.Helper()
	entry, err := e.ledger.Get(context.Background(), productID)
	require.NoError(t, err)
	return entry.OnHand
}

func (e *testEngine) available(t *testing.T, productID string) int {
	t.Helper()
	avail, err := e.holds.Available(context.Background(), productID)
	require.NoError(t, err)
	return avail
}

// placeOrder creates and confirms an order, leaving it processing or backordered.
func (e *testEngine) placeOrder(t *testing.T, orderID string, items ...domain.LineItem) *domain.Order {
	t.Helper()
	ctx := context.Background()
	_, err := e.machine.Create(ctx, orderID, "customer-1", testWarehouse, items, "tester")
	require.NoError(t, err)
	order, err := e.machine.Confirm(ctx, orderID, "tester", "")
	require.NoError(t, err)
	require.NoError(t, order.CheckLines())
	return order
}

func (e *testEngine) order(t *testing.T, orderID string) *domain.Order {
	t.Helper()
	order, err := e.machine.Get(context.Background(), orderID)
	require.NoError(t, err)
	return order
}

func (e *testEngine) replayed(t *testing.T, productID string) int {
	t.Helper()
	txns, err := e.txlog.ListByProduct(context.Background(), productID)
	require.NoError(t, err)
	return domain.ReplayOnHand(txns)
}

func item(productID string, qty int) domain.LineItem {
	return domain.LineItem{ProductID: productID, Quantity: qty}
}

func TestNewEngine_Wiring(t *testing.T) {
	store := storage.NewMemoryStore()
	stores := Stores{
		Ledger:       store,
		Transactions: store,
		Orders:       store,
		Balances:     store,
		Catalog:      store,
		Tx:           store,
	}

	e := NewEngine(stores, EngineConfig{Transactional: true})
	defer e.Bus.Close()
	require.True(t, e.UnitOfWork.Transactional())

	plain := NewEngine(stores, EngineConfig{})
	defer plain.Bus.Close()
	require.False(t, plain.UnitOfWork.Transactional())

	ctx := context.Background()
	require.NoError(t, store.SaveProduct(ctx, domain.Product{ID: "p-1", WarehouseID: testWarehouse}))
	_, err := e.Coordinator.ReceiveStock(ctx, "p-1", 4, decimal.NewFromInt(1), domain.Reference{}, "tester")
	require.NoError(t, err)
	avail, err := e.Holds.Available(ctx, "p-1")
	require.NoError(t, err)
	require.Equal(t, 4, avail)
}

// rendezvousOrderRepo holds armed order updates until `parties` callers have arrived.
type rendezvousOrderRepo struct {
	port.OrderRepository
	armed   atomic.Bool
	parties int32
	arrived atomic.Int32
	ready   chan struct{}
}

func newRendezvousOrderRepo(parties int32) *rendezvousOrderRepo {
	return &rendezvousOrderRepo{parties: parties, ready: make(chan struct{})}
}

func (r *rendezvousOrderRepo) UpdateOrder(ctx context.Context, order domain.Order) error {
	if r.armed.Load() {
		if n := r.arrived.Add(1); n <= r.parties {
			if n == r.parties {
				close(r.ready)
			}
			<-r.ready
		}
	}
	return r.OrderRepository.UpdateOrder(ctx, order)
}

// interleavingOrderRepo runs `before` once, ahead of the first update after it is armed.
type interleavingOrderRepo struct {
	port.OrderRepository
	armed  atomic.Bool
	before func()
}

func (r *interleavingOrderRepo) UpdateOrder(ctx context.Context, order domain.Order) error {
	if r.armed.CompareAndSwap(true, false) {
		r.before()
	}
	return r.OrderRepository.UpdateOrder(ctx, order)
}

// interleavingCatalog runs `before` when the given product is looked up.
type interleavingCatalog struct {
	port.ProductCatalog
	productID string
	before    func()
}

func (c *interleavingCatalog) GetProduct(ctx context.Context, productID string) (*domain.Product, error) {
	if productID == c.productID {
		c.before()
	}
	return c.ProductCatalog.GetProduct(ctx, productID)
}
