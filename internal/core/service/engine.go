package service

import (
	"time"

	"github.com/rl1809/inventory-engine/internal/port"
)

// Stores groups the persistence ports the engine runs on.
type Stores struct {
	Ledger       port.LedgerRepository
	Transactions port.TransactionRepository
	Orders       port.OrderRepository
	Balances     port.BalanceRepository
	Catalog      port.ProductCatalog
	// Cache is optional; without it HoldOnce behaves like Hold.
	Cache port.CacheRepository
	// Tx is used only when EngineConfig.Transactional is set.
	Tx port.TxRunner
}

type EngineConfig struct {
	ReservationTTL time.Duration
	MaxRetries     int
	Transactional  bool
	Now            func() time.Time
}

// Engine is the wired set of services. Bus subscribers are left to the caller.
type Engine struct {
	Bus         *EventBus
	Log         *TransactionLog
	UnitOfWork  *UnitOfWork
	Ledger      *StockLedger
	Holds       *HoldManager
	Coordinator *ReservationCoordinator
	Orders      *OrderStatusMachine
	Reconciler  *BackorderReconciler
	Projector   *BalanceProjector
}

func NewEngine(stores Stores, cfg EngineConfig) *Engine {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	var runner port.TxRunner
	if cfg.Transactional {
		runner = stores.Tx
	}

	e := &Engine{Bus: NewEventBus()}
	e.Log = NewTransactionLog(stores.Transactions, e.Bus, now)
	e.UnitOfWork = NewUnitOfWork(e.Log, runner)
	e.Ledger = NewStockLedger(stores.Ledger, stores.Catalog, cfg.MaxRetries, now)
	e.Holds = NewHoldManager(e.Ledger, e.UnitOfWork, stores.Cache, cfg.ReservationTTL, now)
	e.Coordinator = NewReservationCoordinator(e.Ledger, e.Holds, e.UnitOfWork, stores.Catalog, now)
	e.Orders = NewOrderStatusMachine(stores.Orders, e.Coordinator, now)
	e.Reconciler = NewBackorderReconciler(stores.Orders, e.Orders)
	e.Projector = NewBalanceProjector(stores.Balances, e.Log, e.Holds, cfg.MaxRetries)
	return e
}
