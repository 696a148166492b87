package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rl1809/inventory-engine/internal/core/domain"
)

// MemoryStore implements every storage port in process memory. Rows written
// inside WithinTransaction stay locked to that transaction until it ends; other
// writers get domain.ErrVersionConflict meanwhile. A failed transaction restores
// the rows it wrote under a fresh version.
type MemoryStore struct {
	mu           sync.Mutex
	locks        map[string]*memTx
	ledger       map[string]*domain.LedgerEntry
	transactions []domain.StockTransaction
	orders       map[string]*domain.Order
	balances     map[string]domain.InventoryBalance
	products     map[string]domain.Product
	idempotency  map[string]time.Time
	leases       map[string]memLease
	now          func() time.Time
}

type memLease struct {
	owner     string
	expiresAt time.Time
}

type memTxKey struct{}

type memTx struct {
	undo []func()
	keys []string
	done bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		locks:       make(map[string]*memTx),
		ledger:      make(map[string]*domain.LedgerEntry),
		orders:      make(map[string]*domain.Order),
		balances:    make(map[string]domain.InventoryBalance),
		products:    make(map[string]domain.Product),
		idempotency: make(map[string]time.Time),
		leases:      make(map[string]memLease),
		now:         time.Now,
	}
}

// SetClock replaces the clock used for idempotency keys and leases.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	s.mu.Lock()
	open := s.txFrom(ctx) != nil
	s.mu.Unlock()
	if open {
		return fn(ctx)
	}

	tx := &memTx{}
	err := fn(context.WithValue(ctx, memTxKey{}, tx))

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		for i := len(tx.undo) - 1; i >= 0; i-- {
			tx.undo[i]()
		}
	}
	for _, key := range tx.keys {
		if s.locks[key] == tx {
			delete(s.locks, key)
		}
	}
	tx.done = true
	return err
}

// txFrom returns the open transaction carried by ctx. Must be called with s.mu held.
func (s *MemoryStore) txFrom(ctx context.Context) *memTx {
	tx, ok := ctx.Value(memTxKey{}).(*memTx)
	if !ok || tx.done {
		return nil
	}
	return tx
}

// claim fails when another open transaction has written key, and otherwise
// locks key to the transaction in ctx. Must be called with s.mu held.
func (s *MemoryStore) claim(ctx context.Context, key string) error {
	tx := s.txFrom(ctx)
	if owner, ok := s.locks[key]; ok && owner != tx {
		return domain.ErrVersionConflict
	}
	if tx != nil && s.locks[key] == nil {
		s.locks[key] = tx
		tx.keys = append(tx.keys, key)
	}
	return nil
}

// record must be called with s.mu held.
func (s *MemoryStore) record(ctx context.Context, undo func()) {
	if tx := s.txFrom(ctx); tx != nil {
		tx.undo = append(tx.undo, undo)
	}
}

func (s *MemoryStore) GetEntry(ctx context.Context, productID string) (*domain.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.ledger[productID]
	if !ok {
		return nil, fmt.Errorf("ledger entry %s: %w", productID, domain.ErrNotFound)
	}
	return entry.Clone(), nil
}

func (s *MemoryStore) CreateEntry(ctx context.Context, entry domain.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.ledger[entry.ProductID]; ok {
		return fmt.Errorf("ledger entry %s exists: %w", entry.ProductID, domain.ErrVersionConflict)
	}
	if err := s.claim(ctx, "ledger:"+entry.ProductID); err != nil {
		return err
	}
	stored := entry.Clone()
	stored.Version = 0
	s.ledger[entry.ProductID] = stored
	s.record(ctx, func() { delete(s.ledger, entry.ProductID) })
	return nil
}

func (s *MemoryStore) UpdateEntry(ctx context.Context, entry domain.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.ledger[entry.ProductID]
	if !ok {
		return fmt.Errorf("ledger entry %s: %w", entry.ProductID, domain.ErrNotFound)
	}
	if err := s.claim(ctx, "ledger:"+entry.ProductID); err != nil {
		return err
	}
	if current.Version != entry.Version {
		return domain.ErrVersionConflict
	}

	stored := entry.Clone()
	stored.Version = entry.Version + 1
	s.ledger[entry.ProductID] = stored
	s.record(ctx, func() {
		restored := current.Clone()
		restored.Version = s.ledger[entry.ProductID].Version + 1
		s.ledger[entry.ProductID] = restored
	})
	return nil
}

func (s *MemoryStore) ListProductIDsWithExpiredHolds(ctx context.Context, now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for id, entry := range s.ledger {
		for _, h := range entry.Holds {
			if h.Expired(now) {
				ids = append(ids, id)
				break
			}
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) ListProductIDsByHolder(ctx context.Context, holderID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for id, entry := range s.ledger {
		if _, ok := entry.HoldFor(holderID); ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) AppendTransaction(ctx context.Context, txn domain.StockTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.transactions = append(s.transactions, txn)
	s.record(ctx, func() {
		for i := len(s.transactions) - 1; i >= 0; i-- {
			if s.transactions[i].ID == txn.ID {
				s.transactions = append(s.transactions[:i], s.transactions[i+1:]...)
				return
			}
		}
	})
	return nil
}

func (s *MemoryStore) ListTransactionsByProduct(ctx context.Context, productID string) ([]domain.StockTransaction, error) {
	return s.filterTransactions(func(t domain.StockTransaction) bool { return t.ProductID == productID }), nil
}

func (s *MemoryStore) ListTransactionsByReference(ctx context.Context, ref domain.Reference) ([]domain.StockTransaction, error) {
	return s.filterTransactions(func(t domain.StockTransaction) bool { return t.Reference == ref }), nil
}

func (s *MemoryStore) filterTransactions(keep func(domain.StockTransaction) bool) []domain.StockTransaction {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.StockTransaction
	for _, t := range s.transactions {
		if keep(t) {
			out = append(out, t)
		}
	}
	return out
}

func (s *MemoryStore) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", orderID, domain.ErrNotFound)
	}
	return order.Clone(), nil
}

func (s *MemoryStore) CreateOrder(ctx context.Context, order domain.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orders[order.ID]; ok {
		return fmt.Errorf("order %s exists: %w", order.ID, domain.ErrVersionConflict)
	}
	if err := s.claim(ctx, "order:"+order.ID); err != nil {
		return err
	}
	stored := order.Clone()
	stored.Version = 0
	s.orders[order.ID] = stored
	s.record(ctx, func() { delete(s.orders, order.ID) })
	return nil
}

func (s *MemoryStore) UpdateOrder(ctx context.Context, order domain.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.orders[order.ID]
	if !ok {
		return fmt.Errorf("order %s: %w", order.ID, domain.ErrNotFound)
	}
	if err := s.claim(ctx, "order:"+order.ID); err != nil {
		return err
	}
	if current.Version != order.Version {
		return domain.ErrVersionConflict
	}
	stored := order.Clone()
	stored.Version = order.Version + 1
	s.orders[order.ID] = stored
	s.record(ctx, func() {
		restored := current.Clone()
		restored.Version = s.orders[order.ID].Version + 1
		s.orders[order.ID] = restored
	})
	return nil
}

func (s *MemoryStore) ListOrdersByStatus(ctx context.Context, status domain.OrderStatus) ([]domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Order
	for _, o := range s.orders {
		if o.Status == status {
			out = append(out, *o.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func balanceKey(productID, warehouseID string) string {
	return productID + "|" + warehouseID
}

func (s *MemoryStore) GetBalance(ctx context.Context, productID, warehouseID string) (*domain.InventoryBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.balances[balanceKey(productID, warehouseID)]
	if !ok {
		return nil, fmt.Errorf("balance %s/%s: %w", productID, warehouseID, domain.ErrNotFound)
	}
	return &b, nil
}

func (s *MemoryStore) SaveBalance(ctx context.Context, balance domain.InventoryBalance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := balanceKey(balance.ProductID, balance.WarehouseID)
	if err := s.claim(ctx, "balance:"+key); err != nil {
		return err
	}
	current, exists := s.balances[key]
	switch {
	case balance.Version == 0 && exists:
		return domain.ErrVersionConflict
	case balance.Version != 0 && (!exists || current.Version != balance.Version):
		return domain.ErrVersionConflict
	}

	balance.Version++
	s.balances[key] = balance
	s.record(ctx, func() {
		if exists {
			current.Version = s.balances[key].Version + 1
			s.balances[key] = current
		} else {
			delete(s.balances, key)
		}
	})
	return nil
}

func (s *MemoryStore) GetProduct(ctx context.Context, productID string) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.products[productID]
	if !ok {
		return nil, fmt.Errorf("product %s: %w", productID, domain.ErrNotFound)
	}
	return &p, nil
}

func (s *MemoryStore) SaveProduct(ctx context.Context, product domain.Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.products[product.ID] = product
	return nil
}

func (s *MemoryStore) SetIdempotency(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if exp, ok := s.idempotency[key]; ok && now.Before(exp) {
		return false, nil
	}
	s.idempotency[key] = now.Add(idempotencyKeyTTL)
	return true, nil
}

func (s *MemoryStore) ClearIdempotency(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.idempotency, key)
	return nil
}

func (s *MemoryStore) AcquireLease(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if l, ok := s.leases[name]; ok && now.Before(l.expiresAt) && l.owner != owner {
		return false, nil
	}
	s.leases[name] = memLease{owner: owner, expiresAt: now.Add(ttl)}
	return true, nil
}

func (s *MemoryStore) ReleaseLease(ctx context.Context, name, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l, ok := s.leases[name]; ok && l.owner == owner {
		delete(s.leases, name)
	}
	return nil
}
