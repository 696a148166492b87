package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rl1809/inventory-engine/internal/core/domain"
	"github.com/rl1809/inventory-engine/internal/pkg/logger"
	"github.com/rl1809/inventory-engine/internal/port"
)

// TransactionLog is the append-only audit trail of committed quantity changes.
type TransactionLog struct {
	repo      port.TransactionRepository
	publisher port.EventPublisher
	now       func() time.Time
}

func NewTransactionLog(repo port.TransactionRepository, publisher port.EventPublisher, now func() time.Time) *TransactionLog {
	if now == nil {
		now = time.Now
	}
	return &TransactionLog{repo: repo, publisher: publisher, now: now}
}

// Append inserts txn, assigning an ID and timestamp when missing. It never publishes:
// events go out through Publish once the surrounding write is durable.
func (l *TransactionLog) Append(ctx context.Context, txn domain.StockTransaction) (domain.StockTransaction, error) {
	if txn.ID == "" {
		txn.ID = uuid.NewString()
	}
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = l.now()
	}
	if txn.Status == "" {
		txn.Status = domain.TransactionCompleted
	}
	if err := l.repo.AppendTransaction(ctx, txn); err != nil {
		return domain.StockTransaction{}, fmt.Errorf("append %s transaction for %s: %w", txn.Type, txn.ProductID, err)
	}
	return txn, nil
}

// Publish emits one committed event per transaction. Delivery failures are logged:
// the transactions are already durable and can be replayed from the log.
func (l *TransactionLog) Publish(ctx context.Context, txns ...domain.StockTransaction) {
	if l.publisher == nil {
		return
	}
	at := l.now()
	for _, txn := range txns {
		if err := l.publisher.Publish(ctx, domain.NewStockTransactionCommitted(txn, at)); err != nil {
			logger.Ctx(ctx).Error().Err(err).
				Str("transaction_id", txn.ID).
				Str("product_id", txn.ProductID).
				Msg("failed to publish committed transaction")
		}
	}
}

func (l *TransactionLog) ListByProduct(ctx context.Context, productID string) ([]domain.StockTransaction, error) {
	txns, err := l.repo.ListTransactionsByProduct(ctx, productID)
	if err != nil {
		return nil, fmt.Errorf("list transactions of %s: %w", productID, err)
	}
	return txns, nil
}

func (l *TransactionLog) ListByReference(ctx context.Context, ref domain.Reference) ([]domain.StockTransaction, error) {
	txns, err := l.repo.ListTransactionsByReference(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("list transactions of %s/%s: %w", ref.Type, ref.ID, err)
	}
	return txns, nil
}

// UnitOfWork groups ledger writes and their log entries. With a TxRunner the
// group commits atomically; without one every write commits on its own and a
// failure part-way leaves the earlier writes in place, visible in the log.
type UnitOfWork struct {
	log    *TransactionLog
	runner port.TxRunner
}

func NewUnitOfWork(log *TransactionLog, runner port.TxRunner) *UnitOfWork {
	return &UnitOfWork{log: log, runner: runner}
}

func (u *UnitOfWork) Transactional() bool {
	return u.runner != nil
}

// Recorder appends transactions inside a unit of work and remembers them for publishing.
type Recorder struct {
	log       *TransactionLog
	committed []domain.StockTransaction
}

func (r *Recorder) Append(ctx context.Context, txn domain.StockTransaction) (domain.StockTransaction, error) {
	txn, err := r.log.Append(ctx, txn)
	if err != nil {
		return txn, err
	}
	r.committed = append(r.committed, txn)
	return txn, nil
}

func (r *Recorder) Transactions() []domain.StockTransaction {
	return r.committed
}

// Do runs fn and publishes what it appended once those writes are durable.
// It returns the transactions that were committed, even when fn failed.
func (u *UnitOfWork) Do(ctx context.Context, fn func(ctx context.Context, rec *Recorder) error) ([]domain.StockTransaction, error) {
	if u.runner == nil {
		rec := &Recorder{log: u.log}
		err := fn(ctx, rec)
		u.log.Publish(ctx, rec.committed...)
		return rec.committed, err
	}

	var rec *Recorder
	err := u.runner.WithinTransaction(ctx, func(txCtx context.Context) error {
		rec = &Recorder{log: u.log}
		return fn(txCtx, rec)
	})
	if err != nil {
		return nil, err
	}
	u.log.Publish(ctx, rec.committed...)
	return rec.committed, nil
}
