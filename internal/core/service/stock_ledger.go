package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/rl1809/inventory-engine/internal/core/domain"
	"github.com/rl1809/inventory-engine/internal/pkg/logger"
	"github.com/rl1809/inventory-engine/internal/pkg/metrics"
	"github.com/rl1809/inventory-engine/internal/pkg/tracing"
	"github.com/rl1809/inventory-engine/internal/port"
)

const (
	DefaultMaxRetries     = 3
	DefaultReservationTTL = 15 * time.Minute

	conflictBackoffBase = 200 * time.Microsecond
	conflictBackoffMax  = 10 * time.Millisecond
)

var tracer = otel.Tracer("inventory-engine/service")

// LedgerChange describes one committed ledger write.
type LedgerChange struct {
	Previous *domain.LedgerEntry // as stored before the write
	Current  *domain.LedgerEntry // as written, version already bumped
	Pruned   int
	Written  bool
}

// OnHandDelta is the committed change of on-hand quantity.
func (c LedgerChange) OnHandDelta() int {
	if !c.Written {
		return 0
	}
	return c.Current.OnHand - c.Previous.OnHand
}

// Mutation edits a ledger entry in place and reports whether it changed anything.
// It may run several times for one Mutate call, so it must not have side effects
// beyond the entry it is given.
type Mutation func(entry *domain.LedgerEntry) (bool, error)

type StockLedger struct {
	repo       port.LedgerRepository
	catalog    port.ProductCatalog
	maxRetries int
	now        func() time.Time
}

func NewStockLedger(repo port.LedgerRepository, catalog port.ProductCatalog, maxRetries int, now func() time.Time) *StockLedger {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	if now == nil {
		now = time.Now
	}
	return &StockLedger{
		repo:       repo,
		catalog:    catalog,
		maxRetries: maxRetries,
		now:        now,
	}
}

// Get returns a copy of the entry with expired holds pruned.
func (l *StockLedger) Get(ctx context.Context, productID string) (*domain.LedgerEntry, error) {
	entry, err := l.repo.GetEntry(ctx, productID)
	if err != nil {
		return nil, fmt.Errorf("get ledger %s: %w", productID, err)
	}
	entry = entry.Clone()
	entry.PruneExpired(l.now())
	return entry, nil
}

// Create stocks a product for the first time.
func (l *StockLedger) Create(ctx context.Context, productID string, onHand int) (*domain.LedgerEntry, error) {
	if onHand < 0 {
		return nil, fmt.Errorf("create ledger %s: %w", productID, domain.ErrInvalidQuantity)
	}
	now := l.now()
	entry := domain.LedgerEntry{
		ProductID: productID,
		OnHand:    onHand,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := l.repo.CreateEntry(ctx, entry); err != nil {
		return nil, fmt.Errorf("create ledger %s: %w", productID, err)
	}
	return &entry, nil
}

// Ensure returns the entry, creating it empty when the product was never stocked.
func (l *StockLedger) Ensure(ctx context.Context, productID string) (*domain.LedgerEntry, error) {
	entry, err := l.Get(ctx, productID)
	if err == nil {
		return entry, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	entry, err = l.Create(ctx, productID, 0)
	if errors.Is(err, domain.ErrVersionConflict) {
		// created concurrently
		return l.Get(ctx, productID)
	}
	return entry, err
}

// ApplyDelta makes a single compare-and-swap attempt. The caller owns the retry.
func (l *StockLedger) ApplyDelta(ctx context.Context, productID string, expectedVersion int64, delta int) (*domain.LedgerEntry, error) {
	stored, err := l.repo.GetEntry(ctx, productID)
	if err != nil {
		return nil, fmt.Errorf("get ledger %s: %w", productID, err)
	}
	if stored.Version != expectedVersion {
		metrics.VersionConflicts.WithLabelValues("ledger").Inc()
		return nil, fmt.Errorf("ledger %s at version %d, expected %d: %w",
			productID, stored.Version, expectedVersion, domain.ErrVersionConflict)
	}

	change, err := l.write(ctx, stored, func(e *domain.LedgerEntry) (bool, error) {
		e.OnHand += delta
		return delta != 0, nil
	})
	if err != nil {
		return nil, err
	}
	return change.Current, nil
}

// Mutate runs the read, apply, compare-and-swap loop. Version conflicts are
// retried with a fresh read up to the configured limit, then reported as
// domain.ErrReservationFailed. Errors returned by fn abort immediately.
func (l *StockLedger) Mutate(ctx context.Context, productID string, fn Mutation) (LedgerChange, error) {
	ctx, span := tracer.Start(ctx, "StockLedger.Mutate")
	defer span.End()
	span.SetAttributes(attribute.String("product.id", productID))

	for attempt := 1; attempt <= l.maxRetries; attempt++ {
		stored, err := l.repo.GetEntry(ctx, productID)
		if err != nil {
			return LedgerChange{}, tracing.Fail(span, fmt.Errorf("get ledger %s: %w", productID, err))
		}

		change, err := l.write(ctx, stored, fn)
		if err == nil {
			span.SetAttributes(attribute.Int("attempts", attempt))
			return change, nil
		}
		if !errors.Is(err, domain.ErrVersionConflict) {
			return LedgerChange{}, tracing.Fail(span, err)
		}

		metrics.VersionConflicts.WithLabelValues("ledger").Inc()
		logger.Ctx(ctx).Debug().
			Str("product_id", productID).
			Int("attempt", attempt).
			Msg("ledger version conflict, retrying")
		if attempt < l.maxRetries {
			if err := backoff(ctx, attempt); err != nil {
				return LedgerChange{}, tracing.Fail(span, err)
			}
		}
	}

	err := fmt.Errorf("ledger %s still conflicting after %d attempts: %w",
		productID, l.maxRetries, domain.ErrReservationFailed)
	return LedgerChange{}, tracing.Fail(span, err)
}

// backoff sleeps an exponentially growing, jittered interval before the next attempt.
func backoff(ctx context.Context, attempt int) error {
	d := min(conflictBackoffBase<<min(attempt-1, 10), conflictBackoffMax)
	d += rand.N(d/2 + 1)
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *StockLedger) write(ctx context.Context, stored *domain.LedgerEntry, fn Mutation) (LedgerChange, error) {
	now := l.now()
	next := stored.Clone()
	pruned := next.PruneExpired(now)

	changed, err := fn(next)
	if err != nil {
		return LedgerChange{}, err
	}

	change := LedgerChange{Previous: stored, Current: next, Pruned: pruned}
	if !changed && pruned == 0 {
		return change, nil
	}

	if next.OnHand < 0 {
		if err := l.checkNegative(ctx, stored, next); err != nil {
			return LedgerChange{}, err
		}
	}

	next.UpdatedAt = now
	if err := l.repo.UpdateEntry(ctx, *next); err != nil {
		return LedgerChange{}, fmt.Errorf("update ledger %s: %w", next.ProductID, err)
	}
	next.Version = stored.Version + 1
	change.Written = true
	return change, nil
}

func (l *StockLedger) checkNegative(ctx context.Context, stored, entry *domain.LedgerEntry) error {
	product, err := l.catalog.GetProduct(ctx, entry.ProductID)
	if err != nil {
		return fmt.Errorf("get product %s: %w", entry.ProductID, err)
	}
	if !product.AllowNegativeStock {
		return &domain.InsufficientStockError{
			ProductID: entry.ProductID,
			Requested: stored.OnHand - entry.OnHand,
			Available: stored.OnHand,
		}
	}
	logger.Ctx(ctx).Warn().
		Str("product_id", entry.ProductID).
		Int("on_hand", entry.OnHand).
		Msg("on-hand going negative, allowed by product")
	return nil
}

// ProductsHeldBy lists products carrying a hold for holderID.
func (l *StockLedger) ProductsHeldBy(ctx context.Context, holderID string) ([]string, error) {
	ids, err := l.repo.ListProductIDsByHolder(ctx, holderID)
	if err != nil {
		return nil, fmt.Errorf("list holds of %s: %w", holderID, err)
	}
	return ids, nil
}

// ProductsWithExpiredHolds lists products that still store at least one expired hold.
func (l *StockLedger) ProductsWithExpiredHolds(ctx context.Context) ([]string, error) {
	ids, err := l.repo.ListProductIDsWithExpiredHolds(ctx, l.now())
	if err != nil {
		return nil, fmt.Errorf("list expired holds: %w", err)
	}
	return ids, nil
}
