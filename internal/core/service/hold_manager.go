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

type HoldResult struct {
	HolderID  string    `json:"holderId"`
	ProductID string    `json:"productId"`
	Quantity  int       `json:"quantity"`
	ExpiresAt time.Time `json:"expiresAt"`
	Available int       `json:"available"`
}

// HoldManager manages short-lived checkout holds embedded in ledger entries.
type HoldManager struct {
	ledger *StockLedger
	uow    *UnitOfWork
	cache  port.CacheRepository
	ttl    time.Duration
	now    func() time.Time
}

// NewHoldManager builds a hold manager. cache may be nil, in which case
// HoldOnce behaves like Hold.
func NewHoldManager(ledger *StockLedger, uow *UnitOfWork, cache port.CacheRepository, ttl time.Duration, now func() time.Time) *HoldManager {
	if ttl <= 0 {
		ttl = DefaultReservationTTL
	}
	if now == nil {
		now = time.Now
	}
	return &HoldManager{ledger: ledger, uow: uow, cache: cache, ttl: ttl, now: now}
}

// Hold places or renews the holder's hold on productID. The holder's previous hold
// counts as available to it. Insufficient stock is reported immediately and never retried.
func (m *HoldManager) Hold(ctx context.Context, holderID, productID string, qty int) (*HoldResult, error) {
	ctx, span := tracer.Start(ctx, "HoldManager.Hold")
	defer span.End()
	span.SetAttributes(
		attribute.String("holder.id", holderID),
		attribute.String("product.id", productID),
		attribute.Int("quantity", qty),
	)
	defer metrics.ObserveSince("hold", time.Now())

	if qty <= 0 || holderID == "" {
		return nil, tracing.Fail(span, fmt.Errorf("hold %d of %s: %w", qty, productID, domain.ErrInvalidQuantity))
	}

	var hold domain.TemporaryHold
	change, err := m.ledger.Mutate(ctx, productID, func(e *domain.LedgerEntry) (bool, error) {
		now := m.now()
		if avail := e.AvailableFor(holderID, now); avail < qty {
			return false, &domain.InsufficientStockError{ProductID: productID, Requested: qty, Available: avail}
		}
		hold = domain.TemporaryHold{HolderID: holderID, Quantity: qty, ExpiresAt: now.Add(m.ttl)}
		e.PutHold(hold)
		return true, nil
	})
	if err != nil {
		result := "error"
		if errors.Is(err, domain.ErrInsufficientStock) {
			result = "insufficient"
		}
		metrics.Holds.WithLabelValues("hold", result).Inc()
		return nil, tracing.Fail(span, err)
	}

	metrics.Holds.WithLabelValues("hold", "ok").Inc()
	logger.Ctx(ctx).Debug().
		Str("holder_id", holderID).
		Str("product_id", productID).
		Int("quantity", qty).
		Time("expires_at", hold.ExpiresAt).
		Msg("hold placed")

	return &HoldResult{
		HolderID:  holderID,
		ProductID: productID,
		Quantity:  qty,
		ExpiresAt: hold.ExpiresAt,
		Available: change.Current.Available(m.now()),
	}, nil
}

// HoldOnce is Hold guarded by a request ID, so a retried request does not renew twice.
func (m *HoldManager) HoldOnce(ctx context.Context, requestID, holderID, productID string, qty int) (*HoldResult, error) {
	if m.cache == nil || requestID == "" {
		return m.Hold(ctx, holderID, productID, qty)
	}

	key := fmt.Sprintf("hold:%s", requestID)
	ok, err := m.cache.SetIdempotency(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("idempotency check failed: %w", err)
	}
	if !ok {
		return nil, domain.ErrDuplicateRequest
	}

	res, err := m.Hold(ctx, holderID, productID, qty)
	if err != nil {
		if clearErr := m.cache.ClearIdempotency(ctx, key); clearErr != nil {
			logger.Ctx(ctx).Warn().Err(clearErr).Str("request_id", requestID).Msg("failed to clear idempotency key")
		}
		return nil, err
	}
	return res, nil
}

// ConvertToPermanent spends every hold of holderID: the hold is removed and on-hand
// is decremented by the held quantity in the same write. Holders without holds are a no-op.
func (m *HoldManager) ConvertToPermanent(ctx context.Context, holderID, actorID string) ([]domain.StockTransaction, error) {
	ctx, span := tracer.Start(ctx, "HoldManager.ConvertToPermanent")
	defer span.End()
	span.SetAttributes(attribute.String("holder.id", holderID))

	productIDs, err := m.ledger.ProductsHeldBy(ctx, holderID)
	if err != nil {
		return nil, tracing.Fail(span, err)
	}
	if len(productIDs) == 0 {
		return nil, nil
	}

	txns, err := m.uow.Do(ctx, func(ctx context.Context, rec *Recorder) error {
		for _, productID := range productIDs {
			if err := m.convertOne(ctx, rec, holderID, productID, actorID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		metrics.Holds.WithLabelValues("convert", "error").Inc()
		return txns, tracing.Fail(span, err)
	}

	metrics.Holds.WithLabelValues("convert", "ok").Inc()
	logger.Ctx(ctx).Info().
		Str("holder_id", holderID).
		Int("products", len(txns)).
		Msg("holds converted to sales")
	return txns, nil
}

func (m *HoldManager) convertOne(ctx context.Context, rec *Recorder, holderID, productID, actorID string) error {
	var spent int
	change, err := m.ledger.Mutate(ctx, productID, func(e *domain.LedgerEntry) (bool, error) {
		spent = 0
		hold, ok := e.RemoveHold(holderID)
		if !ok {
			return false, nil
		}
		spent = hold.Quantity
		e.OnHand -= hold.Quantity
		return true, nil
	})
	if err != nil {
		return err
	}
	if !change.Written || spent == 0 {
		return nil
	}

	product, err := m.ledger.catalog.GetProduct(ctx, productID)
	if err != nil {
		return fmt.Errorf("get product %s: %w", productID, err)
	}
	_, err = rec.Append(ctx, domain.StockTransaction{
		Type:             domain.TransactionSale,
		ProductID:        productID,
		WarehouseID:      product.WarehouseID,
		QuantityDelta:    -spent,
		PreviousQuantity: change.Previous.OnHand,
		NewQuantity:      change.Current.OnHand,
		Reference:        domain.Reference{Type: domain.ReferenceCheckout, ID: holderID},
		Status:           domain.TransactionCompleted,
		Note:             "checkout hold converted",
		CreatedBy:        actorID,
	})
	return err
}

// Release drops every hold of holderID without touching on-hand and returns how
// many holds were removed. Holders without holds are a no-op.
func (m *HoldManager) Release(ctx context.Context, holderID string) (int, error) {
	ctx, span := tracer.Start(ctx, "HoldManager.Release")
	defer span.End()
	span.SetAttributes(attribute.String("holder.id", holderID))

	productIDs, err := m.ledger.ProductsHeldBy(ctx, holderID)
	if err != nil {
		return 0, tracing.Fail(span, err)
	}

	released := 0
	for _, productID := range productIDs {
		var removed bool
		_, err := m.ledger.Mutate(ctx, productID, func(e *domain.LedgerEntry) (bool, error) {
			_, removed = e.RemoveHold(holderID)
			return removed, nil
		})
		if err != nil {
			metrics.Holds.WithLabelValues("release", "error").Inc()
			return released, tracing.Fail(span, err)
		}
		if removed {
			released++
		}
	}

	metrics.Holds.WithLabelValues("release", "ok").Inc()
	return released, nil
}

// ExpireHolds removes expired holds from every entry that still stores them.
// It is safe to run concurrently with itself and with request traffic.
func (m *HoldManager) ExpireHolds(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "HoldManager.ExpireHolds")
	defer span.End()
	defer metrics.ObserveSince("expire_holds", time.Now())

	productIDs, err := m.ledger.ProductsWithExpiredHolds(ctx)
	if err != nil {
		return 0, tracing.Fail(span, err)
	}

	expired := 0
	var errs []error
	for _, productID := range productIDs {
		change, err := m.ledger.Mutate(ctx, productID, func(e *domain.LedgerEntry) (bool, error) {
			return false, nil
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		expired += change.Pruned
	}

	metrics.HoldsExpired.Add(float64(expired))
	if expired > 0 {
		logger.Ctx(ctx).Info().Int("expired", expired).Int("products", len(productIDs)).Msg("expired holds swept")
	}
	return expired, tracing.Fail(span, errors.Join(errs...))
}

func (m *HoldManager) Available(ctx context.Context, productID string) (int, error) {
	entry, err := m.ledger.Get(ctx, productID)
	if err != nil {
		return 0, err
	}
	return entry.Available(m.now()), nil
}

func (m *HoldManager) Reserved(ctx context.Context, productID string) (int, error) {
	entry, err := m.ledger.Get(ctx, productID)
	if err != nil {
		return 0, err
	}
	return entry.HeldQuantity(m.now()), nil
}
