package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"github.com/rl1809/inventory-engine/internal/core/domain"
	"github.com/rl1809/inventory-engine/internal/pkg/logger"
	"github.com/rl1809/inventory-engine/internal/pkg/tracing"
)

// Movement is a signed on-hand change that is not tied to a reservation.
type Movement struct {
	ProductID   string
	Quantity    int
	Type        domain.TransactionType
	UnitCost    decimal.Decimal
	Reference   domain.Reference
	WarehouseID string
	ActorID     string
	Note        string
}

func (c *ReservationCoordinator) applyMovement(ctx context.Context, rec *Recorder, m Movement) (domain.StockTransaction, error) {
	product, err := c.catalog.GetProduct(ctx, m.ProductID)
	if err != nil {
		return domain.StockTransaction{}, fmt.Errorf("get product %s: %w", m.ProductID, err)
	}
	if m.WarehouseID == "" {
		m.WarehouseID = product.WarehouseID
	}
	if m.Quantity > 0 {
		if _, err := c.ledger.Ensure(ctx, m.ProductID); err != nil {
			return domain.StockTransaction{}, err
		}
	}

	change, err := c.ledger.Mutate(ctx, m.ProductID, func(e *domain.LedgerEntry) (bool, error) {
		e.OnHand += m.Quantity
		return m.Quantity != 0, nil
	})
	if err != nil {
		return domain.StockTransaction{}, err
	}

	return rec.Append(ctx, domain.StockTransaction{
		Type:             m.Type,
		ProductID:        m.ProductID,
		WarehouseID:      m.WarehouseID,
		QuantityDelta:    m.Quantity,
		PreviousQuantity: change.Previous.OnHand,
		NewQuantity:      change.Current.OnHand,
		UnitCost:         m.UnitCost,
		Reference:        m.Reference,
		Status:           domain.TransactionCompleted,
		Note:             m.Note,
		CreatedBy:        m.ActorID,
	})
}

func (c *ReservationCoordinator) move(ctx context.Context, op string, m Movement) (*domain.StockTransaction, error) {
	ctx, span := tracer.Start(ctx, "ReservationCoordinator."+op)
	defer span.End()
	span.SetAttributes(
		attribute.String("product.id", m.ProductID),
		attribute.Int("quantity", m.Quantity),
	)

	var txn domain.StockTransaction
	_, err := c.uow.Do(ctx, func(ctx context.Context, rec *Recorder) error {
		var err error
		txn, err = c.applyMovement(ctx, rec, m)
		return err
	})
	if err != nil {
		return nil, tracing.Fail(span, err)
	}

	logger.Ctx(ctx).Info().
		Str("product_id", m.ProductID).
		Str("type", string(m.Type)).
		Int("delta", txn.QuantityDelta).
		Int("on_hand", txn.NewQuantity).
		Msg("stock moved")
	return &txn, nil
}

// ReceiveStock books a purchase receipt at unitCost, stocking the product on first receipt.
func (c *ReservationCoordinator) ReceiveStock(ctx context.Context, productID string, qty int, unitCost decimal.Decimal, ref domain.Reference, actorID string) (*domain.StockTransaction, error) {
	if qty <= 0 || unitCost.IsNegative() {
		return nil, fmt.Errorf("receive %d of %s at %s: %w", qty, productID, unitCost, domain.ErrInvalidQuantity)
	}
	if ref.ID == "" {
		ref = domain.Reference{Type: domain.ReferenceReceipt, ID: uuid.NewString()}
	}
	return c.move(ctx, "ReceiveStock", Movement{
		ProductID: productID,
		Quantity:  qty,
		Type:      domain.TransactionPurchase,
		UnitCost:  unitCost,
		Reference: ref,
		ActorID:   actorID,
	})
}

// ReturnStock books customer returns back into on-hand at the current average cost.
func (c *ReservationCoordinator) ReturnStock(ctx context.Context, productID string, qty int, ref domain.Reference, actorID string) (*domain.StockTransaction, error) {
	if qty <= 0 {
		return nil, fmt.Errorf("return %d of %s: %w", qty, productID, domain.ErrInvalidQuantity)
	}
	return c.move(ctx, "ReturnStock", Movement{
		ProductID: productID,
		Quantity:  qty,
		Type:      domain.TransactionReturn,
		Reference: ref,
		ActorID:   actorID,
		Note:      "customer return",
	})
}

// AdjustStock applies a signed correction, e.g. after a stock count.
func (c *ReservationCoordinator) AdjustStock(ctx context.Context, productID string, delta int, note, actorID string) (*domain.StockTransaction, error) {
	if delta == 0 {
		return nil, fmt.Errorf("adjust %s by 0: %w", productID, domain.ErrInvalidQuantity)
	}
	return c.move(ctx, "AdjustStock", Movement{
		ProductID: productID,
		Quantity:  delta,
		Type:      domain.TransactionAdjustment,
		Reference: domain.Reference{Type: domain.ReferenceManual, ID: uuid.NewString()},
		ActorID:   actorID,
		Note:      note,
	})
}
