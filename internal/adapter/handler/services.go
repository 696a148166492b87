package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"google.golang.org/grpc/codes"

	"github.com/rl1809/inventory-engine/internal/core/domain"
	"github.com/rl1809/inventory-engine/internal/core/service"
	"github.com/rl1809/inventory-engine/internal/port"
)

// Services is everything the transport handlers call into.
type Services struct {
	Products    port.ProductStore
	Ledger      *service.StockLedger
	Holds       *service.HoldManager
	Coordinator *service.ReservationCoordinator
	Orders      *service.OrderStatusMachine
	Reconciler  *service.BackorderReconciler
	Projector   *service.BalanceProjector
	Log         *service.TransactionLog
	Now         func() time.Time
}

func (s Services) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}

// StockView is the ledger state of a product as seen by API clients.
type StockView struct {
	ProductID string                 `json:"productId"`
	OnHand    int                    `json:"onHand"`
	Available int                    `json:"available"`
	Reserved  int                    `json:"reserved"`
	Version   int64                  `json:"version"`
	Holds     []domain.TemporaryHold `json:"holds"`
}

func (s Services) stock(ctx context.Context, productID string) (*StockView, error) {
	entry, err := s.Ledger.Get(ctx, productID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	return &StockView{
		ProductID: entry.ProductID,
		OnHand:    entry.OnHand,
		Available: entry.Available(now),
		Reserved:  entry.HeldQuantity(now),
		Version:   entry.Version,
		Holds:     entry.Holds,
	}, nil
}

type OrderView struct {
	ID            string                  `json:"id"`
	CustomerID    string                  `json:"customerId"`
	WarehouseID   string                  `json:"warehouseId"`
	Status        domain.OrderStatus      `json:"status"`
	Lines         []domain.OrderLine      `json:"lines"`
	StatusHistory []domain.StatusChange   `json:"statusHistory"`
	Reservation   *domain.ReservationInfo `json:"reservation,omitempty"`
	Version       int64                   `json:"version"`
	CreatedAt     time.Time               `json:"createdAt"`
	UpdatedAt     time.Time               `json:"updatedAt"`
}

func toOrderView(o *domain.Order) *OrderView {
	return &OrderView{
		ID:            o.ID,
		CustomerID:    o.CustomerID,
		WarehouseID:   o.WarehouseID,
		Status:        o.Status,
		Lines:         o.Lines,
		StatusHistory: o.StatusHistory,
		Reservation:   o.Reservation,
		Version:       o.Version,
		CreatedAt:     o.CreatedAt,
		UpdatedAt:     o.UpdatedAt,
	}
}

type BalanceView struct {
	ProductID           string                 `json:"productId"`
	WarehouseID         string                 `json:"warehouseId"`
	Quantity            int                    `json:"quantity"`
	WeightedAverageCost string                 `json:"weightedAverageCost"`
	TotalValue          string                 `json:"totalValue"`
	ReservedQuantity    int                    `json:"reservedQuantity"`
	AvailableQuantity   int                    `json:"availableQuantity"`
	LastTransactionDate time.Time              `json:"lastTransactionDate"`
	LastTransactionType domain.TransactionType `json:"lastTransactionType"`
	Version             int64                  `json:"version"`
}

func toBalanceView(b domain.InventoryBalance) BalanceView {
	return BalanceView{
		ProductID:           b.ProductID,
		WarehouseID:         b.WarehouseID,
		Quantity:            b.Quantity,
		WeightedAverageCost: b.WeightedAverageCost.StringFixed(4),
		TotalValue:          b.TotalValue.StringFixed(4),
		ReservedQuantity:    b.ReservedQuantity,
		AvailableQuantity:   b.AvailableQuantity,
		LastTransactionDate: b.LastTransactionDate,
		LastTransactionType: b.LastTransactionType,
		Version:             b.Version,
	}
}

// httpStatus maps engine errors to a status code and a client-safe message.
func httpStatus(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, domain.ErrDuplicateRequest):
		return http.StatusConflict, "duplicate request"
	case errors.Is(err, domain.ErrVersionConflict), errors.Is(err, domain.ErrReservationFailed):
		return http.StatusConflict, err.Error()
	case errors.Is(err, domain.ErrInsufficientStock), errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusUnprocessableEntity, err.Error()
	case errors.Is(err, domain.ErrInvalidQuantity):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, "request timed out"
	}
	return http.StatusInternalServerError, "internal error"
}

func grpcCode(err error) codes.Code {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return codes.NotFound
	case errors.Is(err, domain.ErrDuplicateRequest):
		return codes.AlreadyExists
	case errors.Is(err, domain.ErrVersionConflict), errors.Is(err, domain.ErrReservationFailed):
		return codes.Aborted
	case errors.Is(err, domain.ErrInsufficientStock), errors.Is(err, domain.ErrInvalidTransition):
		return codes.FailedPrecondition
	case errors.Is(err, domain.ErrInvalidQuantity):
		return codes.InvalidArgument
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	}
	return codes.Internal
}
