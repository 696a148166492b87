package port

import (
	"context"

	"github.com/rl1809/inventory-engine/internal/core/domain"
)

type EventPublisher interface {
	// Publish hands a committed transaction event to subscribers
	Publish(ctx context.Context, event domain.StockTransactionCommitted) error
}
