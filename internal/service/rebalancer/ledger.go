package rebalancer

import (
	"context"

	"github.com/krobus00/pair-rebalancer/internal/entity"
)

// OrderLedger is the part of the order repository the rebalancer depends on.
type OrderLedger interface {
	AppendPair(ctx context.Context, sell, buy *entity.Order) error
	ListPending(ctx context.Context) ([]entity.Order, error)
	ListRecent(ctx context.Context, limit int) ([]entity.Order, error)
	UpdateStatus(ctx context.Context, externalID string, status entity.OrderStatus) error
}
