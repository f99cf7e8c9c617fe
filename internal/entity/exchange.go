package entity

import (
	"context"

	"github.com/shopspring/decimal"
)

// PairOrderResult is what the exchange accepted for one sell+buy submission.
// An empty id means that leg was not placed.
type PairOrderResult struct {
	SellExternalID string
	BuyExternalID  string
	SellPrice      decimal.Decimal
	BuyPrice       decimal.Decimal
}

func (r PairOrderResult) IsComplete() bool {
	return r.SellExternalID != "" && r.BuyExternalID != ""
}

// ExchangeGateway is the narrow view of the exchange used by the rebalancer.
type ExchangeGateway interface {
	GetQuoteBalance(ctx context.Context) (decimal.Decimal, error)
	GetBaseBalance(ctx context.Context, ticker string) (decimal.Decimal, error)
	GetCurrentPrice(ctx context.Context, ticker string) (decimal.Decimal, error)
	SubmitPair(ctx context.Context, ticker string, price, amount, priceRatio decimal.Decimal) (PairOrderResult, error)
	// GetOrderStatus returns the raw exchange state; unresolvable ids yield "unknown".
	GetOrderStatus(ctx context.Context, externalID string) (string, error)
	CancelOrder(ctx context.Context, externalID string) error
}
