package rebalancer

import (
	"context"
	"fmt"

	"github.com/krobus00/pair-rebalancer/internal/entity"
	"github.com/shopspring/decimal"
)

// PriceNormalizer is implemented by gateways that snap limit prices to the
// exchange tick size before submitting them.
type PriceNormalizer interface {
	NormalizePrice(price decimal.Decimal) decimal.Decimal
}

// pairPrices returns the limit prices gateway will actually submit.
func pairPrices(gateway entity.ExchangeGateway, price, priceRatio decimal.Decimal) (sellPrice, buyPrice decimal.Decimal) {
	sellPrice, buyPrice = entity.PairPrices(price, priceRatio)
	if normalizer, ok := gateway.(PriceNormalizer); ok {
		sellPrice = normalizer.NormalizePrice(sellPrice)
		buyPrice = normalizer.NormalizePrice(buyPrice)
	}

	return sellPrice, buyPrice
}

// Preview is what a cycle would submit right now for the given params.
type Preview struct {
	Ticker            string          `json:"ticker"`
	Price             decimal.Decimal `json:"price"`
	BaseBalance       decimal.Decimal `json:"base_balance"`
	Amount            decimal.Decimal `json:"amount"`
	SellPrice         decimal.Decimal `json:"sell_price"`
	BuyPrice          decimal.Decimal `json:"buy_price"`
	RequiredQuote     decimal.Decimal `json:"required_quote"`
	QuoteBalance      decimal.Decimal `json:"quote_balance"`
	InsufficientQuote bool            `json:"insufficient_quote"`
}

func BuildPreview(ctx context.Context, gateway entity.ExchangeGateway, params Params) (Preview, error) {
	if err := params.Validate(); err != nil {
		return Preview{}, err
	}

	price, err := gateway.GetCurrentPrice(ctx, params.Ticker)
	if err != nil {
		return Preview{}, fmt.Errorf("get current price: %w", err)
	}

	balance, err := gateway.GetBaseBalance(ctx, params.Ticker)
	if err != nil {
		return Preview{}, fmt.Errorf("get base balance: %w", err)
	}

	quote, err := gateway.GetQuoteBalance(ctx)
	if err != nil {
		return Preview{}, fmt.Errorf("get quote balance: %w", err)
	}

	amount := entity.RoundAmount(balance.Mul(params.Ratio))
	sellPrice, buyPrice := pairPrices(gateway, price, params.PriceRatio)
	required := buyPrice.Mul(amount)

	return Preview{
		Ticker:            params.Ticker,
		Price:             price,
		BaseBalance:       balance,
		Amount:            amount,
		SellPrice:         sellPrice,
		BuyPrice:          buyPrice,
		RequiredQuote:     required,
		QuoteBalance:      quote,
		InsufficientQuote: quote.LessThan(required),
	}, nil
}

// Preview computes the next cycle's orders using the session's gateway.
func (s *BotSession) Preview(ctx context.Context, params Params) (Preview, error) {
	return BuildPreview(ctx, s.gateway, params)
}
