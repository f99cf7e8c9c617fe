package entity

import (
	"time"

	"github.com/google/uuid"
	"github.com/guregu/null/v6"
	"github.com/shopspring/decimal"
)

type OrderSide string
type OrderStatus string

const (
	OrderSideSell OrderSide = "sell"
	OrderSideBuy  OrderSide = "buy"

	OrderStatusRequested OrderStatus = "requested"
	OrderStatusWait      OrderStatus = "wait"
	OrderStatusWatch     OrderStatus = "watch"
	OrderStatusDone      OrderStatus = "done"
	OrderStatusCancel    OrderStatus = "cancel"
	OrderStatusUnknown   OrderStatus = "unknown"
)

// AmountPrecision is the number of fractional digits kept on order amounts.
const AmountPrecision int32 = 8

// TerminalOrderStatuses lists the statuses that are never mutated again.
// Each call returns a new slice.
func TerminalOrderStatuses() []OrderStatus {
	return []OrderStatus{OrderStatusDone, OrderStatusCancel}
}

func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusDone || s == OrderStatusCancel
}

func (s OrderStatus) IsPending() bool {
	return !s.IsTerminal()
}

// CanTransitionTo reports whether a stored status may be replaced by next.
// Statuses only move forward: requested -> {wait, watch, unknown} -> {done, cancel}.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	if s == next || s.IsTerminal() {
		return false
	}

	switch next {
	case OrderStatusRequested:
		return false
	case OrderStatusWait, OrderStatusWatch, OrderStatusUnknown, OrderStatusDone, OrderStatusCancel:
		return true
	default:
		return false
	}
}

// ParseOrderStatus maps an exchange-reported state onto OrderStatus.
// Anything unrecognised becomes unknown so the order stays visible as pending.
func ParseOrderStatus(raw string) OrderStatus {
	switch OrderStatus(raw) {
	case OrderStatusWait, OrderStatusWatch, OrderStatusDone, OrderStatusCancel:
		return OrderStatus(raw)
	default:
		return OrderStatusUnknown
	}
}

type Order struct {
	ID         int64           `db:"id" json:"id"`
	Ticker     string          `db:"ticker" json:"ticker"`
	Side       OrderSide       `db:"order_type" json:"order_type"`
	ExternalID null.String     `db:"external_id" json:"external_id"`
	Price      decimal.Decimal `db:"price" json:"price"`
	Amount     decimal.Decimal `db:"amount" json:"amount"`
	Status     OrderStatus     `db:"status" json:"status"`
	CreatedAt  time.Time       `db:"created_at" json:"created_at"`
}

func (o Order) TableName() string {
	return "orders"
}

// HasValidExternalID reports whether the order carries a well-formed exchange id.
func (o Order) HasValidExternalID() bool {
	return o.ExternalID.Valid && IsWellFormedExternalID(o.ExternalID.String)
}

// IsWellFormedExternalID checks the exchange order id format (Upbit issues UUIDs).
func IsWellFormedExternalID(id string) bool {
	if id == "" {
		return false
	}
	_, err := uuid.Parse(id)
	return err == nil
}

// RoundAmount rounds half away from zero to AmountPrecision digits.
func RoundAmount(amount decimal.Decimal) decimal.Decimal {
	return amount.Round(AmountPrecision)
}

// PairPrices returns the sell and buy limit prices around price, rounded to whole quote units.
func PairPrices(price, priceRatio decimal.Decimal) (sellPrice, buyPrice decimal.Decimal) {
	one := decimal.NewFromInt(1)
	sellPrice = price.Mul(one.Add(priceRatio)).Round(0)
	buyPrice = price.Mul(one.Sub(priceRatio)).Round(0)
	return sellPrice, buyPrice
}
