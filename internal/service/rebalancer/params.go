package rebalancer

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var ErrInvalidParams = errors.New("invalid rebalance parameters")

// Params are the user-chosen settings of one rebalancing session.
type Params struct {
	Ticker     string          `json:"ticker"`
	Ratio      decimal.Decimal `json:"ratio"`       // fraction of the base balance per leg
	PriceRatio decimal.Decimal `json:"price_ratio"` // offset of both limit prices from the current price
	TermHours  int             `json:"term_hours"`
}

func (p Params) Validate() error {
	one := decimal.NewFromInt(1)

	switch {
	case strings.TrimSpace(p.Ticker) == "":
		return fmt.Errorf("%w: ticker is required", ErrInvalidParams)
	case !p.Ratio.IsPositive() || p.Ratio.GreaterThan(one):
		return fmt.Errorf("%w: ratio must be in (0, 1], got %s", ErrInvalidParams, p.Ratio)
	case !p.PriceRatio.IsPositive() || p.PriceRatio.GreaterThanOrEqual(one):
		return fmt.Errorf("%w: price ratio must be in (0, 1), got %s", ErrInvalidParams, p.PriceRatio)
	case p.TermHours < 1:
		return fmt.Errorf("%w: term must be at least one hour, got %d", ErrInvalidParams, p.TermHours)
	}

	return nil
}

func (p Params) TermDuration() time.Duration {
	return time.Duration(p.TermHours) * time.Hour
}
