package rebalancer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/guregu/null/v6"
	"github.com/krobus00/pair-rebalancer/internal/entity"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const (
	defaultFailureBackoff = 10 * time.Second

	// EventKindField tags a log entry with the session event kind it represents.
	EventKindField = "event_kind"
)

var defaultMinOrderNotional = decimal.NewFromInt(5000)

var (
	ErrCycleSkipped    = errors.New("rebalance cycle skipped")
	ErrIncompletePair  = errors.New("exchange did not accept both legs")
	ErrLedgerMismatch  = errors.New("orders placed on exchange but not recorded in ledger")
	errUnpersistedPair = errors.New("previous pair is still not recorded in ledger")
)

type State string

const (
	StateIdle        State = "idle"
	StateReconciling State = "reconciling"
	StatePlacing     State = "placing"
	StateWaiting     State = "waiting"
	StateStopped     State = "stopped"
)

type ControllerConfig struct {
	Params
	// Term overrides Params.TermDuration() when set.
	Term             time.Duration
	FailureBackoff   time.Duration
	MinOrderNotional decimal.Decimal
	// Unrecorded carries a held pair across controllers; a fresh holder is
	// used when nil.
	Unrecorded *UnrecordedPair
}

// Controller runs the rebalance loop for one ticker. Run must be called from a
// single goroutine; State may be read from any goroutine.
type Controller struct {
	cfg        ControllerConfig
	ledger     OrderLedger
	gateway    entity.ExchangeGateway
	reconciler *Reconciler
	logger     *logrus.Entry

	stateMu sync.RWMutex
	state   State

	unrecorded *UnrecordedPair
}

// UnrecordedPair holds a pair that is live on the exchange but whose ledger
// write failed. No new pair is placed until it is recorded. It outlives a
// single Controller so that a restarted loop picks the pair back up.
type UnrecordedPair struct {
	mu     sync.Mutex
	orders []*entity.Order
}

func (p *UnrecordedPair) Orders() []*entity.Order {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*entity.Order(nil), p.orders...)
}

func (p *UnrecordedPair) set(orders ...*entity.Order) {
	p.mu.Lock()
	p.orders = orders
	p.mu.Unlock()
}

func NewController(cfg ControllerConfig, ledger OrderLedger, gateway entity.ExchangeGateway, logger *logrus.Entry) *Controller {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if cfg.Term <= 0 {
		cfg.Term = cfg.Params.TermDuration()
	}
	if cfg.FailureBackoff <= 0 {
		cfg.FailureBackoff = defaultFailureBackoff
	}
	if !cfg.MinOrderNotional.IsPositive() {
		cfg.MinOrderNotional = defaultMinOrderNotional
	}
	if cfg.Unrecorded == nil {
		cfg.Unrecorded = &UnrecordedPair{}
	}

	return &Controller{
		cfg:        cfg,
		ledger:     ledger,
		gateway:    gateway,
		reconciler: NewReconciler(ledger, gateway, logger),
		logger:     logger,
		state:      StateIdle,
		unrecorded: cfg.Unrecorded,
	}
}

func (c *Controller) State() State {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

func (c *Controller) setState(state State) {
	c.stateMu.Lock()
	c.state = state
	c.stateMu.Unlock()
}

// Run loops until ctx is cancelled. Cancellation is observed at the top of
// every tick, before placing, and during every wait; a tick already in
// progress always runs to completion.
func (c *Controller) Run(ctx context.Context) {
	c.logger.WithFields(logrus.Fields{
		"ratio":       c.cfg.Ratio.String(),
		"price_ratio": c.cfg.PriceRatio.String(),
		"term":        c.cfg.Term.String(),
	}).Info("rebalance loop started")

	defer func() {
		c.setState(StateStopped)
		if held := c.unrecorded.Orders(); len(held) > 0 {
			c.reportMismatch(held, errUnpersistedPair)
		}
		c.logger.Info("rebalance loop stopped")
	}()

	for ctx.Err() == nil {
		wait := c.tick(ctx)
		if wait <= 0 {
			continue
		}
		if !sleepContext(ctx, wait) {
			return
		}
	}
}

// tick performs one Reconciling (and possibly Placing) step and returns how
// long to wait before the next one.
func (c *Controller) tick(ctx context.Context) time.Duration {
	work := context.WithoutCancel(ctx)

	if held := c.unrecorded.Orders(); len(held) > 0 {
		if err := c.recordUnpersisted(work, held); err != nil {
			return c.cfg.FailureBackoff
		}
	}

	c.setState(StateReconciling)
	settled, err := c.reconciler.Reconcile(work)
	if err != nil {
		c.logger.WithError(err).Error("reconciliation failed")
		return c.cfg.FailureBackoff
	}

	if !settled {
		c.setState(StateWaiting)
		c.logger.WithField("retry_in", c.cfg.Term.String()).Info("orders still pending, waiting")
		return c.cfg.Term
	}

	if ctx.Err() != nil {
		return 0
	}

	c.setState(StatePlacing)
	if err := c.placePair(work); err != nil {
		c.setState(StateWaiting)
		switch {
		case errors.Is(err, ErrCycleSkipped):
			c.logger.WithError(err).Warn("rebalance cycle skipped")
		case errors.Is(err, ErrLedgerMismatch):
			// already reported by placePair
		default:
			c.logger.WithError(err).Error("rebalance cycle failed")
		}
		return c.cfg.FailureBackoff
	}

	return 0
}

func (c *Controller) placePair(ctx context.Context) error {
	ticker := c.cfg.Ticker

	price, err := c.gateway.GetCurrentPrice(ctx, ticker)
	if err != nil {
		return fmt.Errorf("get current price: %w", err)
	}
	if !price.IsPositive() {
		return fmt.Errorf("%w: current price is %s", ErrCycleSkipped, price)
	}

	balance, err := c.gateway.GetBaseBalance(ctx, ticker)
	if err != nil {
		return fmt.Errorf("get base balance: %w", err)
	}

	amount := entity.RoundAmount(balance.Mul(c.cfg.Ratio))
	if !amount.IsPositive() {
		return fmt.Errorf("%w: amount rounds to zero (balance=%s ratio=%s)", ErrCycleSkipped, balance, c.cfg.Ratio)
	}

	notional := price.Mul(amount)
	if notional.LessThan(c.cfg.MinOrderNotional) {
		return fmt.Errorf("%w: notional %s below minimum %s", ErrCycleSkipped, notional, c.cfg.MinOrderNotional)
	}

	_, buyPrice := pairPrices(c.gateway, price, c.cfg.PriceRatio)
	requiredQuote := buyPrice.Mul(amount)
	quoteBalance, err := c.gateway.GetQuoteBalance(ctx)
	if err != nil {
		return fmt.Errorf("get quote balance: %w", err)
	}
	if quoteBalance.LessThan(requiredQuote) {
		return fmt.Errorf("%w: quote balance %s below required %s", ErrCycleSkipped, quoteBalance, requiredQuote)
	}

	logger := c.logger.WithFields(logrus.Fields{
		"price":   price.String(),
		"balance": balance.String(),
		"amount":  amount.String(),
	})
	logger.Info("submitting rebalance pair")

	result, err := c.gateway.SubmitPair(ctx, ticker, price, amount, c.cfg.PriceRatio)
	if err != nil {
		return fmt.Errorf("submit pair: %w", err)
	}

	if !result.IsComplete() {
		c.cancelSurvivingLeg(ctx, result)
		return fmt.Errorf("%w: sell_id=%q buy_id=%q", ErrIncompletePair, result.SellExternalID, result.BuyExternalID)
	}

	sell := &entity.Order{
		Ticker:     ticker,
		Side:       entity.OrderSideSell,
		ExternalID: null.StringFrom(result.SellExternalID),
		Price:      result.SellPrice,
		Amount:     amount,
		Status:     entity.OrderStatusRequested,
	}
	buy := &entity.Order{
		Ticker:     ticker,
		Side:       entity.OrderSideBuy,
		ExternalID: null.StringFrom(result.BuyExternalID),
		Price:      result.BuyPrice,
		Amount:     amount,
		Status:     entity.OrderStatusRequested,
	}

	if err := c.ledger.AppendPair(ctx, sell, buy); err != nil {
		c.unrecorded.set(sell, buy)
		c.reportMismatch([]*entity.Order{sell, buy}, err)
		return fmt.Errorf("%w: %v", ErrLedgerMismatch, err)
	}

	logger.WithFields(logrus.Fields{
		"sell_id":    result.SellExternalID,
		"sell_price": result.SellPrice.String(),
		"buy_id":     result.BuyExternalID,
		"buy_price":  result.BuyPrice.String(),
	}).Info("rebalance pair placed")

	return nil
}

// cancelSurvivingLeg withdraws the one leg the exchange accepted so that a
// discarded pair leaves nothing live and untracked.
func (c *Controller) cancelSurvivingLeg(ctx context.Context, result entity.PairOrderResult) {
	for _, id := range []string{result.SellExternalID, result.BuyExternalID} {
		if id == "" {
			continue
		}

		if err := c.gateway.CancelOrder(ctx, id); err != nil {
			c.logger.WithError(err).WithField("external_id", id).Error("failed to cancel surviving leg of incomplete pair, manual cancel required")
			continue
		}
		c.logger.WithField("external_id", id).Warn("cancelled surviving leg of incomplete pair")
	}
}

func (c *Controller) recordUnpersisted(ctx context.Context, held []*entity.Order) error {
	if err := c.ledger.AppendPair(ctx, held[0], held[1]); err != nil {
		c.reportMismatch(held, err)
		return errUnpersistedPair
	}

	c.logger.WithFields(logrus.Fields{
		"sell_id": held[0].ExternalID.String,
		"buy_id":  held[1].ExternalID.String,
	}).Warn("previously unrecorded pair written to ledger")
	c.unrecorded.set()

	return nil
}

func (c *Controller) reportMismatch(orders []*entity.Order, err error) {
	fields := logrus.Fields{EventKindField: entity.SessionEventLedgerMismatch}
	for _, order := range orders {
		fields[string(order.Side)+"_id"] = order.ExternalID.String
		fields[string(order.Side)+"_price"] = order.Price.String()
		fields["amount"] = order.Amount.String()
	}

	c.logger.WithFields(fields).WithError(err).Error(ErrLedgerMismatch.Error())
}

// sleepContext waits for d or until ctx is done; it reports whether the full
// duration elapsed.
func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
