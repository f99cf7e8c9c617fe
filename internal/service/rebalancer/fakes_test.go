package rebalancer

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/krobus00/pair-rebalancer/internal/entity"
	"github.com/krobus00/pair-rebalancer/internal/repository"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var errGatewayDown = errors.New("gateway unavailable")

type fakeGateway struct {
	mu sync.Mutex

	price     decimal.Decimal
	base      decimal.Decimal
	quote     decimal.Decimal
	statuses  map[string]string
	statusErr map[string]error

	// rejectSell / rejectBuy make SubmitPair return an empty id for that leg.
	rejectSell bool
	rejectBuy  bool

	priceErr   error
	baseErr    error
	quoteErr   error
	submitErr  error
	priceCalls int

	submitted []entity.PairOrderResult
	cancelled []string
	queried   []string
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		price:     decimal.NewFromInt(1_000_000),
		base:      decimal.RequireFromString("2.0"),
		quote:     decimal.NewFromInt(10_000_000),
		statuses:  make(map[string]string),
		statusErr: make(map[string]error),
	}
}

func (g *fakeGateway) GetQuoteBalance(context.Context) (decimal.Decimal, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.quoteErr != nil {
		return decimal.Zero, g.quoteErr
	}
	return g.quote, nil
}

func (g *fakeGateway) GetBaseBalance(context.Context, string) (decimal.Decimal, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.baseErr != nil {
		return decimal.Zero, g.baseErr
	}
	return g.base, nil
}

func (g *fakeGateway) GetCurrentPrice(context.Context, string) (decimal.Decimal, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.priceCalls++
	if g.priceErr != nil {
		return decimal.Zero, g.priceErr
	}
	return g.price, nil
}

func (g *fakeGateway) SubmitPair(_ context.Context, _ string, price, _ decimal.Decimal, priceRatio decimal.Decimal) (entity.PairOrderResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.submitErr != nil {
		g.submitted = append(g.submitted, entity.PairOrderResult{})
		return entity.PairOrderResult{}, g.submitErr
	}

	sellPrice, buyPrice := entity.PairPrices(price, priceRatio)
	result := entity.PairOrderResult{SellPrice: sellPrice, BuyPrice: buyPrice}
	if !g.rejectSell {
		result.SellExternalID = uuid.NewString()
	}
	if !g.rejectBuy {
		result.BuyExternalID = uuid.NewString()
	}
	g.submitted = append(g.submitted, result)

	return result, nil
}

func (g *fakeGateway) GetOrderStatus(_ context.Context, externalID string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.queried = append(g.queried, externalID)
	if err, ok := g.statusErr[externalID]; ok {
		return "", err
	}
	if status, ok := g.statuses[externalID]; ok {
		return status, nil
	}
	return string(entity.OrderStatusWait), nil
}

func (g *fakeGateway) CancelOrder(_ context.Context, externalID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancelled = append(g.cancelled, externalID)
	return nil
}

func (g *fakeGateway) setStatus(externalID, status string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.statuses[externalID] = status
}

func (g *fakeGateway) submitCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.submitted)
}

func (g *fakeGateway) priceCallCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.priceCalls
}

func (g *fakeGateway) cancelledIDs() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.cancelled...)
}

// countingLedger wraps a real ledger, counting writes and optionally failing them.
type countingLedger struct {
	OrderLedger

	updates    atomic.Int64
	failAppend atomic.Bool
}

func (l *countingLedger) AppendPair(ctx context.Context, sell, buy *entity.Order) error {
	if l.failAppend.Load() {
		return &repository.PersistenceError{Op: "append pair", Err: errors.New("disk full")}
	}
	return l.OrderLedger.AppendPair(ctx, sell, buy)
}

func (l *countingLedger) UpdateStatus(ctx context.Context, externalID string, status entity.OrderStatus) error {
	l.updates.Add(1)
	return l.OrderLedger.UpdateStatus(ctx, externalID, status)
}

func newTestLedger(t *testing.T) (*countingLedger, *repository.OrderRepository) {
	t.Helper()

	db, err := sqlx.Open("sqlite3", filepath.Join(t.TempDir(), "orders.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	repo := repository.NewOrderRepository(db)
	require.NoError(t, repo.Initialize(context.Background()))

	return &countingLedger{OrderLedger: repo}, repo
}

func testParams() Params {
	return Params{
		Ticker:     "KRW-BTC",
		Ratio:      decimal.RequireFromString("0.1"),
		PriceRatio: decimal.RequireFromString("0.05"),
		TermHours:  1,
	}
}
