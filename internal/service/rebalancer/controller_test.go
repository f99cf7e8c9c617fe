package rebalancer

import (
	"context"
	"testing"
	"time"

	"github.com/krobus00/pair-rebalancer/internal/entity"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testTerm    = time.Hour
	testBackoff = 5 * time.Millisecond
)

func newTestController(ledger OrderLedger, gateway entity.ExchangeGateway, term time.Duration) (*Controller, *test.Hook) {
	logger, hook := test.NewNullLogger()
	controller := NewController(ControllerConfig{
		Params:         testParams(),
		Term:           term,
		FailureBackoff: testBackoff,
	}, ledger, gateway, logrus.NewEntry(logger))

	return controller, hook
}

func TestNewControllerDefaults(t *testing.T) {
	t.Parallel()

	controller := NewController(ControllerConfig{Params: testParams()}, nil, nil, nil)
	assert.Equal(t, time.Hour, controller.cfg.Term)
	assert.Equal(t, defaultFailureBackoff, controller.cfg.FailureBackoff)
	assert.True(t, controller.cfg.MinOrderNotional.Equal(decimal.NewFromInt(5000)))
	assert.Equal(t, StateIdle, controller.State())
}

func TestControllerPlacesPairWhenSettled(t *testing.T) {
	t.Parallel()

	ledger, repo := newTestLedger(t)
	gateway := newFakeGateway()
	controller, _ := newTestController(ledger, gateway, testTerm)

	wait := controller.tick(context.Background())
	assert.Zero(t, wait)
	require.Equal(t, 1, gateway.submitCount())

	orders, err := repo.ListPending(context.Background())
	require.NoError(t, err)
	require.Len(t, orders, 2)

	bySide := map[entity.OrderSide]entity.Order{}
	for _, order := range orders {
		bySide[order.Side] = order
		assert.Equal(t, entity.OrderStatusRequested, order.Status)
		assert.Equal(t, "KRW-BTC", order.Ticker)
		assert.True(t, order.Amount.Equal(decimal.RequireFromString("0.2")), order.Amount.String())
	}
	assert.True(t, bySide[entity.OrderSideSell].Price.Equal(decimal.NewFromInt(1_050_000)))
	assert.True(t, bySide[entity.OrderSideBuy].Price.Equal(decimal.NewFromInt(950_000)))
	assert.Equal(t, gateway.submitted[0].SellExternalID, bySide[entity.OrderSideSell].ExternalID.String)
	assert.Equal(t, gateway.submitted[0].BuyExternalID, bySide[entity.OrderSideBuy].ExternalID.String)

	wait = controller.tick(context.Background())
	assert.Equal(t, testTerm, wait)
	assert.Equal(t, StateWaiting, controller.State())
	assert.Equal(t, 1, gateway.submitCount())
}

func TestControllerPlacesNextPairAfterSettlement(t *testing.T) {
	t.Parallel()

	ledger, _ := newTestLedger(t)
	gateway := newFakeGateway()
	controller, _ := newTestController(ledger, gateway, testTerm)

	require.Zero(t, controller.tick(context.Background()))
	first := gateway.submitted[0]
	gateway.setStatus(first.SellExternalID, "done")
	gateway.setStatus(first.BuyExternalID, "cancel")

	assert.Zero(t, controller.tick(context.Background()))
	assert.Equal(t, 2, gateway.submitCount())
}

func TestControllerDiscardsIncompletePair(t *testing.T) {
	t.Parallel()

	ledger, repo := newTestLedger(t)
	gateway := newFakeGateway()
	gateway.rejectBuy = true
	controller, _ := newTestController(ledger, gateway, testTerm)

	wait := controller.tick(context.Background())
	assert.Equal(t, testBackoff, wait)

	recent, err := repo.ListRecent(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, recent)

	require.Len(t, gateway.submitted, 1)
	assert.Equal(t, []string{gateway.submitted[0].SellExternalID}, gateway.cancelledIDs())
}

func TestControllerSkipsCycle(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		setup func(g *fakeGateway)
	}{
		{
			name:  "amount rounds to zero",
			setup: func(g *fakeGateway) { g.base = decimal.RequireFromString("0.00000001") },
		},
		{
			name:  "below minimum notional",
			setup: func(g *fakeGateway) { g.base = decimal.RequireFromString("0.00001") },
		},
		{
			name:  "insufficient quote balance",
			setup: func(g *fakeGateway) { g.quote = decimal.NewFromInt(100) },
		},
		{
			name:  "no price",
			setup: func(g *fakeGateway) { g.price = decimal.Zero },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ledger, repo := newTestLedger(t)
			gateway := newFakeGateway()
			tt.setup(gateway)
			controller, hook := newTestController(ledger, gateway, testTerm)

			assert.Equal(t, testBackoff, controller.tick(context.Background()))
			assert.Zero(t, gateway.submitCount())

			recent, err := repo.ListRecent(context.Background(), 10)
			require.NoError(t, err)
			assert.Empty(t, recent)

			entry := hook.LastEntry()
			require.NotNil(t, entry)
			assert.Equal(t, logrus.WarnLevel, entry.Level)
			assert.ErrorIs(t, entry.Data[logrus.ErrorKey].(error), ErrCycleSkipped)
		})
	}
}

func TestControllerGatewayErrorBacksOff(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		setup       func(g *fakeGateway)
		wantSubmits int
	}{
		{
			name:  "current price",
			setup: func(g *fakeGateway) { g.priceErr = errGatewayDown },
		},
		{
			name:  "base balance",
			setup: func(g *fakeGateway) { g.baseErr = errGatewayDown },
		},
		{
			name:  "quote balance",
			setup: func(g *fakeGateway) { g.quoteErr = errGatewayDown },
		},
		{
			name:        "submit pair",
			setup:       func(g *fakeGateway) { g.submitErr = errGatewayDown },
			wantSubmits: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ledger, repo := newTestLedger(t)
			gateway := newFakeGateway()
			tt.setup(gateway)
			controller, hook := newTestController(ledger, gateway, testTerm)

			assert.Equal(t, testBackoff, controller.tick(context.Background()))
			assert.Equal(t, tt.wantSubmits, gateway.submitCount())
			assert.Equal(t, StateWaiting, controller.State())

			recent, err := repo.ListRecent(context.Background(), 10)
			require.NoError(t, err)
			assert.Empty(t, recent)

			entry := hook.LastEntry()
			require.NotNil(t, entry)
			assert.Equal(t, logrus.ErrorLevel, entry.Level)
			assert.ErrorIs(t, entry.Data[logrus.ErrorKey].(error), errGatewayDown)
		})
	}
}

func TestControllerKeepsLoopingOnGatewayError(t *testing.T) {
	t.Parallel()

	ledger, repo := newTestLedger(t)
	gateway := newFakeGateway()
	gateway.priceErr = errGatewayDown
	controller, _ := newTestController(ledger, gateway, testTerm)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		controller.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return gateway.priceCallCount() >= 3
	}, 2*time.Second, 5*time.Millisecond)

	select {
	case <-done:
		t.Fatal("controller exited on gateway error")
	default:
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("controller did not stop after cancellation")
	}

	assert.Zero(t, gateway.submitCount())
	recent, err := repo.ListRecent(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, recent)
}

func TestControllerLedgerMismatchBlocksNewPairs(t *testing.T) {
	t.Parallel()

	ledger, repo := newTestLedger(t)
	gateway := newFakeGateway()
	ledger.failAppend.Store(true)
	controller, hook := newTestController(ledger, gateway, testTerm)

	assert.Equal(t, testBackoff, controller.tick(context.Background()))
	require.Equal(t, 1, gateway.submitCount())

	mismatches := 0
	for _, entry := range hook.AllEntries() {
		if entry.Data[EventKindField] == entity.SessionEventLedgerMismatch {
			mismatches++
			assert.Equal(t, logrus.ErrorLevel, entry.Level)
			assert.Equal(t, gateway.submitted[0].SellExternalID, entry.Data["sell_id"])
			assert.Equal(t, gateway.submitted[0].BuyExternalID, entry.Data["buy_id"])
		}
	}
	assert.Equal(t, 1, mismatches)

	// still failing: nothing new is placed
	assert.Equal(t, testBackoff, controller.tick(context.Background()))
	assert.Equal(t, 1, gateway.submitCount())

	ledger.failAppend.Store(false)
	assert.Equal(t, testTerm, controller.tick(context.Background()))
	assert.Equal(t, 1, gateway.submitCount())

	pending, err := repo.ListPending(context.Background())
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestControllerResumesUnrecordedPairAcrossRestart(t *testing.T) {
	t.Parallel()

	ledger, repo := newTestLedger(t)
	gateway := newFakeGateway()
	ledger.failAppend.Store(true)

	held := &UnrecordedPair{}
	newRun := func() (*Controller, *test.Hook) {
		logger, hook := test.NewNullLogger()
		return NewController(ControllerConfig{
			Params:         testParams(),
			Term:           testTerm,
			FailureBackoff: testBackoff,
			Unrecorded:     held,
		}, ledger, gateway, logrus.NewEntry(logger)), hook
	}

	first, firstHook := newRun()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Equal(t, testBackoff, first.tick(context.Background()))
	first.Run(ctx)
	require.Len(t, held.Orders(), 2)

	last := firstHook.LastEntry()
	require.NotNil(t, last)
	assert.Equal(t, "rebalance loop stopped", last.Message)
	stopped := firstHook.AllEntries()[len(firstHook.AllEntries())-2]
	assert.Equal(t, logrus.ErrorLevel, stopped.Level)
	assert.Equal(t, entity.SessionEventLedgerMismatch, stopped.Data[EventKindField])
	assert.Equal(t, gateway.submitted[0].SellExternalID, stopped.Data["sell_id"])

	ledger.failAppend.Store(false)
	second, _ := newRun()
	assert.Equal(t, testTerm, second.tick(context.Background()))
	assert.Equal(t, 1, gateway.submitCount())
	assert.Empty(t, held.Orders())

	pending, err := repo.ListPending(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 2)
	ids := []string{pending[0].ExternalID.String, pending[1].ExternalID.String}
	assert.ElementsMatch(t, []string{gateway.submitted[0].SellExternalID, gateway.submitted[0].BuyExternalID}, ids)
}

func TestControllerNoSecondPairWhilePending(t *testing.T) {
	t.Parallel()

	ledger, _ := newTestLedger(t)
	gateway := newFakeGateway()
	controller, _ := newTestController(ledger, gateway, 2*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	controller.Run(ctx)

	assert.Equal(t, 1, gateway.submitCount())
	assert.Equal(t, StateStopped, controller.State())
	assert.Greater(t, len(gateway.queried), 2)
}

func TestControllerCancelDuringWaitExitsPromptly(t *testing.T) {
	t.Parallel()

	ledger, _ := newTestLedger(t)
	gateway := newFakeGateway()
	controller, _ := newTestController(ledger, gateway, testTerm)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		controller.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return controller.State() == StateWaiting && gateway.submitCount() == 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("controller did not stop after cancellation")
	}
	assert.Equal(t, StateStopped, controller.State())
}

func TestSleepContext(t *testing.T) {
	t.Parallel()

	assert.True(t, sleepContext(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, sleepContext(ctx, time.Hour))
}
