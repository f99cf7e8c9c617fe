package rebalancer

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/guregu/null/v6"
	"github.com/krobus00/pair-rebalancer/internal/entity"
	"github.com/krobus00/pair-rebalancer/internal/repository"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedOrder(t *testing.T, repo *repository.OrderRepository, side entity.OrderSide, externalID string) entity.Order {
	t.Helper()

	order := &entity.Order{
		Ticker:     "KRW-BTC",
		Side:       side,
		ExternalID: null.StringFrom(externalID),
		Price:      decimal.NewFromInt(1_000_000),
		Amount:     decimal.RequireFromString("0.2"),
	}
	require.NoError(t, repo.Append(context.Background(), order))

	return *order
}

func newTestReconciler(ledger OrderLedger, gateway entity.ExchangeGateway) (*Reconciler, *test.Hook) {
	logger, hook := test.NewNullLogger()
	return NewReconciler(ledger, gateway, logrus.NewEntry(logger)), hook
}

func statusOf(t *testing.T, repo *repository.OrderRepository, externalID string) entity.OrderStatus {
	t.Helper()

	orders, err := repo.ListRecent(context.Background(), 100)
	require.NoError(t, err)
	for _, order := range orders {
		if order.ExternalID.String == externalID {
			return order.Status
		}
	}

	t.Fatalf("order %s not found", externalID)
	return ""
}

func TestReconcileEmptyLedgerIsSettled(t *testing.T) {
	t.Parallel()

	ledger, _ := newTestLedger(t)
	reconciler, _ := newTestReconciler(ledger, newFakeGateway())

	settled, err := reconciler.Reconcile(context.Background())
	require.NoError(t, err)
	assert.True(t, settled)
}

func TestReconcileAllTerminalReturnsTrue(t *testing.T) {
	t.Parallel()

	ledger, repo := newTestLedger(t)
	gateway := newFakeGateway()
	sell := seedOrder(t, repo, entity.OrderSideSell, uuid.NewString())
	buy := seedOrder(t, repo, entity.OrderSideBuy, uuid.NewString())
	gateway.setStatus(sell.ExternalID.String, "done")
	gateway.setStatus(buy.ExternalID.String, "cancel")

	reconciler, _ := newTestReconciler(ledger, gateway)
	settled, err := reconciler.Reconcile(context.Background())
	require.NoError(t, err)
	assert.True(t, settled)

	pending, err := repo.ListPending(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.Equal(t, entity.OrderStatusDone, statusOf(t, repo, sell.ExternalID.String))
	assert.Equal(t, entity.OrderStatusCancel, statusOf(t, repo, buy.ExternalID.String))
}

func TestReconcileOneFilledOfTwo(t *testing.T) {
	t.Parallel()

	ledger, repo := newTestLedger(t)
	gateway := newFakeGateway()
	sell := seedOrder(t, repo, entity.OrderSideSell, uuid.NewString())
	buy := seedOrder(t, repo, entity.OrderSideBuy, uuid.NewString())

	reconciler, _ := newTestReconciler(ledger, gateway)
	settled, err := reconciler.Reconcile(context.Background())
	require.NoError(t, err)
	assert.False(t, settled)
	assert.EqualValues(t, 2, ledger.updates.Load())

	gateway.setStatus(sell.ExternalID.String, "done")
	settled, err = reconciler.Reconcile(context.Background())
	require.NoError(t, err)
	assert.False(t, settled)
	assert.EqualValues(t, 3, ledger.updates.Load())

	assert.Equal(t, entity.OrderStatusDone, statusOf(t, repo, sell.ExternalID.String))
	assert.Equal(t, entity.OrderStatusWait, statusOf(t, repo, buy.ExternalID.String))
}

func TestReconcileIsIdempotent(t *testing.T) {
	t.Parallel()

	ledger, repo := newTestLedger(t)
	gateway := newFakeGateway()
	sell := seedOrder(t, repo, entity.OrderSideSell, uuid.NewString())
	seedOrder(t, repo, entity.OrderSideBuy, uuid.NewString())
	gateway.setStatus(sell.ExternalID.String, "watch")

	reconciler, _ := newTestReconciler(ledger, gateway)
	first, err := reconciler.Reconcile(context.Background())
	require.NoError(t, err)
	writes := ledger.updates.Load()

	second, err := reconciler.Reconcile(context.Background())
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, writes, ledger.updates.Load())
}

func TestReconcileUnrecognisedStatusBecomesUnknown(t *testing.T) {
	t.Parallel()

	ledger, repo := newTestLedger(t)
	gateway := newFakeGateway()
	order := seedOrder(t, repo, entity.OrderSideSell, uuid.NewString())
	gateway.setStatus(order.ExternalID.String, "weird")

	reconciler, hook := newTestReconciler(ledger, gateway)
	settled, err := reconciler.Reconcile(context.Background())
	require.NoError(t, err)
	assert.False(t, settled)
	assert.Equal(t, entity.OrderStatusUnknown, statusOf(t, repo, order.ExternalID.String))

	warned := false
	for _, entry := range hook.AllEntries() {
		if entry.Level == logrus.WarnLevel && entry.Data["exchange_state"] == "weird" {
			warned = true
		}
	}
	assert.True(t, warned)
}

func TestReconcileGatewayErrorLeavesOrderUnresolved(t *testing.T) {
	t.Parallel()

	ledger, repo := newTestLedger(t)
	gateway := newFakeGateway()
	failing := seedOrder(t, repo, entity.OrderSideSell, uuid.NewString())
	healthy := seedOrder(t, repo, entity.OrderSideBuy, uuid.NewString())
	gateway.statusErr[failing.ExternalID.String] = errGatewayDown
	gateway.setStatus(healthy.ExternalID.String, "done")

	reconciler, _ := newTestReconciler(ledger, gateway)
	settled, err := reconciler.Reconcile(context.Background())
	require.NoError(t, err)
	assert.False(t, settled)

	assert.Equal(t, entity.OrderStatusRequested, statusOf(t, repo, failing.ExternalID.String))
	assert.Equal(t, entity.OrderStatusDone, statusOf(t, repo, healthy.ExternalID.String))
}

func TestReconcileMalformedExternalIDIsSkipped(t *testing.T) {
	t.Parallel()

	ledger, repo := newTestLedger(t)
	gateway := newFakeGateway()
	seedOrder(t, repo, entity.OrderSideSell, "not-a-uuid")

	reconciler, _ := newTestReconciler(ledger, gateway)
	settled, err := reconciler.Reconcile(context.Background())
	require.NoError(t, err)
	assert.False(t, settled)
	assert.Empty(t, gateway.queried)
	assert.Zero(t, ledger.updates.Load())
}

func TestReconcileNeverMovesBackToRequested(t *testing.T) {
	t.Parallel()

	ledger, repo := newTestLedger(t)
	gateway := newFakeGateway()
	order := seedOrder(t, repo, entity.OrderSideSell, uuid.NewString())
	require.NoError(t, repo.UpdateStatus(context.Background(), order.ExternalID.String, entity.OrderStatusWait))
	gateway.setStatus(order.ExternalID.String, "requested")

	reconciler, _ := newTestReconciler(ledger, gateway)
	settled, err := reconciler.Reconcile(context.Background())
	require.NoError(t, err)
	assert.False(t, settled)

	// "requested" is not an exchange state, so it maps to unknown
	assert.Equal(t, entity.OrderStatusUnknown, statusOf(t, repo, order.ExternalID.String))
}

func TestReconcileLedgerReadFailure(t *testing.T) {
	t.Parallel()

	ledger, _ := newTestLedger(t)
	reconciler, _ := newTestReconciler(&brokenLedger{countingLedger: ledger}, newFakeGateway())

	settled, err := reconciler.Reconcile(context.Background())
	assert.False(t, settled)
	assert.ErrorIs(t, err, repository.ErrPersistence)
}

type brokenLedger struct {
	*countingLedger
}

func (l *brokenLedger) ListPending(context.Context) ([]entity.Order, error) {
	return nil, &repository.PersistenceError{Op: "list pending", Err: errGatewayDown}
}
