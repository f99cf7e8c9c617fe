package rebalancer

import (
	"context"

	"github.com/krobus00/pair-rebalancer/internal/entity"
	"github.com/sirupsen/logrus"
)

// Reconciler brings ledger-pending orders in line with the exchange.
type Reconciler struct {
	ledger  OrderLedger
	gateway entity.ExchangeGateway
	logger  *logrus.Entry
}

func NewReconciler(ledger OrderLedger, gateway entity.ExchangeGateway, logger *logrus.Entry) *Reconciler {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}

	return &Reconciler{
		ledger:  ledger,
		gateway: gateway,
		logger:  logger,
	}
}

// Reconcile runs one full pass over the pending orders and reports whether all
// of them are now terminal. Per-order failures are logged and leave that order
// unresolved; only a failure to read the ledger is returned.
func (r *Reconciler) Reconcile(ctx context.Context) (bool, error) {
	orders, err := r.ledger.ListPending(ctx)
	if err != nil {
		return false, err
	}

	if len(orders) == 0 {
		r.logger.Debug("no pending orders")
		return true, nil
	}

	settled := 0
	for _, order := range orders {
		if r.reconcileOrder(ctx, order) {
			settled++
		}
	}

	r.logger.WithFields(logrus.Fields{
		"pending": len(orders),
		"settled": settled,
	}).Info("reconciliation pass finished")

	return settled == len(orders), nil
}

// reconcileOrder returns true when order is terminal after the pass.
func (r *Reconciler) reconcileOrder(ctx context.Context, order entity.Order) bool {
	logger := r.logger.WithFields(logrus.Fields{
		"order_id":    order.ID,
		"order_type":  order.Side,
		"external_id": order.ExternalID.String,
		"status":      order.Status,
	})

	if !order.HasValidExternalID() {
		logger.Warn("pending order has no usable external id, leaving it unresolved")
		return false
	}

	rawStatus, err := r.gateway.GetOrderStatus(ctx, order.ExternalID.String)
	if err != nil {
		logger.WithError(err).Error("failed to fetch order status")
		return false
	}

	status := entity.ParseOrderStatus(rawStatus)
	if string(status) != rawStatus {
		logger.WithField("exchange_state", rawStatus).Warn("unrecognised exchange state, recording as unknown")
	}

	if status == order.Status {
		return status.IsTerminal()
	}

	if !order.Status.CanTransitionTo(status) {
		logger.WithField("exchange_state", rawStatus).Warn("ignoring backward status transition")
		return false
	}

	if err := r.ledger.UpdateStatus(ctx, order.ExternalID.String, status); err != nil {
		logger.WithError(err).Error("failed to update order status")
		return false
	}

	logger.WithField("new_status", status).Info("order status updated")

	return status.IsTerminal()
}
