package eventstream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/krobus00/pair-rebalancer/internal/constant"
	"github.com/krobus00/pair-rebalancer/internal/entity"
	"github.com/krobus00/pair-rebalancer/internal/util"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

const sessionEventHandleTimeout = 5 * time.Second

// SubscribeSessionEvents tails session events for ticker ("" or "*" for all)
// and calls handle for each until ctx is done.
func SubscribeSessionEvents(ctx context.Context, js nats.JetStreamContext, ticker string, handle func(ctx context.Context, event entity.SessionEvent) error) error {
	if ticker == "" {
		ticker = "*"
	}

	sub, err := js.Subscribe(constant.GetRebalancerEventSubject(ticker), func(msg *nats.Msg) {
		err := util.ProcessWithTimeout(sessionEventHandleTimeout, msg, func(ctx context.Context, msg *nats.Msg) error {
			var event entity.SessionEvent
			if err := json.Unmarshal(msg.Data, &event); err != nil {
				return fmt.Errorf("decode session event: %w", err)
			}
			return handle(ctx, event)
		})
		if err != nil {
			logrus.WithError(err).WithField("subject", msg.Subject).Warn("failed to handle session event")
		}
	}, nats.DeliverNew(), nats.OrderedConsumer())
	if err != nil {
		return fmt.Errorf("subscribe session events: %w", err)
	}

	<-ctx.Done()

	if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return err
	}

	return nil
}
