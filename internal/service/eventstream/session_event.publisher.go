package eventstream

import (
	"context"
	"errors"
	"time"

	"github.com/krobus00/pair-rebalancer/internal/constant"
	"github.com/krobus00/pair-rebalancer/internal/entity"
	"github.com/krobus00/pair-rebalancer/internal/util"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

const sessionEventMaxAge = 24 * time.Hour

// SessionEventPublisher mirrors rebalance session events onto JetStream.
type SessionEventPublisher struct {
	js util.AsyncPublisher
}

func NewSessionEventPublisher(js util.AsyncPublisher) *SessionEventPublisher {
	return &SessionEventPublisher{js: js}
}

func (p *SessionEventPublisher) PublishSessionEvent(_ context.Context, event entity.SessionEvent) error {
	return util.PublishEventAsync(p.js, constant.GetRebalancerEventSubject(event.Ticker), event)
}

// JetstreamEventInit creates or updates the stream carrying session events.
func JetstreamEventInit(ctx context.Context, js nats.JetStreamContext) error {
	streamConfig := &nats.StreamConfig{
		Name:      constant.RebalancerStreamName,
		Subjects:  []string{constant.RebalancerStreamSubjectAll},
		Retention: nats.LimitsPolicy,
		Storage:   nats.FileStorage,
		MaxAge:    sessionEventMaxAge,
	}

	stream, err := js.StreamInfo(constant.RebalancerStreamName, nats.Context(ctx))
	if err != nil && !errors.Is(err, nats.ErrStreamNotFound) {
		logrus.Error(err)
		return err
	}

	if stream == nil {
		logrus.Infof("creating stream: %s", constant.RebalancerStreamName)
		_, err = js.AddStream(streamConfig, nats.Context(ctx))
		return err
	}

	logrus.Infof("updating stream: %s", constant.RebalancerStreamName)
	_, err = js.UpdateStream(streamConfig, nats.Context(ctx))
	if err != nil {
		logrus.Error(err)
		return err
	}

	return nil
}
