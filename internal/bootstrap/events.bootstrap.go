package bootstrap

import (
	"context"

	"github.com/krobus00/pair-rebalancer/internal/config"
	"github.com/krobus00/pair-rebalancer/internal/entity"
	"github.com/krobus00/pair-rebalancer/internal/infrastructure"
	"github.com/krobus00/pair-rebalancer/internal/service/eventstream"
	"github.com/krobus00/pair-rebalancer/internal/util"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// TailSessionEvents prints session events mirrored to jetstream by running workers.
func TailSessionEvents(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ticker, _ := cmd.Flags().GetString("ticker")

	nc, js, err := infrastructure.NewJetstream(config.Env.NatsJetstream)
	util.ContinueOrFatal(err)

	util.ContinueOrFatal(eventstream.JetstreamEventInit(ctx, js))

	subscribed := make(chan error, 1)
	go func() {
		subscribed <- eventstream.SubscribeSessionEvents(ctx, js, ticker, func(_ context.Context, event entity.SessionEvent) error {
			level, err := logrus.ParseLevel(event.Level)
			if err != nil {
				level = logrus.InfoLevel
			}

			fields := logrus.Fields{
				"session_id": event.SessionID,
				"ticker":     event.Ticker,
				"kind":       event.Kind,
				"event_time": event.Time,
			}
			for key, value := range event.Fields {
				fields[key] = value
			}

			logrus.WithFields(fields).Log(level, event.Message)
			return nil
		})
	}()

	wait := gracefulShutdown(ctx, config.Env.GracefulShutdownTimeout, map[string]operation{
		"nats connection": func(ctx context.Context) error {
			cancel()
			return infrastructure.CloseJetstream(nc)
		},
	})

	select {
	case <-wait:
	case err := <-subscribed:
		util.ContinueOrFatal(err)
	}
}
