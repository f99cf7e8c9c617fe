package bootstrap

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/krobus00/pair-rebalancer/internal/config"
	"github.com/krobus00/pair-rebalancer/internal/constant"
	"github.com/krobus00/pair-rebalancer/internal/infrastructure"
	"github.com/krobus00/pair-rebalancer/internal/repository"
	"github.com/krobus00/pair-rebalancer/internal/service/eventstream"
	"github.com/krobus00/pair-rebalancer/internal/service/exchange"
	"github.com/krobus00/pair-rebalancer/internal/service/rebalancer"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

type operation func(ctx context.Context) error

// gracefulShutdown waits for termination syscalls and doing clean up operations after received it.
func gracefulShutdown(ctx context.Context, timeout time.Duration, ops map[string]operation) <-chan struct{} {
	wait := make(chan struct{})
	go func() {
		s := make(chan os.Signal, 1)

		// add any other syscalls that you want to be notified with
		signal.Notify(s, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
		<-s

		logrus.Info("shutting down")
		runCleanup(ctx, timeout, ops)

		close(wait)
	}()

	return wait
}

// runCleanup runs ops concurrently, exiting the process if they outlast timeout.
func runCleanup(ctx context.Context, timeout time.Duration, ops map[string]operation) {
	timeoutFunc := time.AfterFunc(timeout, func() {
		logrus.Error(fmt.Sprintf("timeout %d ms has been elapsed, force exit", timeout.Milliseconds()))
		os.Exit(0)
	})
	defer timeoutFunc.Stop()

	var wg sync.WaitGroup
	for key, op := range ops {
		wg.Add(1)
		go func() {
			defer wg.Done()

			logrus.Info(fmt.Sprintf("cleaning up: %s", key))
			if err := op(ctx); err != nil {
				logrus.Error(fmt.Sprintf("%s: clean up failed: %s", key, err.Error()))
				return
			}

			logrus.Info(fmt.Sprintf("%s was shutdown gracefully", key))
		}()
	}

	wg.Wait()
}

// rebalancerDeps are the process-wide resources a rebalance session runs on.
// redisClient and natsConn are nil when their config section is empty.
type rebalancerDeps struct {
	db          *sqlx.DB
	ledger      *repository.OrderRepository
	gateway     *exchange.UpbitExchange
	redisClient *redis.Client
	natsConn    *nats.Conn
	session     *rebalancer.BotSession
}

func newRebalancerDeps(ctx context.Context) (*rebalancerDeps, error) {
	dbConfig := config.Env.Database[constant.RebalancerDatabaseName]
	db, err := infrastructure.NewDatabaseConnection(ctx, dbConfig)
	if err != nil {
		return nil, err
	}
	infrastructure.StartDatabaseHealthCheck(ctx, db, dbConfig.PingInterval)

	ledger := repository.NewOrderRepository(db)
	if err := ledger.Initialize(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	deps := &rebalancerDeps{
		db:      db,
		ledger:  ledger,
		gateway: exchange.NewUpbitExchange(config.Env.Exchanges[constant.ExchangeUpbit]),
	}

	opts := make([]rebalancer.SessionOption, 0, 2)

	if cacheDSN := strings.TrimSpace(config.Env.Redis[constant.RebalancerRedisName].CacheDSN); cacheDSN != "" {
		deps.redisClient, err = infrastructure.NewRedisClient(ctx, cacheDSN)
		if err != nil {
			deps.release()
			return nil, err
		}
		opts = append(opts, rebalancer.WithWorkerLocker(repository.NewWorkerLockRepository(deps.redisClient)))
	}

	if strings.TrimSpace(config.Env.NatsJetstream.URL) != "" {
		nc, js, err := infrastructure.NewJetstream(config.Env.NatsJetstream)
		if err != nil {
			deps.release()
			return nil, err
		}
		deps.natsConn = nc

		if err := eventstream.JetstreamEventInit(ctx, js); err != nil {
			deps.release()
			return nil, err
		}
		opts = append(opts, rebalancer.WithEventPublisher(eventstream.NewSessionEventPublisher(js)))
	}

	deps.session = rebalancer.NewBotSession(sessionConfigFromEnv(), ledger, deps.gateway, opts...)

	return deps, nil
}

func sessionConfigFromEnv() rebalancer.SessionConfig {
	cfg := config.Env.Rebalancer
	return rebalancer.SessionConfig{
		FailureBackoff:   cfg.FailureBackoff,
		MinOrderNotional: cfg.MinOrderNotional,
		LogBufferSize:    cfg.LogBufferSize,
		LockTTL:          cfg.LockTTL,
	}
}

// stopSession cancels the worker and waits for its in-flight unit of work.
func (d *rebalancerDeps) stopSession(ctx context.Context) error {
	d.session.Stop()
	return d.session.Wait(ctx)
}

func (d *rebalancerDeps) shutdownOps(cancel context.CancelFunc) map[string]operation {
	return map[string]operation{
		"rebalancer": func(ctx context.Context) error {
			err := d.stopSession(ctx)
			d.release()
			cancel()
			return err
		},
	}
}

func (d *rebalancerDeps) release() {
	if d.natsConn != nil {
		if err := infrastructure.CloseJetstream(d.natsConn); err != nil {
			logrus.WithError(err).Error("failed to close nats connection")
		}
	}
	if d.redisClient != nil {
		if err := d.redisClient.Close(); err != nil {
			logrus.WithError(err).Error("failed to close redis client")
		}
	}
	if err := d.db.Close(); err != nil {
		logrus.WithError(err).Error("failed to close rebalancer database")
	}
}
