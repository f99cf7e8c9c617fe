package bootstrap

import (
	"context"
	"net/http"

	"github.com/krobus00/pair-rebalancer/internal/config"
	httpHandler "github.com/krobus00/pair-rebalancer/internal/handler/rebalancer/http"
	"github.com/krobus00/pair-rebalancer/internal/infrastructure"
	"github.com/krobus00/pair-rebalancer/internal/util"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func StartRebalancerGateway(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deps, err := newRebalancerDeps(ctx)
	util.ContinueOrFatal(err)

	rebalancerHTTPHandler := httpHandler.NewRebalancerHTTPHandler(deps.session, deps.gateway)
	httpMux := http.NewServeMux()
	rebalancerHTTPHandler.Register(httpMux)

	serverConfig := infrastructure.DefaultHTTPServerConfig("rebalancer_gateway_http")
	serverConfig.ShutdownTimeout = config.Env.GracefulShutdownTimeout
	serverConfig.Readiness = []infrastructure.ReadinessCheck{
		{Name: "ledger", Check: deps.db.PingContext},
	}
	if deps.redisClient != nil {
		serverConfig.Readiness = append(serverConfig.Readiness, infrastructure.ReadinessCheck{
			Name: "redis",
			Check: func(ctx context.Context) error {
				return deps.redisClient.Ping(ctx).Err()
			},
		})
	}
	httpServer := infrastructure.NewHTTPServerWithConfig(serverConfig, httpMux)

	go func() {
		err := httpServer.Start()
		if err != nil {
			logrus.Error(err)
		}
	}()

	ops := deps.shutdownOps(cancel)
	ops["http"] = func(ctx context.Context) error {
		return httpServer.Shutdown(ctx)
	}

	wait := gracefulShutdown(ctx, config.Env.GracefulShutdownTimeout, ops)

	<-wait
}
