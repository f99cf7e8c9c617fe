package bootstrap

import (
	"context"
	"errors"
	"strings"

	"github.com/krobus00/pair-rebalancer/internal/config"
	"github.com/krobus00/pair-rebalancer/internal/service/rebalancer"
	"github.com/krobus00/pair-rebalancer/internal/util"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var errInsufficientQuote = errors.New("quote balance does not cover the buy order")

// StartRebalancerWorker runs one rebalance session headless until a
// termination signal arrives or the worker exits on its own.
func StartRebalancerWorker(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	params, err := workerParamsFromFlags(cmd)
	util.ContinueOrFatal(err)

	deps, err := newRebalancerDeps(ctx)
	util.ContinueOrFatal(err)

	preview, err := deps.session.Preview(ctx, params)
	util.ContinueOrFatal(err)

	logrus.WithFields(logrus.Fields{
		"ticker":         params.Ticker,
		"price":          preview.Price.String(),
		"amount":         preview.Amount.String(),
		"sell_price":     preview.SellPrice.String(),
		"buy_price":      preview.BuyPrice.String(),
		"required_quote": preview.RequiredQuote.String(),
		"quote_balance":  preview.QuoteBalance.String(),
	}).Info("rebalance preview")

	if preview.InsufficientQuote {
		deps.release()
		logrus.Fatal(errInsufficientQuote)
	}

	util.ContinueOrFatal(deps.session.Start(ctx, params))

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		_ = deps.session.Wait(ctx)
	}()

	wait := gracefulShutdown(ctx, config.Env.GracefulShutdownTimeout, deps.shutdownOps(cancel))

	select {
	case <-wait:
	case <-workerDone:
		logrus.Warn("rebalance worker exited, shutting down")
		runCleanup(ctx, config.Env.GracefulShutdownTimeout, deps.shutdownOps(cancel))
	}
}

func workerParamsFromFlags(cmd *cobra.Command) (rebalancer.Params, error) {
	defaults := config.Env.Rebalancer
	params := rebalancer.Params{
		Ticker:     defaults.Ticker,
		Ratio:      defaults.Ratio,
		PriceRatio: defaults.PriceRatio,
		TermHours:  defaults.TermHours,
	}

	if ticker, _ := cmd.Flags().GetString("ticker"); strings.TrimSpace(ticker) != "" {
		params.Ticker = strings.ToUpper(strings.TrimSpace(ticker))
	}
	if raw, _ := cmd.Flags().GetString("ratio"); raw != "" {
		ratio, err := decimal.NewFromString(raw)
		if err != nil {
			return rebalancer.Params{}, err
		}
		params.Ratio = ratio
	}
	if raw, _ := cmd.Flags().GetString("price-ratio"); raw != "" {
		priceRatio, err := decimal.NewFromString(raw)
		if err != nil {
			return rebalancer.Params{}, err
		}
		params.PriceRatio = priceRatio
	}
	if termHours, _ := cmd.Flags().GetInt("term-hours"); termHours > 0 {
		params.TermHours = termHours
	}

	return params, params.Validate()
}
