/*
Copyright © 2026 Michael Putera Wardana <michaelputeraw@gmail.com>
*/
package cmd

import (
	"github.com/krobus00/pair-rebalancer/internal/bootstrap"
	"github.com/spf13/cobra"
)

// rebalancerWorkerCmd represents the rebalancer worker command
var rebalancerWorkerCmd = &cobra.Command{
	Use:   "rebalancer-worker",
	Short: "Run the rebalance loop without the HTTP API",
	Long: `Runs one rebalance session until SIGINT/SIGTERM. Flags override the
defaults from the rebalancer section of the config file.`,
	Run: bootstrap.StartRebalancerWorker,
}

func init() {
	rootCmd.AddCommand(rebalancerWorkerCmd)
	rebalancerWorkerCmd.Flags().String("ticker", "", "market to rebalance, e.g. KRW-BTC")
	rebalancerWorkerCmd.Flags().String("ratio", "", "fraction of the base balance per leg, in (0, 1]")
	rebalancerWorkerCmd.Flags().String("price-ratio", "", "offset of both limit prices from the current price, in (0, 1)")
	rebalancerWorkerCmd.Flags().Int("term-hours", 0, "hours to wait while orders are pending")
}
