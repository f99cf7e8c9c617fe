/*
Copyright © 2026 Michael Putera Wardana <michaelputeraw@gmail.com>
*/
package cmd

import (
	"github.com/krobus00/pair-rebalancer/internal/bootstrap"
	"github.com/spf13/cobra"
)

// rebalancerGatewayCmd represents the rebalancer gateway command
var rebalancerGatewayCmd = &cobra.Command{
	Use:   "rebalancer-gateway",
	Short: "Serve the rebalance session control API",
	Long: `Starts the HTTP API used to preview, start and stop a rebalance session,
read its log and list the most recent ledger orders.`,
	Run: bootstrap.StartRebalancerGateway,
}

func init() {
	rootCmd.AddCommand(rebalancerGatewayCmd)
}
