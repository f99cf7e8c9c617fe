/*
Copyright © 2026 Michael Putera Wardana <michaelputeraw@gmail.com>
*/
package cmd

import (
	"github.com/krobus00/pair-rebalancer/internal/bootstrap"
	"github.com/krobus00/pair-rebalancer/internal/constant"
	"github.com/spf13/cobra"
)

// ordersCmd represents the orders command
var ordersCmd = &cobra.Command{
	Use:   "orders",
	Short: "Print orders recorded in the ledger",
	Run:   bootstrap.PrintOrders,
}

func init() {
	rootCmd.AddCommand(ordersCmd)
	ordersCmd.Flags().Int("limit", constant.DefaultRecentOrdersLimit, "number of most recent orders")
	ordersCmd.Flags().Bool("pending", false, "print every pending order instead")
}
