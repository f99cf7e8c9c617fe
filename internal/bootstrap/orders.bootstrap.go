package bootstrap

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/krobus00/pair-rebalancer/internal/config"
	"github.com/krobus00/pair-rebalancer/internal/constant"
	"github.com/krobus00/pair-rebalancer/internal/entity"
	"github.com/krobus00/pair-rebalancer/internal/infrastructure"
	"github.com/krobus00/pair-rebalancer/internal/repository"
	"github.com/krobus00/pair-rebalancer/internal/util"
	"github.com/spf13/cobra"
)

// PrintOrders prints the newest ledger rows, or every pending row with --pending.
func PrintOrders(cmd *cobra.Command, args []string) {
	ctx := context.Background()

	limit, _ := cmd.Flags().GetInt("limit")
	pendingOnly, _ := cmd.Flags().GetBool("pending")

	db, err := infrastructure.NewDatabaseConnection(ctx, config.Env.Database[constant.RebalancerDatabaseName])
	util.ContinueOrFatal(err)
	defer db.Close()

	ledger := repository.NewOrderRepository(db)
	util.ContinueOrFatal(ledger.Initialize(ctx))

	var orders []entity.Order
	if pendingOnly {
		orders, err = ledger.ListPending(ctx)
	} else {
		orders, err = ledger.ListRecent(ctx, limit)
	}
	util.ContinueOrFatal(err)

	util.ContinueOrFatal(writeOrdersTable(os.Stdout, orders))
}

func writeOrdersTable(out io.Writer, orders []entity.Order) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCREATED_AT\tTICKER\tSIDE\tPRICE\tAMOUNT\tSTATUS\tEXTERNAL_ID")
	for _, order := range orders {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			order.ID,
			order.CreatedAt.Local().Format("2006-01-02 15:04:05"),
			order.Ticker,
			order.Side,
			order.Price.String(),
			order.Amount.StringFixed(entity.AmountPrecision),
			order.Status,
			order.ExternalID.String,
		)
	}

	return w.Flush()
}
