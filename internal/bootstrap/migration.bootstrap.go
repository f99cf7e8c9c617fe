package bootstrap

import (
	"errors"

	"github.com/guregu/null/v6"
	"github.com/jmoiron/sqlx"
	"github.com/krobus00/pair-rebalancer/internal/config"
	"github.com/krobus00/pair-rebalancer/internal/infrastructure"
	"github.com/krobus00/pair-rebalancer/internal/util"
	"github.com/pressly/goose/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func StartMigrate(cmd *cobra.Command, args []string) {
	databaseName, _ := cmd.Flags().GetString("databaseName")
	actionType, _ := cmd.Flags().GetString("action")
	migrationName, _ := cmd.Flags().GetString("name")
	version, _ := cmd.Flags().GetInt64("version")

	dbConfig := config.Env.Database[databaseName]
	driver := infrastructure.ResolveDriver(dbConfig.Driver)
	if driver != infrastructure.DriverPostgres {
		// sqlite ledgers create their schema on start
		logrus.WithField("driver", driver).Warn("migrations only apply to postgres ledgers")
		return
	}

	migrationDir := "migration/postgresql/"

	migrationDir += databaseName

	var err error

	db, err := sqlx.Open(driver, dbConfig.DSN)
	util.ContinueOrFatal(err)
	defer db.Close()
	err = goose.SetDialect("postgres")
	util.ContinueOrFatal(err)

	switch actionType {
	case "create":
		err = goose.Create(db.DB, migrationDir, migrationName, "sql")
	case "up":
		err = goose.Up(db.DB, migrationDir, goose.WithAllowMissing())
	case "up-by-one":
		err = goose.UpByOne(db.DB, migrationDir, goose.WithAllowMissing())
	case "up-to":
		err = goose.UpTo(db.DB, migrationDir, null.IntFrom(version).Int64, goose.WithAllowMissing())
	case "down":
		err = goose.Down(db.DB, migrationDir, goose.WithAllowMissing())
	case "down-to":
		err = goose.DownTo(db.DB, migrationDir, null.IntFrom(version).Int64, goose.WithAllowMissing())
	case "status":
		err = goose.Status(db.DB, migrationDir)
	case "reset":
		err = goose.Reset(db.DB, migrationDir, goose.WithAllowMissing())
		if err != nil {
			break
		}
		err = goose.Up(db.DB, migrationDir, goose.WithAllowMissing())
	default:
		err = errors.New("invalid command")
	}

	util.ContinueOrFatal(err)
}
