package commands

import (
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/cadence/db"
	"github.com/teranos/cadence/errors"
)

// DbCmd represents the db (database) command
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the cadence database",
	Long: `Manage the cadence database.

Examples:
  cadence db migrate          # Apply pending migrations
  cadence db stats            # Row counts per table`,
}

var (
	dbPathFlag      string
	dbMigrateStatus bool
)

func init() {
	DbCmd.PersistentFlags().StringVar(&dbPathFlag, "db-path", "", "Custom database path (overrides config)")
	dbMigrateCmd.Flags().BoolVar(&dbMigrateStatus, "status", false, "List migrations without applying them")
	DbCmd.AddCommand(dbMigrateCmd, dbStatsCmd)
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		if dbMigrateStatus {
			return showMigrationStatus()
		}
		database, err := openDatabase(dbPathFlag)
		if err != nil {
			return err
		}
		defer database.Close()

		pterm.Success.Println("Database is up to date")
		return nil
	},
}

func showMigrationStatus() error {
	path, err := resolveDatabasePath(dbPathFlag)
	if err != nil {
		return err
	}
	database, err := db.Open(path, nil)
	if err != nil {
		return err
	}
	defer database.Close()

	list, err := db.Status(database)
	if err != nil {
		return err
	}
	rows := [][]string{{"Version", "Migration", "Applied"}}
	for _, m := range list {
		state := "pending"
		if m.Applied {
			state = "yes"
		}
		rows = append(rows, []string{m.Version, m.Name, state})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}

// statTables are the tables db stats counts, in display order
var statTables = []string{"jobs", "job_logs", "notifications", "queue_tasks", "queue_schedulers"}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show row counts per table",
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openDatabase(dbPathFlag)
		if err != nil {
			return err
		}
		defer database.Close()

		rows := [][]string{{"Table", "Rows"}}
		for _, table := range statTables {
			var n int
			if err := database.QueryRowContext(cmd.Context(), "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
				return errors.Wrapf(err, "failed to count %s", table)
			}
			rows = append(rows, []string{table, fmt.Sprint(n)})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
	},
}
