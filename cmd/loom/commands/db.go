package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/loomctl/loom/errors"
	"github.com/loomctl/loom/logger"
)

// DbCmd represents the db (database) command
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the worker database",
	Long: `db — Manage the local worker database.

Examples:
  loom db migrate   # Apply pending schema migrations
  loom db stats     # Show job counts per status`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE:  runDbMigrate,
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show job counts per status",
	RunE:  runDbStats,
}

func init() {
	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbStatsCmd)
}

func runDbMigrate(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := logger.Initialize(cfg.Logging.JSON); err != nil {
		return errors.Wrap(err, "initialize logger")
	}

	database, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	fmt.Printf("Database at %s is up to date\n", cfg.Database.Path)
	return nil
}

func runDbStats(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	database, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	rows, err := database.Query(`SELECT status, COUNT(*) FROM jobs GROUP BY status ORDER BY status`)
	if err != nil {
		return errors.Wrap(err, "query job stats")
	}
	defer rows.Close()

	fmt.Println("Job counts per status")
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	total := 0
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return errors.Wrap(err, "scan job stats")
		}
		fmt.Printf("%-20s %6d\n", status, count)
		total += count
	}
	if err := rows.Err(); err != nil {
		return errors.Wrap(err, "iterate job stats")
	}
	fmt.Printf("%-20s %6d\n", "total", total)

	var leases int
	if err := database.QueryRow(`SELECT COUNT(*) FROM leases`).Scan(&leases); err == nil {
		fmt.Printf("\nActive leases: %d\n", leases)
	}
	return nil
}
