package commands

import (
	"os"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/pablopunk/doce.dev-sub004/db"
	"github.com/pablopunk/doce.dev-sub004/errors"
)

// DbCmd represents the db (database) command
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the doce database",
	Long: `Manage the SQLite database that holds the job queue.

Examples:
  doce db status     # Path, size and applied migrations
  doce db migrate    # Apply pending migrations`,
}

var dbStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show database path, size and migration status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		path := cfg.GetDatabasePath()

		conn, err := db.Open(path, nil)
		if err != nil {
			return errors.Wrapf(err, "failed to open database at %s", path)
		}
		defer conn.Close()

		migrations, err := db.Status(conn)
		if err != nil {
			return err
		}

		pterm.DefaultSection.Println("Database")
		pterm.Printf("  Path: %s\n", path)
		if info, err := os.Stat(path); err == nil {
			pterm.Printf("  Size: %.1f KiB\n", float64(info.Size())/1024)
		}
		pterm.Println()

		data := pterm.TableData{{"VERSION", "MIGRATION", "STATUS"}}
		pending := 0
		for _, m := range migrations {
			status := pterm.FgGreen.Sprint("applied")
			if !m.Applied {
				status = pterm.FgYellow.Sprint("pending")
				pending++
			}
			data = append(data, []string{m.Version, m.Name, status})
		}
		if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
			return err
		}
		if pending > 0 {
			pterm.Warning.Printf("%d pending migration(s); run 'doce db migrate'\n", pending)
		}
		return nil
	},
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		conn, err := openDatabase(cfg)
		if err != nil {
			return err
		}
		defer conn.Close()
		pterm.Success.Printf("Database %s is up to date\n", cfg.GetDatabasePath())
		return nil
	},
}

func init() {
	DbCmd.AddCommand(dbStatusCmd)
	DbCmd.AddCommand(dbMigrateCmd)
}
