package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Run history database management",
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, _, err := loadPipeline()
		if err != nil {
			return err
		}
		d, closeDB, err := openDB(p)
		if err != nil {
			return err
		}
		defer closeDB()
		fmt.Fprintf(cmd.OutOrStdout(), "Database schema is up to date (%s)\n", d.Dialect())
		return nil
	},
}

var dbResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Drop all run history and recreate the schema (destructive!)",
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			return fmt.Errorf("refusing to reset the database without --confirm")
		}
		p, _, err := loadPipeline()
		if err != nil {
			return err
		}
		d, closeDB, err := openDB(p)
		if err != nil {
			return err
		}
		defer closeDB()
		if err := d.Reset(); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Database reset")
		return nil
	},
}

func init() {
	dbResetCmd.Flags().Bool("confirm", false, "confirm the destructive reset")

	dbCmd.AddCommand(dbMigrateCmd)
	dbCmd.AddCommand(dbResetCmd)
}
