package cli

import (
	"encoding/json"
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/lucasnoah/perfx/internal/fileguard"
	"github.com/spf13/cobra"
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "List, restore and prune file backups",
}

func newGuard(cmd *cobra.Command) (*fileguard.Guard, error) {
	p, cfg, err := loadPipeline()
	if err != nil {
		return nil, err
	}
	return fileguard.New(p.FileOperations, newLogger(cmd.ErrOrStderr(), cfg.Global.Verbose))
}

var backupListCmd = &cobra.Command{
	Use:   "list [file]",
	Short: "List backups of one file, or of every tracked file",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		guard, err := newGuard(cmd)
		if err != nil {
			return err
		}
		path := ""
		if len(args) == 1 {
			path = args[0]
		}
		backups := guard.ListBackups(path)

		if format == "json" {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(backups)
		}

		if len(backups) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No backups found")
			return nil
		}

		files := make([]string, 0, len(backups))
		for f := range backups {
			files = append(files, f)
		}
		sort.Strings(files)

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "FILE\tTIMESTAMP\tBACKUP\tDESCRIPTION")
		for _, f := range files {
			for _, b := range backups[f] {
				desc := b.Description
				if desc == "" {
					desc = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", f, b.Timestamp, b.BackupPath, desc)
			}
		}
		return w.Flush()
	},
}

var backupRestoreCmd = &cobra.Command{
	Use:   "restore <file> <timestamp>",
	Short: "Restore a file from a specific backup",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		guard, err := newGuard(cmd)
		if err != nil {
			return err
		}
		if !guard.Restore(args[0], args[1]) {
			return fmt.Errorf("no backup of %s at %s", args[0], args[1])
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Restored %s from backup %s\n", args[0], args[1])
		return nil
	},
}

var backupRollbackCmd = &cobra.Command{
	Use:   "rollback <file>",
	Short: "Restore a file from its most recent backup",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		guard, err := newGuard(cmd)
		if err != nil {
			return err
		}
		if !guard.Rollback(args[0]) {
			return fmt.Errorf("rollback failed: no backup found for %s", args[0])
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Rolled back %s\n", args[0])
		return nil
	},
}

var backupCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete all but the newest backups of each file",
	RunE: func(cmd *cobra.Command, args []string) error {
		keep, _ := cmd.Flags().GetInt("keep")
		if keep < 0 {
			return fmt.Errorf("--keep must not be negative")
		}
		guard, err := newGuard(cmd)
		if err != nil {
			return err
		}
		n := guard.CleanupBackups(keep)
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %d backup(s)\n", n)
		return nil
	},
}

var backupLogCmd = &cobra.Command{
	Use:   "log",
	Short: "Show a summary of recent file operations",
	RunE: func(cmd *cobra.Command, args []string) error {
		guard, err := newGuard(cmd)
		if err != nil {
			return err
		}
		s := guard.OperationsSummary()
		fmt.Fprintf(cmd.OutOrStdout(), "Backup directory: %s\n", s.BackupDirectory)
		fmt.Fprintf(cmd.OutOrStdout(), "Operations: %d, backups created: %d, files modified: %d\n",
			s.TotalOperations, s.BackupsCreated, s.FilesModified)
		for _, op := range s.RecentOperations {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", op)
		}
		return nil
	},
}

func init() {
	backupListCmd.Flags().String("format", "table", "Output format: table or json")
	backupCleanupCmd.Flags().Int("keep", 5, "number of backups to keep per file")

	backupCmd.AddCommand(backupListCmd)
	backupCmd.AddCommand(backupRestoreCmd)
	backupCmd.AddCommand(backupRollbackCmd)
	backupCmd.AddCommand(backupCleanupCmd)
	backupCmd.AddCommand(backupLogCmd)
}
