package cli

import (
	"fmt"

	"github.com/lucasnoah/perfx/internal/repo"
	"github.com/spf13/cobra"
)

var reposCmd = &cobra.Command{
	Use:   "repos",
	Short: "Inspect repository checkouts",
}

func newRepoManager(cmd *cobra.Command) (*repo.Manager, error) {
	p, cfg, err := loadPipeline()
	if err != nil {
		return nil, err
	}
	return repo.NewManager(nil, p.Global.WorkingDirectory, newLogger(cmd.ErrOrStderr(), cfg.Global.Verbose)), nil
}

var reposListCmd = &cobra.Command{
	Use:   "list",
	Short: "List checked-out repositories",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := newRepoManager(cmd)
		if err != nil {
			return err
		}
		names, err := m.List()
		if err != nil {
			return err
		}
		if len(names) == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "No repositories under %s\n", m.BaseDir())
			return nil
		}
		for _, n := range names {
			fmt.Fprintln(cmd.OutOrStdout(), n)
		}
		return nil
	},
}

var reposCleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove every repository checkout",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := newRepoManager(cmd)
		if err != nil {
			return err
		}
		if err := m.Clean(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", m.BaseDir())
		return nil
	},
}

func init() {
	reposCmd.AddCommand(reposListCmd)
	reposCmd.AddCommand(reposCleanCmd)
}
