package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kilnrun/kiln/internal/workspace"
)

var listCmd = &cobra.Command{
	Use:     "list",
	GroupID: "core",
	Short:   "List workspaces under the configured workspaces root",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		names, err := workspace.List(cfg.WorkspacesRoot)
		if err != nil {
			return err
		}
		if len(names) == 0 {
			fmt.Println("no workspaces")
			return nil
		}
		for _, n := range names {
			fmt.Println(n)
		}
		return nil
	},
}

var rmCmd = &cobra.Command{
	Use:     "rm <workspace>",
	GroupID: "core",
	Short:   "Delete a workspace and everything under it",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return workspace.Remove(cfg.WorkspacesRoot, args[0])
	},
}

var cleanCmd = &cobra.Command{
	Use:     "clean <workspace>",
	GroupID: "core",
	Short:   "Remove orphaned staging directories and stale containers",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ws, err := workspace.Open(cfg.WorkspacesRoot, args[0])
		if err != nil {
			return err
		}
		if err := ws.CleanupStaging(); err != nil {
			return err
		}
		return defaultAdapter().CleanupContainers(cmd.Context(), args[0])
	},
}
