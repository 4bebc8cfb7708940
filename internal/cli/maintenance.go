package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kilnrun/kiln/internal/workspace"
)

var pruneKeep []string

var pruneCmd = &cobra.Command{
	Use:     "prune <workspace>",
	GroupID: "core",
	Short:   "Remove committed runs not referenced by any current step and not explicitly kept",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ws, err := workspace.Open(cfg.WorkspacesRoot, args[0])
		if err != nil {
			return err
		}
		state, err := loadState(ws)
		if err != nil {
			return err
		}
		keep := state.ActiveRunIDs()
		for _, id := range pruneKeep {
			keep[id] = true
		}
		if cfg.RunRotateKeep > 0 {
			ids, err := ws.ListRuns()
			if err != nil {
				return err
			}
			// Run ids are ULIDs, so lexical order is creation order: the
			// tail of the unreferenced candidates is the newest.
			var unreferenced []string
			for _, id := range ids {
				if !keep[id] {
					unreferenced = append(unreferenced, id)
				}
			}
			if n := len(unreferenced) - cfg.RunRotateKeep; n > 0 {
				unreferenced = unreferenced[n:]
			}
			for _, id := range unreferenced {
				keep[id] = true
			}
		}
		removed, err := ws.PruneRuns(keep)
		if err != nil {
			return err
		}
		for _, id := range removed {
			fmt.Println(id)
		}
		return nil
	},
}

func init() {
	pruneCmd.Flags().StringSliceVar(&pruneKeep, "keep", nil, "run ids to keep in addition to those referenced by current state")
}

var rmStepCmd = &cobra.Command{
	Use:     "rm-step <workspace> <stepId>",
	GroupID: "core",
	Short:   "Forget a step's cached run, forcing it to re-run on the next pipeline execution",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ws, err := workspace.Open(cfg.WorkspacesRoot, args[0])
		if err != nil {
			return err
		}
		state, err := loadState(ws)
		if err != nil {
			return err
		}
		state.RemoveStep(args[1])
		if err := ws.RemoveStepRunLink(args[1]); err != nil {
			return err
		}
		return state.Save()
	},
}
