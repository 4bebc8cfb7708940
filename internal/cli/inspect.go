package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/kilnrun/kiln/internal/errs"
	"github.com/kilnrun/kiln/internal/model"
	"github.com/kilnrun/kiln/internal/pipeline"
	"github.com/kilnrun/kiln/internal/pipelinefile"
	"github.com/kilnrun/kiln/internal/reporter"
	"github.com/kilnrun/kiln/internal/workspace"
)

var inspectCmd = &cobra.Command{
	Use:     "inspect <pipeline.json>",
	GroupID: "core",
	Short:   "Plan a pipeline and report what would run, without touching the runtime",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		doc, err := pipelinefile.Load(args[0])
		if err != nil {
			return err
		}
		name := runWorkspace
		if name == "" {
			name = doc.Name
		}
		ws, err := openOrCreateWorkspace(name)
		if err != nil {
			return err
		}
		state, err := loadState(ws)
		if err != nil {
			return err
		}

		report := reporter.New(len(doc.Steps) + 1)
		runner := &pipeline.Runner{WS: ws, State: state, Adapter: defaultAdapter(), Report: report}

		var events []reporter.Event
		done := make(chan struct{})
		go func() {
			defer close(done)
			for ev := range report.Events() {
				events = append(events, ev)
			}
		}()

		opts := pipeline.Options{DryRun: true}
		err = runner.Run(cmd.Context(), doc.Steps, opts)
		report.Close()
		<-done
		if err != nil {
			return err
		}

		if jsonFlag {
			return json.NewEncoder(os.Stdout).Encode(events)
		}
		for _, ev := range events {
			if ev.Type != reporter.StepWouldRun {
				continue
			}
			status := "will run"
			if ev.CacheHit {
				status = "cached, would skip"
			}
			if ev.Reason != "" {
				status = fmt.Sprintf("would skip (%s)", ev.Reason)
			}
			fmt.Printf("%s\t%s\tfingerprint=%s\n", ev.StepID, status, short(ev.Fingerprint))
		}
		return nil
	},
}

var showCmd = &cobra.Command{
	Use:     "show <workspace> [runId]",
	GroupID: "core",
	Short:   "Print a workspace's state snapshot, or one run's metadata",
	Args:    cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ws, err := workspace.Open(cfg.WorkspacesRoot, args[0])
		if err != nil {
			return err
		}
		if len(args) == 2 {
			data, err := os.ReadFile(filepath.Join(ws.RunPath(args[1]), "meta.json"))
			if err != nil {
				return errs.Wrap(errs.ValidationError, err, "reading run %s metadata", args[1])
			}
			var run model.Run
			if err := json.Unmarshal(data, &run); err != nil {
				return errs.Wrap(errs.ValidationError, err, "parsing run %s metadata", args[1])
			}
			return printJSON(run)
		}
		state, err := loadState(ws)
		if err != nil {
			return err
		}
		return printJSON(state.Snapshot())
	},
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
