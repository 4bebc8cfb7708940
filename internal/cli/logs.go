package cli

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/kilnrun/kiln/internal/errs"
	"github.com/kilnrun/kiln/internal/model"
	"github.com/kilnrun/kiln/internal/workspace"
)

var logsStderr bool

var logsCmd = &cobra.Command{
	Use:     "logs <workspace> <runId>",
	GroupID: "core",
	Short:   "Print a committed run's stdout.log (or stderr.log with --stderr)",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ws, err := workspace.Open(cfg.WorkspacesRoot, args[0])
		if err != nil {
			return err
		}
		file := "stdout.log"
		if logsStderr {
			file = "stderr.log"
		}
		path := filepath.Join(ws.RunPath(args[1]), file)
		f, err := os.Open(path)
		if err != nil {
			return errs.Wrap(errs.ValidationError, err, "opening %s for run %s", file, args[1])
		}
		defer f.Close()
		_, err = io.Copy(os.Stdout, bufio.NewReader(f))
		return err
	},
}

func init() {
	logsCmd.Flags().BoolVar(&logsStderr, "stderr", false, "print stderr.log instead of stdout.log")
}

var exportCmd = &cobra.Command{
	Use:     "export <workspace> <runId>",
	GroupID: "core",
	Short:   "Print a run's meta.json",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ws, err := workspace.Open(cfg.WorkspacesRoot, args[0])
		if err != nil {
			return err
		}
		data, err := os.ReadFile(filepath.Join(ws.RunPath(args[1]), "meta.json"))
		if err != nil {
			return errs.Wrap(errs.ValidationError, err, "reading run %s metadata", args[1])
		}
		var run model.Run
		if err := json.Unmarshal(data, &run); err != nil {
			return errs.Wrap(errs.ValidationError, err, "parsing run %s metadata", args[1])
		}
		return printJSON(run)
	},
}
