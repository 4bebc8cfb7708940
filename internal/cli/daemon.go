package cli

import (
	"context"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/kilnrun/kiln/internal/daemon"
	"github.com/kilnrun/kiln/internal/pipeline"
	"github.com/kilnrun/kiln/internal/statestore"
	"github.com/kilnrun/kiln/internal/workspace"
)

// daemonCmd is the hidden entry point a detached run re-execs itself as.
// It performs a handshake with the parent over stdin/stdout, then runs
// independently of that connection. It is never invoked directly by an
// operator.
var daemonCmd = &cobra.Command{
	Use:    "__daemon",
	Hidden: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := daemon.ReadHandshakeRequest(os.Stdin)
		if err != nil {
			_ = daemon.WriteHandshakeError(os.Stdout, err)
			return err
		}

		name := req.Config["workspace"]
		steps, err := decodeSteps(req.Config["steps"])
		if err != nil {
			_ = daemon.WriteHandshakeError(os.Stdout, err)
			return err
		}

		ws, err := workspace.Open(req.WorkspaceRoot, name)
		if err != nil {
			ws, err = workspace.Create(req.WorkspaceRoot, name)
		}
		if err != nil {
			_ = daemon.WriteHandshakeError(os.Stdout, err)
			return err
		}
		state, err := statestore.Load(ws.StatePath())
		if err != nil {
			_ = daemon.WriteHandshakeError(os.Stdout, err)
			return err
		}

		socketPath := filepath.Join(ws.Root, "daemon.sock")
		runner := &pipeline.Runner{WS: ws, State: state, Adapter: defaultAdapter()}
		srv := daemon.New(socketPath, runner, steps)

		if err := daemon.WriteReady(os.Stdout, socketPath); err != nil {
			return err
		}
		_ = os.Stdout.Close()

		log.Info("daemon ready", "workspace", name, "socket", socketPath)
		return srv.Serve(context.Background())
	},
}
