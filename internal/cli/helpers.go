package cli

import (
	"fmt"

	"github.com/kilnrun/kiln/internal/errs"
	"github.com/kilnrun/kiln/internal/runtime"
	"github.com/kilnrun/kiln/internal/statestore"
	"github.com/kilnrun/kiln/internal/workspace"
)

// openOrCreateWorkspace opens name under the configured workspaces root,
// creating it on first use.
func openOrCreateWorkspace(name string) (*workspace.Workspace, error) {
	ws, err := workspace.Open(cfg.WorkspacesRoot, name)
	if err != nil {
		if errs.CodeOf(err) == errs.ValidationError {
			return workspace.Create(cfg.WorkspacesRoot, name)
		}
		return nil, err
	}
	return ws, nil
}

func loadState(ws *workspace.Workspace) (*statestore.Store, error) {
	return statestore.Load(ws.StatePath())
}

// defaultAdapter returns the concrete docker-backed runtime adapter used
// by every command that actually invokes containers.
func defaultAdapter() runtime.Adapter {
	return runtime.NewDockerCLI()
}

// exitCode maps an error to the process exit code: 0 success, 1 failure,
// 2 usage error.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	if errs.CodeOf(err) == errs.ValidationError {
		return 2
	}
	return 1
}

func printErr(format string, args ...any) error {
	return fmt.Errorf(format, args...)
}
