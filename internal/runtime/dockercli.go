package runtime

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/kilnrun/kiln/internal/errs"
)

// workspaceLabel tags every container this adapter starts with its owning
// workspace id, so KillRunningContainers/CleanupContainers can target
// exactly the containers belonging to one workspace.
const workspaceLabel = "kiln.workspace"

// DockerCLI invokes the docker CLI as a subprocess for every operation,
// rather than linking a Docker SDK.
type DockerCLI struct {
	// Bin is the docker binary to invoke; defaults to "docker".
	Bin string
}

// NewDockerCLI returns a DockerCLI using the docker binary on PATH.
func NewDockerCLI() *DockerCLI {
	return &DockerCLI{Bin: "docker"}
}

func (d *DockerCLI) bin() string {
	if d.Bin == "" {
		return "docker"
	}
	return d.Bin
}

// runtimeEnv is the minimal environment passed through to the docker CLI
// subprocess itself (not the container it starts). The step's own Env
// map is passed via -e flags, not inherited from the host process.
func runtimeEnv() []string {
	var env []string
	for _, name := range []string{"PATH", "HOME", "DOCKER_HOST", "DOCKER_CONFIG", "DOCKER_CONTEXT"} {
		if v, ok := os.LookupEnv(name); ok {
			env = append(env, name+"="+v)
		}
	}
	return env
}

// Check verifies the docker CLI is present and the daemon is reachable.
func (d *DockerCLI) Check(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, d.bin(), "version", "--format", "{{.Server.Version}}")
	cmd.Env = runtimeEnv()
	out, err := cmd.CombinedOutput()
	if err != nil {
		return errs.Wrap(errs.DockerNotAvailable, err, "docker runtime unavailable: %s", strings.TrimSpace(string(out)))
	}
	return nil
}

// Run starts a container for req and blocks until it exits. When req has
// Sources, the container is created stopped, each source is copied into
// its writable layer with `docker cp`, and only then started: `docker run`
// has no flag for "copy this host path in before the entrypoint starts,"
// so sources cannot use the single-shot run path that mounts/caches use.
func (d *DockerCLI) Run(ctx context.Context, req RunRequest, logs LogSink) (RunResult, error) {
	runCtx := ctx
	var cancel context.CancelFunc
	if req.TimeoutSec > 0 {
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutSec)*time.Second)
		defer cancel()
	}

	started := time.Now()
	var cmd *exec.Cmd
	if len(req.Sources) > 0 {
		containerID, err := d.createWithSources(runCtx, req)
		if err != nil {
			return RunResult{}, err
		}
		cmd = exec.CommandContext(runCtx, d.bin(), "start", "-a", containerID)
	} else {
		args, err := buildContainerArgs("run", req)
		if err != nil {
			return RunResult{}, err
		}
		cmd = exec.CommandContext(runCtx, d.bin(), args...)
	}
	cmd.Env = runtimeEnv()

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return RunResult{}, errs.Wrap(errs.ContainerCrash, err, "attaching stdout for %s", req.Name)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return RunResult{}, errs.Wrap(errs.ContainerCrash, err, "attaching stderr for %s", req.Name)
	}

	if err := cmd.Start(); err != nil {
		return RunResult{}, errs.Wrap(errs.ContainerCrash, err, "starting container for %s", req.Name)
	}

	done := make(chan struct{}, 2)
	go streamLines(stdoutPipe, logs.Stdout(), done)
	go streamLines(stderrPipe, logs.Stderr(), done)
	<-done
	<-done

	waitErr := cmd.Wait()
	finished := time.Now()

	if runCtx.Err() != nil {
		return RunResult{StartedAt: started, FinishedAt: finished}, errs.New(errs.ContainerTimeout, "container for %s exceeded its timeout", req.Name)
	}

	exitCode := 0
	if waitErr != nil {
		exitErr, ok := waitErr.(*exec.ExitError)
		if !ok {
			return RunResult{StartedAt: started, FinishedAt: finished}, errs.Wrap(errs.ContainerCrash, waitErr, "running container for %s", req.Name)
		}
		exitCode = exitErr.ExitCode()
	}

	return RunResult{ExitCode: exitCode, StartedAt: started, FinishedAt: finished}, nil
}

func streamLines(r io.Reader, w io.Writer, done chan<- struct{}) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		fmt.Fprintln(w, scanner.Text())
	}
	done <- struct{}{}
}

func buildContainerArgs(verb string, req RunRequest) ([]string, error) {
	args := []string{verb, "--rm"}

	label := req.WorkspaceID
	if label != "" {
		args = append(args, "--label", workspaceLabel+"="+label)
	}

	switch req.Network {
	case NetworkBridge:
		args = append(args, "--network", "bridge")
	default:
		args = append(args, "--network", "none")
	}

	for _, in := range req.Inputs {
		args = append(args, "-v", fmt.Sprintf("%s:%s:ro", in.RunID, in.ContainerPath))
	}
	for _, m := range req.Mounts {
		args = append(args, "-v", fmt.Sprintf("%s:%s:ro", m.HostPath, m.ContainerPath))
	}
	for _, c := range req.Caches {
		args = append(args, "-v", fmt.Sprintf("%s:%s", c.HostPath, c.ContainerPath))
	}
	if req.Output.ContainerPath != "" {
		args = append(args, "-v", fmt.Sprintf("%s:%s", req.Output.StagingRunID, req.Output.ContainerPath))
	}

	for k, v := range req.Env {
		args = append(args, "-e", k+"="+v)
	}

	args = append(args, req.Image)
	args = append(args, req.Cmd...)
	return args, nil
}

// createWithSources creates (but does not start) a container for req, then
// copies each source path into its writable layer via `docker cp`, and
// returns the new container id.
func (d *DockerCLI) createWithSources(ctx context.Context, req RunRequest) (string, error) {
	args, err := buildContainerArgs("create", req)
	if err != nil {
		return "", err
	}
	createCmd := exec.CommandContext(ctx, d.bin(), args...)
	createCmd.Env = runtimeEnv()
	out, err := createCmd.CombinedOutput()
	if err != nil {
		return "", errs.Wrap(errs.ContainerCrash, err, "creating container for %s: %s", req.Name, strings.TrimSpace(string(out)))
	}
	containerID := strings.TrimSpace(string(out))

	for _, src := range req.Sources {
		dest := containerID + ":" + src.ContainerPath
		cpCmd := exec.CommandContext(ctx, d.bin(), "cp", src.HostPath, dest)
		cpCmd.Env = runtimeEnv()
		if out, err := cpCmd.CombinedOutput(); err != nil {
			_ = exec.Command(d.bin(), "rm", "-f", containerID).Run()
			return "", errs.Wrap(errs.StagingFailed, err, "copying source %s into container: %s", src.HostPath, strings.TrimSpace(string(out)))
		}
	}
	return containerID, nil
}

// KillRunningContainers stops every container labeled with workspaceID.
func (d *DockerCLI) KillRunningContainers(ctx context.Context, workspaceID string) error {
	ids, err := d.listLabeled(ctx, workspaceID, true)
	if err != nil {
		return err
	}
	for _, id := range ids {
		cmd := exec.CommandContext(ctx, d.bin(), "kill", id)
		cmd.Env = runtimeEnv()
		if out, err := cmd.CombinedOutput(); err != nil {
			log.Warn("failed to kill container", "id", id, "err", err, "output", strings.TrimSpace(string(out)))
		}
	}
	return nil
}

// CleanupContainers removes stopped containers labeled with workspaceID,
// left behind by a prior crashed run.
func (d *DockerCLI) CleanupContainers(ctx context.Context, workspaceID string) error {
	ids, err := d.listLabeled(ctx, workspaceID, false)
	if err != nil {
		return err
	}
	for _, id := range ids {
		cmd := exec.CommandContext(ctx, d.bin(), "rm", "-f", id)
		cmd.Env = runtimeEnv()
		if out, err := cmd.CombinedOutput(); err != nil {
			log.Warn("failed to remove container", "id", id, "err", err, "output", strings.TrimSpace(string(out)))
		}
	}
	return nil
}

func (d *DockerCLI) listLabeled(ctx context.Context, workspaceID string, runningOnly bool) ([]string, error) {
	args := []string{"ps", "-q", "--filter", workspaceLabel + "=" + workspaceID}
	if !runningOnly {
		args = append(args, "--all")
	}
	cmd := exec.CommandContext(ctx, d.bin(), args...)
	cmd.Env = runtimeEnv()
	out, err := cmd.CombinedOutput()
	if err != nil {
		return nil, errs.Wrap(errs.DockerNotAvailable, err, "listing containers for workspace %s", workspaceID)
	}
	var ids []string
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line != "" {
			ids = append(ids, line)
		}
	}
	return ids, nil
}
