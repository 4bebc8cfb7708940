package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/kilnrun/kiln/internal/daemon"
	"github.com/kilnrun/kiln/internal/errs"
	"github.com/kilnrun/kiln/internal/graph"
	"github.com/kilnrun/kiln/internal/model"
	"github.com/kilnrun/kiln/internal/pipeline"
	"github.com/kilnrun/kiln/internal/pipelinefile"
	"github.com/kilnrun/kiln/internal/reporter"
)

var (
	runWorkspace   string
	runForce       bool
	runForceSteps  []string
	runDryRun      bool
	runConcurrency int
	runTargets     []string
	runDetach      bool
	runEphemeral   bool
)

var runCmd = &cobra.Command{
	Use:     "run <pipeline.json>",
	GroupID: "core",
	Short:   "Execute a resolved pipeline against a workspace",
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
		steps := applyEngineDefaults(doc.Steps)
		if len(runTargets) > 0 {
			steps, err = restrictToTargets(steps, runTargets)
			if err != nil {
				return err
			}
		}

		opts := pipeline.Options{
			Concurrency:  resolveConcurrency(runConcurrency),
			DryRun:       runDryRun,
			ForceAll:     runForce,
			Force:        runForceSteps,
			Ephemeral:    runEphemeral,
			PipelineRoot: filepath.Dir(args[0]),
		}

		if runDetach {
			return runDetached(name, steps, opts)
		}
		return runAttached(name, steps, opts)
	},
}

var execCmd = &cobra.Command{
	Use:     "exec <pipeline.json> <stepId>",
	GroupID: "core",
	Short:   "Run a single step (and its dependencies) from a pipeline",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		doc, err := pipelinefile.Load(args[0])
		if err != nil {
			return err
		}
		steps, err := restrictToTargets(applyEngineDefaults(doc.Steps), []string{args[1]})
		if err != nil {
			return err
		}
		name := runWorkspace
		if name == "" {
			name = doc.Name
		}
		opts := pipeline.Options{
			Concurrency:  resolveConcurrency(runConcurrency),
			ForceAll:     runForce,
			Force:        runForceSteps,
			Ephemeral:    true,
			PipelineRoot: filepath.Dir(args[0]),
		}
		return runAttached(name, steps, opts)
	},
}

func init() {
	for _, c := range []*cobra.Command{runCmd, execCmd} {
		c.Flags().StringVar(&runWorkspace, "workspace", "", "workspace name (defaults to the pipeline name)")
		c.Flags().BoolVar(&runForce, "force", false, "bypass the cache for every targeted step")
		c.Flags().StringSliceVar(&runForceSteps, "force-step", nil, "bypass the cache for these step ids only; unknown ids are ignored")
		c.Flags().IntVar(&runConcurrency, "concurrency", 0, "max steps running at once within a level (0 = engine default: KILN_CONCURRENCY, else host CPU count)")
	}
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "plan the run and report cache predictions without invoking the runtime")
	runCmd.Flags().StringSliceVar(&runTargets, "target", nil, "restrict execution to these step ids and their ancestors")
	runCmd.Flags().BoolVar(&runDetach, "detach", false, "run in a detached daemon process, reporting via its IPC socket")
	runCmd.Flags().BoolVar(&runEphemeral, "ephemeral", false, "bypass commit entirely; stream logs without touching the workspace")
}

// applyEngineDefaults fills per-step fields the pipeline author left
// unset from the engine's own configuration: a retry delay for steps that
// declare retries without one.
func applyEngineDefaults(steps []model.Step) []model.Step {
	if cfg == nil || cfg.DefaultRetryDelayMs == 0 {
		return steps
	}
	out := make([]model.Step, len(steps))
	for i, s := range steps {
		if s.Retries > 0 && s.RetryDelayMs == 0 {
			s.RetryDelayMs = cfg.DefaultRetryDelayMs
		}
		out[i] = s
	}
	return out
}

// resolveConcurrency falls back from the flag to the configured default.
func resolveConcurrency(flag int) int {
	if flag > 0 {
		return flag
	}
	if cfg != nil {
		return cfg.DefaultConcurrency
	}
	return 0
}

// restrictToTargets narrows steps to the closure of targets' ancestors.
func restrictToTargets(steps []model.Step, targets []string) ([]model.Step, error) {
	g, err := graph.BuildGraph(steps)
	if err != nil {
		return nil, err
	}
	if err := graph.Validate(g, steps); err != nil {
		return nil, err
	}
	keep := graph.Subgraph(g, targets)
	out := make([]model.Step, 0, len(keep))
	for _, s := range steps {
		if keep[s.ID] {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil, errs.New(errs.ValidationError, "no steps matched target(s) %v", targets)
	}
	return out, nil
}

func encodeSteps(steps []model.Step) (string, error) {
	data, err := json.Marshal(steps)
	if err != nil {
		return "", errs.Wrap(errs.ValidationError, err, "encoding step list")
	}
	return string(data), nil
}

func decodeSteps(s string) ([]model.Step, error) {
	var steps []model.Step
	if err := json.Unmarshal([]byte(s), &steps); err != nil {
		return nil, errs.Wrap(errs.ValidationError, err, "decoding step list")
	}
	return steps, nil
}

func runAttached(name string, steps []model.Step, opts pipeline.Options) error {
	ws, err := openOrCreateWorkspace(name)
	if err != nil {
		return err
	}
	state, err := loadState(ws)
	if err != nil {
		return err
	}

	report := reporter.New(512)
	runner := &pipeline.Runner{WS: ws, State: state, Adapter: defaultAdapter(), Report: report}

	done := make(chan struct{})
	go func() {
		defer close(done)
		printEvents(report)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = runner.Run(ctx, steps, opts)
	report.Close()
	<-done
	return err
}

func runDetached(name string, steps []model.Step, opts pipeline.Options) error {
	ws, err := openOrCreateWorkspace(name)
	if err != nil {
		return err
	}
	socketPath := filepath.Join(ws.Root, "daemon.sock")
	logPath := filepath.Join(ws.Root, "daemon.log")

	binary, err := os.Executable()
	if err != nil {
		return err
	}

	req := daemon.HandshakeRequest{WorkspaceRoot: cfg.WorkspacesRoot, Options: opts, Cwd: opts.PipelineRoot}
	stepsJSON, err := encodeSteps(steps)
	if err != nil {
		return err
	}
	req.Config = map[string]string{"workspace": name, "steps": stepsJSON}

	reply, pid, err := daemon.Spawn(binary, []string{"__daemon"}, req, logPath)
	if err != nil {
		return err
	}
	log.Info("daemon started", "pid", pid, "socket", reply.SocketPath)

	client, err := daemon.Dial(socketPath)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Send(daemon.Command{Type: daemon.CmdRun, Options: opts}); err != nil {
		return err
	}
	if err := client.Send(daemon.Command{Type: daemon.CmdSubscribe, Logs: true}); err != nil {
		return err
	}

	for msg := range client.Messages() {
		switch msg.Type {
		case daemon.MsgEvent:
			if msg.Event != nil {
				printWireEvent(*msg.Event)
			}
		case daemon.MsgDone:
			if !msg.Success {
				return printErr("pipeline failed, see %s for the daemon log", logPath)
			}
			return nil
		case daemon.MsgError:
			return printErr("%s: %s", msg.Code, msg.Message)
		}
	}
	return nil
}

func printEvents(r *reporter.Reporter) {
	for ev := range r.Events() {
		printEvent(ev)
	}
}

func printEvent(ev reporter.Event) {
	ts := ev.Time.Format("15:04:05")
	switch ev.Type {
	case reporter.PipelineStart:
		fmt.Printf("[%s] pipeline starting\n", ts)
	case reporter.StepStarting:
		fmt.Printf("[%s] %s: starting\n", ts, ev.StepID)
	case reporter.StepLog:
		stream := "out"
		if ev.Stderr {
			stream = "err"
		}
		fmt.Printf("[%s] %s:%s %s\n", ts, ev.StepID, stream, ev.Line)
	case reporter.StepSkipped:
		fmt.Printf("[%s] %s: skipped (%s)\n", ts, ev.StepID, ev.Reason)
	case reporter.StepRetrying:
		fmt.Printf("[%s] %s: retrying (attempt %d)\n", ts, ev.StepID, ev.Attempt)
	case reporter.StepFinished:
		fmt.Printf("[%s] %s: finished (exit %d)\n", ts, ev.StepID, ev.ExitCode)
	case reporter.StepFailed:
		fmt.Printf("[%s] %s: FAILED: %v\n", ts, ev.StepID, ev.Err)
	case reporter.StepWouldRun:
		hit := "miss"
		if ev.CacheHit {
			hit = "hit"
		}
		fmt.Printf("[%s] %s: would run (fingerprint %s, cache %s)\n", ts, ev.StepID, short(ev.Fingerprint), hit)
	case reporter.PipelineFinished:
		fmt.Printf("[%s] pipeline finished\n", ts)
	case reporter.PipelineFailed:
		fmt.Printf("[%s] pipeline failed: %v\n", ts, ev.Err)
	}
}

func printWireEvent(ev daemon.WireEvent) {
	printEvent(reporter.Event{
		Type: ev.Type, Time: ev.Time, StepID: ev.StepID, RunID: ev.RunID,
		Fingerprint: ev.Fingerprint, Reason: ev.Reason, Attempt: ev.Attempt,
		ExitCode: ev.ExitCode, Line: ev.Line, Stderr: ev.Stderr, CacheHit: ev.CacheHit,
	})
}

func short(s string) string {
	if len(s) <= 12 {
		return s
	}
	return s[:12]
}
