// Package steprunner implements the end-to-end per-step contract:
// condition check, input resolution, env merge, fingerprint and cache
// check, optional setup phase, run phase, retry, commit, and failure
// cleanup. It is the one place that wires together condition, statestore,
// cachelock, runtime, workspace, runlog, and reporter.
//
// Retry timing uses github.com/cenkalti/backoff/v5: a constant backoff of
// retryDelayMs driving a bounded number of attempts, with
// backoff.Permanent used to make an error that is neither a container crash
// nor transient stop retrying immediately rather than exhausting every
// attempt. Non-zero exits and crashes in either phase use up the retries.
package steprunner

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/kilnrun/kiln/internal/cachelock"
	"github.com/kilnrun/kiln/internal/condition"
	"github.com/kilnrun/kiln/internal/envfile"
	"github.com/kilnrun/kiln/internal/errs"
	"github.com/kilnrun/kiln/internal/model"
	"github.com/kilnrun/kiln/internal/reporter"
	"github.com/kilnrun/kiln/internal/runlog"
	"github.com/kilnrun/kiln/internal/runtime"
	"github.com/kilnrun/kiln/internal/statestore"
	"github.com/kilnrun/kiln/internal/workspace"
)

// Options configure one Run invocation.
type Options struct {
	Force        bool            // bypass the cache check for this step
	Ephemeral    bool            // bypass commit, stream logs straight to the terminal
	PipelineRoot string          // base directory step.EnvFile is resolved against
	TTY          runtime.LogSink // where an ephemeral run's output streams; nil means the process's own stdio
}

// stdioSink streams straight to the process's own stdout/stderr, the
// default destination for an ephemeral run when no TTY sink is supplied.
type stdioSink struct{}

func (stdioSink) Stdout() io.Writer { return os.Stdout }
func (stdioSink) Stderr() io.Writer { return os.Stderr }

// Result is the outcome of running (or skipping) one step.
type Result struct {
	Skipped  bool
	RunID    string
	ExitCode int
}

// Runner executes individual steps against one workspace.
type Runner struct {
	WS      *workspace.Workspace
	State   *statestore.Store
	Locks   *cachelock.Manager
	Adapter runtime.Adapter
	Report  *reporter.Reporter
}

// Run executes step, given resolvedInputs (alias -> run id of the
// upstream step currently current for that alias, per the step-run
// index): condition check, input resolution, env merge, fingerprint and
// cache check, setup phase, run phase with retry, commit, and failure
// cleanup.
func (r *Runner) Run(ctx context.Context, step model.Step, resolvedInputs map[string]string, opts Options) (Result, error) {
	env, err := r.resolveEnv(step, opts)
	if err != nil {
		return Result{}, err
	}

	// Condition check.
	if !condition.Eval(step.If, env) {
		r.Report.Emit(reporter.Event{Type: reporter.StepSkipped, StepID: step.ID, Reason: "condition"})
		return Result{Skipped: true}, nil
	}

	// Input resolution.
	inputArtifactIDs, inputMounts, err := r.resolveInputs(step, resolvedInputs)
	if err != nil {
		return Result{}, err
	}

	// Env already merged above (resolveEnv applies envFile + step.Env).

	// Fingerprint & cache check.
	fingerprint := statestore.Fingerprint(step, inputArtifactIDs)
	if !opts.Force && !opts.Ephemeral {
		if existing, ok := r.State.GetStep(step.ID); ok && existing.Fingerprint == fingerprint {
			if _, err := os.Stat(r.WS.RunPath(existing.RunID)); err == nil {
				r.Report.Emit(reporter.Event{
					Type: reporter.StepSkipped, StepID: step.ID, RunID: existing.RunID,
					Fingerprint: fingerprint, Reason: "cached",
				})
				return Result{Skipped: true, RunID: existing.RunID}, nil
			}
		}
	}

	r.Report.Emit(reporter.Event{Type: reporter.StepStarting, StepID: step.ID})

	runID := workspace.NewRunID()
	if opts.Ephemeral {
		// Ephemeral steps never retry, so setup runs exactly once here.
		if step.Setup != nil {
			if err := r.runSetup(ctx, step, env); err != nil {
				r.Report.Emit(reporter.Event{Type: reporter.StepFailed, StepID: step.ID, Err: err})
				return Result{}, err
			}
		}
		return r.runEphemeral(ctx, step, env, inputMounts, runID, opts)
	}

	// Setup and run phase, retried together on the same runID.
	result, runErr := r.runWithRetry(ctx, step, env, inputMounts, runID, opts)
	if runErr != nil || result.ExitCode != 0 {
		_ = r.WS.DiscardStaging(runID) // failure cleanup
		failErr := runErr
		if failErr == nil {
			failErr = errs.New(errs.ContainerCrash, "step %q exited %d", step.ID, result.ExitCode)
		}
		if step.AllowFailure {
			r.Report.Emit(reporter.Event{Type: reporter.StepFinished, StepID: step.ID, ExitCode: result.ExitCode, Err: failErr})
			return Result{ExitCode: result.ExitCode}, nil
		}
		r.Report.Emit(reporter.Event{Type: reporter.StepFailed, StepID: step.ID, ExitCode: result.ExitCode, Err: failErr})
		return Result{}, failErr
	}

	// Commit.
	if err := r.commit(step, runID, fingerprint, resolvedInputs, env, result); err != nil {
		return Result{}, err
	}
	r.Report.Emit(reporter.Event{Type: reporter.StepFinished, StepID: step.ID, RunID: runID, Fingerprint: fingerprint, ExitCode: 0})
	return Result{RunID: runID, ExitCode: 0}, nil
}

// Preview is a dry-run prediction of what Run would do for one step,
// computed without touching the runtime adapter: the pipeline runner's
// dry-run mode uses this to emit STEP_WOULD_RUN events.
type Preview struct {
	Skip          bool
	SkipReason    string
	Fingerprint   string
	CacheHit      bool
	ExistingRunID string
}

// Preview evaluates a step's condition, resolves its inputs, and computes
// its fingerprint and cache status, stopping short of any container
// invocation or commit. When a required input's upstream step has no run
// yet, the step is reported as a cache miss with an empty fingerprint.
func (r *Runner) Preview(step model.Step, resolvedInputs map[string]string, opts Options) (Preview, error) {
	env, err := r.resolveEnv(step, opts)
	if err != nil {
		return Preview{}, err
	}
	if !condition.Eval(step.If, env) {
		return Preview{Skip: true, SkipReason: "condition"}, nil
	}
	inputArtifactIDs, _, err := r.resolveInputs(step, resolvedInputs)
	if err != nil {
		if errs.CodeOf(err) == errs.StepNotFound {
			// The upstream will produce a new run, so this step cannot
			// hit its cache and its fingerprint is not yet known.
			return Preview{}, nil
		}
		return Preview{}, err
	}
	fingerprint := statestore.Fingerprint(step, inputArtifactIDs)
	if !opts.Force {
		if existing, ok := r.State.GetStep(step.ID); ok && existing.Fingerprint == fingerprint {
			if _, err := os.Stat(r.WS.RunPath(existing.RunID)); err == nil {
				return Preview{Fingerprint: fingerprint, CacheHit: true, ExistingRunID: existing.RunID}, nil
			}
		}
	}
	return Preview{Fingerprint: fingerprint}, nil
}

func (r *Runner) resolveEnv(step model.Step, opts Options) (map[string]string, error) {
	fileEnv := map[string]string{}
	if step.EnvFile != "" {
		path := step.EnvFile
		if opts.PipelineRoot != "" && !filepath.IsAbs(path) {
			path = filepath.Join(opts.PipelineRoot, path)
		}
		var err error
		fileEnv, err = envfile.Load(path)
		if err != nil {
			return nil, err
		}
	}
	return envfile.Merge(fileEnv, step.Env), nil
}

func (r *Runner) resolveInputs(step model.Step, resolvedInputs map[string]string) ([]string, []runtime.InputMount, error) {
	var ids []string
	var mounts []runtime.InputMount
	for _, in := range step.Inputs {
		runID, ok := resolvedInputs[in.Alias]
		if !ok {
			if in.Optional {
				continue
			}
			return nil, nil, errs.New(errs.StepNotFound, "step %q: required input %q has no resolved run", step.ID, in.Alias)
		}
		ids = append(ids, runID)
		mounts = append(mounts, runtime.InputMount{
			RunID:         r.WS.RunArtifactsPath(runID),
			ContainerPath: "/input/" + in.Alias,
		})
	}
	sort.Strings(ids)
	return ids, mounts, nil
}

func (r *Runner) runSetup(ctx context.Context, step model.Step, env map[string]string) error {
	names := make([]string, 0, len(step.Setup.Caches))
	for _, c := range step.Setup.Caches {
		names = append(names, c.Name)
	}
	release := r.Locks.Acquire(names)
	defer release()

	for _, c := range step.Setup.Caches {
		if err := r.WS.PrepareCache(c.Name); err != nil {
			return err
		}
	}

	scratch := r.WS.ScratchPath(step.ID)
	defer os.RemoveAll(scratch)

	network := runtime.NetworkNone
	if step.Setup.AllowNetwork {
		network = runtime.NetworkBridge
	}

	req := runtime.RunRequest{
		Name:        step.ID + ":setup",
		Image:       step.Image,
		Cmd:         step.Setup.Cmd,
		Env:         env,
		Caches:      cacheMounts(r.WS, step.Setup.Caches),
		Network:     network,
		TimeoutSec:  step.TimeoutSec,
		WorkspaceID: filepath.Base(r.WS.Root),
	}

	sink := discardSink{}
	result, err := r.Adapter.Run(ctx, req, sink)
	if err != nil {
		return errs.Wrap(errs.ContainerCrash, err, "setup phase for step %q", step.ID)
	}
	if result.ExitCode != 0 {
		return errs.New(errs.ContainerCrash, "setup phase for step %q exited %d", step.ID, result.ExitCode)
	}
	return nil
}

func (r *Runner) runWithRetry(ctx context.Context, step model.Step, env map[string]string, inputMounts []runtime.InputMount, runID string, opts Options) (runtime.RunResult, error) {
	maxTries := uint(step.Retries + 1)
	delay := time.Duration(step.RetryDelayMs) * time.Millisecond

	attempt := 0
	operation := func() (runtime.RunResult, error) {
		attempt++
		if attempt > 1 {
			r.Report.Emit(reporter.Event{Type: reporter.StepRetrying, StepID: step.ID, Attempt: attempt})
		}
		if step.Setup != nil {
			if err := r.runSetup(ctx, step, env); err != nil {
				// A setup-phase crash consumes the same retry budget as a
				// main-phase non-zero exit; only errors that are neither
				// crashes nor transient stop the attempts early.
				if errs.CodeOf(err) == errs.ContainerCrash || errs.IsTransient(err) {
					return runtime.RunResult{}, err
				}
				return runtime.RunResult{}, backoff.Permanent(err)
			}
		}
		result, err := r.runOnce(ctx, step, env, inputMounts, runID, opts)
		if err != nil {
			if !errs.IsTransient(err) {
				return result, backoff.Permanent(err)
			}
			return result, err
		}
		if result.ExitCode != 0 {
			// A non-zero exit is a normal retry candidate, not a
			// permanent failure: step.Retries governs it directly.
			return result, errRetryableExit
		}
		return result, nil
	}

	result, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewConstantBackOff(delay)),
		backoff.WithMaxTries(maxTries),
	)
	if err != nil && !errors.Is(err, errRetryableExit) {
		return result, err
	}
	return result, nil
}

// errRetryableExit signals runWithRetry's operation to retry on a
// non-zero exit without treating it as a hard failure once retries are
// exhausted; the caller inspects result.ExitCode either way.
var errRetryableExit = errs.New(errs.ContainerCrash, "step exited non-zero")

func (r *Runner) runOnce(ctx context.Context, step model.Step, env map[string]string, inputMounts []runtime.InputMount, runID string, opts Options) (runtime.RunResult, error) {
	stagingArtifacts := r.WS.StagingArtifactsPath(runID)
	if err := os.MkdirAll(stagingArtifacts, 0o755); err != nil {
		return runtime.RunResult{}, errs.Wrap(errs.StagingFailed, err, "preparing staging artifacts for run %s", runID)
	}

	logger, err := runlog.Open(r.WS.StagingRunPath(runID), step.ID, nil)
	if err != nil {
		return runtime.RunResult{}, err
	}
	defer logger.Close()

	network := runtime.NetworkNone
	if step.AllowNetwork {
		network = runtime.NetworkBridge
	}

	req := runtime.RunRequest{
		Name:        step.ID,
		Image:       step.Image,
		Cmd:         step.Cmd,
		Env:         env,
		Inputs:      inputMounts,
		Output:      runtime.Output{StagingRunID: stagingArtifacts, ContainerPath: step.ResolvedOutputPath()},
		Caches:      cacheMounts(r.WS, step.Caches),
		Mounts:      hostMounts(step.Mounts, opts.PipelineRoot),
		Sources:     sourceCopies(step.Sources, opts.PipelineRoot),
		Network:     network,
		TimeoutSec:  step.TimeoutSec,
		WorkspaceID: filepath.Base(r.WS.Root),
	}

	return r.Adapter.Run(ctx, req, r.reportingSink(step.ID, logger))
}

// reportingSink wraps inner so every streamed line is both persisted (or
// printed) by inner and emitted to the reporter as a STEP_LOG event,
// which is how daemon subscribers observe live step output.
func (r *Runner) reportingSink(stepID string, inner runtime.LogSink) runtime.LogSink {
	return teeSink{
		stdout: &logTee{w: inner.Stdout(), report: r.Report, stepID: stepID},
		stderr: &logTee{w: inner.Stderr(), report: r.Report, stepID: stepID, stderr: true},
	}
}

type teeSink struct {
	stdout, stderr io.Writer
}

func (s teeSink) Stdout() io.Writer { return s.stdout }
func (s teeSink) Stderr() io.Writer { return s.stderr }

// logTee forwards writes to the underlying log writer and emits one
// STEP_LOG event per line.
type logTee struct {
	w      io.Writer
	report *reporter.Reporter
	stepID string
	stderr bool
}

func (t *logTee) Write(p []byte) (int, error) {
	n, err := t.w.Write(p)
	for _, line := range strings.Split(strings.TrimRight(string(p), "\n"), "\n") {
		if line == "" {
			continue
		}
		t.report.Emit(reporter.Event{Type: reporter.StepLog, StepID: t.stepID, Line: line, Stderr: t.stderr})
	}
	return n, err
}

func (r *Runner) runEphemeral(ctx context.Context, step model.Step, env map[string]string, inputMounts []runtime.InputMount, runID string, opts Options) (Result, error) {
	scratch, err := os.MkdirTemp("", "kiln-ephemeral-*")
	if err != nil {
		return Result{}, errs.Wrap(errs.StagingFailed, err, "creating ephemeral output dir")
	}
	defer os.RemoveAll(scratch)

	network := runtime.NetworkNone
	if step.AllowNetwork {
		network = runtime.NetworkBridge
	}
	req := runtime.RunRequest{
		Name:       step.ID,
		Image:      step.Image,
		Cmd:        step.Cmd,
		Env:        env,
		Inputs:     inputMounts,
		Output:     runtime.Output{StagingRunID: scratch, ContainerPath: step.ResolvedOutputPath()},
		Caches:     cacheMounts(r.WS, step.Caches),
		Mounts:     hostMounts(step.Mounts, opts.PipelineRoot),
		Sources:    sourceCopies(step.Sources, opts.PipelineRoot),
		Network:    network,
		TimeoutSec: step.TimeoutSec,
	}
	sink := opts.TTY
	if sink == nil {
		sink = stdioSink{}
	}
	result, err := r.Adapter.Run(ctx, req, r.reportingSink(step.ID, sink))
	if err != nil {
		r.Report.Emit(reporter.Event{Type: reporter.StepFailed, StepID: step.ID, Err: err})
		return Result{}, err
	}
	r.Report.Emit(reporter.Event{Type: reporter.StepFinished, StepID: step.ID, ExitCode: result.ExitCode})
	return Result{ExitCode: result.ExitCode}, nil
}

func (r *Runner) commit(step model.Step, runID, fingerprint string, resolvedInputs map[string]string, env map[string]string, result runtime.RunResult) error {
	inputs := make([]model.InputRef, 0, len(step.Inputs))
	for _, in := range step.Inputs {
		if runID, ok := resolvedInputs[in.Alias]; ok {
			inputs = append(inputs, model.InputRef{Alias: in.Alias, RunID: runID})
		}
	}

	run := model.Run{
		RunID:       runID,
		StepID:      step.ID,
		StepName:    step.Name,
		Image:       step.Image,
		Cmd:         step.Cmd,
		Env:         env,
		Status:      model.RunSuccess,
		ExitCode:    result.ExitCode,
		DurationMs:  result.FinishedAt.Sub(result.StartedAt).Milliseconds(),
		StartedAt:   result.StartedAt,
		FinishedAt:  result.FinishedAt,
		Fingerprint: fingerprint,
		Inputs:      inputs,
	}

	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return errs.Wrap(errs.StagingFailed, err, "marshaling run metadata")
	}
	metaPath := filepath.Join(r.WS.StagingRunPath(runID), "meta.json")
	if err := os.WriteFile(metaPath, data, 0o644); err != nil {
		return errs.Wrap(errs.StagingFailed, err, "writing meta.json")
	}

	if err := r.WS.CommitRun(runID); err != nil {
		return err
	}
	if err := r.WS.UpdateStepRunLink(step.ID, runID); err != nil {
		return err
	}
	r.State.SetStep(step.ID, runID, fingerprint)
	return r.State.Save()
}

func cacheMounts(ws *workspace.Workspace, caches []model.Cache) []runtime.CacheMount {
	out := make([]runtime.CacheMount, 0, len(caches))
	for _, c := range caches {
		out = append(out, runtime.CacheMount{Name: c.Name, HostPath: ws.CachePath(c.Name), ContainerPath: c.Path})
	}
	return out
}

func hostMounts(mounts []model.Mount, root string) []runtime.HostMount {
	out := make([]runtime.HostMount, 0, len(mounts))
	for _, m := range mounts {
		host := m.HostPath
		if root != "" && !filepath.IsAbs(host) {
			host = filepath.Join(root, host)
		}
		out = append(out, runtime.HostMount{HostPath: host, ContainerPath: m.ContainerPath})
	}
	return out
}

func sourceCopies(sources []model.Source, root string) []runtime.SourceCopy {
	out := make([]runtime.SourceCopy, 0, len(sources))
	for _, s := range sources {
		host := s.HostPath
		if root != "" && !filepath.IsAbs(host) {
			host = filepath.Join(root, host)
		}
		out = append(out, runtime.SourceCopy{HostPath: host, ContainerPath: s.ContainerPath})
	}
	return out
}

// discardSink is used for the setup phase, whose output is not persisted.
type discardSink struct{}

func (discardSink) Stdout() io.Writer { return io.Discard }
func (discardSink) Stderr() io.Writer { return io.Discard }
