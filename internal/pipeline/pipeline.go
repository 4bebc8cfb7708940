// Package pipeline is the top-level orchestrator: it plans a step list
// into a DAG, acquires the workspace lock, and executes level-by-level
// with bounded concurrency. Every step within a level is eligible to
// start together, and every later level waits for the whole of the
// previous one. golang.org/x/sync/errgroup and golang.org/x/sync/semaphore
// drive the per-level dispatch and concurrency bound.
package pipeline

import (
	"context"
	"os"
	"path/filepath"
	stdruntime "runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/kilnrun/kiln/internal/cachelock"
	"github.com/kilnrun/kiln/internal/errs"
	"github.com/kilnrun/kiln/internal/graph"
	"github.com/kilnrun/kiln/internal/model"
	"github.com/kilnrun/kiln/internal/reporter"
	"github.com/kilnrun/kiln/internal/runtime"
	"github.com/kilnrun/kiln/internal/statestore"
	"github.com/kilnrun/kiln/internal/steprunner"
	"github.com/kilnrun/kiln/internal/workspace"
	"github.com/kilnrun/kiln/internal/wslock"
)

// Options configure one pipeline execution.
type Options struct {
	Concurrency int // max steps running at once; <= 0 defaults to NumCPU
	DryRun      bool
	ForceAll    bool
	// Force lists step ids that bypass the cache even when ForceAll is
	// unset. Names of steps not in this run are ignored.
	Force        []string
	Ephemeral    bool
	PipelineRoot string
	TTY          runtime.LogSink
	SocketPath   string // recorded in the workspace lock; "" outside daemon mode
}

// forces reports whether step id should bypass its cache check.
func (o Options) forces(id string) bool {
	if o.ForceAll {
		return true
	}
	for _, f := range o.Force {
		if f == id {
			return true
		}
	}
	return false
}

// Runner executes a full pipeline (every level of its DAG) against one
// workspace.
type Runner struct {
	WS      *workspace.Workspace
	State   *statestore.Store
	Adapter runtime.Adapter
	Report  *reporter.Reporter
}

// Run builds the dependency graph over steps, acquires the workspace
// lock, and executes every level in order: setup, then execution, then
// teardown. Step order within a level is unspecified; callers needing
// deterministic single-step tracing should run with Concurrency: 1.
func (r *Runner) Run(ctx context.Context, steps []model.Step, opts Options) error {
	g, err := graph.BuildGraph(steps)
	if err != nil {
		return err
	}
	if err := graph.Validate(g, steps); err != nil {
		return err
	}
	levels := graph.TopologicalLevels(g)

	lock, err := wslock.Acquire(r.WS.LockPath(), os.Getpid(), opts.SocketPath, time.Now().Format(time.RFC3339))
	if err != nil {
		return err
	}
	defer lock.Release()

	if err := r.WS.CleanupStaging(); err != nil {
		return err
	}
	for _, name := range declaredCaches(steps) {
		if err := r.WS.PrepareCache(name); err != nil {
			return err
		}
	}

	if !opts.DryRun {
		if err := r.Adapter.Check(ctx); err != nil {
			return errs.Wrap(errs.RuntimeUnavailable, err, "verifying container runtime")
		}
	}

	r.Report.Emit(reporter.Event{Type: reporter.PipelineStart})

	byID := make(map[string]model.Step, len(steps))
	for _, s := range steps {
		byID[s.ID] = s
	}

	sr := &steprunner.Runner{WS: r.WS, State: r.State, Locks: cachelock.New(), Adapter: r.Adapter, Report: r.Report}
	srOpts := steprunner.Options{Ephemeral: opts.Ephemeral, PipelineRoot: opts.PipelineRoot, TTY: opts.TTY}

	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = stdruntime.NumCPU()
	}

	resolved := make(map[string]string) // stepID -> runID, grows as levels complete
	var resolvedMu sync.Mutex

	for _, level := range levels {
		sem := semaphore.NewWeighted(int64(concurrency))
		eg, egCtx := errgroup.WithContext(ctx)

		for _, id := range level {
			step, ok := byID[id]
			if !ok {
				continue // not in this run's scope (e.g. a target-filtered subgraph)
			}
			eg.Go(func() error {
				if err := sem.Acquire(egCtx, 1); err != nil {
					return err
				}
				defer sem.Release(1)

				resolvedMu.Lock()
				inputs := r.inputsFor(step, resolved)
				resolvedMu.Unlock()

				stepOpts := srOpts
				stepOpts.Force = opts.forces(step.ID)
				runID, err := r.runOne(egCtx, sr, step, inputs, stepOpts, opts.DryRun)
				if err != nil {
					return err
				}
				if runID != "" {
					resolvedMu.Lock()
					resolved[step.ID] = runID
					resolvedMu.Unlock()
				}
				return nil
			})
		}

		if err := eg.Wait(); err != nil {
			r.Report.Emit(reporter.Event{Type: reporter.PipelineFailed, Err: err})
			if !opts.DryRun {
				_ = r.Adapter.KillRunningContainers(context.Background(), workspaceID(r.WS))
				_ = r.Adapter.CleanupContainers(context.Background(), workspaceID(r.WS))
			}
			return err
		}
	}

	r.Report.Emit(reporter.Event{Type: reporter.PipelineFinished})
	if !opts.DryRun {
		_ = r.Adapter.CleanupContainers(ctx, workspaceID(r.WS))
	}
	return nil
}

// runOne executes (or previews) a single step, returning the run id it
// produced, if any. A skipped or dry-run step may still return an
// existing run id, so downstream steps in a later level can resolve
// their inputs against it.
func (r *Runner) runOne(ctx context.Context, sr *steprunner.Runner, step model.Step, inputs map[string]string, opts steprunner.Options, dryRun bool) (string, error) {
	if dryRun {
		preview, err := sr.Preview(step, inputs, opts)
		if err != nil {
			return "", err
		}
		ev := reporter.Event{
			Type: reporter.StepWouldRun, StepID: step.ID,
			Fingerprint: preview.Fingerprint, CacheHit: preview.CacheHit,
		}
		if preview.Skip {
			ev.Reason = preview.SkipReason
		}
		r.Report.Emit(ev)
		return preview.ExistingRunID, nil
	}

	result, err := sr.Run(ctx, step, inputs, opts)
	if err != nil {
		return "", err
	}
	return result.RunID, nil
}

// inputsFor builds the alias -> runId map steprunner.Runner.Run expects,
// preferring a run id produced earlier in this same pipeline execution
// and falling back to the workspace's step-run index for steps outside
// this run's scope.
func (r *Runner) inputsFor(step model.Step, resolved map[string]string) map[string]string {
	if len(step.Inputs) == 0 {
		return nil
	}
	m := make(map[string]string, len(step.Inputs))
	for _, in := range step.Inputs {
		if runID, ok := resolved[in.Step]; ok && runID != "" {
			m[in.Alias] = runID
			continue
		}
		if runID, ok := r.WS.ResolveStepRun(in.Step); ok {
			m[in.Alias] = runID
		}
	}
	return m
}

func declaredCaches(steps []model.Step) []string {
	seen := make(map[string]bool)
	var names []string
	for _, s := range steps {
		for _, c := range s.Caches {
			if !seen[c.Name] {
				seen[c.Name] = true
				names = append(names, c.Name)
			}
		}
		if s.Setup != nil {
			for _, c := range s.Setup.Caches {
				if !seen[c.Name] {
					seen[c.Name] = true
					names = append(names, c.Name)
				}
			}
		}
	}
	return names
}

func workspaceID(ws *workspace.Workspace) string {
	return filepath.Base(ws.Root)
}
