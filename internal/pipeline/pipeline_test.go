package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilnrun/kiln/internal/model"
	"github.com/kilnrun/kiln/internal/reporter"
	"github.com/kilnrun/kiln/internal/runtime"
	"github.com/kilnrun/kiln/internal/statestore"
	"github.com/kilnrun/kiln/internal/workspace"
)

func newTestRunner(t *testing.T, adapter runtime.Adapter) (*Runner, *workspace.Workspace, *statestore.Store) {
	t.Helper()
	root := t.TempDir()
	ws, err := workspace.Create(root, "demo")
	require.NoError(t, err)
	state, err := statestore.Load(ws.StatePath())
	require.NoError(t, err)
	return &Runner{WS: ws, State: state, Adapter: adapter, Report: reporter.New(256)}, ws, state
}

func step(id string, inputs ...model.Input) model.Step {
	return model.Step{ID: id, Name: id, Image: "alpine:3", Cmd: []string{"/bin/true"}, Inputs: inputs}
}

func TestRun_EmptyPipelineFinishesWithNoStepEvents(t *testing.T) {
	fake := runtime.NewFake()
	r, _, _ := newTestRunner(t, fake)

	require.NoError(t, r.Run(context.Background(), nil, Options{}))
	r.Report.Close()

	var types []reporter.EventType
	for ev := range r.Report.Events() {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []reporter.EventType{reporter.PipelineStart, reporter.PipelineFinished}, types)
	assert.Empty(t, fake.Calls())
}

func TestRun_LinearChain(t *testing.T) {
	fake := runtime.NewFake()
	r, ws, _ := newTestRunner(t, fake)

	steps := []model.Step{
		step("fetch"),
		step("build", model.Input{Alias: "src", Step: "fetch"}),
		step("test", model.Input{Alias: "bin", Step: "build"}),
	}

	require.NoError(t, r.Run(context.Background(), steps, Options{}))

	calls := fake.Calls()
	require.Len(t, calls, 3)
	runs, err := ws.ListRuns()
	require.NoError(t, err)
	assert.Len(t, runs, 3)
}

func TestRun_DiamondDependency(t *testing.T) {
	fake := runtime.NewFake()
	r, ws, _ := newTestRunner(t, fake)

	steps := []model.Step{
		step("base"),
		step("left", model.Input{Alias: "in", Step: "base"}),
		step("right", model.Input{Alias: "in", Step: "base"}),
		step("join", model.Input{Alias: "l", Step: "left"}, model.Input{Alias: "r", Step: "right"}),
	}

	require.NoError(t, r.Run(context.Background(), steps, Options{}))

	runs, err := ws.ListRuns()
	require.NoError(t, err)
	assert.Len(t, runs, 4)

	var joinReq runtime.RunRequest
	for _, c := range fake.Calls() {
		if c.Name == "join" {
			joinReq = c
		}
	}
	assert.Len(t, joinReq.Inputs, 2)
}

func TestRun_SecondRunHitsCacheForUnchangedSteps(t *testing.T) {
	fake := runtime.NewFake()
	r, _, _ := newTestRunner(t, fake)
	steps := []model.Step{step("build")}

	require.NoError(t, r.Run(context.Background(), steps, Options{}))
	require.Len(t, fake.Calls(), 1)

	require.NoError(t, r.Run(context.Background(), steps, Options{}))
	assert.Len(t, fake.Calls(), 1, "unchanged step must not re-invoke the adapter")
}

func TestRun_FailurePropagatesAndStopsLaterLevels(t *testing.T) {
	fake := runtime.NewFake(runtime.WithScriptedResult("base", runtime.FakeResult{ExitCode: 1}))
	r, _, _ := newTestRunner(t, fake)

	steps := []model.Step{
		step("base"),
		step("dependent", model.Input{Alias: "in", Step: "base"}),
	}

	err := r.Run(context.Background(), steps, Options{})
	require.Error(t, err)

	for _, c := range fake.Calls() {
		assert.NotEqual(t, "dependent", c.Name, "a step must not run once its dependency failed")
	}
}

func TestRun_DryRunDoesNotInvokeAdapter(t *testing.T) {
	fake := runtime.NewFake()
	r, ws, _ := newTestRunner(t, fake)
	steps := []model.Step{
		step("fetch"),
		step("build", model.Input{Alias: "src", Step: "fetch"}),
	}

	require.NoError(t, r.Run(context.Background(), steps, Options{DryRun: true}))
	assert.Empty(t, fake.Calls())

	runs, err := ws.ListRuns()
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestRun_ConditionFalseSkipsStepButPipelineSucceeds(t *testing.T) {
	fake := runtime.NewFake()
	r, _, _ := newTestRunner(t, fake)
	s := step("optional-step")
	s.If = `env.RUN_IT == "yes"`

	require.NoError(t, r.Run(context.Background(), []model.Step{s}, Options{}))
	assert.Empty(t, fake.Calls())
}

func TestRun_ForceListBypassesCacheAndCascades(t *testing.T) {
	fake := runtime.NewFake()
	r, _, state := newTestRunner(t, fake)
	steps := []model.Step{
		step("a"),
		step("b", model.Input{Alias: "in", Step: "a"}),
		step("c", model.Input{Alias: "in", Step: "b"}),
	}

	require.NoError(t, r.Run(context.Background(), steps, Options{}))
	require.Len(t, fake.Calls(), 3)
	bBefore, _ := state.GetStep("b")

	// Forcing b leaves a cached, reruns b, and cascades into c because
	// c's input artifact id changed.
	require.NoError(t, r.Run(context.Background(), steps, Options{Force: []string{"b"}}))
	assert.Len(t, fake.Calls(), 5)
	bAfter, _ := state.GetStep("b")
	assert.NotEqual(t, bBefore.RunID, bAfter.RunID)

	names := make([]string, 0, 2)
	for _, c := range fake.Calls()[3:] {
		names = append(names, c.Name)
	}
	assert.ElementsMatch(t, []string{"b", "c"}, names)
}

func TestRun_ForceListIgnoresUnknownSteps(t *testing.T) {
	fake := runtime.NewFake()
	r, _, _ := newTestRunner(t, fake)
	steps := []model.Step{step("a")}

	require.NoError(t, r.Run(context.Background(), steps, Options{}))
	require.NoError(t, r.Run(context.Background(), steps, Options{Force: []string{"no-such-step"}}))
	assert.Len(t, fake.Calls(), 1, "an unknown force name must not disturb cached steps")
}

func TestRun_BoundedConcurrency(t *testing.T) {
	fake := runtime.NewFake()
	r, _, _ := newTestRunner(t, fake)

	steps := []model.Step{step("a"), step("b"), step("c"), step("d")}
	require.NoError(t, r.Run(context.Background(), steps, Options{Concurrency: 2}))
	assert.Len(t, fake.Calls(), 4)
}
