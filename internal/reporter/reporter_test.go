package reporter

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmit_StampsTime(t *testing.T) {
	r := New(4)
	r.Emit(Event{Type: StepStarting, StepID: "build"})
	ev := <-r.Events()
	assert.False(t, ev.Time.IsZero())
}

func TestEmit_NeverBlocksOnFullChannel(t *testing.T) {
	r := New(1)
	r.Emit(Event{Type: StepStarting, StepID: "a"})
	done := make(chan struct{})
	go func() {
		r.Emit(Event{Type: StepStarting, StepID: "b"}) // channel full, must not block
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Emit blocked on a full channel")
	}
}

func TestAggregator_TracksStepLifecycle(t *testing.T) {
	r := New(16)
	agg := NewAggregator()
	go agg.Run(r)

	r.Emit(Event{Type: StepStarting, StepID: "build"})
	r.Emit(Event{Type: StepFinished, StepID: "build", RunID: "run-1", Fingerprint: "fp1", ExitCode: 0})
	r.Close()

	require.Eventually(t, func() bool {
		snap := agg.Snapshot()
		return snap.Steps["build"].Status == "done"
	}, time.Second, time.Millisecond)

	snap := agg.Snapshot()
	assert.Equal(t, "run-1", snap.Steps["build"].RunID)
}

func TestAggregator_TracksFailure(t *testing.T) {
	r := New(16)
	agg := NewAggregator()
	go agg.Run(r)

	r.Emit(Event{Type: StepFailed, StepID: "build", ExitCode: 1, Err: errors.New("boom")})
	r.Emit(Event{Type: PipelineFailed})
	r.Close()

	require.Eventually(t, func() bool {
		return agg.Snapshot().Failed
	}, time.Second, time.Millisecond)

	snap := agg.Snapshot()
	assert.Equal(t, "failed", snap.Steps["build"].Status)
	assert.Equal(t, "boom", snap.Steps["build"].Err)
}

func TestAggregator_TracksCacheSkip(t *testing.T) {
	r := New(16)
	agg := NewAggregator()
	go agg.Run(r)

	r.Emit(Event{Type: StepSkipped, StepID: "build", RunID: "run-1", Reason: "cached"})
	r.Emit(Event{Type: PipelineFinished})
	r.Close()

	require.Eventually(t, func() bool {
		return agg.Snapshot().Finished
	}, time.Second, time.Millisecond)

	snap := agg.Snapshot()
	assert.Equal(t, "skipped", snap.Steps["build"].Status)
}
