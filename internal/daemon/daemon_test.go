package daemon

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilnrun/kiln/internal/model"
	"github.com/kilnrun/kiln/internal/pipeline"
	"github.com/kilnrun/kiln/internal/reporter"
	"github.com/kilnrun/kiln/internal/runtime"
	"github.com/kilnrun/kiln/internal/statestore"
	"github.com/kilnrun/kiln/internal/workspace"
)

func newTestServer(t *testing.T) (*Server, string) {
	return newTestServerWith(t, runtime.NewFake())
}

func newTestServerWith(t *testing.T, adapter runtime.Adapter) (*Server, string) {
	t.Helper()
	root := t.TempDir()
	ws, err := workspace.Create(root, "demo")
	require.NoError(t, err)
	state, err := statestore.Load(ws.StatePath())
	require.NoError(t, err)
	runner := &pipeline.Runner{WS: ws, State: state, Adapter: adapter, Report: reporter.New(64)}
	steps := []model.Step{{ID: "build", Name: "build", Image: "alpine:3", Cmd: []string{"/bin/true"}}}

	socketPath := filepath.Join(root, "daemon.sock")
	return New(socketPath, runner, steps), socketPath
}

func TestServer_RunStatusDone(t *testing.T) {
	srv, socketPath := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go srv.Serve(ctx)
	waitForSocket(t, socketPath)

	client, err := Dial(socketPath)
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.Send(Command{Type: CmdRun}))
	require.NoError(t, client.Send(Command{Type: CmdSubscribe}))

	var gotState, gotDone bool
	msgs := client.Messages()
	deadline := time.After(3 * time.Second)
	for !gotDone {
		select {
		case msg := <-msgs:
			switch msg.Type {
			case MsgState:
				gotState = true
			case MsgDone:
				gotDone = true
				assert.True(t, msg.Success)
			}
		case <-deadline:
			t.Fatal("timed out waiting for daemon to finish")
		}
	}
	assert.True(t, gotState)
}

func TestServer_SecondClientSeesRecentEvents(t *testing.T) {
	srv, socketPath := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go srv.Serve(ctx)
	waitForSocket(t, socketPath)

	first, err := Dial(socketPath)
	require.NoError(t, err)
	defer first.Close()
	require.NoError(t, first.Send(Command{Type: CmdRun}))

	msg, ok := first.Recv()
	require.True(t, ok)
	assert.Equal(t, MsgAck, msg.Type)

	// give the run a moment to produce events before the late subscriber joins
	time.Sleep(50 * time.Millisecond)

	late, err := Dial(socketPath)
	require.NoError(t, err)
	defer late.Close()
	require.NoError(t, late.Send(Command{Type: CmdSubscribe}))

	sawState := false
	lateMsgs := late.Messages()
	deadline := time.After(3 * time.Second)
	for !sawState {
		select {
		case msg := <-lateMsgs:
			if msg.Type == MsgState {
				sawState = true
			}
		case <-deadline:
			t.Fatal("timed out waiting for late subscriber state snapshot")
		}
	}
}

func TestServer_CancelShutsDownWithSubscribersAttached(t *testing.T) {
	fake := runtime.NewFake(runtime.WithScriptedResult("build", runtime.FakeResult{Delay: time.Minute}))
	srv, socketPath := newTestServerWith(t, fake)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx) }()
	waitForSocket(t, socketPath)

	client, err := Dial(socketPath)
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.Send(Command{Type: CmdRun}))
	require.NoError(t, client.Send(Command{Type: CmdSubscribe}))
	require.NoError(t, client.Send(Command{Type: CmdCancel}))

	// The subscriber stays connected; a successful cancel must still
	// shut the daemon down.
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not shut down after cancel with a live subscriber")
	}
}

func TestServer_SubscribeWithLogsReceivesStepOutput(t *testing.T) {
	fake := runtime.NewFake(runtime.WithScriptedResult("build", runtime.FakeResult{Stdout: "hello from build"}))
	srv, socketPath := newTestServerWith(t, fake)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go srv.Serve(ctx)
	waitForSocket(t, socketPath)

	client, err := Dial(socketPath)
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.Send(Command{Type: CmdRun}))
	require.NoError(t, client.Send(Command{Type: CmdSubscribe, Logs: true}))

	var sawLog bool
	msgs := client.Messages()
	deadline := time.After(3 * time.Second)
	for !sawLog {
		select {
		case msg := <-msgs:
			if msg.Type == MsgEvent && msg.Event != nil && msg.Event.Type == reporter.StepLog {
				sawLog = true
				assert.Equal(t, "hello from build", msg.Event.Line)
			}
			if msg.Type == MsgDone && !sawLog {
				t.Fatal("run finished without delivering any STEP_LOG event")
			}
		case <-deadline:
			t.Fatal("timed out waiting for a STEP_LOG event")
		}
	}
}

func TestServer_SubscribeWithoutLogsFiltersStepOutput(t *testing.T) {
	fake := runtime.NewFake(runtime.WithScriptedResult("build", runtime.FakeResult{Stdout: "hello from build"}))
	srv, socketPath := newTestServerWith(t, fake)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go srv.Serve(ctx)
	waitForSocket(t, socketPath)

	client, err := Dial(socketPath)
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.Send(Command{Type: CmdRun}))
	require.NoError(t, client.Send(Command{Type: CmdSubscribe}))

	msgs := client.Messages()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case msg := <-msgs:
			if msg.Type == MsgEvent && msg.Event != nil {
				assert.NotEqual(t, reporter.StepLog, msg.Event.Type, "subscriber without Logs must not receive STEP_LOG events")
			}
			if msg.Type == MsgDone {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for the run to finish")
		}
	}
}

func waitForSocket(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c, err := Dial(path); err == nil {
			c.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("daemon socket %s never became available", path)
}
