package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Fake is an in-memory Adapter for tests, configured via functional
// options in the style of the other-examples mock adapter. Scripted
// results are matched by step name; a request with no matching script
// succeeds with exit code 0.
type Fake struct {
	mu       sync.Mutex
	scripted map[string]FakeResult
	calls    []RunRequest
	killed   []string
	cleaned  []string
}

// FakeResult is a scripted outcome for one step name.
type FakeResult struct {
	ExitCode int
	Err      error
	Delay    time.Duration
	Stdout   string
	Stderr   string
}

// FakeOption configures a Fake adapter.
type FakeOption func(*Fake)

// WithScriptedResult makes a future Run for stepName return result.
func WithScriptedResult(stepName string, result FakeResult) FakeOption {
	return func(f *Fake) { f.scripted[stepName] = result }
}

// NewFake returns a Fake adapter with no scripted failures.
func NewFake(opts ...FakeOption) *Fake {
	f := &Fake{scripted: make(map[string]FakeResult)}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Check always succeeds.
func (f *Fake) Check(ctx context.Context) error { return nil }

// Run returns the scripted result for req.Name, or a zero-exit success.
func (f *Fake) Run(ctx context.Context, req RunRequest, logs LogSink) (RunResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	result, ok := f.scripted[req.Name]
	f.mu.Unlock()

	started := time.Now()
	if ok && result.Delay > 0 {
		select {
		case <-time.After(result.Delay):
		case <-ctx.Done():
			return RunResult{StartedAt: started, FinishedAt: time.Now()}, ctx.Err()
		}
	}
	if ok && result.Stdout != "" {
		fmt.Fprintln(logs.Stdout(), result.Stdout)
	}
	if ok && result.Stderr != "" {
		fmt.Fprintln(logs.Stderr(), result.Stderr)
	}
	finished := time.Now()
	if ok && result.Err != nil {
		return RunResult{StartedAt: started, FinishedAt: finished}, result.Err
	}
	exitCode := 0
	if ok {
		exitCode = result.ExitCode
	}
	return RunResult{ExitCode: exitCode, StartedAt: started, FinishedAt: finished}, nil
}

// KillRunningContainers records the call; the fake has no real containers.
func (f *Fake) KillRunningContainers(ctx context.Context, workspaceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, workspaceID)
	return nil
}

// CleanupContainers records the call.
func (f *Fake) CleanupContainers(ctx context.Context, workspaceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleaned = append(f.cleaned, workspaceID)
	return nil
}

// Calls returns every RunRequest passed to Run so far, for assertions.
func (f *Fake) Calls() []RunRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]RunRequest(nil), f.calls...)
}
