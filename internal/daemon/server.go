package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/kilnrun/kiln/internal/errs"
	"github.com/kilnrun/kiln/internal/model"
	"github.com/kilnrun/kiln/internal/pipeline"
	"github.com/kilnrun/kiln/internal/reporter"
)

// Server is one workspace's detached pipeline run, listening on a Unix
// socket and broadcasting its pipeline runner's events to every
// subscribed client.
type Server struct {
	socketPath string
	runner     *pipeline.Runner
	steps      []model.Step

	// shutdown is signalled when the daemon should exit: by watchIdle
	// once the run has finished with no subscribers left, or by the run
	// goroutine when a cancel command terminated the run.
	shutdown chan struct{}

	mu          sync.Mutex
	recent      []reporter.Event
	subscribers map[chan Message]bool // value: subscriber asked for STEP_LOG events
	jobID       string
	started     bool
	finished    bool
	success     bool
	cancelled   bool
	cancelRun   context.CancelFunc
}

// New returns a daemon server bound to socketPath, ready to run steps
// against runner once a "run" command arrives.
func New(socketPath string, runner *pipeline.Runner, steps []model.Step) *Server {
	return &Server{
		socketPath:  socketPath,
		runner:      runner,
		steps:       steps,
		shutdown:    make(chan struct{}, 1),
		subscribers: make(map[chan Message]bool),
	}
}

// Serve listens on the server's socket and blocks until ctx is
// cancelled, the run finishes with no remaining subscribers, or a
// cancel command successfully terminates the run.
func (s *Server) Serve(ctx context.Context) error {
	_ = os.Remove(s.socketPath)
	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return errs.Wrap(errs.StagingFailed, err, "listening on daemon socket %s", s.socketPath)
	}
	defer ln.Close()
	defer os.Remove(s.socketPath)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	connCh := make(chan net.Conn)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				close(connCh)
				return
			}
			connCh <- conn
		}
	}()

	go s.watchIdle(runCtx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.shutdown:
			return nil
		case conn, ok := <-connCh:
			if !ok {
				return nil
			}
			go s.handleConn(runCtx, conn)
		}
	}
}

// watchIdle polls for one of the auto-shutdown conditions: the run has
// finished and no client remains subscribed. The other trigger, a cancel
// command successfully terminating the run, is signalled directly by the
// run goroutine regardless of remaining subscribers.
func (s *Server) watchIdle(ctx context.Context) {
	ticker := time.NewTicker(idleShutdownPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			idle := s.finished && len(s.subscribers) == 0
			s.mu.Unlock()
			if idle {
				s.signalShutdown()
				return
			}
		}
	}
}

func (s *Server) signalShutdown() {
	select {
	case s.shutdown <- struct{}{}:
	default:
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	out := make(chan Message, recentEventCapacity)
	done := make(chan struct{})
	var writeWG sync.WaitGroup
	writeWG.Add(1)
	go func() {
		defer writeWG.Done()
		enc := json.NewEncoder(conn)
		for {
			select {
			case msg, ok := <-out:
				if !ok {
					return
				}
				if err := enc.Encode(msg); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var cmd Command
		if err := json.Unmarshal(line, &cmd); err != nil {
			continue // malformed line: skip
		}
		s.handleCommand(ctx, cmd, out)
	}

	s.unsubscribe(out)
	close(done)
	writeWG.Wait()
}

func (s *Server) unsubscribe(out chan Message) {
	s.mu.Lock()
	delete(s.subscribers, out)
	s.mu.Unlock()
}

func (s *Server) handleCommand(ctx context.Context, cmd Command, out chan Message) {
	switch cmd.Type {
	case CmdRun:
		jobID := s.startRun(ctx, cmd.Options)
		out <- Message{Type: MsgAck, JobID: jobID}
	case CmdStatus:
		out <- s.snapshotMessage()
	case CmdSubscribe:
		s.subscribe(out, cmd.Logs)
	case CmdCancel:
		s.cancel()
		out <- Message{Type: MsgAck}
	default:
		out <- Message{Type: MsgError, Code: string(errs.ValidationError), Message: fmt.Sprintf("unknown command %q", cmd.Type)}
	}
}

// startRun launches the pipeline exactly once; a second "run" command
// against an already-started job is a no-op that returns the same job id.
func (s *Server) startRun(ctx context.Context, opts pipeline.Options) string {
	s.mu.Lock()
	if s.started {
		jobID := s.jobID
		s.mu.Unlock()
		return jobID
	}
	s.started = true
	s.jobID = newJobID()
	opts.SocketPath = s.socketPath
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRun = cancel
	s.mu.Unlock()

	go func() {
		s.runner.Report = reporter.New(recentEventCapacity)
		events := s.runner.Report.Events()
		go func() {
			for ev := range events {
				s.recordEvent(ev)
			}
		}()

		err := s.runner.Run(runCtx, s.steps, opts)

		s.mu.Lock()
		s.finished = true
		s.success = err == nil
		cancelled := s.cancelled
		s.mu.Unlock()

		if err != nil {
			log.Error("detached pipeline run failed", "error", err)
		}
		// A cancel that terminated the run shuts the daemon down even
		// while clients remain subscribed.
		if cancelled {
			s.signalShutdown()
		}
	}()

	return s.jobID
}

func (s *Server) recordEvent(ev reporter.Event) {
	s.mu.Lock()
	s.recent = append(s.recent, ev)
	if len(s.recent) > recentEventCapacity {
		s.recent = s.recent[len(s.recent)-recentEventCapacity:]
	}
	subs := make(map[chan Message]bool, len(s.subscribers))
	for ch, wantsLogs := range s.subscribers {
		subs[ch] = wantsLogs
	}
	finished := ev.Type == reporter.PipelineFinished || ev.Type == reporter.PipelineFailed
	success := ev.Type == reporter.PipelineFinished
	s.mu.Unlock()

	wire := NewWireEvent(ev)
	for ch, wantsLogs := range subs {
		if ev.Type == reporter.StepLog && !wantsLogs {
			continue
		}
		select {
		case ch <- Message{Type: MsgEvent, Event: &wire}:
		default: // slow subscriber: drop rather than block the run
		}
	}
	if finished {
		for ch := range subs {
			select {
			case ch <- Message{Type: MsgDone, Success: success}:
			default:
			}
		}
	}
}

// subscribe registers out to receive a state snapshot followed by every
// live event from here on, replaying the recent-event ring buffer first
// so a late subscriber still has useful context. STEP_LOG events are
// delivered only when the subscriber asked for them.
func (s *Server) subscribe(out chan Message, logs bool) {
	s.mu.Lock()
	snapshot := s.snapshotLocked()
	recent := make([]reporter.Event, len(s.recent))
	copy(recent, s.recent)
	finished, success := s.finished, s.success
	s.subscribers[out] = logs
	s.mu.Unlock()

	out <- Message{Type: MsgState, State: &snapshot}
	for _, ev := range recent {
		if ev.Type == reporter.StepLog && !logs {
			continue
		}
		wire := NewWireEvent(ev)
		out <- Message{Type: MsgEvent, Event: &wire}
	}
	// A run that finished before this client subscribed would otherwise
	// never deliver its done message.
	if finished {
		out <- Message{Type: MsgDone, Success: success}
	}
}

func (s *Server) cancel() {
	s.mu.Lock()
	cancel := s.cancelRun
	if cancel != nil {
		s.cancelled = true
	}
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *Server) snapshotMessage() Message {
	snapshot := s.snapshotNow()
	return Message{Type: MsgState, State: &snapshot}
}

func (s *Server) snapshotNow() reporter.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// snapshotLocked must be called with s.mu held.
func (s *Server) snapshotLocked() reporter.SessionState {
	steps := make(map[string]reporter.StepState)
	for _, ev := range s.recent {
		switch ev.Type {
		case reporter.StepStarting:
			steps[ev.StepID] = reporter.StepState{StepID: ev.StepID, Status: "running", StartedAt: ev.Time}
		case reporter.StepFinished:
			steps[ev.StepID] = reporter.StepState{StepID: ev.StepID, Status: "done", RunID: ev.RunID, Fingerprint: ev.Fingerprint, ExitCode: ev.ExitCode, FinishedAt: ev.Time}
		case reporter.StepSkipped:
			steps[ev.StepID] = reporter.StepState{StepID: ev.StepID, Status: "skipped", RunID: ev.RunID, Fingerprint: ev.Fingerprint, FinishedAt: ev.Time}
		case reporter.StepFailed:
			errMsg := ""
			if ev.Err != nil {
				errMsg = ev.Err.Error()
			}
			steps[ev.StepID] = reporter.StepState{StepID: ev.StepID, Status: "failed", ExitCode: ev.ExitCode, FinishedAt: ev.Time, Err: errMsg}
		}
	}
	return reporter.SessionState{Steps: steps, Finished: s.finished, Failed: s.finished && !s.success}
}

func newJobID() string {
	return fmt.Sprintf("job-%d", time.Now().UnixNano())
}
