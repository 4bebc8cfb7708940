// Package daemon implements the detached-mode IPC surface: a client and
// server speaking newline-delimited JSON over a Unix-domain socket, built
// on net, encoding/json, and bufio.
package daemon

import (
	"time"

	"github.com/kilnrun/kiln/internal/pipeline"
	"github.com/kilnrun/kiln/internal/reporter"
)

// CommandType identifies a client->daemon message.
type CommandType string

const (
	CmdRun       CommandType = "run"
	CmdStatus    CommandType = "status"
	CmdSubscribe CommandType = "subscribe"
	CmdCancel    CommandType = "cancel"
)

// Command is one client->daemon request. Only the fields relevant to
// Type are populated.
type Command struct {
	Type    CommandType      `json:"type"`
	Options pipeline.Options `json:"options,omitempty"`
	Logs    bool             `json:"logs,omitempty"` // for subscribe: include STEP_LOG events
}

// MessageType identifies a daemon->client message.
type MessageType string

const (
	MsgAck   MessageType = "ack"
	MsgEvent MessageType = "event"
	MsgState MessageType = "state"
	MsgDone  MessageType = "done"
	MsgError MessageType = "error"
)

// Message is one daemon->client reply or push. Only the fields relevant
// to Type are populated.
type Message struct {
	Type    MessageType            `json:"type"`
	JobID   string                 `json:"jobId,omitempty"`
	Event   *WireEvent             `json:"event,omitempty"`
	State   *reporter.SessionState `json:"state,omitempty"`
	Success bool                   `json:"success,omitempty"`
	Code    string                 `json:"code,omitempty"`
	Message string                 `json:"message,omitempty"`
}

// WireEvent mirrors reporter.Event for JSON transport. reporter.Event's
// Err field is a plain error, which encoding/json cannot decode back into
// (there is no concrete type to unmarshal a wire value into), so the
// wire form carries the rendered error string instead.
type WireEvent struct {
	Type        reporter.EventType `json:"type"`
	Time        time.Time          `json:"time"`
	StepID      string             `json:"stepId,omitempty"`
	RunID       string             `json:"runId,omitempty"`
	Fingerprint string             `json:"fingerprint,omitempty"`
	Reason      string             `json:"reason,omitempty"`
	Attempt     int                `json:"attempt,omitempty"`
	ExitCode    int                `json:"exitCode,omitempty"`
	Err         string             `json:"err,omitempty"`
	Line        string             `json:"line,omitempty"`
	Stderr      bool               `json:"stderr,omitempty"`
	CacheHit    bool               `json:"cacheHit,omitempty"`
}

// NewWireEvent converts a reporter.Event to its transport form.
func NewWireEvent(ev reporter.Event) WireEvent {
	w := WireEvent{
		Type: ev.Type, Time: ev.Time, StepID: ev.StepID, RunID: ev.RunID,
		Fingerprint: ev.Fingerprint, Reason: ev.Reason, Attempt: ev.Attempt,
		ExitCode: ev.ExitCode, Line: ev.Line, Stderr: ev.Stderr, CacheHit: ev.CacheHit,
	}
	if ev.Err != nil {
		w.Err = ev.Err.Error()
	}
	return w
}

// HandshakeRequest is sent by the parent process to a freshly-forked
// daemon child over its inherited stdin.
type HandshakeRequest struct {
	WorkspaceRoot string            `json:"workspaceRoot"`
	Options       pipeline.Options  `json:"options"`
	Config        map[string]string `json:"config,omitempty"`
	Cwd           string            `json:"cwd,omitempty"`
}

// HandshakeReply is the child's response once its socket is listening;
// after sending it the child closes the handshake pipe and runs
// independently of the parent.
type HandshakeReply struct {
	Type       string `json:"type"` // always "ready", or "error"
	SocketPath string `json:"socketPath,omitempty"`
	Message    string `json:"message,omitempty"`
}

// recentEventCapacity bounds the daemon's ring buffer of past events, so
// a client that subscribes after the run has started still gets useful
// recent context.
const recentEventCapacity = 200

// idleShutdownPoll is how often the daemon checks whether it should
// auto-shut down (run finished and no subscribers left).
const idleShutdownPoll = 500 * time.Millisecond
