// Package bridge implements the line-framed JSON protocol spoken over
// a sandbox's duplex byte stream (spec.md §4.3, §6.2).
package bridge

import "encoding/json"

// Outbound command discriminators.
const (
	CommandQuery     = "query"
	CommandResume    = "resume"
	CommandInterrupt = "interrupt"
	CommandExec      = "exec"
	CommandShutdown  = "shutdown"
)

// Inbound event discriminators.
const (
	EventReady      = "ready"
	EventMessage    = "message"
	EventError      = "error"
	EventDone       = "done"
	EventExecResult = "exec_result"
)

// MaxLineSize bounds a single wire line (spec.md §6.2: "e.g. 16 MiB").
const MaxLineSize = 16 * 1024 * 1024

// Command is the outbound envelope. Every command carries an id, which
// the bridge echoes on its events. Interrupt and shutdown carry a fresh
// id of their own: the bridge applies interrupt to whichever call is in
// flight, and the client routes events to its single in-flight call
// without matching on id.
type Command struct {
	Type             string          `json:"type"`
	ID               string          `json:"id"`
	Prompt           string          `json:"prompt,omitempty"`
	SessionResumeID  string          `json:"sessionResumeId,omitempty"`
	Options          json.RawMessage `json:"options,omitempty"`
	ExecCommand      string          `json:"command,omitempty"`
	ExecTimeoutMs    int64           `json:"timeoutMs,omitempty"`
}

// Event is the inbound envelope, unmarshaled in two passes: first to
// read Type/ID, then (for message/exec_result) the payload is kept
// opaque and passed through verbatim per spec.md §6.2.
type Event struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	ExitCode  int             `json:"exitCode,omitempty"`
	Stdout    string          `json:"stdout,omitempty"`
	Stderr    string          `json:"stderr,omitempty"`
}

// IsTerminal reports whether this event ends the call it belongs to.
func (e Event) IsTerminal() bool {
	switch e.Type {
	case EventDone, EventError, EventExecResult:
		return true
	default:
		return false
	}
}
