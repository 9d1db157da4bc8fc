// Package devbox holds the data model shared by the control-plane client, the
// session core and the reference control plane.
package devbox

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Status is the lifecycle state reported by the control plane for a devbox.
type Status string

const (
	StatusProvisioning Status = "provisioning"
	StatusInitializing Status = "initializing"
	StatusRunning      Status = "running"
	StatusSuspending   Status = "suspending"
	StatusSuspended    Status = "suspended"
	StatusResuming     Status = "resuming"
	StatusFailure      Status = "failure"
	StatusShutdown     Status = "shutdown"
)

// Statuses lists every known status in lifecycle order.
var Statuses = []Status{
	StatusProvisioning,
	StatusInitializing,
	StatusRunning,
	StatusSuspending,
	StatusSuspended,
	StatusResuming,
	StatusFailure,
	StatusShutdown,
}

// Terminal reports whether no further transition can occur from s.
func (s Status) Terminal() bool {
	return s == StatusShutdown || s == StatusFailure
}

func (s Status) String() string { return string(s) }

// ParseStatus validates a user supplied status name.
func ParseStatus(v string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(v)))
	if slices.Contains(Statuses, s) {
		return s, nil
	}
	return "", fmt.Errorf("unknown devbox status %q", v)
}

// IdleAction is what the control plane does to a devbox that stayed idle.
type IdleAction string

const (
	IdleShutdown IdleAction = "shutdown"
	IdleSuspend  IdleAction = "suspend"
)

// IdlePolicy configures idle handling. Both fields are set or neither is.
type IdlePolicy struct {
	IdleSeconds int64      `cbor:"idle_seconds"`
	OnIdle      IdleAction `cbor:"on_idle"`
}

// Devbox is a snapshot of a remote sandbox as last reported by the control plane.
type Devbox struct {
	ID             string            `cbor:"id"`
	Name           string            `cbor:"name,omitempty"`
	Status         Status            `cbor:"status"`
	CreateTime     time.Time         `cbor:"create_time"`
	EndTime        *time.Time        `cbor:"end_time,omitempty"`
	BlueprintID    string            `cbor:"blueprint_id,omitempty"`
	Initiator      string            `cbor:"initiator,omitempty"`
	Entrypoint     string            `cbor:"entrypoint,omitempty"`
	LaunchCommands []string          `cbor:"launch_commands,omitempty"`
	Env            map[string]string `cbor:"env,omitempty"`
	Idle           *IdlePolicy       `cbor:"idle,omitempty"`
	FailureReason  string            `cbor:"failure_reason,omitempty"`
}

// Clone returns a deep copy so callers never share mutable state with a store.
func (d *Devbox) Clone() *Devbox {
	if d == nil {
		return nil
	}
	out := *d
	if d.EndTime != nil {
		end := *d.EndTime
		out.EndTime = &end
	}
	out.LaunchCommands = slices.Clone(d.LaunchCommands)
	if d.Env != nil {
		out.Env = make(map[string]string, len(d.Env))
		for k, v := range d.Env {
			out.Env[k] = v
		}
	}
	if d.Idle != nil {
		idle := *d.Idle
		out.Idle = &idle
	}
	return &out
}

// ExecStatus is the state of one command invocation inside a devbox.
type ExecStatus string

const (
	ExecPending   ExecStatus = "pending"
	ExecRunning   ExecStatus = "running"
	ExecCompleted ExecStatus = "completed"
	ExecFailed    ExecStatus = "failed"
)

// Terminal reports whether the execution has finished.
func (s ExecStatus) Terminal() bool {
	return s == ExecCompleted || s == ExecFailed
}

func (s ExecStatus) String() string { return string(s) }

// Execution tracks a command started inside a devbox. ExitCode is only set once
// the status is completed; CompletedAt, Stdout and Stderr only in terminal states.
type Execution struct {
	ID          string     `cbor:"id"`
	DevboxID    string     `cbor:"devbox_id"`
	Command     string     `cbor:"command"`
	ShellName   string     `cbor:"shell_name,omitempty"`
	Status      ExecStatus `cbor:"status"`
	ExitCode    *int       `cbor:"exit_code,omitempty"`
	StartedAt   time.Time  `cbor:"started_at"`
	CompletedAt *time.Time `cbor:"completed_at,omitempty"`
	Stdout      string     `cbor:"stdout,omitempty"`
	Stderr      string     `cbor:"stderr,omitempty"`
	// StdinAttached is set when the command reads from SendStdin input
	// instead of an empty stdin.
	StdinAttached bool `cbor:"stdin_attached,omitempty"`
}

// Clone returns a deep copy.
func (e *Execution) Clone() *Execution {
	if e == nil {
		return nil
	}
	out := *e
	if e.ExitCode != nil {
		code := *e.ExitCode
		out.ExitCode = &code
	}
	if e.CompletedAt != nil {
		at := *e.CompletedAt
		out.CompletedAt = &at
	}
	return &out
}

// StdinSignal is a control action delivered to an execution's stdin.
type StdinSignal string

const (
	// StdinEOF closes the execution's stdin.
	StdinEOF StdinSignal = "EOF"
	// StdinInterrupt sends SIGINT to the execution's process group.
	StdinInterrupt StdinSignal = "INTERRUPT"
)

// ParseStdinSignal validates a user supplied signal name.
func ParseStdinSignal(v string) (StdinSignal, error) {
	switch s := StdinSignal(strings.ToUpper(strings.TrimSpace(v))); s {
	case StdinEOF, StdinInterrupt:
		return s, nil
	}
	return "", fmt.Errorf("unknown stdin signal %q", v)
}

// StdinInput is text for an execution's stdin or a signal, never both.
type StdinInput struct {
	Text   string      `cbor:"text,omitempty"`
	Signal StdinSignal `cbor:"signal,omitempty"`
}

// Validate reports whether exactly one of Text and Signal is set.
func (in StdinInput) Validate() error {
	switch {
	case in.Text != "" && in.Signal != "":
		return fmt.Errorf("stdin text and signal are mutually exclusive")
	case in.Text == "" && in.Signal == "":
		return fmt.Errorf("stdin text or signal is required")
	case in.Signal != "":
		_, err := ParseStdinSignal(string(in.Signal))
		return err
	}
	return nil
}

// Log sources emitted by the control plane.
const (
	SourceSystem     = "system"
	SourceEntrypoint = "entrypoint"
	SourceExec       = "exec"
	SourceStdout     = "stdout"
	SourceStderr     = "stderr"
)

// LogEntry is one append-only devbox log record. Sequence is the only ordering
// key; Timestamp is for display.
type LogEntry struct {
	Sequence  int64     `cbor:"seq"`
	Timestamp time.Time `cbor:"ts"`
	Source    string    `cbor:"source,omitempty"`
	Text      string    `cbor:"text,omitempty"`
	Cmd       string    `cbor:"cmd,omitempty"`
	ExitCode  *int      `cbor:"exit_code,omitempty"`
}

// TunnelState is the lifecycle of a local port forward.
type TunnelState string

const (
	TunnelConnecting TunnelState = "connecting"
	TunnelActive     TunnelState = "active"
	TunnelClosed     TunnelState = "closed"
)

// Tunnel describes a local-to-remote TCP forward through a devbox.
type Tunnel struct {
	DevboxID   string
	LocalPort  int
	RemotePort int
	State      TunnelState
}
