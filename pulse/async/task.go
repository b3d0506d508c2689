// Package async is the task queue core: the task store, the task service
// and its per-task Handle, the worker executor and the reaper.
package async

import (
	"encoding/json"
	"math"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"

	"github.com/teranos/pulseq/errors"
	"github.com/teranos/pulseq/sym"
)

// Status is the state of one task epoch
type Status int

const (
	StatusWaiting Status = 1
	StatusRunning Status = 2
	StatusRunned  Status = 3
	StatusFailed  Status = 4
)

// String returns the lowercase status name
func (s Status) String() string {
	switch s {
	case StatusWaiting:
		return "waiting"
	case StatusRunning:
		return "running"
	case StatusRunned:
		return "runned"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Symbol returns the status marker printed next to task rows
func (s Status) Symbol() string {
	switch s {
	case StatusWaiting:
		return sym.Waiting
	case StatusRunning:
		return sym.Running
	case StatusRunned:
		return sym.Done
	case StatusFailed:
		return sym.Failed
	default:
		return "?"
	}
}

// IsTerminal is true for RUNNED and FAILED
func (s Status) IsTerminal() bool {
	return s == StatusRunned || s == StatusFailed
}

// ParseStatus accepts a status name ("waiting", "done", ...) or its number
func ParseStatus(s string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "waiting":
		return StatusWaiting, nil
	case "2", "running":
		return StatusRunning, nil
	case "3", "runned", "done":
		return StatusRunned, nil
	case "4", "failed":
		return StatusFailed, nil
	}
	return 0, errors.Wrapf(errors.ErrInvalidRequest, "unknown task status %q", s)
}

// CommandKind tells how a task's command is executed
type CommandKind string

const (
	// CommandUnit names a unit in the Registry
	CommandUnit CommandKind = "unit"
	// CommandInvocation is an argv passed back to the own binary
	CommandInvocation CommandKind = "invocation"
)

// Command is resolved once at registration and never reinterpreted
type Command struct {
	Kind CommandKind `json:"kind"`
	Unit string      `json:"unit,omitempty"`
	Argv []string    `json:"argv,omitempty"`
}

// RegisteredUnit returns a command that runs the named unit in-process
func RegisteredUnit(name string) Command {
	return Command{Kind: CommandUnit, Unit: name}
}

// LiteralInvocation returns a command that re-invokes the binary with argv
func LiteralInvocation(argv ...string) Command {
	return Command{Kind: CommandInvocation, Argv: argv}
}

// String returns the stored form of the command
func (c Command) String() string {
	if c.Kind == CommandUnit {
		return c.Unit
	}
	return shellquote.Join(c.Argv...)
}

// parseStoredCommand rebuilds a Command from its command_kind and command columns
func parseStoredCommand(kind, text string) (Command, error) {
	switch CommandKind(kind) {
	case CommandUnit:
		return RegisteredUnit(text), nil
	case CommandInvocation:
		argv, err := shellquote.Split(text)
		if err != nil {
			return Command{}, errors.Wrapf(err, "invalid stored command %q", text)
		}
		return LiteralInvocation(argv...), nil
	}
	return Command{}, errors.Newf("unknown command kind %q", kind)
}

// Task is one row of system_queue
type Task struct {
	Code          string          `json:"code"`
	Title         string          `json:"title"`
	Command       Command         `json:"command"`
	Status        Status          `json:"status"`
	Attempts      int             `json:"attempts"`
	AllowMultiple bool            `json:"rscript"`
	Payload       json.RawMessage `json:"exec_data"`
	ExecTime      time.Time       `json:"exec_time"`
	EnterTime     time.Time       `json:"enter_time"`
	OuterTime     time.Time       `json:"outer_time"`
	LoopSeconds   int             `json:"loops_time"`
	PID           int             `json:"exec_pid"`
	Description   string          `json:"exec_desc"`
	HeartbeatTime time.Time       `json:"heartbeat_time"`
	CreatedAt     time.Time       `json:"create_at"`
}

// IsRecurring reports whether the task re-arms itself after finishing
func (t *Task) IsRecurring() bool {
	return t.LoopSeconds > 0
}

// LoopInterval returns loops_time as a duration
func (t *Task) LoopInterval() time.Duration {
	return time.Duration(t.LoopSeconds) * time.Second
}

const createAtLayout = "2006-01-02 15:04:05"

// unixFloat converts t to fractional unix seconds; the zero time is 0
func unixFloat(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixNano()) / 1e9
}

// fromUnixFloat is the inverse of unixFloat
func fromUnixFloat(f float64) time.Time {
	if f <= 0 {
		return time.Time{}
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9))
}

func fromUnix(sec int64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}
