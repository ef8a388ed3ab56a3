// Package models defines the command request, status record and result types
// shared by the session, ledger and coordinator packages.
package models

import (
	"fmt"
	"time"
)

// Kind identifies which external tool a command runs.
type Kind string

const (
	KindRunTests    Kind = "run_tests"
	KindRunLint     Kind = "run_lint"
	KindComputeDiff Kind = "compute_diff"
	KindDebugBundle Kind = "debug_bundle"
)

// Priority is either normal or high. There are no other levels.
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// ParsePriority maps an API string to a Priority. Empty means normal.
func ParsePriority(s string) (Priority, error) {
	switch Priority(s) {
	case "", PriorityNormal:
		return PriorityNormal, nil
	case PriorityHigh:
		return PriorityHigh, nil
	default:
		return "", fmt.Errorf("unknown priority %q", s)
	}
}

// State is the lifecycle state of a status record.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
	StateError     State = "error"
)

// validTransitions encodes the status record state machine:
// queued -> running -> {completed, failed, error}, queued -> cancelled,
// running -> cancelled. Terminal states have no outgoing edges.
var validTransitions = map[State]map[State]bool{
	StateQueued: {
		StateRunning:   true,
		StateCancelled: true,
	},
	StateRunning: {
		StateRunning:   true, // status message refresh
		StateCompleted: true,
		StateFailed:    true,
		StateError:     true,
		StateCancelled: true,
	},
}

// IsTerminal reports whether no further transitions are possible.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled, StateError:
		return true
	}
	return false
}

// CanTransitionTo reports whether next is a legal successor of s.
func (s State) CanTransitionTo(next State) bool {
	return validTransitions[s][next]
}

// Request is one caller's request to run an external process.
type Request struct {
	Kind             Kind     `json:"kind"`
	Arguments        []string `json:"arguments"`
	WorkingDirectory string   `json:"working_directory"`
	Priority         Priority `json:"priority"`
	SubjectLabel     string   `json:"subject_label,omitempty"`

	// Executable overrides the catalog executable for Kind when set.
	Executable string `json:"executable,omitempty"`
	// Markers overrides the catalog progress markers for Kind when non-nil.
	Markers []string `json:"markers,omitempty"`
}

// StatusRecord is the durable lifecycle record for one accepted request.
type StatusRecord struct {
	ID              string     `json:"id" db:"id"`
	Kind            Kind       `json:"kind" db:"kind"`
	SubjectLabel    string     `json:"subject_label,omitempty" db:"subject_label"`
	Priority        Priority   `json:"priority" db:"priority"`
	State           State      `json:"state" db:"state"`
	ProgressPercent int        `json:"progress_percent" db:"progress_percent"`
	StatusMessage   string     `json:"status_message,omitempty" db:"status_message"`
	CapturedOutput  string     `json:"captured_output,omitempty" db:"captured_output"`
	CapturedError   string     `json:"captured_error,omitempty" db:"captured_error"`
	ExitCode        *int       `json:"exit_code,omitempty" db:"exit_code"`
	DurationMs      int64      `json:"duration_ms" db:"duration_ms"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty" db:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty" db:"ended_at"`
}

// Clone returns a deep copy safe to hand to callers.
func (r *StatusRecord) Clone() *StatusRecord {
	c := *r
	if r.ExitCode != nil {
		code := *r.ExitCode
		c.ExitCode = &code
	}
	if r.StartedAt != nil {
		t := *r.StartedAt
		c.StartedAt = &t
	}
	if r.EndedAt != nil {
		t := *r.EndedAt
		c.EndedAt = &t
	}
	return &c
}

// CancelledExitCode marks a result whose exit code is not applicable.
const CancelledExitCode = -1

// Result is what a caller receives once its command reaches a terminal state.
type Result struct {
	Success             bool     `json:"success"`
	ExitCode            int      `json:"exit_code"`
	Output              string   `json:"output"`
	Error               string   `json:"error,omitempty"`
	DurationMs          int64    `json:"duration_ms"`
	Cancelled           bool     `json:"cancelled,omitempty"`
	OutputArtifactPaths []string `json:"output_artifact_paths,omitempty"`

	// SpawnFailed is set when the process could not be started or waited on.
	// The ledger records such results as StateError rather than StateFailed.
	SpawnFailed bool `json:"spawn_failed,omitempty"`
}

// TerminalState maps a result to the ledger state it produces.
func (r *Result) TerminalState() State {
	switch {
	case r.Cancelled:
		return StateCancelled
	case r.SpawnFailed:
		return StateError
	case r.Success:
		return StateCompleted
	default:
		return StateFailed
	}
}

// CommandStats aggregates ledger history.
type CommandStats struct {
	Total             int        `json:"total"`
	Successful        int        `json:"successful"`
	Failed            int        `json:"failed"`
	Errored           int        `json:"errored"`
	Cancelled         int        `json:"cancelled"`
	Active            int        `json:"active"`
	AverageDurationMs float64    `json:"average_duration_ms"`
	MostRecentRunAt   *time.Time `json:"most_recent_run_at,omitempty"`
}
