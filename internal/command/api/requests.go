// Package api provides REST API handlers for the command coordinator.
package api

import (
	"github.com/kandev/cmdq/internal/command/coordinator"
	"github.com/kandev/cmdq/internal/command/models"
)

// SubmitCommandRequest submits one command.
type SubmitCommandRequest struct {
	Kind             models.Kind       `json:"kind" binding:"required"`
	Arguments        []string          `json:"arguments"`
	WorkingDirectory string            `json:"working_directory"`
	Priority         models.Priority   `json:"priority"`
	SubjectLabel     string            `json:"subject_label"`
	Executable       string            `json:"executable"`
	Markers          []string          `json:"markers"`
	Env              map[string]string `json:"env"`

	// Wait holds the request open until the command finishes.
	Wait bool `json:"wait"`
	// Retry resubmits failed commands; it requires Wait.
	Retry bool `json:"retry"`
}

func (r *SubmitCommandRequest) options() coordinator.Options {
	return coordinator.Options{
		WorkingDirectory: r.WorkingDirectory,
		SubjectLabel:     r.SubjectLabel,
		Priority:         r.Priority,
		Executable:       r.Executable,
		Markers:          r.Markers,
		Env:              r.Env,
	}
}

// SubmitCommandResponse is returned for asynchronous submissions.
type SubmitCommandResponse struct {
	CommandID string       `json:"command_id"`
	State     models.State `json:"state"`
}

// ExecuteCommandResponse is returned when the caller waited for the result.
type ExecuteCommandResponse struct {
	CommandID  string         `json:"command_id,omitempty"`
	Result     *models.Result `json:"result"`
	Attempts   int            `json:"attempts,omitempty"`
	CommandIDs []string       `json:"command_ids,omitempty"`
}

// CancelCommandResponse reports whether a cancel took effect.
type CancelCommandResponse struct {
	CommandID string `json:"command_id"`
	Cancelled bool   `json:"cancelled"`
}

// CancelAllResponse reports how many commands were cancelled.
type CancelAllResponse struct {
	Cancelled int `json:"cancelled"`
}

// CommandListResponse lists ledger records.
type CommandListResponse struct {
	Commands []*models.StatusRecord `json:"commands"`
	Total    int                    `json:"total"`
}

// CommandOutputResponse carries captured stdout.
type CommandOutputResponse struct {
	CommandID string `json:"command_id"`
	Output    string `json:"output"`
}

// SetConcurrencyRequest changes the concurrency bound.
type SetConcurrencyRequest struct {
	MaxConcurrency *int `json:"max_concurrency" binding:"required"`
}

// SetConcurrencyResponse reports the applied bound.
type SetConcurrencyResponse struct {
	MaxConcurrency int `json:"max_concurrency"`
}

// KindsResponse lists the kinds the catalog knows.
type KindsResponse struct {
	Kinds []models.Kind `json:"kinds"`
}
