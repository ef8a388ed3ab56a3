// Package retry resubmits commands whose process ran but exited non-zero.
package retry

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/cmdq/internal/command/coordinator"
	"github.com/kandev/cmdq/internal/command/models"
	"github.com/kandev/cmdq/internal/common/logger"
)

// Executor runs one command to completion.
type Executor interface {
	ExecuteCommand(ctx context.Context, kind models.Kind, args []string, opts coordinator.Options) (*models.Result, error)
}

// Policy bounds retries. Limit is the number of extra attempts.
type Policy struct {
	Limit int
	Delay time.Duration
}

// Outcome is the last attempt's result plus every command id that was run.
type Outcome struct {
	Result     *models.Result `json:"result"`
	Attempts   int            `json:"attempts"`
	CommandIDs []string       `json:"command_ids"`
}

// Runner retries failed commands. Each attempt is a separate command with its
// own ledger record.
type Runner struct {
	exec   Executor
	policy Policy
	logger *logger.Logger
}

// NewRunner creates a Runner. With a *coordinator.Coordinator the outcome
// also lists the command id of every attempt.
func NewRunner(exec Executor, policy Policy, log *logger.Logger) *Runner {
	if policy.Limit < 0 {
		policy.Limit = 0
	}
	return &Runner{
		exec:   exec,
		policy: policy,
		logger: log.WithFields(zap.String("component", "retry")),
	}
}

func (r *Runner) executeOnce(ctx context.Context, kind models.Kind, args []string, opts coordinator.Options) (string, *models.Result, error) {
	if c, ok := r.exec.(*coordinator.Coordinator); ok {
		handle, err := c.Submit(ctx, kind, args, opts)
		if err != nil {
			return "", nil, err
		}
		res, err := handle.Wait(ctx)
		return handle.ID(), res, err
	}
	res, err := r.exec.ExecuteCommand(ctx, kind, args, opts)
	return "", res, err
}

// Execute runs the command and resubmits it while it keeps failing, up to
// the policy limit. Cancelled results and spawn errors are final. An
// admission error or ctx ending stops the loop and is returned.
func (r *Runner) Execute(ctx context.Context, kind models.Kind, args []string, opts coordinator.Options) (*Outcome, error) {
	out := &Outcome{}
	for {
		id, res, err := r.executeOnce(ctx, kind, args, opts)
		if err != nil {
			return out, err
		}
		out.Attempts++
		out.Result = res
		if id != "" {
			out.CommandIDs = append(out.CommandIDs, id)
		}

		if !Retryable(res) {
			return out, nil
		}
		if out.Attempts > r.policy.Limit {
			r.logger.Warn("retry limit exceeded for command",
				zap.String("kind", string(kind)),
				zap.Int("attempts", out.Attempts),
				zap.Int("retry_limit", r.policy.Limit))
			return out, nil
		}

		r.logger.Info("retrying failed command",
			zap.String("kind", string(kind)),
			zap.String("command_id", id),
			zap.Int("exit_code", res.ExitCode),
			zap.Int("attempt", out.Attempts+1))

		timer := time.NewTimer(r.policy.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return out, ctx.Err()
		case <-timer.C:
		}
	}
}

// Retryable reports whether a result is a plain failure worth repeating.
func Retryable(res *models.Result) bool {
	return res != nil && res.TerminalState() == models.StateFailed
}
