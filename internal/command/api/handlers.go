package api

import (
	stderrors "errors"
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/cmdq/internal/command/catalog"
	"github.com/kandev/cmdq/internal/command/coordinator"
	"github.com/kandev/cmdq/internal/command/ledger"
	"github.com/kandev/cmdq/internal/command/retry"
	"github.com/kandev/cmdq/internal/common/errors"
	"github.com/kandev/cmdq/internal/common/logger"
)

// Handler contains HTTP handlers for the command API
type Handler struct {
	coordinator *coordinator.Coordinator
	retry       *retry.Runner
	catalog     *catalog.Catalog
	logger      *logger.Logger

	allowOverrides bool
}

// HandlerOption configures optional Handler behaviour.
type HandlerOption func(*Handler)

// WithRequestOverrides lets a request replace the kind's executable or add
// environment variables. Off unless set.
func WithRequestOverrides(enabled bool) HandlerOption {
	return func(h *Handler) { h.allowOverrides = enabled }
}

// NewHandler creates a new API handler. runner may be nil, in which case
// retry requests are rejected.
func NewHandler(coord *coordinator.Coordinator, runner *retry.Runner, cat *catalog.Catalog, log *logger.Logger, opts ...HandlerOption) *Handler {
	h := &Handler{
		coordinator: coord,
		retry:       runner,
		catalog:     cat,
		logger:      log.WithFields(zap.String("component", "command-api")),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// SubmitCommand submits a command, optionally waiting for its result
// POST /api/v1/commands
func (h *Handler) SubmitCommand(c *gin.Context) {
	var req SubmitCommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errors.ValidationError("request", err.Error()))
		return
	}
	if req.Retry && !req.Wait {
		_ = c.Error(errors.ValidationError("retry", "retry requires wait"))
		return
	}
	if !h.allowOverrides && (req.Executable != "" || len(req.Env) > 0) {
		h.logger.Warn("rejected command override", zap.String("kind", string(req.Kind)))
		_ = c.Error(errors.Forbidden("executable and env overrides are disabled"))
		return
	}
	if req.Retry && h.retry == nil {
		_ = c.Error(errors.BadRequest("retry is not enabled"))
		return
	}

	ctx := c.Request.Context()
	switch {
	case req.Retry:
		out, err := h.retry.Execute(ctx, req.Kind, req.Arguments, req.options())
		if err != nil {
			h.fail(c, err, "failed to execute command")
			return
		}
		c.JSON(http.StatusOK, ExecuteCommandResponse{
			Result:     out.Result,
			Attempts:   out.Attempts,
			CommandIDs: out.CommandIDs,
		})

	case req.Wait:
		exec, err := h.coordinator.Submit(ctx, req.Kind, req.Arguments, req.options())
		if err != nil {
			h.fail(c, err, "failed to submit command")
			return
		}
		res, err := exec.Wait(ctx)
		if err != nil {
			// The client went away; the command keeps running.
			h.logger.Debug("client stopped waiting for command",
				zap.String("command_id", exec.ID()),
				zap.Error(err))
			return
		}
		c.JSON(http.StatusOK, ExecuteCommandResponse{CommandID: exec.ID(), Result: res})

	default:
		exec, err := h.coordinator.Submit(ctx, req.Kind, req.Arguments, req.options())
		if err != nil {
			h.fail(c, err, "failed to submit command")
			return
		}
		resp := SubmitCommandResponse{CommandID: exec.ID()}
		if rec, err := h.coordinator.GetCommandStatus(exec.ID()); err == nil {
			resp.State = rec.State
		}
		c.JSON(http.StatusAccepted, resp)
	}
}

// ListCommands returns every ledger record
// GET /api/v1/commands
func (h *Handler) ListCommands(c *gin.Context) {
	records := h.coordinator.ListCommands()
	if state := c.Query("state"); state != "" {
		filtered := records[:0]
		for _, rec := range records {
			if string(rec.State) == state {
				filtered = append(filtered, rec)
			}
		}
		records = filtered
	}
	c.JSON(http.StatusOK, CommandListResponse{Commands: records, Total: len(records)})
}

// GetCommand returns one ledger record
// GET /api/v1/commands/:id
func (h *Handler) GetCommand(c *gin.Context) {
	rec, err := h.coordinator.GetCommandStatus(c.Param("id"))
	if err != nil {
		h.fail(c, err, "failed to get command")
		return
	}
	c.JSON(http.StatusOK, rec)
}

// CancelCommand cancels a queued or running command
// POST /api/v1/commands/:id/cancel
func (h *Handler) CancelCommand(c *gin.Context) {
	id := c.Param("id")
	cancelled, err := h.coordinator.CancelCommand(id)
	if err != nil {
		h.fail(c, err, "failed to cancel command")
		return
	}
	c.JSON(http.StatusOK, CancelCommandResponse{CommandID: id, Cancelled: cancelled})
}

// CancelAllCommands cancels every queued and running command
// POST /api/v1/commands/cancel-all
func (h *Handler) CancelAllCommands(c *gin.Context) {
	c.JSON(http.StatusOK, CancelAllResponse{Cancelled: h.coordinator.CancelAllCommands()})
}

// GetCommandOutput returns captured stdout
// GET /api/v1/commands/:id/output
func (h *Handler) GetCommandOutput(c *gin.Context) {
	id := c.Param("id")
	out, err := h.coordinator.GetCommandOutput(id)
	if err != nil {
		h.fail(c, err, "failed to get command output")
		return
	}
	c.JSON(http.StatusOK, CommandOutputResponse{CommandID: id, Output: out})
}

// ClearCommandOutput empties captured output
// DELETE /api/v1/commands/:id/output
func (h *Handler) ClearCommandOutput(c *gin.Context) {
	if err := h.coordinator.ClearCommandOutput(c.Param("id")); err != nil {
		h.fail(c, err, "failed to clear command output")
		return
	}
	c.Status(http.StatusNoContent)
}

// GetStatus returns slot usage
// GET /api/v1/status
func (h *Handler) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.coordinator.GetExecutionStatus())
}

// GetMetrics returns execution metrics
// GET /api/v1/metrics
func (h *Handler) GetMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, h.coordinator.GetExecutionMetrics())
}

// GetHealth returns the health report. Unhealthy reports use 503.
// GET /api/v1/health
func (h *Handler) GetHealth(c *gin.Context) {
	report := h.coordinator.CreateHealthReport()
	status := http.StatusOK
	if report.Status == coordinator.HealthUnhealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}

// SetConcurrency changes the concurrency bound; out-of-range values are clamped
// PUT /api/v1/concurrency
func (h *Handler) SetConcurrency(c *gin.Context) {
	var req SetConcurrencyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errors.ValidationError("max_concurrency", err.Error()))
		return
	}
	applied := h.coordinator.SetMaxConcurrency(*req.MaxConcurrency)
	c.JSON(http.StatusOK, SetConcurrencyResponse{MaxConcurrency: applied})
}

// ListKinds returns the configured command kinds
// GET /api/v1/kinds
func (h *Handler) ListKinds(c *gin.Context) {
	kinds := h.catalog.Kinds()
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	c.JSON(http.StatusOK, KindsResponse{Kinds: kinds})
}

func (h *Handler) fail(c *gin.Context, err error, message string) {
	appErr := toAppError(c, err, message)
	if appErr.HTTPStatus >= http.StatusInternalServerError {
		h.logger.Error(message, zap.Error(err))
	}
	_ = c.Error(appErr)
}

// toAppError maps domain errors onto the HTTP error envelope.
func toAppError(c *gin.Context, err error, message string) *errors.AppError {
	switch {
	case stderrors.Is(err, ledger.ErrNotFound):
		return errors.NotFound(c.Param("id"), err)
	case stderrors.Is(err, coordinator.ErrUnknownKind), stderrors.Is(err, coordinator.ErrInvalidRequest):
		return errors.Invalid(err)
	case stderrors.Is(err, ledger.ErrInvalidTransition):
		return errors.Conflict(err)
	case stderrors.Is(err, coordinator.ErrQueueFull):
		return errors.ServiceUnavailable("command queue", err)
	case stderrors.Is(err, coordinator.ErrClosed):
		return errors.ServiceUnavailable("coordinator", err)
	default:
		return errors.Wrap(err, message)
	}
}
