// Package coordinator admits command requests, bounds how many run at once,
// queues the rest and wires each process session into the status ledger and
// out to subscribers.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/kandev/cmdq/internal/command/catalog"
	"github.com/kandev/cmdq/internal/command/ledger"
	"github.com/kandev/cmdq/internal/command/models"
	"github.com/kandev/cmdq/internal/command/queue"
	"github.com/kandev/cmdq/internal/command/session"
	"github.com/kandev/cmdq/internal/common/config"
	"github.com/kandev/cmdq/internal/common/constants"
	"github.com/kandev/cmdq/internal/common/logger"
	"github.com/kandev/cmdq/internal/events/bus"
	"github.com/kandev/cmdq/internal/tracing"
)

var (
	// ErrUnknownKind is returned when no catalog entry exists for a kind.
	ErrUnknownKind = errors.New("unknown command kind")
	// ErrInvalidRequest is returned for malformed requests.
	ErrInvalidRequest = errors.New("invalid command request")
	// ErrInvalidConcurrency is returned for a configured bound outside [1,10].
	ErrInvalidConcurrency = errors.New("max concurrency out of range")
	// ErrClosed is returned once Close has been called.
	ErrClosed = errors.New("coordinator is closed")
	// ErrQueueFull is returned when the pending queue limit is reached.
	ErrQueueFull = queue.ErrQueueFull
	// ErrNotFound is returned for unknown command ids.
	ErrNotFound = ledger.ErrNotFound
)

// Config holds coordinator configuration.
type Config struct {
	MaxConcurrency    int           // admitted commands at once, 1..10
	CancelGracePeriod time.Duration // SIGTERM -> SIGKILL delay
	QueueLimit        int           // pending commands, 0 means unbounded
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency:    3,
		CancelGracePeriod: constants.CancelGracePeriod,
	}
}

// Options are the per-request settings of ExecuteCommand and Submit.
type Options struct {
	WorkingDirectory string
	SubjectLabel     string
	Priority         models.Priority
	// Executable and Markers override the catalog entry for the kind.
	Executable string
	Markers    []string
	Env        map[string]string
}

// OutputSink receives every output and error chunk, tagged with its command.
type OutputSink interface {
	WriteOutput(commandID string, stream models.EventType, text string)
}

// ExecutionStatus is a snapshot of slot usage.
type ExecutionStatus struct {
	Active        int `json:"active"`
	Queued        int `json:"queued"`
	MaxConcurrent int `json:"max_concurrent"`
}

// Coordinator schedules commands. All methods are safe for concurrent use.
//
// Admission, dequeue and cancellation run under one mutex, so the number of
// admitted commands never exceeds the bound. Process spawning, subscriber
// callbacks and bus publishing happen outside it.
type Coordinator struct {
	cfg     Config
	ledger  *ledger.Ledger
	catalog *catalog.Catalog
	sink    OutputSink
	bus     bus.EventBus
	logger  *logger.Logger

	dispatcher *dispatcher

	mu             sync.Mutex
	maxConcurrency int
	active         map[string]*Execution
	pending        *queue.CommandQueue
	executions     map[string]*Execution // every non-terminal command
	seq            uint64
	closed         bool
	sessions       sync.WaitGroup

	totalStarted   atomic.Int64
	totalPreempted atomic.Int64
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithEventBus publishes every event on the bus as well.
func WithEventBus(b bus.EventBus) Option {
	return func(c *Coordinator) { c.bus = b }
}

// WithOutputSink mirrors output chunks to sink.
func WithOutputSink(sink OutputSink) Option {
	return func(c *Coordinator) { c.sink = sink }
}

// New creates a coordinator. A zero MaxConcurrency takes the default; any
// other value outside [1,10] is rejected.
func New(cfg Config, l *ledger.Ledger, cat *catalog.Catalog, log *logger.Logger, opts ...Option) (*Coordinator, error) {
	if cfg.MaxConcurrency == 0 {
		cfg.MaxConcurrency = DefaultConfig().MaxConcurrency
	}
	if cfg.MaxConcurrency < config.MinConcurrency || cfg.MaxConcurrency > config.MaxConcurrency {
		return nil, fmt.Errorf("%w: %d", ErrInvalidConcurrency, cfg.MaxConcurrency)
	}
	if cfg.CancelGracePeriod <= 0 {
		cfg.CancelGracePeriod = constants.CancelGracePeriod
	}
	if l == nil {
		return nil, fmt.Errorf("ledger is required")
	}
	if cat == nil {
		return nil, fmt.Errorf("catalog is required")
	}
	if log == nil {
		log = logger.Default()
	}

	c := &Coordinator{
		cfg:            cfg,
		ledger:         l,
		catalog:        cat,
		logger:         log.WithFields(zap.String("component", "coordinator")),
		maxConcurrency: cfg.MaxConcurrency,
		active:         make(map[string]*Execution),
		pending:        queue.NewCommandQueue(cfg.QueueLimit),
		executions:     make(map[string]*Execution),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.dispatcher = newDispatcher(c.bus, c.logger)
	return c, nil
}

// Subscribe registers fn for every event. The returned function removes it.
func (c *Coordinator) Subscribe(fn Subscriber) func() {
	return c.dispatcher.subscribe(fn)
}

// ExecuteCommand submits a command and waits for its result. Process
// failures are reported in the result, not as an error. If ctx ends first the
// command keeps running and ctx.Err() is returned.
func (c *Coordinator) ExecuteCommand(ctx context.Context, kind models.Kind, args []string, opts Options) (*models.Result, error) {
	exec, err := c.Submit(ctx, kind, args, opts)
	if err != nil {
		return nil, err
	}
	return exec.Wait(ctx)
}

// Submit admits a command and returns without waiting for it. The command
// starts immediately when a slot is free, after preempting a running command
// when it is high priority and every slot is taken, or is queued otherwise.
func (c *Coordinator) Submit(ctx context.Context, kind models.Kind, args []string, opts Options) (*Execution, error) {
	req, inv, err := c.prepare(kind, args, opts)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}

	var victim *Execution
	if req.Priority == models.PriorityHigh && len(c.active) >= c.maxConcurrency {
		victim = c.pickVictimLocked()
	}
	startNow := len(c.active) < c.maxConcurrency || victim != nil
	if !startNow && c.pending.IsFull() {
		c.mu.Unlock()
		return nil, ErrQueueFull
	}

	id := c.ledger.StartCommand(req.Kind, req.SubjectLabel, req.Priority)
	c.seq++
	exec := newExecution(id, c.seq, req, inv)
	_, exec.span = tracing.TraceCommandExecute(ctx, id, string(req.Kind), string(req.Priority))
	c.executions[id] = exec

	var preempted *cancellation
	if victim != nil {
		preempted = c.cancelActiveLocked(victim, "preempted by high-priority command")
		c.totalPreempted.Add(1)
		tracing.TraceCommandEvent(victim.span, "command.preempted", attribute.String("by", id))
	}

	var toLaunch []*Execution
	if startNow {
		c.activateLocked(exec)
		toLaunch = append(toLaunch, exec)
	} else {
		if err := c.pending.Enqueue(id, exec.seq, req); err != nil {
			// Only reachable on an id collision, which uuid rules out.
			c.mu.Unlock()
			return nil, fmt.Errorf("failed to enqueue command %s: %w", id, err)
		}
		tracing.TraceCommandEvent(exec.span, "command.queued")
	}
	status := c.statusLocked()
	c.mu.Unlock()

	c.logger.Info("command admitted",
		zap.String("command_id", id),
		zap.String("kind", string(req.Kind)),
		zap.String("priority", string(req.Priority)),
		zap.Bool("started", startNow),
		zap.Int("active", status.Active),
		zap.Int("queued", status.Queued))

	if preempted != nil {
		c.logger.Info("preempted running command",
			zap.String("command_id", preempted.exec.id),
			zap.String("for_command_id", id))
		c.completeCancellation(preempted)
	}
	c.emitQueueUpdate(status)
	c.launchAll(toLaunch)
	return exec, nil
}

// prepare validates the request and resolves the invocation. No state is
// touched, so rejected requests leave no record.
func (c *Coordinator) prepare(kind models.Kind, args []string, opts Options) (*models.Request, catalog.Invocation, error) {
	priority, err := models.ParsePriority(string(opts.Priority))
	if err != nil {
		return nil, catalog.Invocation{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if opts.WorkingDirectory != "" && !filepath.IsAbs(opts.WorkingDirectory) {
		return nil, catalog.Invocation{}, fmt.Errorf("%w: working directory %q is not absolute", ErrInvalidRequest, opts.WorkingDirectory)
	}

	req := &models.Request{
		Kind:             kind,
		Arguments:        append([]string(nil), args...),
		WorkingDirectory: opts.WorkingDirectory,
		Priority:         priority,
		SubjectLabel:     opts.SubjectLabel,
		Executable:       opts.Executable,
	}
	if opts.Markers != nil {
		req.Markers = append([]string{}, opts.Markers...)
	}

	inv, err := c.catalog.Resolve(req)
	if err != nil {
		if errors.Is(err, catalog.ErrUnknownKind) {
			return nil, catalog.Invocation{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
		}
		return nil, catalog.Invocation{}, err
	}
	inv.Env = opts.Env
	return req, inv, nil
}

// CancelCommand cancels a queued or running command. The ledger record moves
// to cancelled before this returns and the slot is released at once; the
// process itself gets SIGTERM and, after the grace period, SIGKILL. It
// reports false for a command that already finished.
func (c *Coordinator) CancelCommand(id string) (bool, error) {
	c.mu.Lock()
	exec, ok := c.executions[id]
	if !ok {
		c.mu.Unlock()
		if _, err := c.ledger.GetStatus(id); err != nil {
			return false, err
		}
		return false, nil
	}

	var cancelled *cancellation
	var toLaunch []*Execution
	if c.pending.Remove(id) {
		cancelled = c.cancelQueuedLocked(exec)
	} else if c.active[id] == exec {
		cancelled = c.cancelActiveLocked(exec, "cancelled")
		toLaunch = c.drainLocked()
	} else {
		c.mu.Unlock()
		return false, fmt.Errorf("command %s is neither queued nor active", id)
	}
	status := c.statusLocked()
	c.mu.Unlock()

	c.logger.Info("command cancelled", zap.String("command_id", id))
	c.completeCancellation(cancelled)
	c.emitQueueUpdate(status)
	c.launchAll(toLaunch)
	return true, nil
}

// CancelAllCommands cancels every running command and empties the queue.
// It returns how many commands were cancelled.
func (c *Coordinator) CancelAllCommands() int {
	c.mu.Lock()
	var cancelled []*cancellation
	for qc := c.pending.Dequeue(); qc != nil; qc = c.pending.Dequeue() {
		if exec, ok := c.executions[qc.CommandID]; ok {
			cancelled = append(cancelled, c.cancelQueuedLocked(exec))
		}
	}
	for _, exec := range c.activeInOrderLocked() {
		cancelled = append(cancelled, c.cancelActiveLocked(exec, "cancelled"))
	}
	status := c.statusLocked()
	c.mu.Unlock()

	for _, cn := range cancelled {
		c.completeCancellation(cn)
	}
	if len(cancelled) > 0 {
		c.logger.Info("cancelled all commands", zap.Int("count", len(cancelled)))
		c.emitQueueUpdate(status)
	}
	return len(cancelled)
}

// SetMaxConcurrency clamps n to [1,10] and applies it. Raising the bound
// starts queued commands; lowering it never stops running ones. It returns
// the applied value.
func (c *Coordinator) SetMaxConcurrency(n int) int {
	if n < config.MinConcurrency {
		n = config.MinConcurrency
	}
	if n > config.MaxConcurrency {
		n = config.MaxConcurrency
	}

	c.mu.Lock()
	prev := c.maxConcurrency
	c.maxConcurrency = n
	var toLaunch []*Execution
	if !c.closed {
		toLaunch = c.drainLocked()
	}
	status := c.statusLocked()
	c.mu.Unlock()

	if prev != n {
		c.logger.Info("max concurrency changed", zap.Int("from", prev), zap.Int("to", n))
	}
	if len(toLaunch) > 0 {
		c.emitQueueUpdate(status)
		c.launchAll(toLaunch)
	}
	return n
}

// GetExecutionStatus reports slot usage.
func (c *Coordinator) GetExecutionStatus() ExecutionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

// GetCommandStatus returns the ledger record for id.
func (c *Coordinator) GetCommandStatus(id string) (*models.StatusRecord, error) {
	return c.ledger.GetStatus(id)
}

// ListCommands returns every ledger record, oldest first.
func (c *Coordinator) ListCommands() []*models.StatusRecord {
	return c.ledger.GetAllStatuses()
}

// GetCommandOutput returns the stdout captured so far for id.
func (c *Coordinator) GetCommandOutput(id string) (string, error) {
	rec, err := c.ledger.GetStatus(id)
	if err != nil {
		return "", err
	}
	return rec.CapturedOutput, nil
}

// ClearCommandOutput empties the captured output of id in both the live
// session and the ledger. The command state is unchanged.
func (c *Coordinator) ClearCommandOutput(id string) error {
	c.mu.Lock()
	exec := c.active[id]
	c.mu.Unlock()
	if exec != nil && exec.session != nil {
		exec.session.ClearOutput()
	}
	return c.ledger.ClearOutput(id)
}

// PruneFinished drops finished records older than olderThan.
func (c *Coordinator) PruneFinished(olderThan time.Duration) int {
	return c.ledger.PruneFinished(olderThan)
}

// Close cancels every command, waits for the processes to exit or ctx to
// end, then stops event delivery. Submit fails with ErrClosed afterwards.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.CancelAllCommands()

	done := make(chan struct{})
	go func() {
		c.sessions.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("waiting for command processes: %w", ctx.Err())
	}
	c.dispatcher.close()
	return err
}

// pickVictimLocked chooses the running command to preempt: the normal
// priority command that started first, or if every running command is high
// priority, the one that started first. Ties go to the earlier submission.
func (c *Coordinator) pickVictimLocked() *Execution {
	var victim *Execution
	for _, candidate := range c.activeInOrderLocked() {
		if candidate.req.Priority == models.PriorityNormal {
			return candidate
		}
		if victim == nil {
			victim = candidate
		}
	}
	return victim
}

// activeInOrderLocked lists admitted commands by start time, then sequence.
func (c *Coordinator) activeInOrderLocked() []*Execution {
	out := make([]*Execution, 0, len(c.active))
	for _, exec := range c.active {
		out = append(out, exec)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].startedAt.Equal(out[j].startedAt) {
			return out[i].startedAt.Before(out[j].startedAt)
		}
		return out[i].seq < out[j].seq
	})
	return out
}

// activateLocked admits exec into a slot: ledger record to running and a
// session ready to launch. The process is spawned later by launch, outside
// the lock.
func (c *Coordinator) activateLocked(exec *Execution) {
	if err := c.ledger.UpdateStatus(exec.id, models.StateRunning, "starting"); err != nil {
		c.logger.Error("failed to mark command running", zap.String("command_id", exec.id), zap.Error(err))
	}
	exec.startedAt = time.Now()
	exec.session = session.New(session.Config{
		CommandID:   exec.id,
		Executable:  exec.inv.Executable,
		Args:        exec.inv.Args,
		WorkingDir:  exec.req.WorkingDirectory,
		Env:         exec.inv.Env,
		Markers:     exec.inv.Markers,
		GracePeriod: c.cfg.CancelGracePeriod,
	}, func(n session.Notification) {
		c.handleNotification(exec, n)
	}, c.logger)
	c.active[exec.id] = exec
	c.sessions.Add(1)
	c.totalStarted.Add(1)
}

// drainLocked admits queued commands into free slots, high priority first
// and FIFO within a tier.
func (c *Coordinator) drainLocked() []*Execution {
	var admitted []*Execution
	for len(c.active) < c.maxConcurrency {
		qc := c.pending.Dequeue()
		if qc == nil {
			break
		}
		exec, ok := c.executions[qc.CommandID]
		if !ok {
			continue
		}
		c.activateLocked(exec)
		admitted = append(admitted, exec)
	}
	return admitted
}

func (c *Coordinator) launchAll(execs []*Execution) {
	for _, exec := range execs {
		c.launch(exec)
	}
}

// launch spawns the session. A spawn failure is reported by the session as
// a complete notification, which handleNotification turns into an error
// result.
func (c *Coordinator) launch(exec *Execution) {
	tracing.TraceCommandEvent(exec.span, "command.started")
	if err := exec.session.Start(context.Background()); err != nil {
		c.logger.Warn("command failed to start", zap.String("command_id", exec.id), zap.Error(err))
		return
	}
	// A cancel that landed between admission and spawn found no process.
	if exec.cancelled.Load() {
		exec.session.Cancel()
	}
}

func (c *Coordinator) handleNotification(exec *Execution, n session.Notification) {
	if n.Kind == session.NotifyComplete {
		c.handleComplete(exec, n.Result)
		return
	}
	exec.notifyMu.Lock()
	defer exec.notifyMu.Unlock()
	if exec.concluded || exec.cancelled.Load() {
		return
	}

	var err error
	switch n.Kind {
	case session.NotifyOutput:
		err = c.ledger.AppendOutput(exec.id, n.Text)
		c.writeSink(exec.id, models.EventOutput, n.Text)
		c.emit(models.EventOutput, exec.id, models.OutputPayload{Text: n.Text})
	case session.NotifyErrorOutput:
		err = c.ledger.AppendError(exec.id, n.Text)
		c.writeSink(exec.id, models.EventError, n.Text)
		c.emit(models.EventError, exec.id, models.OutputPayload{Text: n.Text})
	case session.NotifyProgress:
		err = c.ledger.UpdateProgress(exec.id, n.Percent)
		c.emit(models.EventProgress, exec.id, models.ProgressPayload{Percent: n.Percent})
	case session.NotifyStatus:
		err = c.ledger.UpdateStatus(exec.id, models.StateRunning, n.Text)
		if errors.Is(err, ledger.ErrTerminal) {
			err = nil
		}
		c.emit(models.EventStatus, exec.id, models.StatusPayload{Message: n.Text})
	}
	if err != nil {
		c.logger.Warn("failed to record session notification",
			zap.String("command_id", exec.id),
			zap.String("notification", string(n.Kind)),
			zap.Error(err))
	}
}

// handleComplete releases the slot of a finished session and records its
// result, unless the command was cancelled first.
func (c *Coordinator) handleComplete(exec *Execution, result *models.Result) {
	defer c.sessions.Done()

	c.mu.Lock()
	owned := c.active[exec.id] == exec
	var applied bool
	var toLaunch []*Execution
	if owned {
		delete(c.active, exec.id)
		delete(c.executions, exec.id)
		var err error
		applied, err = c.ledger.CompleteCommand(exec.id, result)
		if err != nil {
			c.logger.Error("failed to record command result", zap.String("command_id", exec.id), zap.Error(err))
		}
		if !c.closed {
			toLaunch = c.drainLocked()
		}
	}
	status := c.statusLocked()
	c.mu.Unlock()

	if !owned {
		// Cancelled earlier; the cancelled result was already delivered.
		c.logger.Debug("cancelled command process exited",
			zap.String("command_id", exec.id),
			zap.Int("exit_code", result.ExitCode))
		return
	}

	state := result.TerminalState()
	if applied {
		c.logger.Info("command finished",
			zap.String("command_id", exec.id),
			zap.String("state", string(state)),
			zap.Int("exit_code", result.ExitCode),
			zap.Int64("duration_ms", result.DurationMs))
	}
	c.conclude(exec, result, state)
	c.emitQueueUpdate(status)
	c.launchAll(toLaunch)
}

// cancellation is a cancelled command whose result still has to be
// delivered outside the lock.
type cancellation struct {
	exec   *Execution
	result *models.Result
	kill   bool
}

func (c *Coordinator) cancelQueuedLocked(exec *Execution) *cancellation {
	exec.cancelled.Store(true)
	delete(c.executions, exec.id)
	if _, err := c.ledger.CancelCommand(exec.id); err != nil {
		c.logger.Error("failed to cancel command record", zap.String("command_id", exec.id), zap.Error(err))
	}
	return &cancellation{
		exec:   exec,
		result: &models.Result{ExitCode: models.CancelledExitCode, Cancelled: true},
	}
}

func (c *Coordinator) cancelActiveLocked(exec *Execution, reason string) *cancellation {
	exec.cancelled.Store(true)
	delete(c.active, exec.id)
	delete(c.executions, exec.id)
	if _, err := c.ledger.CancelCommand(exec.id); err != nil {
		c.logger.Error("failed to cancel command record", zap.String("command_id", exec.id), zap.Error(err))
	}
	result := &models.Result{
		ExitCode:   models.CancelledExitCode,
		Cancelled:  true,
		Output:     exec.session.CurrentOutput(),
		Error:      reason,
		DurationMs: time.Since(exec.startedAt).Milliseconds(),
	}
	return &cancellation{exec: exec, result: result, kill: true}
}

func (c *Coordinator) completeCancellation(cn *cancellation) {
	if cn.kill {
		cn.exec.session.Cancel()
	}
	c.conclude(cn.exec, cn.result, models.StateCancelled)
}

// conclude delivers the terminal result exactly once.
func (c *Coordinator) conclude(exec *Execution, result *models.Result, state models.State) {
	exec.notifyMu.Lock()
	defer exec.notifyMu.Unlock()
	if !exec.resolve(result) {
		return
	}
	exec.concluded = true
	tracing.TraceCommandResult(exec.span, string(state), result.ExitCode, result.Error)
	c.emit(models.EventComplete, exec.id, result)
}

func (c *Coordinator) statusLocked() ExecutionStatus {
	return ExecutionStatus{
		Active:        len(c.active),
		Queued:        c.pending.Len(),
		MaxConcurrent: c.maxConcurrency,
	}
}

func (c *Coordinator) emit(eventType models.EventType, commandID string, payload interface{}) {
	c.dispatcher.emit(models.Event{
		Type:      eventType,
		CommandID: commandID,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	})
}

func (c *Coordinator) emitQueueUpdate(status ExecutionStatus) {
	c.emit(models.EventQueueUpdate, "", models.QueuePayload{Active: status.Active, Queued: status.Queued})
}

func (c *Coordinator) writeSink(commandID string, stream models.EventType, text string) {
	if c.sink != nil {
		c.sink.WriteOutput(commandID, stream, text)
	}
}

// Execution is the handle of one submitted command.
type Execution struct {
	id  string
	seq uint64
	req *models.Request
	inv catalog.Invocation

	span      trace.Span
	session   *session.Session // set on admission, guarded by Coordinator.mu
	startedAt time.Time        // set on admission, guarded by Coordinator.mu
	cancelled atomic.Bool

	// notifyMu orders per-command events: nothing is emitted after complete.
	notifyMu  sync.Mutex
	concluded bool

	once   sync.Once
	done   chan struct{}
	result *models.Result
}

func newExecution(id string, seq uint64, req *models.Request, inv catalog.Invocation) *Execution {
	return &Execution{
		id:   id,
		seq:  seq,
		req:  req,
		inv:  inv,
		done: make(chan struct{}),
	}
}

// ID returns the command id.
func (e *Execution) ID() string { return e.id }

// Done is closed once the command reaches a terminal state.
func (e *Execution) Done() <-chan struct{} { return e.done }

// Result returns the final result, or nil while the command is unfinished.
func (e *Execution) Result() *models.Result {
	select {
	case <-e.done:
		return e.result
	default:
		return nil
	}
}

// Wait blocks until the command finishes or ctx ends.
func (e *Execution) Wait(ctx context.Context) (*models.Result, error) {
	select {
	case <-e.done:
		return e.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Execution) resolve(result *models.Result) bool {
	resolved := false
	e.once.Do(func() {
		e.result = result
		close(e.done)
		resolved = true
	})
	return resolved
}
