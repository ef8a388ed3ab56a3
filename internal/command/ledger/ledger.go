// Package ledger is the source of truth for command lifecycle state,
// independent of whether a process is still alive.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/cmdq/internal/command/ledger/store"
	"github.com/kandev/cmdq/internal/command/models"
	"github.com/kandev/cmdq/internal/common/logger"
)

// OrphanedMessage is the status message given to records that were still
// queued or running when the previous host process went away.
const OrphanedMessage = "orphaned: host restarted before command finished"

const storeTimeout = 5 * time.Second

var (
	// ErrNotFound is returned for unknown command ids.
	ErrNotFound = errors.New("command not found")
	// ErrInvalidTransition is returned for state changes the lifecycle forbids.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrTerminal is returned when a record has already reached a terminal state.
	ErrTerminal = fmt.Errorf("%w: command already finished", ErrInvalidTransition)
)

// Ledger holds one StatusRecord per accepted command. Every method is safe
// for concurrent use. When a repository is configured, lifecycle changes
// are queued to it in order and written behind the caller.
type Ledger struct {
	mu      sync.RWMutex
	records map[string]*models.StatusRecord
	writer  *writeBehind
	logger  *logger.Logger
	now     func() time.Time
}

// New creates a ledger. With a non-nil repo, persisted records are loaded and
// any record left queued or running by a previous host is marked error.
func New(ctx context.Context, repo store.Repository, log *logger.Logger) (*Ledger, error) {
	if log == nil {
		log = logger.Default()
	}
	l := &Ledger{
		records: make(map[string]*models.StatusRecord),
		logger:  log.WithFields(zap.String("component", "status-ledger")),
		now:     func() time.Time { return time.Now().UTC() },
	}
	if repo == nil {
		return l, nil
	}

	persisted, err := repo.ListCommands(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load command records: %w", err)
	}
	orphaned := 0
	for _, rec := range persisted {
		if !rec.State.IsTerminal() {
			now := l.now()
			rec.State = models.StateError
			rec.StatusMessage = OrphanedMessage
			rec.EndedAt = &now
			if rec.StartedAt != nil {
				rec.DurationMs = now.Sub(*rec.StartedAt).Milliseconds()
			}
			if err := repo.SaveCommand(ctx, rec); err != nil {
				return nil, fmt.Errorf("failed to mark orphaned command %s: %w", rec.ID, err)
			}
			orphaned++
		}
		l.records[rec.ID] = rec
	}
	if orphaned > 0 {
		l.logger.Warn("marked orphaned commands as error", zap.Int("count", orphaned))
	}
	l.logger.Debug("ledger loaded", zap.Int("records", len(persisted)))
	l.writer = newWriteBehind(repo, l.logger)
	return l, nil
}

// StartCommand registers a new queued record and returns its id.
func (l *Ledger) StartCommand(kind models.Kind, subjectLabel string, priority models.Priority) string {
	if priority == "" {
		priority = models.PriorityNormal
	}
	rec := &models.StatusRecord{
		ID:           uuid.New().String(),
		Kind:         kind,
		SubjectLabel: subjectLabel,
		Priority:     priority,
		State:        models.StateQueued,
		CreatedAt:    l.now(),
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.records[rec.ID] = rec
	l.persist(rec)
	return rec.ID
}

// UpdateStatus moves a record to state and replaces its status message.
// running -> running is allowed and only refreshes the message.
func (l *Ledger) UpdateStatus(id string, state models.State, message string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, err := l.get(id)
	if err != nil {
		return err
	}
	if rec.State.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrTerminal, id, rec.State)
	}
	if !rec.State.CanTransitionTo(state) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, rec.State, state)
	}

	changed := rec.State != state
	rec.State = state
	rec.StatusMessage = message
	now := l.now()
	if state == models.StateRunning && rec.StartedAt == nil {
		rec.StartedAt = &now
	}
	if state.IsTerminal() {
		l.finish(rec, now)
	}
	if changed {
		l.persist(rec)
	}
	return nil
}

// AppendOutput appends stdout text. It is a no-op on terminal records.
func (l *Ledger) AppendOutput(id, text string) error {
	return l.appendText(id, text, false)
}

// AppendError appends stderr text. It is a no-op on terminal records.
func (l *Ledger) AppendError(id, text string) error {
	return l.appendText(id, text, true)
}

func (l *Ledger) appendText(id, text string, stderr bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, err := l.get(id)
	if err != nil {
		return err
	}
	if rec.State.IsTerminal() {
		return nil
	}
	if stderr {
		rec.CapturedError += text
	} else {
		rec.CapturedOutput += text
	}
	return nil
}

// UpdateProgress clamps percent to [0,100] and applies it unless it would
// lower the current value. It is a no-op on terminal records.
func (l *Ledger) UpdateProgress(id string, percent int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, err := l.get(id)
	if err != nil {
		return err
	}
	if rec.State.IsTerminal() {
		return nil
	}
	percent = clampPercent(percent)
	if percent > rec.ProgressPercent {
		rec.ProgressPercent = percent
	}
	return nil
}

// CompleteCommand records a session result. The terminal state comes from
// the result: completed, failed or error. It reports false when the record
// was already terminal, in which case nothing changes.
func (l *Ledger) CompleteCommand(id string, result *models.Result) (bool, error) {
	if result == nil {
		return false, fmt.Errorf("nil result for command %s", id)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	rec, err := l.get(id)
	if err != nil {
		return false, err
	}
	if rec.State.IsTerminal() {
		return false, nil
	}

	state := result.TerminalState()
	if !rec.State.CanTransitionTo(state) {
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, rec.State, state)
	}

	now := l.now()
	rec.State = state
	code := result.ExitCode
	rec.ExitCode = &code
	rec.CapturedOutput = result.Output
	rec.CapturedError = result.Error
	if state == models.StateCompleted {
		rec.ProgressPercent = 100
	}
	l.finish(rec, now)
	if result.DurationMs > 0 {
		rec.DurationMs = result.DurationMs
	}
	l.persist(rec)
	return true, nil
}

// CancelCommand forces a queued or running record to cancelled. It reports
// false when the record was already terminal.
func (l *Ledger) CancelCommand(id string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, err := l.get(id)
	if err != nil {
		return false, err
	}
	if rec.State.IsTerminal() {
		return false, nil
	}
	rec.State = models.StateCancelled
	rec.StatusMessage = "cancelled"
	code := models.CancelledExitCode
	rec.ExitCode = &code
	l.finish(rec, l.now())
	l.persist(rec)
	return true, nil
}

// ClearOutput empties the captured text without touching the state.
func (l *Ledger) ClearOutput(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, err := l.get(id)
	if err != nil {
		return err
	}
	rec.CapturedOutput = ""
	rec.CapturedError = ""
	l.persist(rec)
	return nil
}

// RemoveCommand deletes a terminal record.
func (l *Ledger) RemoveCommand(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, err := l.get(id)
	if err != nil {
		return err
	}
	if !rec.State.IsTerminal() {
		return fmt.Errorf("%w: %s is still %s", ErrInvalidTransition, id, rec.State)
	}
	delete(l.records, id)
	if l.writer != nil {
		l.writer.enqueue(storeOp{deleteID: id})
	}
	return nil
}

// PruneFinished drops terminal records that ended more than olderThan ago
// and returns how many were removed.
func (l *Ledger) PruneFinished(olderThan time.Duration) int {
	cutoff := l.now().Add(-olderThan)

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for id, rec := range l.records {
		if rec.State.IsTerminal() && rec.EndedAt != nil && rec.EndedAt.Before(cutoff) {
			delete(l.records, id)
			removed++
		}
	}
	if l.writer != nil {
		l.writer.enqueue(storeOp{pruneBefore: cutoff})
	}
	if removed > 0 {
		l.logger.Debug("pruned finished commands", zap.Int("count", removed))
	}
	return removed
}

// GetStatus returns a copy of one record.
func (l *Ledger) GetStatus(id string) (*models.StatusRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rec, err := l.get(id)
	if err != nil {
		return nil, err
	}
	return rec.Clone(), nil
}

// GetAllStatuses returns copies of every record, oldest first.
func (l *Ledger) GetAllStatuses() []*models.StatusRecord {
	return l.snapshot(func(*models.StatusRecord) bool { return true })
}

// GetRunningCommands returns copies of the running records, oldest first.
func (l *Ledger) GetRunningCommands() []*models.StatusRecord {
	return l.snapshot(func(r *models.StatusRecord) bool { return r.State == models.StateRunning })
}

// GetCommandStats aggregates every record in the ledger.
func (l *Ledger) GetCommandStats() models.CommandStats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var stats models.CommandStats
	var totalDuration int64
	var finishedRuns int
	for _, rec := range l.records {
		stats.Total++
		switch rec.State {
		case models.StateCompleted:
			stats.Successful++
		case models.StateFailed:
			stats.Failed++
		case models.StateError:
			stats.Errored++
		case models.StateCancelled:
			stats.Cancelled++
		default:
			stats.Active++
		}
		if rec.State == models.StateCompleted || rec.State == models.StateFailed {
			totalDuration += rec.DurationMs
			finishedRuns++
		}
		if rec.StartedAt != nil && (stats.MostRecentRunAt == nil || rec.StartedAt.After(*stats.MostRecentRunAt)) {
			t := *rec.StartedAt
			stats.MostRecentRunAt = &t
		}
	}
	if finishedRuns > 0 {
		stats.AverageDurationMs = float64(totalDuration) / float64(finishedRuns)
	}
	return stats
}

func (l *Ledger) snapshot(keep func(*models.StatusRecord) bool) []*models.StatusRecord {
	l.mu.RLock()
	result := make([]*models.StatusRecord, 0, len(l.records))
	for _, rec := range l.records {
		if keep(rec) {
			result = append(result, rec.Clone())
		}
	}
	l.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

// get must be called with l.mu held.
func (l *Ledger) get(id string) (*models.StatusRecord, error) {
	rec, ok := l.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec, nil
}

// finish stamps EndedAt and the elapsed run time. Must be called with l.mu held.
func (l *Ledger) finish(rec *models.StatusRecord, now time.Time) {
	rec.EndedAt = &now
	if rec.StartedAt != nil {
		rec.DurationMs = now.Sub(*rec.StartedAt).Milliseconds()
	}
}

// persist queues a snapshot of rec for the repository. Must be called with
// l.mu held so snapshots of one record are queued in order.
func (l *Ledger) persist(rec *models.StatusRecord) {
	if l.writer == nil {
		return
	}
	l.writer.enqueue(storeOp{save: rec.Clone()})
}

// Flush waits until every change made so far has reached the repository.
func (l *Ledger) Flush(ctx context.Context) error {
	if l.writer == nil {
		return nil
	}
	return l.writer.flush(ctx)
}

// Close flushes pending writes and stops the background writer. Changes made
// afterwards are written synchronously.
func (l *Ledger) Close(ctx context.Context) error {
	if l.writer == nil {
		return nil
	}
	return l.writer.close(ctx)
}

func clampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
