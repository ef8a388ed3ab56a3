package ledger

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/cmdq/internal/command/ledger/store"
	"github.com/kandev/cmdq/internal/command/models"
	"github.com/kandev/cmdq/internal/common/logger"
)

// storeOp is one pending repository write. Exactly one field is set.
type storeOp struct {
	save        *models.StatusRecord
	deleteID    string
	pruneBefore time.Time
}

// writeBehind applies repository writes on a single goroutine, in the order
// they were queued, so callers never wait on the database.
type writeBehind struct {
	repo   store.Repository
	logger *logger.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	ops     []storeOp
	busy    bool
	closed  bool
	stopped chan struct{}
}

func newWriteBehind(repo store.Repository, log *logger.Logger) *writeBehind {
	w := &writeBehind{
		repo:    repo,
		logger:  log,
		stopped: make(chan struct{}),
	}
	w.cond = sync.NewCond(&w.mu)
	go w.run()
	return w
}

// enqueue never blocks on the repository. After close, ops are applied
// inline so late writes are not lost.
func (w *writeBehind) enqueue(op storeOp) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		w.apply(op)
		return
	}
	w.ops = append(w.ops, op)
	w.cond.Broadcast()
	w.mu.Unlock()
}

func (w *writeBehind) run() {
	defer close(w.stopped)
	for {
		w.mu.Lock()
		for len(w.ops) == 0 && !w.closed {
			w.cond.Wait()
		}
		if len(w.ops) == 0 {
			w.mu.Unlock()
			return
		}
		op := w.ops[0]
		w.ops[0] = storeOp{}
		w.ops = w.ops[1:]
		w.busy = true
		w.mu.Unlock()

		w.apply(op)

		w.mu.Lock()
		w.busy = false
		w.cond.Broadcast()
		w.mu.Unlock()
	}
}

func (w *writeBehind) apply(op storeOp) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	switch {
	case op.save != nil:
		if err := w.repo.SaveCommand(ctx, op.save); err != nil {
			w.logger.Warn("failed to persist command record",
				zap.String("command_id", op.save.ID),
				zap.String("state", string(op.save.State)),
				zap.Error(err))
		}
	case op.deleteID != "":
		if err := w.repo.DeleteCommand(ctx, op.deleteID); err != nil && !errors.Is(err, store.ErrNotFound) {
			w.logger.Warn("failed to delete command record", zap.String("command_id", op.deleteID), zap.Error(err))
		}
	case !op.pruneBefore.IsZero():
		if _, err := w.repo.DeleteFinishedBefore(ctx, op.pruneBefore); err != nil {
			w.logger.Warn("failed to prune command records", zap.Error(err))
		}
	}
}

// flush waits until every op queued so far has been applied.
func (w *writeBehind) flush(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		w.mu.Lock()
		for len(w.ops) > 0 || w.busy {
			w.cond.Wait()
		}
		w.mu.Unlock()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close drains the queue and stops the writer.
func (w *writeBehind) close(ctx context.Context) error {
	w.mu.Lock()
	w.closed = true
	w.cond.Broadcast()
	w.mu.Unlock()
	select {
	case <-w.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
