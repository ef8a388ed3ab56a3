package main

import (
	"context"

	"github.com/kandev/cmdq/internal/command/ledger"
	"github.com/kandev/cmdq/internal/command/ledger/store"
	"github.com/kandev/cmdq/internal/common/config"
	"github.com/kandev/cmdq/internal/common/constants"
	"github.com/kandev/cmdq/internal/common/logger"
	"github.com/kandev/cmdq/internal/db"
)

// provideLedger opens the configured database and loads the status ledger
// from it. Cleanups are returned in the order they should run.
func provideLedger(ctx context.Context, cfg *config.Config, log *logger.Logger) (*ledger.Ledger, []func() error, error) {
	cleanups := make([]func() error, 0, 3)
	pool, cleanup, err := db.Provide(cfg.Database, log)
	if err != nil {
		return nil, nil, err
	}
	cleanups = append(cleanups, cleanup)

	repo, cleanup, err := store.Provide(pool)
	if err != nil {
		runCleanups(cleanups, log)
		return nil, nil, err
	}
	// The repository closes before the pool underneath it.
	cleanups = append([]func() error{cleanup}, cleanups...)

	l, err := ledger.New(ctx, repo, log)
	if err != nil {
		runCleanups(cleanups, log)
		return nil, nil, err
	}
	// Pending ledger writes drain before the repository closes.
	cleanups = append([]func() error{func() error {
		closeCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
		defer cancel()
		return l.Close(closeCtx)
	}}, cleanups...)
	return l, cleanups, nil
}
