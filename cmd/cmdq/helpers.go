package main

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/cmdq/internal/command/coordinator"
	"github.com/kandev/cmdq/internal/common/constants"
	"github.com/kandev/cmdq/internal/common/logger"
)

func runCleanups(cleanups []func() error, log *logger.Logger) {
	for _, cleanup := range cleanups {
		if cleanup == nil {
			continue
		}
		if err := cleanup(); err != nil {
			log.Warn("cleanup failed", zap.Error(err))
		}
	}
}

// pruneLoop drops finished ledger records older than retention until ctx
// ends. A zero retention disables it.
func pruneLoop(ctx context.Context, coord *coordinator.Coordinator, retention time.Duration, log *logger.Logger) {
	if retention <= 0 {
		return
	}
	ticker := time.NewTicker(constants.PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := coord.PruneFinished(retention); n > 0 {
				log.Info("pruned finished commands", zap.Int("count", n))
			}
		}
	}
}
