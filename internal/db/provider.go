package db

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/kandev/cmdq/internal/common/config"
	"github.com/kandev/cmdq/internal/common/logger"
)

// Provide opens the configured database. The memory driver returns a nil
// pool and a no-op cleanup; callers then keep the ledger in memory only.
func Provide(cfg config.DatabaseConfig, log *logger.Logger) (*Pool, func() error, error) {
	switch cfg.Driver {
	case "memory", "":
		log.Info("ledger persistence disabled", zap.String("db_driver", "memory"))
		return nil, func() error { return nil }, nil

	case "sqlite":
		writer, err := OpenSQLite(cfg.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite database: %w", err)
		}
		reader, err := OpenSQLiteReader(cfg.Path)
		if err != nil {
			_ = writer.Close()
			return nil, nil, fmt.Errorf("failed to open sqlite reader: %w", err)
		}
		pool := NewPool(writer, reader)
		log.Info("database initialized", zap.String("db_driver", cfg.Driver), zap.String("db_path", cfg.Path))
		cleanup := func() error {
			// Refresh planner statistics before closing.
			_, _ = writer.Exec("PRAGMA optimize")
			return pool.Close()
		}
		return pool, cleanup, nil

	case "postgres":
		conn, err := OpenPostgres(cfg.DSN, cfg.MaxConns, cfg.MinConns)
		if err != nil {
			return nil, nil, err
		}
		pool := NewPool(conn, conn)
		log.Info("database initialized", zap.String("db_driver", cfg.Driver))
		return pool, pool.Close, nil

	default:
		return nil, nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}
}
