// Package store persists command status records.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/kandev/cmdq/internal/command/models"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("command record not found")

// Repository is the durable side of the status ledger.
type Repository interface {
	// SaveCommand inserts or replaces the record with rec.ID.
	SaveCommand(ctx context.Context, rec *models.StatusRecord) error
	GetCommand(ctx context.Context, id string) (*models.StatusRecord, error)
	// ListCommands returns every record ordered by creation time.
	ListCommands(ctx context.Context) ([]*models.StatusRecord, error)
	DeleteCommand(ctx context.Context, id string) error
	// DeleteFinishedBefore removes terminal records that ended before cutoff.
	DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error)
	Close() error
}

func terminalStates() []string {
	return []string{
		string(models.StateCompleted),
		string(models.StateFailed),
		string(models.StateCancelled),
		string(models.StateError),
	}
}
