package store

import "github.com/kandev/cmdq/internal/db"

// Provide returns the SQL repository over pool, or a memory repository when
// pool is nil.
func Provide(pool *db.Pool) (Repository, func() error, error) {
	if pool == nil {
		repo := NewMemoryRepository()
		return repo, repo.Close, nil
	}
	repo, err := newSQLRepository(pool.Writer(), pool.Reader())
	if err != nil {
		return nil, nil, err
	}
	return repo, repo.Close, nil
}
