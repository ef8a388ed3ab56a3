package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/cmdq/internal/common/config"
	"github.com/kandev/cmdq/internal/common/logger"
)

func TestProvideSQLiteCreatesFileAndPools(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "cmdq.db")
	pool, cleanup, err := Provide(config.DatabaseConfig{Driver: "sqlite", Path: path}, logger.NewNop())
	require.NoError(t, err)
	require.NotNil(t, pool)
	defer func() { assert.NoError(t, cleanup()) }()

	_, err = pool.Writer().Exec(`CREATE TABLE scratch (id INTEGER PRIMARY KEY, v TEXT)`)
	require.NoError(t, err)
	_, err = pool.Writer().Exec(`INSERT INTO scratch (v) VALUES ('x')`)
	require.NoError(t, err)

	var v string
	require.NoError(t, pool.Reader().Get(&v, `SELECT v FROM scratch LIMIT 1`))
	assert.Equal(t, "x", v)

	_, err = pool.Reader().Exec(`INSERT INTO scratch (v) VALUES ('y')`)
	assert.Error(t, err, "reader pool must be read-only")
}

func TestProvideMemory(t *testing.T) {
	pool, cleanup, err := Provide(config.DatabaseConfig{Driver: "memory"}, logger.NewNop())
	require.NoError(t, err)
	assert.Nil(t, pool)
	assert.NoError(t, cleanup())
}

func TestProvideUnsupportedDriver(t *testing.T) {
	_, _, err := Provide(config.DatabaseConfig{Driver: "mongo"}, logger.NewNop())
	assert.Error(t, err)
}
