package queue

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/srand/buildmaster/pkg/utils"
	"github.com/stretchr/testify/assert"
)

func TestStoreConfigValidate(t *testing.T) {
	assert.NoError(t, (&StoreConfig{Driver: "memory"}).Validate())
	assert.NoError(t, (&StoreConfig{Driver: "sqlite", DSN: "queue.db"}).Validate())
	assert.NoError(t, (&StoreConfig{Driver: "mongodb", DSN: "mongodb://localhost", Database: "buildmaster"}).Validate())

	assert.ErrorIs(t, (&StoreConfig{Driver: "sqlite"}).Validate(), utils.ErrConfig)
	assert.ErrorIs(t, (&StoreConfig{Driver: "postgres"}).Validate(), utils.ErrConfig)
	assert.ErrorIs(t, (&StoreConfig{Driver: "mongodb", DSN: "mongodb://localhost"}).Validate(), utils.ErrConfig)
	assert.ErrorIs(t, (&StoreConfig{Driver: "bolt"}).Validate(), utils.ErrConfig)
}

func TestNewStore(t *testing.T) {
	store, err := NewStore(context.Background(), &StoreConfig{Driver: "memory"})
	assert.NoError(t, err)
	assert.IsType(t, &memoryStore{}, store)

	store, err = NewStore(context.Background(), &StoreConfig{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "queue.db"),
	})
	assert.NoError(t, err)
	assert.IsType(t, &sqlStore{}, store)
	assert.NoError(t, store.Close())
}

func TestPostgresRebind(t *testing.T) {
	s := &sqlStore{dialect: dialectPostgres}
	assert.Equal(t, "UPDATE t SET a = $1 WHERE b = $2", s.q("UPDATE t SET a = ? WHERE b = ?"))

	s = &sqlStore{dialect: dialectSqlite}
	assert.Equal(t, "SELECT ?", s.q("SELECT ?"))
}

func TestIsStorageError(t *testing.T) {
	assert.False(t, IsStorageError(nil))
	assert.False(t, IsStorageError(utils.ErrLeaseLost))
	assert.False(t, IsStorageError(context.Canceled))
	assert.True(t, IsStorageError(assert.AnError))
}
