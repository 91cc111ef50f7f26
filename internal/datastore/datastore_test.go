package datastore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/birdnet-search/internal/conf"
	"github.com/tphakala/birdnet-search/internal/datastore/entities"
	"github.com/tphakala/birdnet-search/internal/errors"
)

func TestOpenSQLiteFile(t *testing.T) {
	settings := &conf.Settings{}
	settings.Database.Driver = conf.DriverSQLite
	settings.Database.SQLite.Path = filepath.Join(t.TempDir(), "nested", "search.db")

	db, err := Open(settings)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	assert.False(t, db.IsMySQL())
	assert.Equal(t, conf.DriverSQLite, db.Dialect())
	assert.FileExists(t, settings.Database.SQLite.Path)

	for _, table := range []string{"embeddings", "search_sessions", "search_candidates", "classifier_models", "inference_predictions"} {
		assert.True(t, db.Gorm.Migrator().HasTable(table), table)
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	settings := &conf.Settings{}
	settings.Database.Driver = "postgres"

	_, err := Open(settings)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))
}

func TestMigrateIsRepeatable(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, Migrate(db))
	assert.True(t, db.Gorm.Migrator().HasIndex(&entities.ClassifierModel{}, "idx_model_one_active"))
}

func TestOpenInMemoryIsolated(t *testing.T) {
	a, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	b, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	require.NoError(t, a.Gorm.Create(&entities.Embedding{ClipID: "c1", DatasetID: "d", Dimension: 1, Vector: []byte{1, 2, 3, 4}}).Error)

	var n int64
	require.NoError(t, b.Gorm.Model(&entities.Embedding{}).Count(&n).Error)
	assert.Zero(t, n)
}

func TestMySQLDSN(t *testing.T) {
	dsn := MySQLDSN(&conf.MySQLSettings{Username: "u", Password: "p", Host: "db", Port: "3306", Database: "search"})
	assert.Equal(t, "u:p@tcp(db:3306)/search?charset=utf8mb4&parseTime=True&loc=Local", dsn)
}
