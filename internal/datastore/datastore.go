// Package datastore opens and migrates the relational store backing the search engine.
package datastore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/tphakala/birdnet-search/internal/conf"
	"github.com/tphakala/birdnet-search/internal/datastore/entities"
	"github.com/tphakala/birdnet-search/internal/errors"
	"github.com/tphakala/birdnet-search/internal/logger"
	"github.com/tphakala/birdnet-search/internal/privacy"
)

var log = logger.Global().Module("datastore")

// DB wraps the GORM connection together with the dialect it was opened with.
type DB struct {
	Gorm    *gorm.DB
	dialect string
}

// IsMySQL returns true for MySQL connections.
func (d *DB) IsMySQL() bool {
	return d.dialect == conf.DriverMySQL
}

// Dialect returns the configured driver name.
func (d *DB) Dialect() string {
	return d.dialect
}

// Close closes the underlying connection pool.
func (d *DB) Close() error {
	sqlDB, err := d.Gorm.DB()
	if err != nil {
		return fmt.Errorf("failed to retrieve generic DB object: %w", err)
	}
	return sqlDB.Close()
}

// Ping verifies the connection is alive.
func (d *DB) Ping(ctx context.Context) error {
	sqlDB, err := d.Gorm.DB()
	if err != nil {
		return fmt.Errorf("failed to retrieve generic DB object: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

// Open connects to the configured database and runs migrations.
func Open(settings *conf.Settings) (*DB, error) {
	gormLogger := logger.NewGormLoggerAdapter(log, settings.Database.SlowQueryThreshold)

	var (
		db  *DB
		err error
	)
	switch settings.Database.Driver {
	case conf.DriverMySQL:
		db, err = openMySQL(&settings.Database.MySQL, gormLogger)
	case conf.DriverSQLite, "":
		db, err = openSQLite(settings.Database.SQLite.Path, gormLogger)
	default:
		return nil, errors.Newf("unsupported database driver %q", settings.Database.Driver).
			Component("datastore").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if err != nil {
		return nil, err
	}

	if err := Migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// OpenInMemory opens a private in-memory SQLite database with the schema applied.
// Each call yields an isolated database.
func OpenInMemory() (*DB, error) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_foreign_keys=1", uuid.NewString())
	db, err := openSQLiteDSN(dsn, logger.NewGormLoggerAdapter(log, 0))
	if err != nil {
		return nil, err
	}
	if err := Migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func openSQLite(path string, gormLogger *logger.GormLoggerAdapter) (*DB, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, errors.New(err).
					Component("datastore").
					Category(errors.CategoryFileIO).
					Context("path", dir).
					Build()
			}
		}
	}
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=1", path)
	return openSQLiteDSN(dsn, gormLogger)
}

func openSQLiteDSN(dsn string, gormLogger *logger.GormLoggerAdapter) (*DB, error) {
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormLogger})
	if err != nil {
		return nil, errors.New(fmt.Errorf("failed to open SQLite database: %w", err)).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Build()
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve generic DB object: %w", err)
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY on
	// transaction upgrades and keeps in-memory databases alive.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetConnMaxLifetime(0)

	return &DB{Gorm: gdb, dialect: conf.DriverSQLite}, nil
}

// MySQLDSN builds the go-sql-driver DSN from settings.
func MySQLDSN(settings *conf.MySQLSettings) string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		settings.Username, settings.Password, settings.Host, settings.Port, settings.Database)
}

func openMySQL(settings *conf.MySQLSettings, gormLogger *logger.GormLoggerAdapter) (*DB, error) {
	return OpenMySQLDSN(MySQLDSN(settings), gormLogger)
}

// OpenMySQLDSN opens a MySQL connection from a raw DSN without migrating.
func OpenMySQLDSN(dsn string, gormLogger *logger.GormLoggerAdapter) (*DB, error) {
	if gormLogger == nil {
		gormLogger = logger.NewGormLoggerAdapter(log, 0)
	}
	gdb, err := gorm.Open(mysql.Open(dsn), &gorm.Config{Logger: gormLogger})
	if err != nil {
		err = privacy.WrapError(err)
		log.Error("failed to open MySQL database", logger.Error(err))
		return nil, errors.New(fmt.Errorf("failed to open MySQL database: %w", err)).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Build()
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve generic DB object: %w", err)
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	return &DB{Gorm: gdb, dialect: conf.DriverMySQL}, nil
}

// Migrate creates or updates the schema for every entity.
func Migrate(db *DB) error {
	start := time.Now()
	err := db.Gorm.AutoMigrate(
		&entities.Embedding{},
		&entities.Session{},
		&entities.SessionCategory{},
		&entities.ReferenceExample{},
		&entities.SessionReference{},
		&entities.Candidate{},
		&entities.IterationRun{},
		&entities.ClassifierModel{},
		&entities.InferenceBatch{},
		&entities.InferencePrediction{},
	)
	if err != nil {
		return errors.New(fmt.Errorf("failed to migrate schema: %w", err)).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("dialect", db.dialect).
			Build()
	}

	if !db.IsMySQL() {
		// MySQL has no partial indexes; deploy serializes with row locks there instead.
		if err := db.Gorm.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_model_one_active
			ON classifier_models(category_id) WHERE is_active = 1`).Error; err != nil {
			return fmt.Errorf("failed to create active model index: %w", err)
		}
	}

	log.Debug("schema migrated",
		logger.String("dialect", db.dialect),
		logger.Duration("elapsed", time.Since(start)))
	return nil
}
