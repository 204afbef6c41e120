package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// stateBlob is the single-table schema for the SQLite backend: one row per
// key, value is the serialized collection.
type stateBlob struct {
	Key       string `gorm:"primaryKey"`
	Value     []byte `gorm:"not null"`
	UpdatedAt int64  `gorm:"not null"`
}

func (stateBlob) TableName() string { return "state_blobs" }

// SQLite is the default durable Backend, a GORM-managed SQLite file.
type SQLite struct {
	db *gorm.DB
}

// SQLiteConfig holds SQLite backend configuration.
type SQLiteConfig struct {
	Path     string // path to the database file
	MaxConns int    // max open connections (default 4)
}

// NewSQLite opens (creating if needed) the database at cfg.Path and runs
// migrations. WAL mode is enabled for concurrent readers.
func NewSQLite(cfg SQLiteConfig) (*SQLite, error) {
	db, err := gorm.Open(sqlite.Open(cfg.Path+"?_foreign_keys=ON"), &gorm.Config{
		Logger:      logger.Default.LogMode(logger.Silent),
		PrepareStmt: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("unwrap sql.DB: %w", err)
	}

	maxConns := cfg.MaxConns
	if maxConns <= 0 {
		maxConns = 4
	}
	sqlDB.SetMaxOpenConns(maxConns)
	sqlDB.SetMaxIdleConns(maxConns)
	sqlDB.SetConnMaxLifetime(0)

	if err := runMigrations(db); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	// WAL and busy timeout let a second process read while we write.
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	return &SQLite{db: db}, nil
}

// runMigrations runs schema migrations using gormigrate.
func runMigrations(db *gorm.DB) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		{
			ID: "001_state_blobs",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&stateBlob{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("state_blobs")
			},
		},
	})
	return m.Migrate()
}

func (s *SQLite) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var blob stateBlob
	err := s.db.WithContext(ctx).First(&blob, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read blob %q: %w", key, err)
	}
	return blob.Value, true, nil
}

func (s *SQLite) Put(ctx context.Context, key string, value []byte) error {
	blob := stateBlob{Key: key, Value: value, UpdatedAt: time.Now().UnixMilli()}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
		}).
		Create(&blob).Error
	if err != nil {
		return fmt.Errorf("write blob %q: %w", key, err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
