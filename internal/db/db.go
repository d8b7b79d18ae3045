// Package db wires the gorm connection to the embedded SQLite store and
// runs the idempotent schema migrations for the key pool tables.
package db

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"gemini-gateway/internal/models"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// New opens the SQLite-backed store at path, tunes it for a single-writer
// workload (WAL mode, one write connection), and runs migrations.
func New(path string) (*gorm.DB, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := path + "?_pragma=foreign_keys(1)&_busy_timeout=10000&_journal_mode=WAL&_synchronous=NORMAL&cache=shared"

	gormDB, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:      logger.Default.LogMode(logger.Silent),
		PrepareStmt: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := gormDB.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	// A single write connection avoids SQLITE_BUSY under WAL: one writer at a
	// time is the supported model, readers don't block writers.
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if conn, err := sqlDB.Conn(ctx); err != nil {
		log.Printf("failed to acquire connection for SQLite PRAGMAs: %v", err)
	} else {
		if _, err := conn.ExecContext(ctx, "PRAGMA wal_autocheckpoint = 1000"); err != nil {
			log.Printf("failed to apply PRAGMA wal_autocheckpoint: %v", err)
		}
		conn.Close()
	}

	if err := migrate(gormDB); err != nil {
		return nil, err
	}

	logrus.Info("database connection established")
	return gormDB, nil
}

// migrate runs AutoMigrate for the five key-pool tables (which adds any
// column an older database is missing) and then seeds the
// free_key_consecutive_failures row of global_state if it is absent.
func migrate(gormDB *gorm.DB) error {
	if err := gormDB.AutoMigrate(
		&models.APIKey{},
		&models.KeyStats{},
		&models.RateLimitEvent{},
		&models.Suspension{},
		&models.GlobalState{},
	); err != nil {
		return fmt.Errorf("auto-migration failed: %w", err)
	}

	if err := gormDB.Exec(
		"INSERT OR IGNORE INTO global_state (key, value) VALUES (?, ?)",
		models.FreeKeyFailuresStateKey, "0",
	).Error; err != nil {
		return fmt.Errorf("failed to seed global_state: %w", err)
	}

	return nil
}

// Close shuts down the connection pool, forcing idle connections closed so
// the process can exit promptly.
func Close(gormDB *gorm.DB) {
	if gormDB == nil {
		return
	}
	if stmtManager, ok := gormDB.ConnPool.(*gorm.PreparedStmtDB); ok {
		stmtManager.Close()
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		return
	}
	sqlDB.SetMaxIdleConns(0)
	_ = sqlDB.Close()
}
