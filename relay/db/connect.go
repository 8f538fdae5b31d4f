package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	_ "github.com/tursodatabase/go-libsql"
)

// LibSQLEmbeddedConfig holds configuration for embedded libsql connections.
type LibSQLEmbeddedConfig struct {
	DatabasePath string // path to the .db file
	Logger       zerolog.Logger
}

// ConnectToDB opens an embedded libsql database at path and runs migrations.
func ConnectToDB(ctx context.Context, path string, logger zerolog.Logger) (*sql.DB, error) {
	db, err := ConnectToDBWithConfig(ctx, &LibSQLEmbeddedConfig{DatabasePath: path, Logger: logger})
	if err != nil {
		return nil, err
	}
	if err := Migrate(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// ConnectToDBWithConfig opens the database without migrating it.
func ConnectToDBWithConfig(ctx context.Context, config *LibSQLEmbeddedConfig) (*sql.DB, error) {
	logger := config.Logger.With().Str("component", "db").Logger()
	path := strings.TrimPrefix(config.DatabasePath, "file:")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("could not create database directory %s: %w", dir, err)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		logger.Info().Str("path", path).Msg("database not found, creating a new one")
	}

	db, err := sql.Open("libsql", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open libsql connection: %w", err)
	}
	// embedded libsql serializes writers anyway
	db.SetMaxOpenConns(1)

	if err := configure(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Debug().Str("path", path).Msg("connected to embedded libsql")
	return db, nil
}

// configure verifies connectivity and applies pragmas.
func configure(ctx context.Context, db *sql.DB, logger zerolog.Logger) error {
	var result int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("basic connectivity test failed: %w", err)
	}
	if result != 1 {
		return fmt.Errorf("basic connectivity test failed: unexpected result %d", result)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		logger.Warn().Err(err).Msg("failed to enable foreign keys")
	}

	var mode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode = WAL").Scan(&mode); err != nil {
		logger.Warn().Err(err).Msg("failed to set journal mode")
	} else {
		logger.Debug().Str("journal_mode", mode).Msg("journal mode set")
	}
	return nil
}
