package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"

	"github.com/eddielth/eds-sync/logger"
)

const mysqlSamplesTable = `
CREATE TABLE IF NOT EXISTS point_samples (
	point_id VARCHAR(255) NOT NULL,
	source_group VARCHAR(255) NOT NULL,
	project_id VARCHAR(255) NOT NULL DEFAULT '',
	entity_id VARCHAR(255) NOT NULL DEFAULT '',
	ts BIGINT NOT NULL,
	value DOUBLE NOT NULL,
	quality VARCHAR(16) NOT NULL,
	updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
	PRIMARY KEY (point_id, ts),
	INDEX idx_source_group (source_group),
	INDEX idx_ts (ts)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`

const mysqlOnConflict = "ON DUPLICATE KEY UPDATE source_group = VALUES(source_group), project_id = VALUES(project_id), " +
	"entity_id = VALUES(entity_id), value = VALUES(value), quality = VALUES(quality)"

// MySQLStorage archives samples in MySQL
type MySQLStorage struct {
	db       *sql.DB
	database string
}

// NewMySQLStorage connects to dsn, creating the database and tables if needed
func NewMySQLStorage(ctx context.Context, dsn string) (*MySQLStorage, error) {
	database, serverDSN, err := parseMySQLDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse MySQL DSN failed: %w", err)
	}

	serverDB, err := sql.Open("mysql", serverDSN)
	if err != nil {
		return nil, fmt.Errorf("connect to MySQL server failed: %w", err)
	}
	defer serverDB.Close()

	quoted := "`" + strings.ReplaceAll(database, "`", "``") + "`"
	if _, err := serverDB.ExecContext(ctx, "CREATE DATABASE IF NOT EXISTS "+quoted+" CHARACTER SET utf8mb4 COLLATE utf8mb4_unicode_ci"); err != nil {
		return nil, fmt.Errorf("create database %s failed: %w", database, err)
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to MySQL database failed: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping MySQL database failed: %w", err)
	}
	configurePool(db)

	storage := newMySQLStorage(db, database)
	if err := storage.InitDatabase(ctx); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("MySQL archive %s ready", database)
	return storage, nil
}

func newMySQLStorage(db *sql.DB, database string) *MySQLStorage {
	return &MySQLStorage{db: db, database: database}
}

// parseMySQLDSN returns the database name of dsn and a DSN of the bare server
func parseMySQLDSN(dsn string) (database string, serverDSN string, err error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", "", err
	}
	if cfg.DBName == "" {
		return "", "", fmt.Errorf("DSN %q names no database", dsn)
	}

	database = cfg.DBName
	cfg.DBName = ""
	return database, cfg.FormatDSN(), nil
}

// InitDatabase implements DatabaseStorage
func (ms *MySQLStorage) InitDatabase(ctx context.Context) error {
	if _, err := ms.db.ExecContext(ctx, mysqlSamplesTable); err != nil {
		return fmt.Errorf("create MySQL point_samples table failed: %w", err)
	}
	return nil
}

// Name implements StorageBackend
func (ms *MySQLStorage) Name() string { return string(MySQL) }

// Store implements StorageBackend. Existing rows of the same point and
// timestamp are overwritten.
func (ms *MySQLStorage) Store(ctx context.Context, series Series) error {
	err := upsert(ctx, ms.db, series, func(int) string { return "?" }, mysqlOnConflict)
	if err != nil {
		return err
	}
	logger.Debug("archived %d samples of %s to MySQL", len(series.Samples), series.PointID)
	return nil
}

// Close implements StorageBackend
func (ms *MySQLStorage) Close() error {
	if ms.db == nil {
		return nil
	}
	if err := ms.db.Close(); err != nil {
		return fmt.Errorf("close MySQL connection failed: %w", err)
	}
	return nil
}
