package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/lib/pq"

	"github.com/eddielth/eds-sync/logger"
)

const postgresSamplesTable = `
CREATE TABLE IF NOT EXISTS point_samples (
	point_id VARCHAR(255) NOT NULL,
	source_group VARCHAR(255) NOT NULL,
	project_id VARCHAR(255) NOT NULL DEFAULT '',
	entity_id VARCHAR(255) NOT NULL DEFAULT '',
	ts BIGINT NOT NULL,
	value DOUBLE PRECISION NOT NULL,
	quality VARCHAR(16) NOT NULL,
	updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (point_id, ts)
)`

const postgresSamplesIndex = `CREATE INDEX IF NOT EXISTS idx_point_samples_group ON point_samples(source_group)`

const postgresOnConflict = "ON CONFLICT (point_id, ts) DO UPDATE SET source_group = EXCLUDED.source_group, " +
	"project_id = EXCLUDED.project_id, entity_id = EXCLUDED.entity_id, value = EXCLUDED.value, " +
	"quality = EXCLUDED.quality, updated_at = CURRENT_TIMESTAMP"

// PostgreSQLStorage archives samples in PostgreSQL
type PostgreSQLStorage struct {
	db       *sql.DB
	database string
}

// NewPostgreSQLStorage connects to dsn, creating the database and tables if needed
func NewPostgreSQLStorage(ctx context.Context, dsn string) (*PostgreSQLStorage, error) {
	database, serverDSN, err := parsePostgreSQLDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse PostgreSQL DSN failed: %w", err)
	}

	serverDB, err := sql.Open("postgres", serverDSN)
	if err != nil {
		return nil, fmt.Errorf("connect to PostgreSQL server failed: %w", err)
	}
	defer serverDB.Close()

	var exists bool
	err = serverDB.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM pg_database WHERE datname = $1)", database).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("check database %s failed: %w", database, err)
	}
	if !exists {
		// CREATE DATABASE cannot run inside a transaction or take parameters
		if _, err := serverDB.ExecContext(ctx, "CREATE DATABASE "+pq.QuoteIdentifier(database)); err != nil {
			return nil, fmt.Errorf("create database %s failed: %w", database, err)
		}
		logger.Info("created PostgreSQL database %s", database)
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to PostgreSQL database failed: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping PostgreSQL database failed: %w", err)
	}
	configurePool(db)

	storage := newPostgreSQLStorage(db, database)
	if err := storage.InitDatabase(ctx); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("PostgreSQL archive %s ready", database)
	return storage, nil
}

func newPostgreSQLStorage(db *sql.DB, database string) *PostgreSQLStorage {
	return &PostgreSQLStorage{db: db, database: database}
}

// parsePostgreSQLDSN returns the database name of dsn and a DSN of the
// server's maintenance database. URL DSNs are converted to key=value form.
func parsePostgreSQLDSN(dsn string) (database string, serverDSN string, err error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		dsn, err = pq.ParseURL(dsn)
		if err != nil {
			return "", "", err
		}
	}

	pairs := strings.Fields(dsn)
	server := make([]string, 0, len(pairs)+1)
	for _, kv := range pairs {
		if name, ok := strings.CutPrefix(kv, "dbname="); ok {
			database = strings.Trim(name, "'")
			continue
		}
		server = append(server, kv)
	}
	if database == "" {
		return "", "", fmt.Errorf("DSN names no database")
	}

	server = append(server, "dbname=postgres")
	return database, strings.Join(server, " "), nil
}

// InitDatabase implements DatabaseStorage
func (ps *PostgreSQLStorage) InitDatabase(ctx context.Context) error {
	if _, err := ps.db.ExecContext(ctx, postgresSamplesTable); err != nil {
		return fmt.Errorf("create PostgreSQL point_samples table failed: %w", err)
	}
	if _, err := ps.db.ExecContext(ctx, postgresSamplesIndex); err != nil {
		return fmt.Errorf("create PostgreSQL point_samples index failed: %w", err)
	}
	return nil
}

// Name implements StorageBackend
func (ps *PostgreSQLStorage) Name() string { return string(PostgreSQL) }

// Store implements StorageBackend. Existing rows of the same point and
// timestamp are overwritten.
func (ps *PostgreSQLStorage) Store(ctx context.Context, series Series) error {
	placeholder := func(i int) string { return "$" + strconv.Itoa(i+1) }
	if err := upsert(ctx, ps.db, series, placeholder, postgresOnConflict); err != nil {
		return err
	}
	logger.Debug("archived %d samples of %s to PostgreSQL", len(series.Samples), series.PointID)
	return nil
}

// Close implements StorageBackend
func (ps *PostgreSQLStorage) Close() error {
	if ps.db == nil {
		return nil
	}
	if err := ps.db.Close(); err != nil {
		return fmt.Errorf("close PostgreSQL connection failed: %w", err)
	}
	return nil
}
