package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// DatabaseType is a supported SQL archive
type DatabaseType string

const (
	// MySQL archive
	MySQL DatabaseType = "mysql"
	// PostgreSQL archive
	PostgreSQL DatabaseType = "postgresql"
)

// batchSize bounds the rows of one INSERT statement
const batchSize = 500

// sampleColumns are the columns of point_samples written by upsert
var sampleColumns = []string{"point_id", "source_group", "project_id", "entity_id", "ts", "value", "quality"}

// DatabaseStorage is an SQL archive backend
type DatabaseStorage interface {
	StorageBackend
	// InitDatabase creates the archive tables
	InitDatabase(ctx context.Context) error
}

// NewDatabaseStorage opens the archive database of dbType
func NewDatabaseStorage(ctx context.Context, dbType string, dsn string) (DatabaseStorage, error) {
	switch DatabaseType(dbType) {
	case MySQL:
		return NewMySQLStorage(ctx, dsn)
	case PostgreSQL:
		return NewPostgreSQLStorage(ctx, dsn)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", dbType)
	}
}

func configurePool(db *sql.DB) {
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)
}

// placeholderFunc renders the placeholder of the i-th (0 based) argument
type placeholderFunc func(i int) string

// insertStatement builds a multi-row INSERT into point_samples
func insertStatement(rows int, placeholder placeholderFunc, onConflict string) string {
	var b strings.Builder
	b.WriteString("INSERT INTO point_samples (")
	b.WriteString(strings.Join(sampleColumns, ", "))
	b.WriteString(") VALUES ")

	arg := 0
	for r := 0; r < rows; r++ {
		if r > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for c := range sampleColumns {
			if c > 0 {
				b.WriteString(", ")
			}
			b.WriteString(placeholder(arg))
			arg++
		}
		b.WriteByte(')')
	}
	b.WriteByte(' ')
	b.WriteString(onConflict)
	return b.String()
}

// upsert writes series in batches inside one transaction
func upsert(ctx context.Context, db *sql.DB, series Series, placeholder placeholderFunc, onConflict string) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction failed: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for start := 0; start < len(series.Samples); start += batchSize {
		end := min(start+batchSize, len(series.Samples))
		batch := series.Samples[start:end]

		args := make([]interface{}, 0, len(batch)*len(sampleColumns))
		for _, s := range batch {
			args = append(args, series.PointID, series.Group, series.ProjectID, series.EntityID,
				s.Timestamp.Unix(), s.Value, s.Quality.String())
		}

		if _, err = tx.ExecContext(ctx, insertStatement(len(batch), placeholder, onConflict), args...); err != nil {
			return fmt.Errorf("insert samples of %s failed: %w", series.PointID, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction failed: %w", err)
	}
	return nil
}
