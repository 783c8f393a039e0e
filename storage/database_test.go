package storage

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsertStatement(t *testing.T) {
	mysqlStmt := insertStatement(2, func(int) string { return "?" }, "ON DUPLICATE KEY UPDATE value = VALUES(value)")
	assert.Equal(t, "INSERT INTO point_samples (point_id, source_group, project_id, entity_id, ts, value, quality) VALUES "+
		"(?, ?, ?, ?, ?, ?, ?), (?, ?, ?, ?, ?, ?, ?) ON DUPLICATE KEY UPDATE value = VALUES(value)", mysqlStmt)

	pgStmt := insertStatement(2, func(i int) string { return "$" + strconv.Itoa(i+1) }, "ON CONFLICT DO NOTHING")
	assert.Contains(t, pgStmt, "($1, $2, $3, $4, $5, $6, $7), ($8, $9, $10, $11, $12, $13, $14) ON CONFLICT DO NOTHING")
}

func TestParseMySQLDSN(t *testing.T) {
	database, server, err := parseMySQLDSN("eds:secret@tcp(db:3306)/historian?parseTime=true")
	require.NoError(t, err)
	assert.Equal(t, "historian", database)
	assert.Contains(t, server, "eds:secret@tcp(db:3306)/")
	assert.NotContains(t, server, "historian")
	assert.Contains(t, server, "parseTime=true")

	_, _, err = parseMySQLDSN("eds:secret@tcp(db:3306)/")
	assert.Error(t, err)
}

func TestParsePostgreSQLDSN(t *testing.T) {
	tests := map[string]string{
		"url":       "postgres://eds:secret@db:5432/historian?sslmode=disable",
		"key value": "host=db port=5432 user=eds password=secret dbname=historian sslmode=disable",
	}

	for name, dsn := range tests {
		t.Run(name, func(t *testing.T) {
			database, server, err := parsePostgreSQLDSN(dsn)
			require.NoError(t, err)
			assert.Equal(t, "historian", database)
			assert.Contains(t, server, "host=db")
			assert.Contains(t, server, "dbname=postgres")
			assert.NotContains(t, server, "historian")
		})
	}

	_, _, err := parsePostgreSQLDSN("host=db user=eds")
	assert.Error(t, err)
}

func TestMySQLStorage(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	s := newMySQLStorage(db, "historian")
	assert.Equal(t, "mysql", s.Name())

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS point_samples").WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, s.InitDatabase(context.Background()))

	series := testSeries()
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO point_samples .* ON DUPLICATE KEY UPDATE`).
		WithArgs(
			"M100FI.UNIT0@NET0", "Maxson", "P1", "E1", t0.Unix(), 10.1, "GOOD",
			"M100FI.UNIT0@NET0", "Maxson", "P1", "E1", t0.Unix()+300, 10.2, "GOOD",
		).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()
	require.NoError(t, s.Store(context.Background(), series))

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO point_samples").WillReturnError(errors.New("deadlock"))
	mock.ExpectRollback()
	err = s.Store(context.Background(), series)
	assert.ErrorContains(t, err, "deadlock")

	mock.ExpectClose()
	require.NoError(t, s.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgreSQLStorage(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	s := newPostgreSQLStorage(db, "historian")
	assert.Equal(t, "postgresql", s.Name())

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS point_samples").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS idx_point_samples_group").WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, s.InitDatabase(context.Background()))

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO point_samples .*\(\$1, \$2, \$3, \$4, \$5, \$6, \$7\), \(\$8, .* ON CONFLICT \(point_id, ts\) DO UPDATE`).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()
	require.NoError(t, s.Store(context.Background(), testSeries()))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertBatches(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := newMySQLStorage(db, "historian")

	series := testSeries()
	base := series.Samples[0]
	series.Samples = nil
	for i := 0; i < batchSize+1; i++ {
		sample := base
		sample.Timestamp = base.Timestamp.Add(time.Duration(i) * time.Minute)
		series.Samples = append(series.Samples, sample)
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO point_samples").WillReturnResult(sqlmock.NewResult(0, batchSize))
	mock.ExpectExec("INSERT INTO point_samples").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	require.NoError(t, s.Store(context.Background(), series))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNewDatabaseStorageUnsupported(t *testing.T) {
	_, err := NewDatabaseStorage(context.Background(), "sqlite", "file.db")
	assert.Error(t, err)
}
