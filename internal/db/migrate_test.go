package db

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"testing/fstest"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMigrations() fstest.MapFS {
	return fstest.MapFS{
		"migrations/002_b.sql":  {Data: []byte("CREATE TABLE b (id INT)")},
		"migrations/001_a.sql":  {Data: []byte("CREATE TABLE a (id INT)")},
		"migrations/README.txt": {Data: []byte("ignored")},
	}
}

func TestRunMigrationsAppliesPendingInOrder(t *testing.T) {
	database, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer database.Close()

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS schema_migrations")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT version FROM schema_migrations")).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow("001_a.sql"))

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE b (id INT)")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO schema_migrations (version) VALUES ($1)")).
		WithArgs("002_b.sql").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, runMigrations(context.Background(), database, testMigrations()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunMigrationsRollsBackOnFailure(t *testing.T) {
	database, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer database.Close()

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS schema_migrations")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT version FROM schema_migrations")).
		WillReturnRows(sqlmock.NewRows([]string{"version"}))

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE a (id INT)")).WillReturnError(errors.New("syntax error"))
	mock.ExpectRollback()

	err = runMigrations(context.Background(), database, testMigrations())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "execute migration 001_a.sql")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEmbeddedMigrations(t *testing.T) {
	versions, err := migrationVersions(migrationFiles)
	require.NoError(t, err)
	assert.Equal(t, []string{"001_users.sql", "002_security_counters.sql"}, versions)
}
