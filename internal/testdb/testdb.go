// Package testdb creates per-test PostgreSQL databases for integration
// tests. Tests using it are skipped unless TXCORE_TEST_PG_DSN points at an
// admin database the helper may create test databases in.
package testdb

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/corebank/txcore/backoff"
	"github.com/corebank/txcore/db/dbpgx"
)

const envAdminDSN = "TXCORE_TEST_PG_DSN"

// AdminDSN returns the admin database DSN or skips the test if unset.
func AdminDSN(t testing.TB) string {
	t.Helper()
	dsn := os.Getenv(envAdminDSN)
	if dsn == "" {
		t.Skipf("skipping: %s not set", envAdminDSN)
	}
	return dsn
}

// New creates a new migrated dbpgx store on a fresh test database.
func New(t testing.TB, log *slog.Logger) *dbpgx.DB {
	t.Helper()
	ctx := t.Context()
	adminDSN := AdminDSN(t)

	// Derive a unique test DB name from the test name.
	dbName := "test_" + strings.ToLower(strings.ReplaceAll(t.Name(), "/", "_"))

	adminPool, err := pgxpool.New(ctx, adminDSN)
	require.NoError(t, err)
	defer adminPool.Close()

	dbNameSanitized := pgx.Identifier{dbName}.Sanitize()
	_, err = adminPool.Exec(ctx, `DROP DATABASE IF EXISTS `+dbNameSanitized)
	require.NoError(t, err)
	_, err = adminPool.Exec(ctx, `CREATE DATABASE `+dbNameSanitized)
	require.NoError(t, err)

	testDSN, err := replaceDatabase(adminDSN, dbName)
	require.NoError(t, err)

	bo, err := backoff.New(100*time.Millisecond, 300*time.Millisecond, 2.0, 0, nil)
	require.NoError(t, err)

	store, err := dbpgx.Open(ctx, log, testDSN, 0, bo)
	require.NoError(t, err)
	t.Cleanup(store.Close)

	require.NoError(t, store.Migrate(ctx))
	return store
}

func replaceDatabase(dsn, dbName string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("parsing admin DSN: %w", err)
	}
	u.Path = "/" + dbName
	return u.String(), nil
}
