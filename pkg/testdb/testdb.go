// Package testdb creates throwaway Postgres databases for integration tests.
// Tests are skipped when Postgres is unreachable, unless running in CI.
package testdb

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/iota-uz/approvalgate/pkg/configuration"
)

func isCI() bool {
	return strings.TrimSpace(os.Getenv("CI")) != "" || strings.EqualFold(strings.TrimSpace(os.Getenv("GITHUB_ACTIONS")), "true")
}

// New creates a fresh database named after the test and applies the "Up"
// sections of the given goose migration files in order.
func New(tb testing.TB, ctx context.Context, migrations ...string) *pgxpool.Pool {
	tb.Helper()

	conf := configuration.Use()
	db := conf.Database
	adminDSN := "postgres://" + db.User + ":" + db.Password + "@" + db.Host + ":" + db.Port + "/postgres?sslmode=disable"
	adminConn, err := pgx.Connect(ctx, adminDSN)
	if err != nil {
		if isCI() {
			require.NoError(tb, err)
		}
		tb.Skip("postgres is not reachable; skipping integration test")
	}

	dbName := "itf_" + strings.ToLower(strings.ReplaceAll(tb.Name(), "/", "_"))
	dbName = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			return r
		}
		return '_'
	}, dbName)
	if len(dbName) > 63 {
		dbName = dbName[:63]
	}

	_, _ = adminConn.Exec(ctx, "DROP DATABASE IF EXISTS "+dbName)
	if _, err := adminConn.Exec(ctx, "CREATE DATABASE "+dbName); err != nil {
		_ = adminConn.Close(ctx)
		if isCI() {
			require.NoError(tb, err)
		}
		tb.Skip("failed to create test database; skipping integration test")
	}

	pool, err := pgxpool.New(ctx, "postgres://"+db.User+":"+db.Password+"@"+db.Host+":"+db.Port+"/"+dbName+"?sslmode=disable")
	require.NoError(tb, err)

	for _, path := range migrations {
		ApplyGooseUp(tb, ctx, pool, path)
	}

	tb.Cleanup(func() {
		pool.Close()
		_, _ = adminConn.Exec(context.Background(), "DROP DATABASE IF EXISTS "+dbName)
		_ = adminConn.Close(context.Background())
	})
	return pool
}

func ApplyGooseUp(tb testing.TB, ctx context.Context, pool *pgxpool.Pool, relPath string) {
	tb.Helper()
	raw, err := os.ReadFile(filepath.Clean(relPath))
	require.NoError(tb, err)
	sql := ExtractGooseUp(string(raw))
	require.NotEmpty(tb, strings.TrimSpace(sql))
	_, err = pool.Exec(ctx, sql, pgx.QueryExecModeSimpleProtocol)
	require.NoError(tb, err)
}

// ExtractGooseUp returns the statements between "-- +goose Up" and
// "-- +goose Down", dropping StatementBegin/End markers.
func ExtractGooseUp(raw string) string {
	const up = "-- +goose Up"
	const down = "-- +goose Down"
	if start := strings.Index(raw, up); start >= 0 {
		raw = raw[start+len(up):]
	}
	if end := strings.Index(raw, down); end >= 0 {
		raw = raw[:end]
	}
	raw = strings.ReplaceAll(raw, "-- +goose StatementBegin", "")
	raw = strings.ReplaceAll(raw, "-- +goose StatementEnd", "")
	return raw
}
