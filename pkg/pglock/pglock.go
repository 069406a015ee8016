// Package pglock provides session-level Postgres advisory locks used to keep
// a single active worker per database.
package pglock

import (
	"context"
	"hash/fnv"

	"github.com/jackc/pgx/v5"
)

type Conn interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Key hashes name into the bigint keyspace of pg_advisory_lock.
func Key(name string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return int64(h.Sum64())
}

func TryLock(ctx context.Context, conn Conn, key int64) (bool, error) {
	var ok bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1::bigint)`, key).Scan(&ok); err != nil {
		return false, err
	}
	return ok, nil
}

func Unlock(ctx context.Context, conn Conn, key int64) error {
	var ok bool
	return conn.QueryRow(ctx, `SELECT pg_advisory_unlock($1::bigint)`, key).Scan(&ok)
}
