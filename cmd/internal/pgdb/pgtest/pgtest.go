// Package pgtest opens throwaway Postgres schemas for integration tests.
//
// Tests are skipped unless LIVEDESK_DATABASE_URL is set, which keeps "go test ./..." fast and
// deterministic without a database.
package pgtest

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"livedesk/cmd/internal/ids"
	"livedesk/cmd/internal/pgdb"
)

// EnvDatabaseURL names the variable that enables integration tests.
const EnvDatabaseURL = "LIVEDESK_DATABASE_URL"

// Open connects to the test database, creates a fresh schema with every livedesk table and
// registers cleanup. It returns the pool and the schema name.
func Open(t *testing.T) (*pgxpool.Pool, string) {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv(EnvDatabaseURL))
	if raw == "" {
		t.Skip("integration test skipped: " + EnvDatabaseURL + " is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, raw)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}

	c, err := pool.Acquire(ctx)
	if err != nil {
		pool.Close()
		t.Fatalf("acquire: %v", err)
	}
	c.Release()

	schema := "livedesk_it_" + strings.ToLower(ids.MustULID(time.Now())[16:])
	if err := pgdb.ApplySchema(ctx, pool, schema); err != nil {
		pool.Close()
		t.Fatalf("apply schema: %v", err)
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, _ = pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
		pool.Close()
	})
	return pool, schema
}
