// Package testutil provides shared integration-test infrastructure: a
// throwaway Postgres and an in-memory stand-in for the coordination store.
package testutil

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/yourorg/convoy/internal/db"
	"github.com/yourorg/convoy/internal/migrate"
)

// StartPostgres returns a migrated pool against a fresh Postgres 16
// container. Set CONVOY_TEST_PG_DSN to reuse an existing database and skip
// Docker. Skips the test when neither is available.
func StartPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	dsn := os.Getenv("CONVOY_TEST_PG_DSN")
	if dsn == "" {
		pgC, err := postgres.Run(ctx,
			"postgres:16",
			postgres.WithDatabase("convoy_test"),
			postgres.WithUsername("convoy"),
			postgres.WithPassword("convoy"),
			postgres.BasicWaitStrategies(),
		)
		if err != nil {
			t.Skipf("postgres container unavailable: %v", err)
		}
		t.Cleanup(func() {
			_ = pgC.Terminate(context.Background())
		})

		dsn, err = pgC.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			t.Fatalf("connection string: %v", err)
		}
	}

	pool, err := db.Connect(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)

	if err := migrate.Run(ctx, pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return pool
}
