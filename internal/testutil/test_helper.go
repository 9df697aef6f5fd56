// Package testutil provides database setup for integration tests. Tests
// that need Postgres skip unless TEST_DB_URL points at a disposable
// database.
package testutil

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/parley-chat/parley/internal/store"
)

func ProjectRoot() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "../../")
}

// DB connects to TEST_DB_URL, runs the embedded migrations, and truncates
// every table so the test starts from a clean slate. Skips the test when
// TEST_DB_URL is not set.
func DB(t *testing.T) *pgxpool.Pool {
	t.Helper()

	_ = godotenv.Load(filepath.Join(ProjectRoot(), ".env"))

	testURL := os.Getenv("TEST_DB_URL")
	if testURL == "" {
		t.Skip("TEST_DB_URL environment variable is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, testURL)
	if err != nil {
		t.Fatalf("could not connect to the postgresql database: %v", err)
	}
	t.Cleanup(pool.Close)

	if err := store.Migrate(pool); err != nil {
		t.Fatalf("migration failed: %v", err)
	}

	_, err = pool.Exec(ctx, `TRUNCATE users, guilds, channels, members, messages, read_states CASCADE`)
	if err != nil {
		t.Fatalf("failed to truncate tables: %v", err)
	}

	return pool
}
