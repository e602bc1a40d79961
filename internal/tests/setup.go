// Package tests holds the Postgres-backed integration and end-to-end tests. They skip
// unless DATABASE_URL points at a disposable database.
package tests

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/signalix/devicegate/internal/db"
)

// OpenTestDB opens DATABASE_URL, runs the migrations and truncates every table. It skips
// the test when DATABASE_URL is unset.
func OpenTestDB(t *testing.T) *sql.DB {
	t.Helper()

	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set; skipping integration test")
	}

	database, err := db.Open(context.Background(), url, zerolog.Nop())
	require.NoError(t, err, "database open must succeed; check DATABASE_URL and that test DB exists")
	t.Cleanup(func() { database.Close() })

	require.NoError(t, db.Migrate(database, zerolog.Nop()), "migrations must run successfully")
	require.NoError(t, TruncateTables(context.Background(), database))
	return database
}

// TruncateTables empties every application table for a clean test state.
func TruncateTables(ctx context.Context, database *sql.DB) error {
	_, err := database.ExecContext(ctx, "TRUNCATE TABLE messages, commands, devices")
	if err != nil {
		return fmt.Errorf("truncate tables: %w", err)
	}
	return nil
}
