//go:build integration

package migrations

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	checkpointpostgres "github.com/duckmesh/dbagent/internal/checkpoint/postgres"
	"github.com/duckmesh/dbagent/internal/database/postgres"
)

// Runs against the postgres service from deployments/docker-compose.yaml.
func TestMigratedSchemaServesCheckpointStore(t *testing.T) {
	adminDSN := strings.TrimSpace(os.Getenv("DBAGENT_TEST_CHECKPOINT_DSN"))
	if adminDSN == "" {
		t.Skip("DBAGENT_TEST_CHECKPOINT_DSN is not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db := scratchDatabase(ctx, t, adminDSN)
	runner := NewRunner()

	applied, err := runner.Up(ctx, db, 0)
	if err != nil {
		t.Fatalf("Up() error = %v", err)
	}
	if applied != 2 {
		t.Fatalf("Up() applied %d migrations, want 2", applied)
	}
	if again, err := runner.Up(ctx, db, 0); err != nil || again != 0 {
		t.Fatalf("second Up() = %d, %v", again, err)
	}

	store := checkpointpostgres.NewStore(db)
	if err := store.Save(ctx, "alice.t1", []byte(`{"thread_id":"alice.t1"}`)); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := store.Save(ctx, "bob.t1", []byte(`{}`)); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	entries, err := store.List(ctx, "alice.")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(entries) != 1 || entries[0].ThreadID != "alice.t1" {
		t.Fatalf("List() = %#v", entries)
	}

	rolledBack, err := runner.Down(ctx, db, 2)
	if err != nil {
		t.Fatalf("Down() error = %v", err)
	}
	if rolledBack != 2 {
		t.Fatalf("Down() rolled back %d migrations, want 2", rolledBack)
	}
	var tables int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pg_tables WHERE tablename = 'agent_checkpoint'`).Scan(&tables); err != nil {
		t.Fatalf("count tables: %v", err)
	}
	if tables != 0 {
		t.Fatal("agent_checkpoint still exists after rollback")
	}
}

// scratchDatabase creates a throwaway database next to the one adminDSN
// points at and drops it when the test ends.
func scratchDatabase(ctx context.Context, t *testing.T, adminDSN string) *sql.DB {
	t.Helper()
	admin, err := postgres.Open(ctx, postgres.DBConfig{DSN: adminDSN, MaxOpenConns: 1})
	if err != nil {
		t.Fatalf("open admin db: %v", err)
	}
	name := fmt.Sprintf("dbagent_it_%d", time.Now().UnixNano())
	if _, err := admin.ExecContext(ctx, `CREATE DATABASE `+name); err != nil {
		t.Fatalf("CREATE DATABASE: %v", err)
	}

	parsed, err := url.Parse(adminDSN)
	if err != nil {
		t.Fatalf("parse admin dsn: %v", err)
	}
	parsed.Path = "/" + name
	db, err := postgres.Open(ctx, postgres.DBConfig{DSN: parsed.String(), ApplicationName: "dbagent-it"})
	if err != nil {
		t.Fatalf("open scratch db: %v", err)
	}

	t.Cleanup(func() {
		_ = db.Close()
		cleanupCtx := context.WithoutCancel(ctx)
		_, _ = admin.ExecContext(cleanupCtx, `SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE datname = $1`, name)
		if _, err := admin.ExecContext(cleanupCtx, `DROP DATABASE `+name); err != nil {
			t.Errorf("DROP DATABASE: %v", err)
		}
		_ = admin.Close()
	})
	return db
}
