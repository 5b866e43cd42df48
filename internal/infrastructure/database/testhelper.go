package database

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/asakaida/permgate/internal/infrastructure/config"
)

// SetupTestDB connects to the test database and runs migrations. Tests are
// skipped when no database is reachable.
func SetupTestDB(t *testing.T) *Postgres {
	t.Helper()

	if err := config.InitConfig("test"); err != nil {
		t.Fatalf("Failed to init config: %v", err)
	}
	cfg, err := config.Load()
	if err != nil {
		t.Skipf("Skipping: test config unavailable: %v", err)
	}
	if cfg.Database.Password == "" {
		t.Skip("Skipping: DB_PASSWORD is not set")
	}

	pg, err := NewPostgres(&cfg.Database)
	if err != nil {
		t.Skipf("Skipping: database unavailable: %v", err)
	}

	root, err := config.ProjectRoot()
	if err != nil {
		pg.Close()
		t.Fatalf("Failed to find project root: %v", err)
	}
	if err := pg.RunMigrations(filepath.Join(root, MigrationsPath)); err != nil {
		pg.Close()
		t.Fatalf("Failed to run migrations: %v", err)
	}

	return pg
}

// CleanupTestDB empties the test tables and closes the connection.
func CleanupTestDB(t *testing.T, pg *Postgres) {
	t.Helper()

	for _, table := range []string{"permission_cache"} {
		if _, err := pg.DB.Exec(fmt.Sprintf("DELETE FROM %s", table)); err != nil {
			t.Logf("Warning: Failed to clean up table %s: %v", table, err)
		}
	}

	if err := pg.Close(); err != nil {
		t.Logf("Warning: Failed to close database: %v", err)
	}
}
