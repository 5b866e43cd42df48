package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"strconv"
	"time"

	"github.com/asakaida/permgate/internal/infrastructure/config"
	"github.com/asakaida/permgate/internal/infrastructure/database"
	"github.com/asakaida/permgate/pkg/cache/pgcache"
	"github.com/golang-migrate/migrate/v4"
	"github.com/spf13/cobra"
)

var (
	envFlag string
	pg      *database.Postgres
)

var rootCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Database migration tool for permgate",
	Long: `Database migration tool for permgate.
Manages the PostgreSQL schema of the shared permissions cache using golang-migrate.`,
	PersistentPreRun:  setupDatabase,
	PersistentPostRun: closeDatabase,
}

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	Long:  `Apply all pending migrations to the database.`,
	Run:   runUp,
}

var downCmd = &cobra.Command{
	Use:   "down [steps]",
	Short: "Rollback migrations",
	Long:  `Rollback the specified number of migrations (default: 1).`,
	Args:  cobra.MaximumNArgs(1),
	Run:   runDown,
}

var gotoCmd = &cobra.Command{
	Use:   "goto <version>",
	Short: "Migrate to a specific version",
	Long:  `Migrate to a specific version number.`,
	Args:  cobra.ExactArgs(1),
	Run:   runGoto,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show current migration version",
	Long:  `Display the current migration version of the database.`,
	Run:   runVersion,
}

var forceCmd = &cobra.Command{
	Use:   "force <version>",
	Short: "Force set migration version (use with caution)",
	Long:  `Force set the migration version without running migrations. Use with caution.`,
	Args:  cobra.ExactArgs(1),
	Run:   runForce,
}

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete expired cache rows",
	Long:  `Delete rows of the permission_cache table whose TTL has passed.`,
	Run:   runPurge,
}

func init() {
	// Add global --env flag to all commands
	rootCmd.PersistentFlags().StringVarP(&envFlag, "env", "e", "dev", "Environment to use (dev, test, prod)")

	rootCmd.AddCommand(upCmd)
	rootCmd.AddCommand(downCmd)
	rootCmd.AddCommand(gotoCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(forceCmd)
	rootCmd.AddCommand(purgeCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Failed to execute command: %v", err)
	}
}

func setupDatabase(cmd *cobra.Command, args []string) {
	log.Printf("Using environment: %s", envFlag)

	// Initialize configuration from .env.{env} file
	if err := config.InitConfig(envFlag); err != nil {
		log.Fatalf("Failed to initialize config: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	pg, err = database.NewPostgres(&cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	log.Printf("Connected to database: %s@%s:%d/%s",
		cfg.Database.User,
		cfg.Database.Host,
		cfg.Database.Port,
		cfg.Database.Database)
}

func closeDatabase(cmd *cobra.Command, args []string) {
	if pg != nil {
		pg.Close()
	}
}

func getMigrationsPath() (string, error) {
	projectRoot, err := config.ProjectRoot()
	if err != nil {
		return "", fmt.Errorf("failed to find project root: %w", err)
	}

	migrationsPath := filepath.Join(projectRoot, database.MigrationsPath)
	log.Printf("Using migrations path: %s", migrationsPath)
	return migrationsPath, nil
}

// withMigrate runs fn against a migrate instance and exits on failure.
func withMigrate(action string, fn func(m *migrate.Migrate) error) {
	migrationsPath, err := getMigrationsPath()
	if err != nil {
		log.Fatalf("Failed to get migrations path: %v", err)
	}

	m, err := createMigrate(pg, migrationsPath)
	if err != nil {
		log.Fatalf("Failed to create migrate instance: %v", err)
	}
	defer m.Close()

	if err := fn(m); err != nil {
		log.Fatalf("Migration %s failed: %v", action, err)
	}
}

func runUp(cmd *cobra.Command, args []string) {
	withMigrate("up", func(m *migrate.Migrate) error {
		err := m.Up()
		if errors.Is(err, migrate.ErrNoChange) {
			log.Println("No migrations to apply")
			return nil
		}
		if err == nil {
			log.Println("Migration up completed successfully")
		}
		return err
	})
}

func runDown(cmd *cobra.Command, args []string) {
	steps := 1 // Default: rollback 1 migration
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 1 {
			log.Fatalf("Invalid steps %q: must be a positive integer", args[0])
		}
		steps = n
	}

	withMigrate("down", func(m *migrate.Migrate) error {
		err := m.Steps(-steps)
		if errors.Is(err, migrate.ErrNoChange) {
			log.Println("No migrations to rollback")
			return nil
		}
		if err == nil {
			log.Printf("Migration down completed successfully (rolled back %d migration(s))", steps)
		}
		return err
	})
}

func runGoto(cmd *cobra.Command, args []string) {
	version, err := strconv.ParseUint(args[0], 10, 0)
	if err != nil {
		log.Fatalf("Invalid version %q: %v", args[0], err)
	}

	withMigrate("goto", func(m *migrate.Migrate) error {
		err := m.Migrate(uint(version))
		if errors.Is(err, migrate.ErrNoChange) {
			log.Printf("Already at version %d", version)
			return nil
		}
		if err == nil {
			log.Printf("Migration goto %d completed successfully", version)
		}
		return err
	})
}

func runVersion(cmd *cobra.Command, args []string) {
	withMigrate("version", func(m *migrate.Migrate) error {
		version, dirty, err := m.Version()
		if errors.Is(err, migrate.ErrNilVersion) {
			log.Println("Current version: No migrations applied yet")
			return nil
		}
		if err != nil {
			return err
		}

		if dirty {
			log.Printf("Current version: %d (dirty - migration may have failed)", version)
		} else {
			log.Printf("Current version: %d", version)
		}
		return nil
	})
}

func runForce(cmd *cobra.Command, args []string) {
	version, err := strconv.Atoi(args[0])
	if err != nil {
		log.Fatalf("Invalid version %q: %v", args[0], err)
	}

	withMigrate("force", func(m *migrate.Migrate) error {
		if err := m.Force(version); err != nil {
			return err
		}
		log.Printf("Migration forced to version %d", version)
		return nil
	})
}

func runPurge(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	n, err := pgcache.New(pg.DB, 0).Purge(ctx)
	if err != nil {
		log.Fatalf("Purge failed: %v", err)
	}
	log.Printf("Purged %d expired row(s)", n)
}

func createMigrate(pg *database.Postgres, migrationsPath string) (*migrate.Migrate, error) {
	driver, err := database.NewMigrateDriver(pg.DB)
	if err != nil {
		return nil, fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(
		fmt.Sprintf("file://%s", migrationsPath),
		"postgres",
		driver,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create migration instance: %w", err)
	}

	return m, nil
}
