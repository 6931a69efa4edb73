package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/davidleathers/adaptive-auth-backend/internal/infrastructure/config"
	"github.com/davidleathers/adaptive-auth-backend/internal/infrastructure/database"
	"github.com/davidleathers/adaptive-auth-backend/internal/infrastructure/telemetry"
)

const migrationsDir = "migrations"

func main() {
	var (
		configPath = flag.String("config", "", "Path to configuration file")
		action     = flag.String("action", "up", "Migration action: up, down, status, create")
		name       = flag.String("name", "", "Migration name (for create action)")
		steps      = flag.Int("steps", 0, "Number of migrations to run (0 = all)")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logger, err := telemetry.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if *action == "create" {
		if *name == "" {
			logger.Fatal("migration name is required for create action")
		}
		up, down, err := createMigration(migrationsDir, *name)
		if err != nil {
			logger.Fatal("failed to create migration", zap.Error(err))
		}
		logger.Info("created migration", zap.String("up", up), zap.String("down", down))
		return
	}

	if cfg.Database.URL == "" {
		logger.Fatal("database url is required")
	}
	migrator, err := database.NewMigrator(cfg.Database.MigrationsPath, cfg.Database.URL, logger)
	if err != nil {
		logger.Fatal("failed to open migrations", zap.Error(err))
	}
	defer func() { _ = migrator.Close() }()

	switch *action {
	case "up":
		err = migrator.Up(*steps)
	case "down":
		err = migrator.Down(*steps)
	case "status":
		var (
			version uint
			dirty   bool
		)
		version, dirty, err = migrator.Version()
		if err == nil {
			logger.Info("migration status", zap.Uint("version", version), zap.Bool("dirty", dirty))
		}
	default:
		logger.Fatal("unknown action", zap.String("action", *action))
	}
	if err != nil {
		logger.Fatal("migration failed", zap.String("action", *action), zap.Error(err))
	}
}

var versionPattern = regexp.MustCompile(`^(\d+)_.+\.(up|down)\.sql$`)

var namePattern = regexp.MustCompile(`[^a-z0-9]+`)

// createMigration writes an empty up/down pair numbered after the highest
// existing version in dir.
func createMigration(dir, name string) (string, string, error) {
	slug := strings.Trim(namePattern.ReplaceAllString(strings.ToLower(name), "_"), "_")
	if slug == "" {
		return "", "", fmt.Errorf("migration name %q has no usable characters", name)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("failed to create migrations directory: %w", err)
	}

	next, err := nextVersion(dir)
	if err != nil {
		return "", "", err
	}
	base := fmt.Sprintf("%06d_%s", next, slug)
	up := filepath.Join(dir, base+".up.sql")
	down := filepath.Join(dir, base+".down.sql")

	for _, f := range []string{up, down} {
		content := fmt.Sprintf("-- %s\n", filepath.Base(f))
		if err := os.WriteFile(f, []byte(content), 0o644); err != nil {
			return "", "", fmt.Errorf("failed to write %s: %w", f, err)
		}
	}
	return up, down, nil
}

func nextVersion(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read migrations directory: %w", err)
	}
	var versions []int
	for _, e := range entries {
		m := versionPattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		v, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		versions = append(versions, v)
	}
	if len(versions) == 0 {
		return 1, nil
	}
	sort.Ints(versions)
	return versions[len(versions)-1] + 1, nil
}
