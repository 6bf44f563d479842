package flowpilot

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// RunMigrations applies the embedded Postgres schema files. Each file is
// plain DDL; pgx runs it as one multi-statement batch.
func RunMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	files, err := listMigrations(migrationFiles, "migrations")
	if err != nil {
		return err
	}

	for _, name := range files {
		content, err := fs.ReadFile(migrationFiles, name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		if _, err := pool.Exec(ctx, string(content)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
	}

	return nil
}

// listMigrations returns the .sql files under dir in name order, which is
// the apply order. Shared by the Postgres and SQLite runners.
func listMigrations(fsys fs.FS, dir string) ([]string, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir %s: %w", dir, err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		files = append(files, dir+"/"+entry.Name())
	}
	sort.Strings(files)

	return files, nil
}
