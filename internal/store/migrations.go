package store

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
)

var (
	//go:embed migrations/postgres/*.sql
	postgresMigrations embed.FS
	//go:embed migrations/sqlite/*.sql
	sqliteMigrations embed.FS
)

// runMigrations executes every .sql file under dir in lexical order.
func runMigrations(ctx context.Context, files embed.FS, dir string, exec func(context.Context, string) error) error {
	entries, err := fs.ReadDir(files, dir)
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		body, err := files.ReadFile(path.Join(dir, name))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		sql := strings.TrimSpace(string(body))
		if sql == "" {
			continue
		}
		if err := exec(ctx, sql); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
	}
	return nil
}

// SQLiteSchema returns the concatenated SQLite schema, for tests and tooling.
func SQLiteSchema() string {
	entries, err := fs.ReadDir(sqliteMigrations, "migrations/sqlite")
	if err != nil {
		return ""
	}
	var b strings.Builder
	for _, e := range entries {
		body, err := sqliteMigrations.ReadFile(path.Join("migrations/sqlite", e.Name()))
		if err != nil {
			return ""
		}
		b.Write(body)
		b.WriteString("\n")
	}
	return b.String()
}
