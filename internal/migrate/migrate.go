// Package migrate applies the embedded schema migrations in filename
// order, recording each applied file in schema_migrations.
package migrate

import (
	"context"
	"embed"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/example/calbooker/internal/db"
)

//go:embed *.sql
var migrations embed.FS

func Up(ctx context.Context, d *db.DB) error {
	if err := d.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY)`); err != nil {
		return err
	}

	names, err := pending(ctx, d)
	if err != nil {
		return err
	}

	for _, name := range names {
		sql, err := migrations.ReadFile(name)
		if err != nil {
			return err
		}
		if err := d.Exec(ctx, string(sql)); err != nil {
			return fmt.Errorf("apply %s: %w", name, err)
		}
		if err := d.Exec(ctx, `INSERT INTO schema_migrations(version) VALUES ($1)`, name); err != nil {
			return err
		}
		slog.Info("applied migration", "version", name)
	}
	return nil
}

func pending(ctx context.Context, d *db.DB) ([]string, error) {
	entries, err := migrations.ReadDir(".")
	if err != nil {
		return nil, err
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		var applied bool
		if err := d.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version=$1)`, e.Name()).Scan(&applied); err != nil {
			return nil, err
		}
		if !applied {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}
