package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"sort"
	"strings"
)

// RunMigrations executes unapplied SQL migration files from the provided
// filesystem in filename order. Applied files are recorded in
// schema_migrations together with a sha256 of their content; re-running with
// a modified file fails loudly (migration drift) instead of silently
// diverging from the deployed schema.
func (db *DB) RunMigrations(ctx context.Context, migrationsFS fs.FS) error {
	if _, err := db.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			file_sha256 TEXT NOT NULL DEFAULT ''
		)
	`); err != nil {
		return fmt.Errorf("storage: create schema_migrations: %w", err)
	}

	applied, err := db.loadAppliedMigrations(ctx)
	if err != nil {
		return fmt.Errorf("storage: load applied migrations: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, ".")
	if err != nil {
		return fmt.Errorf("storage: read migrations dir: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		name := entry.Name()
		content, err := fs.ReadFile(migrationsFS, name)
		if err != nil {
			return fmt.Errorf("storage: read migration %s: %w", name, err)
		}
		sum := sha256.Sum256(content)
		hash := hex.EncodeToString(sum[:])

		if prev, ok := applied[name]; ok {
			if prev != "" && prev != hash {
				return fmt.Errorf("storage: migration drift for %s: applied hash differs from file", name)
			}
			db.logger.Debug("migration already applied, skipping", "file", name)
			continue
		}

		db.logger.Info("running migration", "file", name)
		if _, err := db.pool.Exec(ctx, string(content)); err != nil {
			return fmt.Errorf("storage: execute migration %s: %w", name, err)
		}

		if _, err := db.pool.Exec(ctx,
			`INSERT INTO schema_migrations (version, file_sha256) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			name, hash,
		); err != nil {
			return fmt.Errorf("storage: record migration %s: %w", name, err)
		}
	}

	return nil
}

// loadAppliedMigrations returns filename -> recorded content hash for every
// migration already in schema_migrations.
func (db *DB) loadAppliedMigrations(ctx context.Context) (map[string]string, error) {
	rows, err := db.pool.Query(ctx, `SELECT version, file_sha256 FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]string)
	for rows.Next() {
		var v, h string
		if err := rows.Scan(&v, &h); err != nil {
			return nil, err
		}
		applied[v] = h
	}
	return applied, rows.Err()
}
