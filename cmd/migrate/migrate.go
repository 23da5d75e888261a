package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const migrationsTable = "schema_migrations"

func ensureTable(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+migrationsTable+` (
    version text PRIMARY KEY,
    applied_at timestamptz NOT NULL DEFAULT now()
)`)
	return err
}

func appliedVersions(ctx context.Context, pool *pgxpool.Pool) (map[string]bool, error) {
	rows, err := pool.Query(ctx, `SELECT version FROM `+migrationsTable)
	if err != nil {
		return nil, err
	}
	versions, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(versions))
	for _, v := range versions {
		out[v] = true
	}
	return out, nil
}

// version is the file name without its .sql suffix, e.g. "001_agent_state".
func version(file string) string {
	return strings.TrimSuffix(filepath.Base(file), ".sql")
}

// pending splits files into those still to run, in name order, and those
// already recorded as applied.
func pending(files []string, applied map[string]bool) (todo, skipped []string) {
	sorted := append([]string(nil), files...)
	sort.Slice(sorted, func(i, j int) bool { return version(sorted[i]) < version(sorted[j]) })
	for _, file := range sorted {
		if applied[version(file)] {
			skipped = append(skipped, file)
			continue
		}
		todo = append(todo, file)
	}
	return todo, skipped
}

// apply runs one file and records its version in the same transaction.
func apply(ctx context.Context, pool *pgxpool.Pool, file string) error {
	content, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if _, err := tx.Exec(ctx, string(content)); err != nil {
		return fmt.Errorf("exec: %w", err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO `+migrationsTable+` (version) VALUES ($1)`, version(file)); err != nil {
		return fmt.Errorf("record version: %w", err)
	}
	return tx.Commit(ctx)
}
