package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		logger.Error("DATABASE_URL is required")
		os.Exit(1)
	}
	dir := os.Getenv("MIGRATIONS_DIR")
	if dir == "" {
		dir = "migrations"
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		logger.Error("failed to connect", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer pool.Close()

	files, err := filepath.Glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		logger.Error("failed to list migrations", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if len(files) == 0 {
		logger.Warn("no migrations found", slog.String("dir", dir))
		return
	}
	if err := ensureTable(ctx, pool); err != nil {
		logger.Error("failed to create migration table", slog.String("error", err.Error()))
		os.Exit(1)
	}
	applied, err := appliedVersions(ctx, pool)
	if err != nil {
		logger.Error("failed to read applied migrations", slog.String("error", err.Error()))
		os.Exit(1)
	}
	todo, skipped := pending(files, applied)
	for _, file := range skipped {
		logger.Info("migration already applied", slog.String("file", file))
	}
	for _, file := range todo {
		if err := apply(ctx, pool, file); err != nil {
			logger.Error("failed to apply migration", slog.String("file", file), slog.String("error", err.Error()))
			os.Exit(1)
		}
		logger.Info("applied migration", slog.String("file", file), slog.String("version", version(file)))
	}
	logger.Info("migrations complete", slog.Int("applied", len(todo)), slog.Int("skipped", len(skipped)))
}
