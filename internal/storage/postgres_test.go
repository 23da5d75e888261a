package storage

import (
	"context"
	"os"
	"testing"
)

func setupTestReports(t *testing.T) *PostgresReports {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		dsn = os.Getenv("DATABASE_URL")
	}
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL or DATABASE_URL not set")
	}
	db, err := NewPostgresDB(context.Background(), dsn)
	if err != nil {
		t.Fatalf("failed to connect to db: %v", err)
	}
	t.Cleanup(db.Close)
	content, err := os.ReadFile("../../migrations/002_agent_reports.sql")
	if err != nil {
		t.Fatalf("failed to read migration: %v", err)
	}
	if _, err := db.Pool.Exec(context.Background(), string(content)); err != nil {
		t.Fatalf("failed to apply migration: %v", err)
	}
	return NewPostgresReports(db)
}

func TestPostgresReports(t *testing.T) {
	reports := setupTestReports(t)
	ctx := context.Background()
	agentID := "test-agent-reports"
	_ = reports.DeleteReports(ctx, agentID)
	id, err := reports.AddReport(ctx, Report{AgentID: agentID, Title: "CPU", HTML: "<p>high</p>", Errors: []string{"email: missing server"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	list, err := reports.ListReports(ctx, agentID, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(list) != 1 || list[0].ID != id || len(list[0].Errors) != 1 {
		t.Fatalf("unexpected reports %+v", list)
	}
	if err := reports.DeleteReports(ctx, agentID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
