package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresDB struct {
	Pool *pgxpool.Pool
}

func NewPostgresDB(ctx context.Context, dsn string) (*PostgresDB, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresDB{Pool: pool}, nil
}

func (s *PostgresDB) Close() {
	if s.Pool != nil {
		s.Pool.Close()
	}
}

// PostgresReports stores custom reports in the agent_reports table.
type PostgresReports struct {
	DB *PostgresDB
}

func NewPostgresReports(db *PostgresDB) *PostgresReports {
	return &PostgresReports{DB: db}
}

func (r *PostgresReports) AddReport(ctx context.Context, rep Report) (string, error) {
	if rep.ID == "" {
		rep.ID = uuid.NewString()
	}
	if rep.Errors == nil {
		rep.Errors = []string{}
	}
	_, err := r.DB.Pool.Exec(ctx, `
		INSERT INTO agent_reports (id, agent_id, title, html, errors, created_at)
		VALUES ($1,$2,$3,$4,$5,now())`,
		rep.ID, rep.AgentID, rep.Title, rep.HTML, rep.Errors,
	)
	if err != nil {
		return "", err
	}
	return rep.ID, nil
}

func (r *PostgresReports) ListReports(ctx context.Context, agentID string, limit int) ([]Report, error) {
	if limit <= 0 {
		limit = defaultReportLimit
	}
	rows, err := r.DB.Pool.Query(ctx, `
		SELECT id, agent_id, title, html, errors, created_at
		FROM agent_reports WHERE agent_id=$1 ORDER BY created_at DESC LIMIT $2`, agentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	results := []Report{}
	for rows.Next() {
		var rep Report
		if err := rows.Scan(&rep.ID, &rep.AgentID, &rep.Title, &rep.HTML, &rep.Errors, &rep.CreatedAt); err != nil {
			return nil, err
		}
		results = append(results, rep)
	}
	return results, rows.Err()
}

func (r *PostgresReports) DeleteReports(ctx context.Context, agentID string) error {
	_, err := r.DB.Pool.Exec(ctx, `DELETE FROM agent_reports WHERE agent_id=$1`, agentID)
	return err
}
