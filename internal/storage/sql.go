package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/microsoft/go-mssqldb"

	"nae-runtime/internal/security"
)

const defaultStateTable = "agent_state"

type dialect struct {
	name   string
	driver string
	// placeholder returns the bind marker for the n-th argument, 1-based.
	placeholder func(n int) string
	upsert      func(table string) string
}

var dialects = map[string]dialect{
	"mysql": {
		name:        "mysql",
		driver:      "mysql",
		placeholder: func(int) string { return "?" },
		upsert: func(t string) string {
			return "INSERT INTO " + t + " (agent_id, state_key, state_value) VALUES (?, ?, ?) ON DUPLICATE KEY UPDATE state_value = VALUES(state_value)"
		},
	},
	"postgres": {
		name:        "postgres",
		driver:      "postgres",
		placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
		upsert: func(t string) string {
			return "INSERT INTO " + t + " (agent_id, state_key, state_value) VALUES ($1, $2, $3) ON CONFLICT (agent_id, state_key) DO UPDATE SET state_value = EXCLUDED.state_value"
		},
	},
	"mssql": {
		name:        "mssql",
		driver:      "sqlserver",
		placeholder: func(n int) string { return fmt.Sprintf("@p%d", n) },
		upsert: func(t string) string {
			return "MERGE " + t + " AS target USING (SELECT @p1 AS agent_id, @p2 AS state_key, @p3 AS state_value) AS src " +
				"ON target.agent_id = src.agent_id AND target.state_key = src.state_key " +
				"WHEN MATCHED THEN UPDATE SET state_value = src.state_value " +
				"WHEN NOT MATCHED THEN INSERT (agent_id, state_key, state_value) VALUES (src.agent_id, src.state_key, src.state_value);"
		},
	},
}

func lookupDialect(name string) (dialect, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "mysql":
		return dialects["mysql"], nil
	case "postgres", "postgresql":
		return dialects["postgres"], nil
	case "mssql", "sqlserver":
		return dialects["mssql"], nil
	}
	return dialect{}, fmt.Errorf("unsupported database type %q", name)
}

// SQLStore keeps agent state in one table keyed by (agent_id, state_key).
// The table is created by the migrations.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	table   string
}

// NewSQLStore wraps an open database handle.
func NewSQLStore(db *sql.DB, dialectName, table string) (*SQLStore, error) {
	d, err := lookupDialect(dialectName)
	if err != nil {
		return nil, err
	}
	if table == "" {
		table = defaultStateTable
	}
	if !security.IsSafeIdentifier(table) {
		return nil, fmt.Errorf("invalid state table %q", table)
	}
	return &SQLStore{db: db, dialect: d, table: table}, nil
}

func OpenSQLStore(cfg Config) (*SQLStore, error) {
	d, err := lookupDialect(cfg.Type)
	if err != nil {
		return nil, err
	}
	dsn, err := buildDSN(d.name, cfg)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s connection: %w", d.name, err)
	}
	store, err := NewSQLStore(db, d.name, cfg.Table)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func buildDSN(dialectName string, cfg Config) (string, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return "", errors.New("database host is required")
	}
	sslMode := strings.ToLower(strings.TrimSpace(cfg.SSLMode))
	switch dialectName {
	case "mysql":
		if cfg.Port == 0 {
			cfg.Port = 3306
		}
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true", cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database)
		if sslMode == "disable" {
			dsn += "&tls=false"
		} else if sslMode != "" {
			dsn += "&tls=true"
		}
		return dsn, nil
	case "postgres":
		if cfg.Port == 0 {
			cfg.Port = 5432
		}
		if sslMode == "" {
			sslMode = "require"
		}
		u := url.URL{
			Scheme:   "postgres",
			User:     url.UserPassword(cfg.User, cfg.Password),
			Host:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Path:     "/" + cfg.Database,
			RawQuery: url.Values{"sslmode": {sslMode}}.Encode(),
		}
		return u.String(), nil
	default:
		if cfg.Port == 0 {
			cfg.Port = 1433
		}
		encrypt := "true"
		if sslMode == "disable" {
			encrypt = "disable"
		}
		return fmt.Sprintf("sqlserver://%s:%s@%s:%d?database=%s&encrypt=%s",
			url.QueryEscape(cfg.User), url.QueryEscape(cfg.Password), cfg.Host, cfg.Port, url.QueryEscape(cfg.Database), encrypt), nil
	}
}

func (s *SQLStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping %s: %w", s.dialect.name, err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, agentID, key string) (string, error) {
	p := s.dialect.placeholder
	query := fmt.Sprintf("SELECT state_value FROM %s WHERE agent_id = %s AND state_key = %s", s.table, p(1), p(2))
	var value string
	err := s.db.QueryRowContext(ctx, query, agentID, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get %s/%s: %w", agentID, key, err)
	}
	return value, nil
}

func (s *SQLStore) Put(ctx context.Context, agentID, key, value string) error {
	if _, err := s.db.ExecContext(ctx, s.dialect.upsert(s.table), agentID, key, value); err != nil {
		return fmt.Errorf("put %s/%s: %w", agentID, key, err)
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, agentID, key string) error {
	p := s.dialect.placeholder
	query := fmt.Sprintf("DELETE FROM %s WHERE agent_id = %s AND state_key = %s", s.table, p(1), p(2))
	if _, err := s.db.ExecContext(ctx, query, agentID, key); err != nil {
		return fmt.Errorf("delete %s/%s: %w", agentID, key, err)
	}
	return nil
}

// List reads the whole agent record and filters in memory. LIKE escaping
// differs between dialects and per-agent records are small.
func (s *SQLStore) List(ctx context.Context, agentID, prefix string) (map[string]string, error) {
	query := fmt.Sprintf("SELECT state_key, state_value FROM %s WHERE agent_id = %s", s.table, s.dialect.placeholder(1))
	rows, err := s.db.QueryContext(ctx, query, agentID)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", agentID, err)
	}
	defer rows.Close()
	entries := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan %s state: %w", agentID, err)
		}
		entries[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s state: %w", agentID, err)
	}
	return filterPrefix(entries, prefix), nil
}

func (s *SQLStore) DeleteAgent(ctx context.Context, agentID string) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE agent_id = %s", s.table, s.dialect.placeholder(1))
	if _, err := s.db.ExecContext(ctx, query, agentID); err != nil {
		return fmt.Errorf("delete agent %s: %w", agentID, err)
	}
	return nil
}

func (s *SQLStore) Agents(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("SELECT DISTINCT agent_id FROM %s", s.table))
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()
	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan agent id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agents: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *SQLStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
