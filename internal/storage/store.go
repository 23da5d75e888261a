// Package storage keeps durable per-agent state: variables, the alert
// level, fired rule instances, the last sample cache and the agent
// definition. Keys are namespaced per agent.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var ErrNotFound = errors.New("not found")

// Store is a key/value store scoped by agent id.
type Store interface {
	Get(ctx context.Context, agentID, key string) (string, error)
	Put(ctx context.Context, agentID, key, value string) error
	Delete(ctx context.Context, agentID, key string) error
	// List returns every entry of the agent whose key starts with prefix.
	List(ctx context.Context, agentID, prefix string) (map[string]string, error)
	DeleteAgent(ctx context.Context, agentID string) error
	Agents(ctx context.Context) ([]string, error)
	Close() error
}

const (
	VarPrefix     = "var/"
	RulePrefix    = "rule/"
	SamplePrefix  = "sample/"
	AlertLevelKey = "alert_level"
	DefinitionKey = "meta/definition"
)

func VarKey(name string) string    { return VarPrefix + name }
func RuleKey(ruleID string) string { return RulePrefix + ruleID }
func SampleKey(name string) string { return SamplePrefix + name }

// Config selects a backend. Type is memory, bolt, mysql, postgres or mssql.
type Config struct {
	Type     string
	Path     string
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	Table    string
}

func Open(cfg Config) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Type)) {
	case "", "memory":
		return NewMemoryStore(), nil
	case "bolt", "bbolt", "file":
		if cfg.Path == "" {
			return nil, errors.New("bolt store needs a path")
		}
		return OpenBoltStore(cfg.Path)
	case "mysql", "postgres", "postgresql", "mssql", "sqlserver":
		return OpenSQLStore(cfg)
	default:
		return nil, fmt.Errorf("unsupported store type %q", cfg.Type)
	}
}

func filterPrefix(entries map[string]string, prefix string) map[string]string {
	out := map[string]string{}
	for k, v := range entries {
		if strings.HasPrefix(k, prefix) {
			out[k] = v
		}
	}
	return out
}
