package main

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"nae-runtime/internal/storage"
)

// Config is the optional YAML host file. Fields left empty fall back to
// the environment.
type Config struct {
	Host struct {
		SoftwareVersion string `yaml:"software_version"`
		Platform        string `yaml:"platform"`
	} `yaml:"host"`
	Switch struct {
		URL            string `yaml:"url"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"switch"`
	Telemetry struct {
		PollSeconds   int `yaml:"poll_seconds"`
		ExpandSeconds int `yaml:"expand_seconds"`
		DegradeAfter  int `yaml:"degrade_after"`
		Concurrency   int `yaml:"concurrency"`
	} `yaml:"telemetry"`
	Store struct {
		Type     string `yaml:"type"`
		Path     string `yaml:"path"`
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		Database string `yaml:"database"`
		SSLMode  string `yaml:"ssl_mode"`
		Table    string `yaml:"table"`
	} `yaml:"store"`
	AgentsDir string `yaml:"agents_dir"`
	AdminPort string `yaml:"admin_port"`
	NATSURL   string `yaml:"nats_url"`
	ReportsDB string `yaml:"reports_database_url"`
}

func LoadConfig(path string) (Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, err
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	fill(&c.Host.SoftwareVersion, getenv("HOST_SOFTWARE_VERSION", ""))
	fill(&c.Host.Platform, getenv("HOST_PLATFORM", ""))
	fill(&c.Switch.URL, getenv("SWITCH_URL", "http://localhost:8080"))
	fillInt(&c.Switch.TimeoutSeconds, getenvInt("SWITCH_TIMEOUT_SECONDS", 5))
	fillInt(&c.Telemetry.PollSeconds, getenvInt("POLL_SECONDS", 10))
	fillInt(&c.Telemetry.ExpandSeconds, getenvInt("EXPAND_SECONDS", 60))
	fillInt(&c.Telemetry.DegradeAfter, getenvInt("DEGRADE_AFTER", 3))
	fillInt(&c.Telemetry.Concurrency, getenvInt("FETCH_CONCURRENCY", 8))
	fill(&c.Store.Type, getenv("STORE_TYPE", "bolt"))
	fill(&c.Store.Path, getenv("STORE_PATH", "agentd.db"))
	fill(&c.Store.Host, getenv("STORE_HOST", ""))
	fillInt(&c.Store.Port, getenvInt("STORE_PORT", 0))
	fill(&c.Store.User, getenv("STORE_USER", ""))
	fill(&c.Store.Password, getenv("STORE_PASSWORD", ""))
	fill(&c.Store.Database, getenv("STORE_DATABASE", ""))
	fill(&c.Store.SSLMode, getenv("STORE_SSLMODE", ""))
	fill(&c.Store.Table, getenv("STORE_TABLE", ""))
	fill(&c.AgentsDir, getenv("AGENTS_DIR", ""))
	fill(&c.AdminPort, getenv("ADMIN_PORT", "8092"))
	fill(&c.NATSURL, getenv("NATS_URL", ""))
	fill(&c.ReportsDB, getenv("DATABASE_URL", ""))
}

func (c Config) StoreConfig() storage.Config {
	return storage.Config{
		Type:     c.Store.Type,
		Path:     c.Store.Path,
		Host:     c.Store.Host,
		Port:     c.Store.Port,
		User:     c.Store.User,
		Password: c.Store.Password,
		Database: c.Store.Database,
		SSLMode:  c.Store.SSLMode,
		Table:    c.Store.Table,
	}
}

func (c Config) SwitchTimeout() time.Duration {
	return time.Duration(c.Switch.TimeoutSeconds) * time.Second
}

func fill(dst *string, val string) {
	if strings.TrimSpace(*dst) == "" {
		*dst = val
	}
}

func fillInt(dst *int, val int) {
	if *dst == 0 {
		*dst = val
	}
}

func getenv(key, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func getenvInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	if parsed, err := strconv.Atoi(val); err == nil {
		return parsed
	}
	return fallback
}
