package config

import (
	"os"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg, err := loadDefaults()
	if err != nil {
		t.Fatal(err)
	}

	if !cfg.Backends.SQLite.Enabled {
		t.Error("sqlite should be enabled by default")
	}
	if cfg.Backends.SQLite.Path != "./data/polygraph.db" {
		t.Errorf("sqlite.path = %q, want ./data/polygraph.db", cfg.Backends.SQLite.Path)
	}
	if cfg.Backends.Memgraph.Enabled {
		t.Error("memgraph should be disabled by default")
	}
	if cfg.Backends.Memgraph.URI != "bolt://localhost:7687" {
		t.Errorf("memgraph.uri = %q", cfg.Backends.Memgraph.URI)
	}
	if cfg.Backends.Memgraph.DefaultDB != "memgraph" {
		t.Errorf("memgraph.default_db = %q, want memgraph", cfg.Backends.Memgraph.DefaultDB)
	}
	if cfg.Backends.Postgres.Enabled {
		t.Error("postgres should be disabled by default")
	}
	if cfg.Cache.TTL != 300*time.Second {
		t.Errorf("cache.ttl = %v, want 300s", cfg.Cache.TTL)
	}
	if cfg.Server.Listen != ":8080" {
		t.Errorf("server.listen = %q, want :8080", cfg.Server.Listen)
	}
	if cfg.Server.ReadOnly {
		t.Error("server.read_only should be false by default")
	}
}

func TestEnvExpansion(t *testing.T) {
	os.Setenv("POLYGRAPH_TEST_TOKEN", "my-secret-token")
	defer os.Unsetenv("POLYGRAPH_TEST_TOKEN")

	cfg := &Config{
		Server: ServerConfig{APIToken: "${POLYGRAPH_TEST_TOKEN}"},
	}

	expanded := os.ExpandEnv(cfg.Server.APIToken)
	if expanded != "my-secret-token" {
		t.Errorf("expanded = %q, want my-secret-token", expanded)
	}
}
