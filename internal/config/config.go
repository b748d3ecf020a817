package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Backends BackendsConfig `mapstructure:"backends"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Server   ServerConfig   `mapstructure:"server"`
}

type BackendsConfig struct {
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
	Memgraph MemgraphConfig `mapstructure:"memgraph"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

type SQLiteConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type MemgraphConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	URI       string `mapstructure:"uri"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	DefaultDB string `mapstructure:"default_db"`
}

type PostgresConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
}

type CacheConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

type ServerConfig struct {
	Listen     string `mapstructure:"listen"`
	ReadOnly   bool   `mapstructure:"read_only"`
	APIToken   string `mapstructure:"api_token"`
	CORSOrigin string `mapstructure:"cors_origin"`
}

// Load reads the configuration from file and environment variables.
func Load(cfgFile string) (*Config, error) {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(filepath.Join(home, ".polygraph"))
		}
		viper.AddConfigPath(".")
		viper.SetConfigName("polygraph")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("POLYGRAPH")
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Secrets in config files may reference environment variables.
	cfg.Backends.Memgraph.Password = os.ExpandEnv(cfg.Backends.Memgraph.Password)
	cfg.Backends.Postgres.URL = os.ExpandEnv(cfg.Backends.Postgres.URL)
	cfg.Server.APIToken = os.ExpandEnv(cfg.Server.APIToken)

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("backends.sqlite.enabled", true)
	viper.SetDefault("backends.sqlite.path", "./data/polygraph.db")
	viper.SetDefault("backends.memgraph.enabled", false)
	viper.SetDefault("backends.memgraph.uri", "bolt://localhost:7687")
	viper.SetDefault("backends.memgraph.default_db", "memgraph")
	viper.SetDefault("backends.postgres.enabled", false)
	viper.SetDefault("backends.postgres.url", "")
	viper.SetDefault("cache.ttl", "300s")
	viper.SetDefault("server.listen", ":8080")
	viper.SetDefault("server.read_only", false)
}

// loadDefaults returns a Config built purely from defaults; used in tests.
func loadDefaults() (*Config, error) {
	viper.Reset()
	setDefaults()
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
