// Package config loads process configuration from the environment and the
// optional YAML file that seeds persisted settings on first run.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Prefix is the environment variable prefix.
const Prefix = "IJOKA"

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// General
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// Local cache
	DataDir string `envconfig:"DATA_DIR"` // default ~/.ijoka
	DBPath  string `envconfig:"DB_PATH"`  // default <DataDir>/ijoka.db

	// Ingestion server
	ListenHost  string `envconfig:"LISTEN_HOST" default:"127.0.0.1"`
	Port        int    `envconfig:"PORT" default:"0"` // > 0 overrides the persisted syncServerPort
	CORSOrigins string `envconfig:"CORS_ORIGINS" default:"*"`

	// Watcher
	ClaudeProjectsDir string        `envconfig:"CLAUDE_PROJECTS_DIR"` // default ~/.claude/projects
	Debounce          time.Duration `envconfig:"DEBOUNCE" default:"500ms"`

	// Event bus
	BusCapacity int `envconfig:"BUS_CAPACITY" default:"100"`

	// Graph mirror
	GraphEnabled  bool          `envconfig:"GRAPH_ENABLED" default:"true"`
	GraphURI      string        `envconfig:"GRAPH_URI" default:"bolt://localhost:7687"`
	GraphUser     string        `envconfig:"GRAPH_USER"`
	GraphPassword string        `envconfig:"GRAPH_PASSWORD"`
	GraphDatabase string        `envconfig:"GRAPH_DATABASE" default:"memgraph"`
	GraphTimeout  time.Duration `envconfig:"GRAPH_TIMEOUT" default:"5s"`
	MirrorQueue   int           `envconfig:"MIRROR_QUEUE" default:"1000"`
	MirrorWorkers int           `envconfig:"MIRROR_WORKERS" default:"2"`

	// Settings seed
	SeedFile string `envconfig:"SEED_FILE"`
}

// Load reads configuration from IJOKA_* environment variables and fills
// home-relative defaults.
func Load() (*Config, error) {
	return LoadWithPrefix(Prefix)
}

// LoadWithPrefix reads configuration with a prefix.
func LoadWithPrefix(prefix string) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(prefix, &cfg); err != nil {
		return nil, fmt.Errorf("loading config with prefix %s: %w", prefix, err)
	}
	if err := cfg.resolvePaths(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// IsDevelopment reports whether console logging should be used.
func (c *Config) IsDevelopment() bool {
	return strings.EqualFold(c.Environment, "development")
}

// ListenAddr returns the bind address for port.
func (c *Config) ListenAddr(port int) string {
	return fmt.Sprintf("%s:%d", c.ListenHost, port)
}

// CORSOriginList returns the configured origins joined for fiber's cors.
func (c *Config) CORSOriginList() string {
	parts := strings.Split(c.CORSOrigins, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			origins = append(origins, p)
		}
	}
	if len(origins) == 0 {
		return "*"
	}
	return strings.Join(origins, ",")
}

func (c *Config) resolvePaths() error {
	if c.DataDir != "" && c.ClaudeProjectsDir != "" {
		if c.DBPath == "" {
			c.DBPath = filepath.Join(c.DataDir, "ijoka.db")
		}
		return nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("resolving home directory: %w", err)
	}
	if c.DataDir == "" {
		c.DataDir = filepath.Join(home, ".ijoka")
	}
	if c.ClaudeProjectsDir == "" {
		c.ClaudeProjectsDir = filepath.Join(home, ".claude", "projects")
	}
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.DataDir, "ijoka.db")
	}
	return nil
}
