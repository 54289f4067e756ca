package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/p-blackswan/ijoka/internal/models"
)

// Seed is the YAML document that initialises persisted settings.
type Seed struct {
	WatchedProjects      []string `yaml:"watched_projects"`
	SyncServerPort       int      `yaml:"sync_server_port"`
	NotificationsEnabled *bool    `yaml:"notifications_enabled"`
	SelectedProject      string   `yaml:"selected_project"`
}

// LoadSeed reads and parses a seed file, expanding env vars.
func LoadSeed(path string) (*Seed, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("seed: read %s: %w", path, err)
	}
	seed, err := ParseSeed(raw)
	if err != nil {
		return nil, fmt.Errorf("seed: parse %s: %w", path, err)
	}
	return seed, nil
}

// ParseSeed parses a seed document from bytes.
func ParseSeed(data []byte) (*Seed, error) {
	var seed Seed
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), &seed); err != nil {
		return nil, err
	}
	return &seed, nil
}

// Settings applies the seed over the default settings.
func (s *Seed) Settings() models.Settings {
	settings := models.DefaultSettings()
	for _, p := range s.WatchedProjects {
		if p = strings.TrimSpace(p); p != "" && !settings.Watches(p) {
			settings.WatchedProjects = append(settings.WatchedProjects, p)
		}
	}
	if s.SyncServerPort > 0 {
		settings.SyncServerPort = s.SyncServerPort
	}
	if s.NotificationsEnabled != nil {
		settings.NotificationsEnabled = *s.NotificationsEnabled
	}
	settings.SelectedProject = s.SelectedProject
	return settings
}

// envVarPattern matches ${VAR_NAME} and $VAR_NAME.
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces ${VAR} and $VAR with the corresponding environment
// variable value. Missing vars become empty strings.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := strings.TrimPrefix(match, "${")
		name = strings.TrimSuffix(name, "}")
		name = strings.TrimPrefix(name, "$")
		return os.Getenv(name)
	})
}
