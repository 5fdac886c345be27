package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Loader handles configuration loading from file and environment.
type Loader struct {
	configPath string
	envPrefix  string
}

// NewLoader creates a config loader.
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
		envPrefix:  "DEALSYNC_",
	}
}

// Load reads configuration from file and environment. Environment variables
// override file values.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFile(cfg); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	} else {
		for _, path := range l.defaultPaths() {
			if _, err := os.Stat(path); err == nil {
				l.configPath = path
				if err := l.loadFile(cfg); err != nil {
					return nil, fmt.Errorf("load config file %s: %w", path, err)
				}
				break
			}
		}
	}

	if err := l.loadEnv(cfg); err != nil {
		return nil, fmt.Errorf("load env config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

func (l *Loader) defaultPaths() []string {
	paths := []string{
		"dealsync.json",
		".dealsync.json",
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		paths = append(paths,
			filepath.Join(homeDir, ".config", "dealsync", "config.json"),
			filepath.Join(homeDir, ".dealsync", "config.json"),
		)
	}

	return paths
}

func (l *Loader) loadFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse JSON: %w", err)
	}

	return nil
}

func (l *Loader) loadEnv(cfg *Config) error {
	if v := os.Getenv(l.envPrefix + "CRM_BASE_URL"); v != "" {
		cfg.CRM.BaseURL = v
	}
	if v := os.Getenv(l.envPrefix + "CRM_TOKEN"); v != "" {
		cfg.CRM.Token = v
	}
	// HubSpot's conventional variable name, honored for compatibility.
	if v := os.Getenv("HUBSPOT_ACCESS_TOKEN"); v != "" && cfg.CRM.Token == "" {
		cfg.CRM.Token = v
	}
	if v := os.Getenv(l.envPrefix + "CRM_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse CRM_TIMEOUT: %w", err)
		}
		cfg.CRM.Timeout = d
	}

	for _, tag := range []string{"aws", "microsoft", "gcp"} {
		upper := strings.ToUpper(tag)
		pc := cfg.Partners[tag]
		if v := os.Getenv(l.envPrefix + upper + "_BASE_URL"); v != "" {
			pc.BaseURL = v
			pc.Enabled = true
		}
		if v := os.Getenv(l.envPrefix + upper + "_TOKEN"); v != "" {
			pc.Token = v
		}
		cfg.Partners[tag] = pc
	}

	if v := os.Getenv(l.envPrefix + "STATE_DRIVER"); v != "" {
		cfg.State.Driver = strings.ToLower(v)
	}
	if v := os.Getenv(l.envPrefix + "STATE_DIR"); v != "" {
		cfg.State.Dir = v
	}
	if v := os.Getenv(l.envPrefix + "STATE_DB_PATH"); v != "" {
		cfg.State.DBPath = v
	}
	if v := os.Getenv(l.envPrefix + "LINK_TABLE"); v != "" {
		cfg.State.LinkTable = v
	}
	if v := os.Getenv(l.envPrefix + "CONFLICT_TABLE"); v != "" {
		cfg.State.ConflictTable = v
	}

	if v := os.Getenv(l.envPrefix + "RETRY_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse RETRY_ATTEMPTS: %w", err)
		}
		cfg.Sync.RetryAttempts = n
	}

	if v := os.Getenv(l.envPrefix + "CONFLICT_POLICY"); v != "" {
		cfg.Resolver.Default = strings.ToLower(v)
	}

	if v := os.Getenv(l.envPrefix + "NOTIFY_WEBHOOK_URL"); v != "" {
		cfg.Notify.WebhookURL = v
	}

	if v := os.Getenv(l.envPrefix + "LOG_LEVEL"); v != "" {
		cfg.Log.Level = strings.ToLower(v)
	}
	if v := os.Getenv(l.envPrefix + "LOG_FORMAT"); v != "" {
		cfg.Log.Format = strings.ToLower(v)
	}
	if v := os.Getenv(l.envPrefix + "LOG_FILE"); v != "" {
		cfg.Log.File = v
	}

	return nil
}
