package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// CRM source (HubSpot)
	CRM CRMConfig `json:"crm"`

	// Partner sinks, keyed by partner tag ("aws", "microsoft", "gcp")
	Partners map[string]PartnerConfig `json:"partners"`

	// Sync behavior
	Sync SyncConfig `json:"sync"`

	// Conflict resolution policy
	Resolver ResolverConfig `json:"resolver"`

	// Link/conflict state persistence
	State StateConfig `json:"state"`

	// Notification sink
	Notify NotifyConfig `json:"notify,omitempty"`

	// Logging
	Log LogConfig `json:"log"`
}

// CRMConfig for the CRM record source.
type CRMConfig struct {
	BaseURL string        `json:"base_url"`
	Token   string        `json:"token,omitempty"`
	Timeout time.Duration `json:"timeout"`
}

// PartnerConfig for one partner record sink.
type PartnerConfig struct {
	Enabled bool   `json:"enabled"`
	BaseURL string `json:"base_url"`
	Token   string `json:"token,omitempty"`
}

// SyncConfig for synchronization behavior.
type SyncConfig struct {
	RetryAttempts int           `json:"retry_attempts"` // bounded attempt count
	RetryDelay    time.Duration `json:"retry_delay"`    // initial backoff delay
	Timeout       time.Duration `json:"timeout"`        // per external call
}

// ResolverConfig for conflict resolution. FieldOverrides maps canonical field
// names to policies and always takes precedence over Default.
type ResolverConfig struct {
	Default        string            `json:"default"`
	FieldOverrides map[string]string `json:"field_overrides,omitempty"`
}

// StateConfig for the SyncLink/ConflictRecord store.
type StateConfig struct {
	Driver        string `json:"driver"` // memory, json, sqlite, dynamodb
	Dir           string `json:"dir,omitempty"`
	DBPath        string `json:"db_path,omitempty"`
	LinkTable     string `json:"link_table,omitempty"`
	ConflictTable string `json:"conflict_table,omitempty"`
}

// NotifyConfig for the fire-and-forget notification sink.
type NotifyConfig struct {
	WebhookURL string        `json:"webhook_url,omitempty"`
	Timeout    time.Duration `json:"timeout,omitempty"`
}

// LogConfig for logging behavior.
type LogConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // text, json
	File   string `json:"file,omitempty"`
}

// DefaultConfig returns config with sensible defaults.
func DefaultConfig() *Config {
	dataDir := ".dealsync"

	return &Config{
		CRM: CRMConfig{
			BaseURL: "https://api.hubapi.com",
			Timeout: 30 * time.Second,
		},
		Partners: map[string]PartnerConfig{
			"aws":       {Enabled: true},
			"microsoft": {Enabled: false},
			"gcp":       {Enabled: false},
		},
		Sync: SyncConfig{
			RetryAttempts: 3,
			RetryDelay:    time.Second,
			Timeout:       30 * time.Second,
		},
		Resolver: ResolverConfig{
			Default: "last-write-wins",
			FieldOverrides: map[string]string{
				"amount": "manual",
				"stage":  "prefer-local",
			},
		},
		State: StateConfig{
			Driver: "json",
			Dir:    filepath.Join(dataDir, "state"),
			DBPath: filepath.Join(dataDir, "dealsync.db"),
		},
		Notify: NotifyConfig{
			Timeout: 5 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate checks configuration consistency.
func (c *Config) Validate() error {
	if c.CRM.BaseURL == "" {
		return errors.New("crm base_url is required")
	}
	if c.CRM.Timeout <= 0 {
		return errors.New("crm timeout must be positive")
	}

	switch c.State.Driver {
	case "memory", "json", "sqlite", "dynamodb":
	default:
		return fmt.Errorf("unknown state driver %q", c.State.Driver)
	}

	if c.State.Driver == "json" && c.State.Dir == "" {
		return errors.New("state dir is required for json driver")
	}
	if c.State.Driver == "sqlite" && c.State.DBPath == "" {
		return errors.New("state db_path is required for sqlite driver")
	}
	if c.State.Driver == "dynamodb" && c.State.LinkTable == "" {
		return errors.New("state link_table is required for dynamodb driver")
	}

	if c.Sync.RetryAttempts < 1 {
		return errors.New("sync retry_attempts must be at least 1")
	}

	switch c.Resolver.Default {
	case "last-write-wins", "prefer-local", "prefer-remote", "manual":
	default:
		return fmt.Errorf("unknown resolver policy %q", c.Resolver.Default)
	}
	for field, policy := range c.Resolver.FieldOverrides {
		switch policy {
		case "last-write-wins", "prefer-local", "prefer-remote", "manual":
		default:
			return fmt.Errorf("unknown resolver policy %q for field %q", policy, field)
		}
	}

	return nil
}

// EnabledPartners lists the partner tags with enabled sinks.
func (c *Config) EnabledPartners() []string {
	var tags []string
	for tag, pc := range c.Partners {
		if pc.Enabled {
			tags = append(tags, tag)
		}
	}
	return tags
}
