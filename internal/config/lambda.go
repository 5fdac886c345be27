package config

import (
	"os"
	"strconv"
	"time"
)

// LambdaConfig contains Lambda-specific settings. In Lambda every setting
// comes from the environment; there is no config file.
type LambdaConfig struct {
	Config

	LinkTableName     string `json:"link_table_name"`
	ConflictTableName string `json:"conflict_table_name"`
	BatchSize         int    `json:"batch_size"`
}

// LoadLambdaConfig loads configuration for the Lambda environment.
func LoadLambdaConfig() (*LambdaConfig, error) {
	base, err := NewLoader("").Load()
	if err != nil {
		// The file-driven defaults still apply; only env parsing can fail.
		return nil, err
	}

	cfg := &LambdaConfig{
		Config:    *base,
		BatchSize: 25,
	}

	cfg.Config.State.Driver = "dynamodb"
	cfg.Config.Log.Format = "json"

	cfg.LinkTableName = os.Getenv("LINK_TABLE_NAME")
	if cfg.LinkTableName == "" {
		cfg.LinkTableName = "dealsync-links"
	}
	cfg.ConflictTableName = os.Getenv("CONFLICT_TABLE_NAME")
	if cfg.ConflictTableName == "" {
		cfg.ConflictTableName = "dealsync-conflicts"
	}
	cfg.Config.State.LinkTable = cfg.LinkTableName
	cfg.Config.State.ConflictTable = cfg.ConflictTableName

	if v := os.Getenv("LAMBDA_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.BatchSize = n
		}
	}

	if v := os.Getenv("SYNC_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Config.Sync.Timeout = d
		}
	}

	return cfg, nil
}
