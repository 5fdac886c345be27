package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/TheMichaelB/dealsync/internal/config"
	"github.com/TheMichaelB/dealsync/internal/events"
	syncsvc "github.com/TheMichaelB/dealsync/internal/services/sync"
)

var rootCmd = &cobra.Command{
	Use:   "dealsync",
	Short: "Synchronize CRM deals with cloud partner portals",
	Long: `Dealsync mirrors HubSpot deals into AWS Partner Central, Microsoft
Partner Center and GCP Partner Advantage, tracks per-partner sync state,
and records conflicts when both sides change the same field.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var (
	cfgPath   string
	logLevel  string
	logFormat string
	jsonOut   bool

	cfg    *config.Config
	logger *events.Logger
	svc    *syncsvc.Service
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "",
		"Config file path (default: dealsync.json, ~/.config/dealsync/config.json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "",
		"Log format: text, json")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false,
		"Emit machine-readable JSON output")

	rootCmd.PersistentPreRunE = setup
	rootCmd.PersistentPostRunE = teardown
}

// Execute runs the CLI.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		return err
	}
	return nil
}

func setup(cmd *cobra.Command, args []string) error {
	var err error
	cfg, err = config.NewLoader(cfgPath).Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	if jsonOut && cfg.Log.File == "" {
		// Keep stderr clean for the JSON payload on stdout.
		cfg.Log.Level = "error"
	}

	logger, err = events.NewLogger(events.LogSettings{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	})
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}

	svc, err = syncsvc.NewService(cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize service: %w", err)
	}
	return nil
}

func teardown(cmd *cobra.Command, args []string) error {
	if svc != nil {
		return svc.Close()
	}
	return nil
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func printSuccess(format string, args ...interface{}) {
	color.New(color.FgGreen).Fprintf(os.Stdout, format+"\n", args...)
}

func printInfo(format string, args ...interface{}) {
	fmt.Fprintf(os.Stdout, format+"\n", args...)
}

func printWarning(format string, args ...interface{}) {
	color.New(color.FgYellow).Fprintf(os.Stderr, format+"\n", args...)
}

func printError(format string, args ...interface{}) {
	color.New(color.FgRed).Fprintf(os.Stderr, format+"\n", args...)
}
