package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/TheMichaelB/dealsync/internal/config"
	"github.com/TheMichaelB/dealsync/internal/models"
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Store an API token for the CRM or a partner portal",
	Long: `Login stores an access token in the config file so future commands
can authenticate without environment variables.`,
	Example: `  dealsync login
  dealsync login --partner aws
  dealsync login --partner microsoft --token <token>`,
	Args: cobra.NoArgs,
	RunE: runLogin,
}

var (
	loginPartner string
	loginToken   string
)

func init() {
	rootCmd.AddCommand(loginCmd)

	loginCmd.Flags().StringVar(&loginPartner, "partner", "",
		"Store a partner portal token instead of the CRM token")
	loginCmd.Flags().StringVarP(&loginToken, "token", "t", "",
		"Access token (will prompt if not provided)")
}

func runLogin(cmd *cobra.Command, args []string) error {
	target := "HubSpot"
	var p models.Partner
	if loginPartner != "" {
		var err error
		p, err = models.ParsePartner(loginPartner)
		if err != nil {
			return err
		}
		target = string(p)
	}

	if loginToken == "" {
		var err error
		loginToken, err = promptToken(fmt.Sprintf("%s access token: ", target))
		if err != nil {
			return fmt.Errorf("read token: %w", err)
		}
	}
	if loginToken == "" {
		return fmt.Errorf("empty token")
	}

	path, err := configFilePath()
	if err != nil {
		return err
	}

	// Rewrite only the file, not env-derived values: start from what is
	// on disk, then set the one token.
	onDisk := config.DefaultConfig()
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, onDisk); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if loginPartner == "" {
		onDisk.CRM.Token = loginToken
	} else {
		if onDisk.Partners == nil {
			onDisk.Partners = make(map[string]config.PartnerConfig)
		}
		pc := onDisk.Partners[string(p)]
		pc.Token = loginToken
		pc.Enabled = true
		onDisk.Partners[string(p)] = pc
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := json.MarshalIndent(onDisk, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	if jsonOut {
		printJSON(map[string]interface{}{
			"success": true,
			"target":  target,
			"config":  path,
		})
		return nil
	}
	printSuccess("Stored %s token in %s", target, path)
	return nil
}

func configFilePath() (string, error) {
	if cfgPath != "" {
		return cfgPath, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(homeDir, ".config", "dealsync", "config.json"), nil
}

func promptToken(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)

	// Read without echo so the token stays off the terminal.
	token, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)

	if err != nil {
		return "", err
	}
	return string(token), nil
}
