package handler

import (
	"context"
	"encoding/json"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"

	"github.com/TheMichaelB/dealsync/internal/config"
)

// apiSecret is the single Secrets Manager JSON document carrying every API
// token the function needs. Example:
//
//	{
//	  "hubspot_token": "pat-...",
//	  "partner_tokens": {"aws": "...", "microsoft": "...", "gcp": "..."},
//	  "webhook_url": "https://hooks.example.com/dealsync"
//	}
type apiSecret struct {
	HubSpotToken  string            `json:"hubspot_token"`
	PartnerTokens map[string]string `json:"partner_tokens"`
	WebhookURL    string            `json:"webhook_url,omitempty"`
}

// loadSecret fetches and parses the named secret.
func loadSecret(ctx context.Context, name string) (*apiSecret, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := secretsmanager.NewFromConfig(awsCfg)
	out, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: &name,
	})
	if err != nil {
		return nil, fmt.Errorf("get secret %s: %w", name, err)
	}
	if out.SecretString == nil {
		return nil, fmt.Errorf("secret %s has no string payload", name)
	}

	var secret apiSecret
	if err := json.Unmarshal([]byte(*out.SecretString), &secret); err != nil {
		return nil, fmt.Errorf("parse secret %s: %w", name, err)
	}
	if secret.HubSpotToken == "" {
		return nil, fmt.Errorf("secret %s is missing hubspot_token", name)
	}
	return &secret, nil
}

// applyTo copies the secret's tokens into the configuration. Partners without
// a token are disabled rather than left to fail on every call.
func (s *apiSecret) applyTo(cfg *config.Config) {
	cfg.CRM.Token = s.HubSpotToken
	if s.WebhookURL != "" {
		cfg.Notify.WebhookURL = s.WebhookURL
	}

	for name, pcfg := range cfg.Partners {
		token, ok := s.PartnerTokens[name]
		if !ok || token == "" {
			pcfg.Enabled = false
			cfg.Partners[name] = pcfg
			continue
		}
		pcfg.Token = token
		cfg.Partners[name] = pcfg
	}
}
