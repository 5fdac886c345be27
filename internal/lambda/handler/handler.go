// Package handler processes Lambda invocations for the sync engine. Wiring
// happens once per cold start; warm invocations reuse the assembled engine
// and its DynamoDB-backed stores.
package handler

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/TheMichaelB/dealsync/internal/config"
	"github.com/TheMichaelB/dealsync/internal/crm"
	"github.com/TheMichaelB/dealsync/internal/events"
	"github.com/TheMichaelB/dealsync/internal/lambda/adapters"
	"github.com/TheMichaelB/dealsync/internal/models"
	syncsvc "github.com/TheMichaelB/dealsync/internal/services/sync"
)

// Event is the Lambda input.
type Event struct {
	// Action selects the flow: "sync" pushes one CRM change,
	// "sync_all" runs a catch-up over recently modified deals,
	// "partner_change" pulls one partner record back into the CRM.
	Action string `json:"action"`

	// sync
	RecordID      string    `json:"record_id,omitempty"`
	ChangedFields []string  `json:"changed_fields,omitempty"`
	OccurredAt    time.Time `json:"occurred_at,omitempty"`

	// partner_change
	Partner  string `json:"partner,omitempty"`
	RemoteID string `json:"remote_id,omitempty"`

	// sync_all
	Since time.Time `json:"since,omitempty"`
}

// Response is the Lambda output.
type Response struct {
	Success  bool                  `json:"success"`
	Message  string                `json:"message"`
	Results  []syncsvc.RoundResult `json:"results,omitempty"`
	Errors   []string              `json:"errors,omitempty"`
	Metadata map[string]string     `json:"metadata,omitempty"`
}

// Handler holds the warm-start state.
type Handler struct {
	engine *syncsvc.Engine
	logger *events.Logger
	cfg    *config.LambdaConfig
}

// NewHandler assembles the engine for the Lambda environment.
func NewHandler(ctx context.Context) (*Handler, error) {
	cfg, err := config.LoadLambdaConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	level := os.Getenv("LOG_LEVEL")
	if level == "" {
		level = cfg.Log.Level
	}
	logger, err := events.NewLogger(events.LogSettings{Level: level, Format: "json"})
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}

	if name := os.Getenv("DEALSYNC_SECRET_NAME"); name != "" {
		logger.WithField("secret_name", name).Info("Loading API tokens from Secrets Manager")
		secret, err := loadSecret(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("load credentials: %w", err)
		}
		secret.applyTo(&cfg.Config)
	}

	links, conflicts, err := adapters.NewDynamoStores(ctx, cfg.LinkTableName, cfg.ConflictTableName, logger)
	if err != nil {
		return nil, fmt.Errorf("open stores: %w", err)
	}

	hubspot := crm.NewHubSpotClient(cfg.CRM, logger)
	engine, err := syncsvc.Assemble(&cfg.Config, hubspot, links, conflicts, logger)
	if err != nil {
		return nil, fmt.Errorf("assemble engine: %w", err)
	}

	return &Handler{engine: engine, logger: logger, cfg: cfg}, nil
}

// ProcessEvent dispatches one invocation.
func (h *Handler) ProcessEvent(ctx context.Context, event Event) (Response, error) {
	start := time.Now()

	h.logger.WithFields(map[string]interface{}{
		"action":    event.Action,
		"record_id": event.RecordID,
		"partner":   event.Partner,
	}).Info("Processing Lambda event")

	var resp Response
	switch event.Action {
	case "sync":
		resp = h.handleSync(ctx, event)
	case "sync_all":
		resp = h.handleSyncAll(ctx, event)
	case "partner_change":
		resp = h.handlePartnerChange(ctx, event)
	default:
		resp = Response{Success: false, Message: fmt.Sprintf("unknown action %q", event.Action)}
	}

	resp.Metadata = map[string]string{
		"execution_time": time.Since(start).String(),
	}
	return resp, nil
}

func (h *Handler) handleSync(ctx context.Context, event Event) Response {
	occurredAt := event.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}
	ev := events.NewChangeEvent(event.RecordID, event.ChangedFields, occurredAt)

	results, err := h.engine.HandleEvent(ctx, ev)
	if err != nil {
		return Response{Success: false, Message: "sync failed", Errors: []string{err.Error()}}
	}
	return summarize(results)
}

func (h *Handler) handleSyncAll(ctx context.Context, event Event) Response {
	since := event.Since
	if since.IsZero() {
		since = time.Now().Add(-24 * time.Hour).UTC()
	}

	results, err := h.engine.SyncAll(ctx, since)
	if err != nil {
		return Response{Success: false, Message: "bulk sync failed", Errors: []string{err.Error()}}
	}
	return summarize(results)
}

func (h *Handler) handlePartnerChange(ctx context.Context, event Event) Response {
	p, err := models.ParsePartner(event.Partner)
	if err != nil {
		return Response{Success: false, Message: err.Error()}
	}
	if event.RemoteID == "" {
		return Response{Success: false, Message: "remote_id is required"}
	}

	result, err := h.engine.SyncFromPartner(ctx, p, event.RemoteID)
	if err != nil {
		return Response{Success: false, Message: "reverse sync failed", Errors: []string{err.Error()}}
	}
	return summarize([]syncsvc.RoundResult{*result})
}

// summarize folds round results into the response, collecting per-round
// failures without failing the invocation.
func summarize(results []syncsvc.RoundResult) Response {
	var errs []string
	for _, r := range results {
		if r.Err != nil {
			errs = append(errs, fmt.Sprintf("%s/%s: %v", r.LocalID, r.Partner, r.Err))
		}
	}
	return Response{
		Success: len(errs) == 0,
		Message: fmt.Sprintf("%d rounds, %d failed", len(results), len(errs)),
		Results: results,
		Errors:  errs,
	}
}
