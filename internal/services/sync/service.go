package sync

import (
	"fmt"
	"io"
	"time"

	"github.com/TheMichaelB/dealsync/internal/config"
	"github.com/TheMichaelB/dealsync/internal/crm"
	"github.com/TheMichaelB/dealsync/internal/events"
	"github.com/TheMichaelB/dealsync/internal/mapper"
	"github.com/TheMichaelB/dealsync/internal/models"
	"github.com/TheMichaelB/dealsync/internal/notify"
	"github.com/TheMichaelB/dealsync/internal/partner"
	"github.com/TheMichaelB/dealsync/internal/resolver"
	"github.com/TheMichaelB/dealsync/internal/state"
	"github.com/TheMichaelB/dealsync/internal/tracker"
)

// Service assembles an engine from configuration: state stores by driver,
// the CRM client, one sink per enabled partner, and the notification chain.
type Service struct {
	engine   *Engine
	tracker  *tracker.Tracker
	resolver *resolver.Resolver
	crm      *crm.HubSpotClient
	cfg      *config.Config
	logger   *events.Logger
	closers  []io.Closer
}

// NewService builds the full sync stack.
func NewService(cfg *config.Config, logger *events.Logger) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	links, conflicts, closers, err := openStores(cfg.State, logger)
	if err != nil {
		return nil, err
	}

	hubspot := crm.NewHubSpotClient(cfg.CRM, logger)
	engine, err := Assemble(cfg, hubspot, links, conflicts, logger)
	if err != nil {
		closeAll(closers)
		return nil, err
	}

	return &Service{
		engine:   engine,
		tracker:  engine.tracker,
		resolver: engine.resolver,
		crm:      hubspot,
		cfg:      cfg,
		logger:   logger,
		closers:  closers,
	}, nil
}

// Assemble builds an engine on already-opened stores. The Lambda handler
// uses it directly with DynamoDB-backed stores.
func Assemble(cfg *config.Config, hubspot *crm.HubSpotClient, links state.LinkStore, conflicts state.ConflictStore, logger *events.Logger) (*Engine, error) {
	registry := mapper.NewRegistry(
		mapper.NewAWSAdapter(logger),
		mapper.NewMicrosoftAdapter(logger),
		mapper.NewGCPAdapter(logger),
	)

	var sinks []partner.Sink
	for name, pcfg := range cfg.Partners {
		if !pcfg.Enabled {
			continue
		}
		sink, err := newSink(name, pcfg, cfg.Sync.Timeout, logger)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, sink)
	}

	notifier := notify.Notifier(notify.NewLogNotifier(logger))
	if cfg.Notify.WebhookURL != "" {
		notifier = notify.Multi{notifier, notify.NewWebhookNotifier(cfg.Notify, logger)}
	}

	tr := tracker.New(links, logger)
	res := resolver.New(conflicts, cfg.Resolver, logger)
	return NewEngine(hubspot, hubspot, hubspot, registry, tr, res, sinks, notifier, cfg.Sync, logger), nil
}

// Engine returns the assembled sync engine.
func (s *Service) Engine() *Engine { return s.engine }

// Tracker returns the link tracker, for link inspection commands.
func (s *Service) Tracker() *tracker.Tracker { return s.tracker }

// Resolver returns the conflict resolver, for conflict commands.
func (s *Service) Resolver() *resolver.Resolver { return s.resolver }

// PollSource builds an event source polling the CRM for modified deals.
func (s *Service) PollSource(interval time.Duration, start time.Time) events.Source {
	return crm.NewPollSource(s.crm, interval, start, s.logger)
}

// Close releases the state stores.
func (s *Service) Close() error {
	var first error
	for _, c := range s.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func openStores(cfg config.StateConfig, logger *events.Logger) (state.LinkStore, state.ConflictStore, []io.Closer, error) {
	switch cfg.Driver {
	case "memory":
		return state.NewMemoryLinkStore(), state.NewMemoryConflictStore(), nil, nil

	case "json":
		links, err := state.NewJSONLinkStore(cfg.Dir, logger)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open link store: %w", err)
		}
		conflicts, err := state.NewJSONConflictStore(cfg.Dir, logger)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open conflict store: %w", err)
		}
		return links, conflicts, []io.Closer{closerFunc(links.Close), closerFunc(conflicts.Close)}, nil

	case "sqlite":
		links, conflicts, err := state.NewSQLiteStores(cfg.DBPath, logger)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open sqlite stores: %w", err)
		}
		// The link store owns the shared database handle.
		return links, conflicts, []io.Closer{closerFunc(links.Close)}, nil

	default:
		return nil, nil, nil, fmt.Errorf("state driver %q is not available here", cfg.Driver)
	}
}

func newSink(name string, cfg config.PartnerConfig, timeout time.Duration, logger *events.Logger) (partner.Sink, error) {
	p, err := models.ParsePartner(name)
	if err != nil {
		return nil, err
	}
	switch p {
	case models.PartnerAWS:
		return partner.NewAWSSink(cfg, timeout, logger), nil
	case models.PartnerMicrosoft:
		return partner.NewMicrosoftSink(cfg, timeout, logger), nil
	case models.PartnerGCP:
		return partner.NewGCPSink(cfg, timeout, logger), nil
	}
	return nil, fmt.Errorf("no sink for partner %q", name)
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func closeAll(closers []io.Closer) {
	for _, c := range closers {
		_ = c.Close()
	}
}
