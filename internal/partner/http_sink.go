package partner

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/carlmjohnson/requests"
	"github.com/tidwall/gjson"

	"github.com/TheMichaelB/dealsync/internal/config"
	"github.com/TheMichaelB/dealsync/internal/events"
	"github.com/TheMichaelB/dealsync/internal/models"
	"github.com/TheMichaelB/dealsync/internal/transport"
)

// routes captures where one partner API differs from the others: paths,
// where the remote id and version live in a response, and whether the
// version rides in the ETag header with If-Match concurrency.
type routes struct {
	collection string // create path; resources live at collection/{id}
	updateVerb string // http.MethodPut or http.MethodPatch

	idPath      string // gjson path to the remote id
	versionPath string // gjson path to the version token, "" when ETag-based
	reviewPath  string // gjson path to the review status, "" when none
	etag        bool   // version in ETag header, updates send If-Match
}

// HTTPSink is the shared HTTP implementation behind all three partner sinks.
type HTTPSink struct {
	partner models.Partner
	baseURL string
	token   string
	routes  routes
	http    *http.Client
	logger  *events.Logger
}

// NewAWSSink targets AWS Partner Central opportunities. Versioning rides on
// the LastModifiedDate token.
func NewAWSSink(cfg config.PartnerConfig, timeout time.Duration, logger *events.Logger) *HTTPSink {
	return newHTTPSink(models.PartnerAWS, cfg, timeout, logger, routes{
		collection:  "/opportunities",
		updateVerb:  http.MethodPut,
		idPath:      "Id",
		versionPath: "LastModifiedDate",
		reviewPath:  "LifeCycle.ReviewStatus",
	})
}

// NewMicrosoftSink targets Partner Center referrals. Versioning is ETag
// based; updates carry If-Match.
func NewMicrosoftSink(cfg config.PartnerConfig, timeout time.Duration, logger *events.Logger) *HTTPSink {
	return newHTTPSink(models.PartnerMicrosoft, cfg, timeout, logger, routes{
		collection: "/v1.0/engagements/referrals",
		updateVerb: http.MethodPut,
		idPath:     "id",
		etag:       true,
	})
}

// NewGCPSink targets Partner Advantage opportunities.
func NewGCPSink(cfg config.PartnerConfig, timeout time.Duration, logger *events.Logger) *HTTPSink {
	return newHTTPSink(models.PartnerGCP, cfg, timeout, logger, routes{
		collection:  "/v1/opportunities",
		updateVerb:  http.MethodPatch,
		idPath:      "opportunityId",
		versionPath: "updateTime",
		reviewPath:  "reviewState",
	})
}

func newHTTPSink(p models.Partner, cfg config.PartnerConfig, timeout time.Duration, logger *events.Logger, r routes) *HTTPSink {
	return &HTTPSink{
		partner: p,
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		token:   cfg.Token,
		routes:  r,
		http:    transport.NewHTTPClient(timeout, logger),
		logger:  logger.WithField("component", string(p)+"_sink"),
	}
}

func (s *HTTPSink) Partner() models.Partner { return s.partner }

func (s *HTTPSink) api(op string) *requests.Builder {
	return requests.URL(s.baseURL).
		Client(s.http).
		Bearer(s.token).
		AddValidator(transport.ValidateStatus(string(s.partner), op))
}

func (s *HTTPSink) Create(ctx context.Context, payload models.PartnerPayload) (RemoteRecord, error) {
	if payload.Partner() != s.partner {
		return RemoteRecord{}, fmt.Errorf("payload is for partner %q, not %q", payload.Partner(), s.partner)
	}

	var body string
	var header http.Header
	err := s.api("create").
		Path(s.routes.collection).
		BodyBytes(payload.Body()).
		ContentType("application/json").
		Handle(recordResponse(&body, &header)).
		Fetch(ctx)
	if err != nil {
		return RemoteRecord{}, fmt.Errorf("create %s record: %w", s.partner, err)
	}

	record := s.parseRecord(body, header)
	if record.RemoteID == "" {
		return RemoteRecord{}, fmt.Errorf("create %s record: response carries no id", s.partner)
	}

	s.logger.WithField("remote_id", record.RemoteID).Info("Created partner record")
	return record, nil
}

func (s *HTTPSink) Update(ctx context.Context, remoteID string, payload models.PartnerPayload, expectedVersion string) (RemoteRecord, error) {
	if payload.Partner() != s.partner {
		return RemoteRecord{}, fmt.Errorf("payload is for partner %q, not %q", payload.Partner(), s.partner)
	}

	// Version-token partners cannot reject stale writes server-side, so the
	// precondition runs here: read the record and refuse the write when its
	// token no longer matches what the caller observed. The caller re-runs
	// drift detection on models.ErrVersionConflict.
	if !s.routes.etag && expectedVersion != "" {
		current, err := s.Get(ctx, remoteID)
		if err != nil {
			return RemoteRecord{}, err
		}
		if current.Version != "" && current.Version != expectedVersion {
			s.logger.WithFields(map[string]interface{}{
				"remote_id": remoteID,
				"expected":  expectedVersion,
				"observed":  current.Version,
			}).Warn("Rejecting update on stale remote version")
			return RemoteRecord{}, models.ErrVersionConflict
		}
	}

	builder := s.api("update").
		Pathf("%s/%s", s.routes.collection, remoteID).
		Method(s.routes.updateVerb).
		BodyBytes(payload.Body()).
		ContentType("application/json")

	if s.routes.etag && expectedVersion != "" {
		builder = builder.Header("If-Match", expectedVersion)
	}

	var body string
	var header http.Header
	err := builder.Handle(recordResponse(&body, &header)).Fetch(ctx)
	if err != nil {
		if errors.Is(err, models.ErrVersionConflict) {
			return RemoteRecord{}, models.ErrVersionConflict
		}
		return RemoteRecord{}, fmt.Errorf("update %s record %s: %w", s.partner, remoteID, err)
	}

	record := s.parseRecord(body, header)
	if record.RemoteID == "" {
		record.RemoteID = remoteID
	}

	return record, nil
}

func (s *HTTPSink) Get(ctx context.Context, remoteID string) (RemoteRecord, error) {
	var body string
	var header http.Header
	err := s.api("get").
		Pathf("%s/%s", s.routes.collection, remoteID).
		Handle(recordResponse(&body, &header)).
		Fetch(ctx)
	if err != nil {
		return RemoteRecord{}, fmt.Errorf("get %s record %s: %w", s.partner, remoteID, err)
	}

	record := s.parseRecord(body, header)
	if record.RemoteID == "" {
		record.RemoteID = remoteID
	}
	return record, nil
}

func (s *HTTPSink) parseRecord(body string, header http.Header) RemoteRecord {
	parsed := gjson.Parse(body)

	record := RemoteRecord{
		RemoteID: parsed.Get(s.routes.idPath).String(),
		Payload:  models.NewPartnerPayload(s.partner, []byte(body)),
	}

	if s.routes.etag {
		record.Version = header.Get("ETag")
		if record.Version == "" {
			record.Version = parsed.Get("etag").String()
		}
	} else if s.routes.versionPath != "" {
		record.Version = parsed.Get(s.routes.versionPath).String()
	}

	if s.routes.reviewPath != "" {
		record.ReviewStatus = parsed.Get(s.routes.reviewPath).String()
	}
	return record
}

// recordResponse captures the response body and headers for parsing.
func recordResponse(body *string, header *http.Header) func(*http.Response) error {
	return func(resp *http.Response) error {
		*header = resp.Header.Clone()
		return requests.ToString(body)(resp)
	}
}
