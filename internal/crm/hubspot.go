// Package crm reads and writes deals in the CRM. The client normalizes CRM
// property names and encodings (epoch-millis dates, string amounts) into the
// canonical record the mappers translate from.
package crm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/carlmjohnson/requests"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/TheMichaelB/dealsync/internal/config"
	"github.com/TheMichaelB/dealsync/internal/events"
	"github.com/TheMichaelB/dealsync/internal/models"
	"github.com/TheMichaelB/dealsync/internal/transport"
)

// Deal properties requested on every read.
var dealProperties = []string{
	"dealname", "dealstage", "amount", "deal_currency_code", "closedate",
	"description", "hs_next_step", "dealtype", "hs_lastmodifieddate",
}

var companyProperties = []string{
	"name", "domain", "industry", "country", "city", "state", "zip", "address",
}

var contactProperties = []string{
	"email", "firstname", "lastname", "phone", "jobtitle",
}

// Reader fetches canonical records from the CRM.
type Reader interface {
	GetDeal(ctx context.Context, id string) (*models.CanonicalRecord, error)
}

// Writer applies reverse-sync changes to the CRM: patches to linked deals
// and deal creation for partner-originated records.
type Writer interface {
	ApplyPatch(ctx context.Context, id string, patch *models.RecordPatch) error
	FindByExternalID(ctx context.Context, p models.Partner, remoteID string) (string, error)
	CreateDeal(ctx context.Context, rec *models.CanonicalRecord, p models.Partner, remoteID string) (string, error)
}

// HubSpotClient talks to the HubSpot CRM v3 API.
type HubSpotClient struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *events.Logger
}

// NewHubSpotClient creates a CRM client.
func NewHubSpotClient(cfg config.CRMConfig, logger *events.Logger) *HubSpotClient {
	return &HubSpotClient{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		token:   cfg.Token,
		http:    transport.NewHTTPClient(cfg.Timeout, logger),
		logger:  logger.WithField("component", "hubspot"),
	}
}

func (c *HubSpotClient) api(op string) *requests.Builder {
	return requests.URL(c.baseURL).
		Client(c.http).
		Bearer(c.token).
		AddValidator(transport.ValidateStatus("hubspot", op))
}

// GetDeal fetches a deal with its first associated company and up to ten
// contacts, normalized to a canonical record.
func (c *HubSpotClient) GetDeal(ctx context.Context, id string) (*models.CanonicalRecord, error) {
	var body string
	err := c.api("get deal").
		Pathf("/crm/v3/objects/deals/%s", id).
		Param("properties", strings.Join(dealProperties, ",")).
		Param("associations", "companies,contacts").
		ToString(&body).
		Fetch(ctx)
	if err != nil {
		return nil, c.mapNotFound(err, fmt.Errorf("get deal %s: %w", id, err))
	}

	deal := gjson.Parse(body)
	rec, err := c.parseDeal(id, deal)
	if err != nil {
		return nil, err
	}

	if companyID := deal.Get("associations.companies.results.0.id").String(); companyID != "" {
		company, err := c.getCompany(ctx, companyID)
		if err != nil {
			return nil, err
		}
		rec.Company = company
	}

	contactIDs := deal.Get("associations.contacts.results.#.id")
	for i, cid := range contactIDs.Array() {
		if i == 10 {
			break
		}
		contact, err := c.getContact(ctx, cid.String())
		if err != nil {
			return nil, err
		}
		if !contact.Empty() {
			rec.Contacts = append(rec.Contacts, contact)
		}
	}

	return rec, nil
}

func (c *HubSpotClient) parseDeal(id string, deal gjson.Result) (*models.CanonicalRecord, error) {
	props := deal.Get("properties")

	rec := &models.CanonicalRecord{
		ID:          id,
		Title:       props.Get("dealname").String(),
		Currency:    props.Get("deal_currency_code").String(),
		Description: props.Get("description").String(),
		NextSteps:   props.Get("hs_next_step").String(),
		DealType:    props.Get("dealtype").String(),
	}

	if v := props.Get("dealstage"); v.Exists() && v.String() != "" {
		rec.Stage = models.Stage(v.String())
	}
	if v := props.Get("amount"); v.Exists() && v.String() != "" {
		amount, err := decimal.NewFromString(v.String())
		if err != nil {
			return nil, fmt.Errorf("deal %s: parse amount %q: %w", id, v.String(), err)
		}
		rec.Amount = amount
	}
	if v := props.Get("closedate"); v.Exists() && v.String() != "" {
		d, err := models.ParseDate(v.String())
		if err != nil {
			return nil, fmt.Errorf("deal %s: parse closedate: %w", id, err)
		}
		rec.CloseDate = d
	}

	return rec, nil
}

// LastModified returns the deal's CRM modification timestamp, used as the
// local version token for polled changes.
func (c *HubSpotClient) LastModified(ctx context.Context, id string) (time.Time, error) {
	var body string
	err := c.api("get deal").
		Pathf("/crm/v3/objects/deals/%s", id).
		Param("properties", "hs_lastmodifieddate").
		ToString(&body).
		Fetch(ctx)
	if err != nil {
		return time.Time{}, fmt.Errorf("get deal %s: %w", id, err)
	}

	raw := gjson.Get(body, "properties.hs_lastmodifieddate").String()
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("deal %s: parse hs_lastmodifieddate %q: %w", id, raw, err)
	}
	return ts, nil
}

func (c *HubSpotClient) getCompany(ctx context.Context, id string) (*models.Company, error) {
	var body string
	err := c.api("get company").
		Pathf("/crm/v3/objects/companies/%s", id).
		Param("properties", strings.Join(companyProperties, ",")).
		ToString(&body).
		Fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("get company %s: %w", id, err)
	}

	props := gjson.Get(body, "properties")
	return &models.Company{
		Name:       props.Get("name").String(),
		Website:    props.Get("domain").String(),
		Industry:   props.Get("industry").String(),
		Country:    props.Get("country").String(),
		City:       props.Get("city").String(),
		State:      props.Get("state").String(),
		PostalCode: props.Get("zip").String(),
		Street:     props.Get("address").String(),
	}, nil
}

func (c *HubSpotClient) getContact(ctx context.Context, id string) (models.Contact, error) {
	var body string
	err := c.api("get contact").
		Pathf("/crm/v3/objects/contacts/%s", id).
		Param("properties", strings.Join(contactProperties, ",")).
		ToString(&body).
		Fetch(ctx)
	if err != nil {
		return models.Contact{}, fmt.Errorf("get contact %s: %w", id, err)
	}

	props := gjson.Get(body, "properties")
	return models.Contact{
		Email:     props.Get("email").String(),
		FirstName: props.Get("firstname").String(),
		LastName:  props.Get("lastname").String(),
		Phone:     props.Get("phone").String(),
		JobTitle:  props.Get("jobtitle").String(),
	}, nil
}

// ApplyPatch writes a reverse-sync patch back to the deal. Only set fields
// are sent; fields the partner never carried stay untouched in the CRM.
func (c *HubSpotClient) ApplyPatch(ctx context.Context, id string, patch *models.RecordPatch) error {
	props := []byte(`{}`)
	set := func(name, value string) {
		props, _ = sjson.SetBytes(props, name, value)
	}

	if patch.Title != nil {
		set("dealname", *patch.Title)
	}
	if patch.Stage != nil {
		set("dealstage", string(*patch.Stage))
	}
	if patch.Amount != nil {
		set("amount", patch.Amount.String())
	}
	if patch.Currency != nil {
		set("deal_currency_code", *patch.Currency)
	}
	if patch.CloseDate != nil {
		set("closedate", patch.CloseDate.String())
	}
	if patch.Description != nil {
		set("description", *patch.Description)
	}

	if string(props) == "{}" {
		c.logger.WithField("deal_id", id).Debug("Patch carries no CRM fields, skipping write")
		return nil
	}

	body, _ := sjson.SetRawBytes([]byte(`{}`), "properties", props)

	c.logger.WithFields(map[string]interface{}{
		"deal_id": id,
		"fields":  patch.Fields(),
	}).Info("Patching CRM deal")

	err := c.api("update deal").
		Pathf("/crm/v3/objects/deals/%s", id).
		Patch().
		BodyBytes(body).
		ContentType("application/json").
		Fetch(ctx)
	if err != nil {
		return c.mapNotFound(err, fmt.Errorf("update deal %s: %w", id, err))
	}
	return nil
}

// externalIDProperty names the deal property that records which partner-side
// record a deal originated from. Reverse sync searches it before creating a
// deal, so redelivered partner events resolve to the existing deal instead
// of creating a duplicate.
func externalIDProperty(p models.Partner) string {
	switch p {
	case models.PartnerAWS:
		return "aws_opportunity_id"
	case models.PartnerMicrosoft:
		return "ms_referral_id"
	case models.PartnerGCP:
		return "gcp_opportunity_id"
	}
	return ""
}

// FindByExternalID returns the id of the deal whose external-id property
// matches the partner record, or models.ErrRecordNotFound when no deal
// carries it.
func (c *HubSpotClient) FindByExternalID(ctx context.Context, p models.Partner, remoteID string) (string, error) {
	prop := externalIDProperty(p)
	if prop == "" {
		return "", fmt.Errorf("no external id property for partner %s", p)
	}

	search := []byte(`{"limit":1}`)
	search, _ = sjson.SetBytes(search, "filterGroups.0.filters.0.propertyName", prop)
	search, _ = sjson.SetBytes(search, "filterGroups.0.filters.0.operator", "EQ")
	search, _ = sjson.SetBytes(search, "filterGroups.0.filters.0.value", remoteID)

	var body string
	err := c.api("find deal by external id").
		Path("/crm/v3/objects/deals/search").
		BodyBytes(search).
		ContentType("application/json").
		ToString(&body).
		Fetch(ctx)
	if err != nil {
		return "", fmt.Errorf("search deals by %s: %w", prop, err)
	}

	id := gjson.Get(body, "results.0.id").String()
	if id == "" {
		return "", models.ErrRecordNotFound
	}
	return id, nil
}

// CreateDeal creates a deal from a partner-originated record and stamps the
// partner's external id on it so later deliveries deduplicate.
func (c *HubSpotClient) CreateDeal(ctx context.Context, rec *models.CanonicalRecord, p models.Partner, remoteID string) (string, error) {
	props := []byte(`{}`)
	set := func(name, value string) {
		if value != "" {
			props, _ = sjson.SetBytes(props, name, value)
		}
	}

	set("dealname", rec.Title)
	set("dealstage", string(rec.Stage))
	if !rec.Amount.IsZero() {
		set("amount", rec.Amount.String())
	}
	set("deal_currency_code", rec.Currency)
	if !rec.CloseDate.IsZero() {
		set("closedate", rec.CloseDate.String())
	}
	set("description", rec.Description)
	if prop := externalIDProperty(p); prop != "" {
		set(prop, remoteID)
	}

	body, _ := sjson.SetRawBytes([]byte(`{}`), "properties", props)

	c.logger.WithFields(map[string]interface{}{
		"partner":   p.String(),
		"remote_id": remoteID,
	}).Info("Creating CRM deal from partner record")

	var resp string
	err := c.api("create deal").
		Path("/crm/v3/objects/deals").
		BodyBytes(body).
		ContentType("application/json").
		ToString(&resp).
		Fetch(ctx)
	if err != nil {
		return "", fmt.Errorf("create deal: %w", err)
	}

	id := gjson.Get(resp, "id").String()
	if id == "" {
		return "", fmt.Errorf("create deal: response carries no id")
	}
	return id, nil
}

// DealChange is one entry from a modified-since poll.
type DealChange struct {
	ID         string
	ModifiedAt time.Time
}

// ModifiedSince returns deals modified after the cutoff, paging through the
// CRM search API.
func (c *HubSpotClient) ModifiedSince(ctx context.Context, cutoff time.Time) ([]DealChange, error) {
	var changes []DealChange
	after := ""

	for {
		search := []byte(`{"limit":100,"sorts":["hs_lastmodifieddate"],"properties":["hs_lastmodifieddate"]}`)
		search, _ = sjson.SetBytes(search, "filterGroups.0.filters.0.propertyName", "hs_lastmodifieddate")
		search, _ = sjson.SetBytes(search, "filterGroups.0.filters.0.operator", "GT")
		search, _ = sjson.SetBytes(search, "filterGroups.0.filters.0.value", fmt.Sprintf("%d", cutoff.UnixMilli()))
		if after != "" {
			search, _ = sjson.SetBytes(search, "after", after)
		}

		var body string
		err := c.api("search deals").
			Path("/crm/v3/objects/deals/search").
			BodyBytes(search).
			ContentType("application/json").
			ToString(&body).
			Fetch(ctx)
		if err != nil {
			return nil, fmt.Errorf("search deals: %w", err)
		}

		for _, r := range gjson.Get(body, "results").Array() {
			change := DealChange{ID: r.Get("id").String()}
			raw := r.Get("properties.hs_lastmodifieddate").String()
			if ts, err := time.Parse(time.RFC3339, raw); err == nil {
				change.ModifiedAt = ts
			}
			changes = append(changes, change)
		}

		after = gjson.Get(body, "paging.next.after").String()
		if after == "" {
			return changes, nil
		}
	}
}

func (c *HubSpotClient) mapNotFound(err, wrapped error) error {
	var apiErr *models.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return models.ErrRecordNotFound
	}
	return wrapped
}
