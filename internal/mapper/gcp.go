package mapper

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/sjson"

	"github.com/TheMichaelB/dealsync/internal/events"
	"github.com/TheMichaelB/dealsync/internal/models"
)

var gcpStageTable = StageTable{
	ToPartner: map[models.Stage]string{
		models.StageAppointmentScheduled:  "QUALIFYING",
		models.StageQualifiedToBuy:        "QUALIFIED",
		models.StagePresentationScheduled: "PROPOSAL",
		models.StageDecisionMakerBoughtIn: "PROPOSAL",
		models.StageContractSent:          "NEGOTIATING",
		models.StageClosedWon:             "CLOSED_WON",
		models.StageClosedLost:            "CLOSED_LOST",
	},
	ToCanonical: map[string]models.Stage{
		"QUALIFYING":  models.StageAppointmentScheduled,
		"QUALIFIED":   models.StageQualifiedToBuy,
		"PROPOSAL":    models.StagePresentationScheduled,
		"NEGOTIATING": models.StageContractSent,
		"CLOSED_WON":  models.StageClosedWon,
		"CLOSED_LOST": models.StageClosedLost,
	},
	Earliest: "QUALIFYING",
}

const (
	gcpMaxName        = 150
	gcpMaxDescription = 2000
	gcpMaxContacts    = 10
	gcpMinDescription = 20
)

// GCPAdapter maps deals to Google Cloud Partner Advantage opportunities.
type GCPAdapter struct {
	logger *events.Logger
}

// NewGCPAdapter creates the Partner Advantage adapter.
func NewGCPAdapter(logger *events.Logger) *GCPAdapter {
	return &GCPAdapter{logger: logger.WithField("component", "gcp_mapper")}
}

func (g *GCPAdapter) Partner() models.Partner { return models.PartnerGCP }

func (g *GCPAdapter) Tag() string { return "#GCP" }

// ImmutableFields: Partner Advantage opportunities stay editable after
// submission.
func (g *GCPAdapter) ImmutableFields() []string { return nil }

func (g *GCPAdapter) StageTable() StageTable { return gcpStageTable }

// ToPartner builds a Partner Advantage opportunity body.
func (g *GCPAdapter) ToPartner(rec *models.CanonicalRecord, opts ToPartnerOptions) (models.PartnerPayload, error) {
	if imm := checkImmutable(g, opts); imm != nil {
		return models.PartnerPayload{}, imm
	}
	if err := g.validate(rec); err != nil {
		return models.PartnerPayload{}, err
	}

	stage, known := gcpStageTable.PartnerStage(rec.Stage)
	if !known {
		warnUnmappedStage(g.logger, models.PartnerGCP, rec.Stage, stage)
	}

	body := []byte(`{"opportunityType":"CO_SELL"}`)
	set := func(path string, value interface{}) {
		body, _ = sjson.SetBytes(body, path, value)
	}
	setRaw := func(path string, raw string) {
		body, _ = sjson.SetRawBytes(body, path, []byte(raw))
	}

	if !opts.ForUpdate {
		// Stable cross-system correlation id.
		set("externalOpportunityId", fmt.Sprintf("hubspot-deal-%s", rec.ID))
	}
	set("name", truncate(rec.Title, gcpMaxName))
	set("description", truncate(rec.Description, gcpMaxDescription))
	set("stage", stage)

	setRaw("dealSize.units", gcpMoneyUnits(rec.Amount))
	set("dealSize.nanos", gcpMoneyNanos(rec.Amount))
	set("dealSize.currencyCode", strings.ToUpper(rec.Currency))

	closeDate := g.safeCloseDate(rec.CloseDate)
	set("estimatedCloseDate.year", closeDate.Year)
	set("estimatedCloseDate.month", int(closeDate.Month))
	set("estimatedCloseDate.day", closeDate.Day)

	set("customer.companyName", truncate(rec.CompanyName(), gcpMaxName))
	set("customer.countryCode", countryAlpha2(rec.Company.Country))
	if rec.Company.Website != "" {
		set("customer.website", sanitizeWebsite(rec.Company.Website))
	}

	idx := 0
	for _, contact := range rec.Contacts {
		if contact.Empty() {
			continue
		}
		prefix := fmt.Sprintf("primaryContacts.%d.", idx)
		set(prefix+"givenName", contact.FirstName)
		set(prefix+"familyName", contact.LastName)
		set(prefix+"email", contact.Email)
		if phone := normalizePhone(contact.Phone); phone != "" {
			set(prefix+"phone", phone)
		}
		idx++
		if idx == gcpMaxContacts {
			break
		}
	}

	return models.NewPartnerPayload(models.PartnerGCP, body), nil
}

// FromPartner maps a Partner Advantage opportunity back to a record patch.
func (g *GCPAdapter) FromPartner(payload models.PartnerPayload) (*models.RecordPatch, error) {
	if payload.Partner() != models.PartnerGCP {
		return nil, fmt.Errorf("payload is for partner %q, not gcp", payload.Partner())
	}

	patch := &models.RecordPatch{}

	if v := payload.Get("name"); v.Exists() {
		title := v.String()
		if title != "" && !ContainsTag(title, g.Tag()) {
			title = title + " " + g.Tag()
		}
		patch.Title = &title
	}
	if v := payload.Get("stage"); v.Exists() {
		stage, known := gcpStageTable.CanonicalStage(v.String())
		if !known {
			g.logger.WithField("stage", v.String()).Warn("Unknown Partner Advantage stage")
		}
		patch.Stage = &stage
	}
	if v := payload.Get("description"); v.Exists() {
		desc := v.String()
		patch.Description = &desc
	}

	if size := payload.Get("dealSize"); size.Exists() {
		units := size.Get("units").String()
		if units == "" {
			units = "0"
		}
		amount, err := decimal.NewFromString(units)
		if err != nil {
			return nil, fmt.Errorf("parse dealSize.units %q: %w", units, err)
		}
		nanos := decimal.New(size.Get("nanos").Int(), -9)
		amount = amount.Add(nanos)
		patch.Amount = &amount
		if cc := size.Get("currencyCode"); cc.Exists() {
			currency := cc.String()
			patch.Currency = &currency
		}
	}

	if ecd := payload.Get("estimatedCloseDate"); ecd.Exists() {
		d := models.NewDate(
			int(ecd.Get("year").Int()),
			time.Month(ecd.Get("month").Int()),
			int(ecd.Get("day").Int()),
		)
		patch.CloseDate = &d
	}
	if v := payload.Get("customer.companyName"); v.Exists() {
		name := v.String()
		patch.CompanyName = &name
	}

	patch.RemoteID = payload.Get("opportunityId").String()
	patch.ReviewStatus = payload.Get("reviewState").String()

	return patch, nil
}

func (g *GCPAdapter) validate(rec *models.CanonicalRecord) error {
	var violations []models.FieldViolation

	if strings.TrimSpace(rec.Title) == "" {
		violations = append(violations, models.FieldViolation{
			Field: models.FieldTitle, Reason: "opportunity name is required",
		})
	}
	if rec.CompanyName() == "" {
		violations = append(violations, models.FieldViolation{
			Field: models.FieldCompany, Reason: "customer company name is required",
		})
	}
	if len(strings.TrimSpace(rec.Description)) < gcpMinDescription {
		violations = append(violations, models.FieldViolation{
			Field:  models.FieldDescription,
			Reason: fmt.Sprintf("description must be at least %d characters", gcpMinDescription),
		})
	}
	if strings.TrimSpace(rec.Currency) == "" {
		violations = append(violations, models.FieldViolation{
			Field: models.FieldCurrency, Reason: "currency code is required",
		})
	}
	if rec.Amount.IsNegative() {
		violations = append(violations, models.FieldViolation{
			Field: models.FieldAmount, Reason: "deal size cannot be negative",
		})
	}

	if len(violations) > 0 {
		return &models.ValidationError{Partner: models.PartnerGCP, Violations: violations}
	}
	return nil
}

func (g *GCPAdapter) safeCloseDate(d models.Date) models.Date {
	today := models.Today()
	if d.IsZero() || d.Before(today.AddDays(1)) {
		pushed := today.AddDays(awsCloseDatePushDays)
		g.logger.WithFields(map[string]interface{}{
			"close_date": d.String(),
			"pushed_to":  pushed.String(),
		}).Warn("Close date missing or in the past")
		return pushed
	}
	return d
}

// gcpMoneyUnits renders the whole-unit part of an amount as a JSON string,
// the way google.type.Money carries int64 units.
func gcpMoneyUnits(amount decimal.Decimal) string {
	return fmt.Sprintf("%q", amount.Truncate(0).String())
}

// gcpMoneyNanos renders the fractional part as nanos.
func gcpMoneyNanos(amount decimal.Decimal) int64 {
	frac := amount.Sub(amount.Truncate(0))
	return frac.Shift(9).IntPart()
}
