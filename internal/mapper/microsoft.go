package mapper

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/tidwall/sjson"

	"github.com/TheMichaelB/dealsync/internal/events"
	"github.com/TheMichaelB/dealsync/internal/models"
)

// Partner Center referral status is a (status, substatus) pair; a single
// canonical stage collapses into one pair, and several pairs collapse back
// into one canonical stage.
type msReferralStatus struct {
	Status    string
	Substatus string
}

var msStageToStatus = map[models.Stage]msReferralStatus{
	models.StageAppointmentScheduled:  {"New", "Pending"},
	models.StageQualifiedToBuy:        {"Active", "Accepted"},
	models.StagePresentationScheduled: {"Active", "Engaged"},
	models.StageDecisionMakerBoughtIn: {"Active", "Engaged"},
	models.StageContractSent:          {"Active", "Engaged"},
	models.StageClosedWon:             {"Closed", "Won"},
	models.StageClosedLost:            {"Closed", "Lost"},
}

var msStatusToStage = map[msReferralStatus]models.Stage{
	{"New", "Pending"}:     models.StageAppointmentScheduled,
	{"New", "Received"}:    models.StageAppointmentScheduled,
	{"Active", "Accepted"}: models.StageQualifiedToBuy,
	{"Active", "Engaged"}:  models.StagePresentationScheduled,
	{"Closed", "Won"}:      models.StageClosedWon,
	{"Closed", "Lost"}:     models.StageClosedLost,
	{"Closed", "Declined"}: models.StageClosedLost,
	{"Closed", "Expired"}:  models.StageClosedLost,
}

var msStageTable = StageTable{
	ToPartner: func() map[models.Stage]string {
		m := make(map[models.Stage]string, len(msStageToStatus))
		for stage, status := range msStageToStatus {
			m[stage] = status.Status + "/" + status.Substatus
		}
		return m
	}(),
	ToCanonical: func() map[string]models.Stage {
		m := make(map[string]models.Stage, len(msStatusToStage))
		for status, stage := range msStatusToStage {
			m[status.Status+"/"+status.Substatus] = stage
		}
		return m
	}(),
	Earliest: "New/Pending",
}

const (
	msMaxName     = 100
	msMaxNotes    = 4000
	msMinNotes    = 20
	msMaxContacts = 5
)

// MicrosoftAdapter maps deals to Microsoft Partner Center referrals.
type MicrosoftAdapter struct {
	logger *events.Logger
}

// NewMicrosoftAdapter creates the Partner Center adapter.
func NewMicrosoftAdapter(logger *events.Logger) *MicrosoftAdapter {
	return &MicrosoftAdapter{logger: logger.WithField("component", "microsoft_mapper")}
}

func (m *MicrosoftAdapter) Partner() models.Partner { return models.PartnerMicrosoft }

func (m *MicrosoftAdapter) Tag() string { return "#MSFT" }

// ImmutableFields: Partner Center allows all mapped fields to change while a
// referral is open.
func (m *MicrosoftAdapter) ImmutableFields() []string { return nil }

func (m *MicrosoftAdapter) StageTable() StageTable { return msStageTable }

// ToPartner builds a referral create or update body. Partner Center uses the
// same document shape for both; updates carry concurrency control in the
// If-Match header, not the body.
func (m *MicrosoftAdapter) ToPartner(rec *models.CanonicalRecord, opts ToPartnerOptions) (models.PartnerPayload, error) {
	if imm := checkImmutable(m, opts); imm != nil {
		return models.PartnerPayload{}, imm
	}
	if err := m.validate(rec); err != nil {
		return models.PartnerPayload{}, err
	}

	status, known := msStageToStatus[rec.Stage]
	if !known {
		warnUnmappedStage(m.logger, models.PartnerMicrosoft, rec.Stage, msStageTable.Earliest)
		status = msReferralStatus{"New", "Pending"}
	}

	body := []byte(`{"referralType":"Shared","qualification":"SalesQualified"}`)
	set := func(path string, value interface{}) {
		body, _ = sjson.SetBytes(body, path, value)
	}
	setRaw := func(path string, raw string) {
		body, _ = sjson.SetRawBytes(body, path, []byte(raw))
	}

	set("name", truncate(rec.Title, msMaxName))
	set("externalReferenceId", rec.ID)
	set("status", status.Status)
	set("substatus", status.Substatus)

	set("customerProfile.name", truncate(rec.CompanyName(), msMaxName))
	if rec.Company.Website != "" {
		setRaw("customerProfile.ids", fmt.Sprintf(
			`[{"type":"external","value":%q}]`, sanitizeWebsite(rec.Company.Website)))
	}
	set("customerProfile.address.country", countryAlpha2(rec.Company.Country))
	if rec.Company.City != "" {
		set("customerProfile.address.city", rec.Company.City)
	}
	if rec.Company.State != "" {
		set("customerProfile.address.state", rec.Company.State)
	}
	if rec.Company.PostalCode != "" {
		set("customerProfile.address.postalCode", rec.Company.PostalCode)
	}
	if rec.Company.Street != "" {
		set("customerProfile.address.addressLine1", rec.Company.Street)
	}

	idx := 0
	for _, contact := range rec.Contacts {
		if contact.Empty() {
			continue
		}
		prefix := fmt.Sprintf("customerProfile.team.%d.", idx)
		set(prefix+"firstName", contact.FirstName)
		set(prefix+"lastName", contact.LastName)
		set(prefix+"email", contact.Email)
		if phone := normalizePhone(contact.Phone); phone != "" {
			set(prefix+"phoneNumber", phone)
		}
		idx++
		if idx == msMaxContacts {
			break
		}
	}

	notes := rec.Description
	if rec.NextSteps != "" {
		notes = notes + "\n\nNext steps: " + rec.NextSteps
	}
	set("details.notes", truncate(notes, msMaxNotes))
	setRaw("details.dealValue", rec.Amount.StringFixed(2))
	set("details.currency", strings.ToUpper(rec.Currency))
	set("details.closingDateTime", rec.CloseDate.Time().Format("2006-01-02T15:04:05Z"))
	setRaw("details.requirements.industries", `[]`)
	setRaw("details.requirements.products", `[]`)
	setRaw("details.requirements.services", `[]`)
	setRaw("details.requirements.solutions", `[]`)

	return models.NewPartnerPayload(models.PartnerMicrosoft, body), nil
}

// FromPartner maps a Partner Center referral back to a record patch.
func (m *MicrosoftAdapter) FromPartner(payload models.PartnerPayload) (*models.RecordPatch, error) {
	if payload.Partner() != models.PartnerMicrosoft {
		return nil, fmt.Errorf("payload is for partner %q, not microsoft", payload.Partner())
	}

	patch := &models.RecordPatch{}

	if v := payload.Get("name"); v.Exists() {
		title := v.String()
		if title != "" && !ContainsTag(title, m.Tag()) {
			title = title + " " + m.Tag()
		}
		patch.Title = &title
	}

	status := payload.Get("status")
	substatus := payload.Get("substatus")
	if status.Exists() {
		key := msReferralStatus{status.String(), substatus.String()}
		stage, ok := msStatusToStage[key]
		if !ok {
			m.logger.WithFields(map[string]interface{}{
				"status":    key.Status,
				"substatus": key.Substatus,
			}).Warn("Unknown referral status pair")
			stage = models.StageAppointmentScheduled
		}
		patch.Stage = &stage
	}

	if v := payload.Get("details.closingDateTime"); v.Exists() && v.String() != "" {
		d, err := models.ParseDate(v.String())
		if err != nil {
			return nil, fmt.Errorf("parse closingDateTime: %w", err)
		}
		patch.CloseDate = &d
	}
	if v := payload.Get("details.dealValue"); v.Exists() {
		amount, err := decimal.NewFromString(v.String())
		if err != nil {
			return nil, fmt.Errorf("parse dealValue %q: %w", v.String(), err)
		}
		patch.Amount = &amount
	}
	if v := payload.Get("details.currency"); v.Exists() {
		currency := v.String()
		patch.Currency = &currency
	}
	if v := payload.Get("details.notes"); v.Exists() {
		// Next steps travel in the notes; strip the suffix back off.
		notes := v.String()
		if i := strings.Index(notes, "\n\nNext steps: "); i >= 0 {
			notes = notes[:i]
		}
		patch.Description = &notes
	}
	if v := payload.Get("customerProfile.name"); v.Exists() {
		name := v.String()
		patch.CompanyName = &name
	}

	patch.RemoteID = payload.Get("id").String()
	// Partner Center has no review pipeline; referrals are live on create.

	return patch, nil
}

func (m *MicrosoftAdapter) validate(rec *models.CanonicalRecord) error {
	var violations []models.FieldViolation

	if strings.TrimSpace(rec.Title) == "" {
		violations = append(violations, models.FieldViolation{
			Field: models.FieldTitle, Reason: "referral name is required",
		})
	}
	if rec.CompanyName() == "" {
		violations = append(violations, models.FieldViolation{
			Field: models.FieldCompany, Reason: "customer profile name is required",
		})
	}
	if len(strings.TrimSpace(rec.Description)) < msMinNotes {
		violations = append(violations, models.FieldViolation{
			Field:  models.FieldDescription,
			Reason: fmt.Sprintf("deal notes must be at least %d characters", msMinNotes),
		})
	}
	if strings.TrimSpace(rec.Currency) == "" {
		violations = append(violations, models.FieldViolation{
			Field: models.FieldCurrency, Reason: "currency code is required",
		})
	}
	if rec.Amount.IsNegative() {
		violations = append(violations, models.FieldViolation{
			Field: models.FieldAmount, Reason: "deal value cannot be negative",
		})
	}

	if len(violations) > 0 {
		return &models.ValidationError{Partner: models.PartnerMicrosoft, Violations: violations}
	}
	return nil
}
