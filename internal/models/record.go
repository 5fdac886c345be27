package models

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Stage is the canonical deal pipeline stage. The canonical taxonomy follows
// the CRM pipeline; partner stage taxonomies are smaller, so translation
// tables map into and out of this set.
type Stage string

const (
	StageAppointmentScheduled  Stage = "appointmentscheduled"
	StageQualifiedToBuy        Stage = "qualifiedtobuy"
	StagePresentationScheduled Stage = "presentationscheduled"
	StageDecisionMakerBoughtIn Stage = "decisionmakerboughtin"
	StageContractSent          Stage = "contractsent"
	StageClosedWon             Stage = "closedwon"
	StageClosedLost            Stage = "closedlost"
)

// PipelineStages lists the canonical stages in pipeline order, earliest first.
func PipelineStages() []Stage {
	return []Stage{
		StageAppointmentScheduled,
		StageQualifiedToBuy,
		StagePresentationScheduled,
		StageDecisionMakerBoughtIn,
		StageContractSent,
		StageClosedWon,
		StageClosedLost,
	}
}

// Valid reports whether the stage belongs to the canonical taxonomy.
func (s Stage) Valid() bool {
	for _, known := range PipelineStages() {
		if s == known {
			return true
		}
	}
	return false
}

func (s Stage) String() string {
	return string(s)
}

// Canonical field names used in changed-field sets, conflict records, and
// resolver per-field overrides.
const (
	FieldTitle       = "title"
	FieldStage       = "stage"
	FieldAmount      = "amount"
	FieldCurrency    = "currency"
	FieldCloseDate   = "close_date"
	FieldDescription = "description"
	FieldCompany     = "company"
)

// Company is the associated company reference on a deal.
type Company struct {
	Name       string `json:"name"`
	Website    string `json:"website,omitempty"`
	Industry   string `json:"industry,omitempty"`
	Country    string `json:"country,omitempty"`
	City       string `json:"city,omitempty"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`
	Street     string `json:"street,omitempty"`
}

// Contact is an associated contact reference on a deal.
type Contact struct {
	Email     string `json:"email,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Phone     string `json:"phone,omitempty"`
	JobTitle  string `json:"job_title,omitempty"`
}

// Empty reports whether the contact carries no identifying information.
func (c Contact) Empty() bool {
	return c.Email == "" && c.FirstName == "" && c.LastName == ""
}

// CanonicalRecord is the system-agnostic representation of a CRM deal used as
// the pivot for translation. It lives only for the duration of one mapping
// and is never persisted.
type CanonicalRecord struct {
	ID          string          `json:"id"`
	Title       string          `json:"title"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Stage       Stage           `json:"stage"`
	CloseDate   Date            `json:"close_date"`
	Description string          `json:"description"`
	NextSteps   string          `json:"next_steps,omitempty"`
	DealType    string          `json:"deal_type,omitempty"`
	Company     *Company        `json:"company,omitempty"`
	Contacts    []Contact       `json:"contacts,omitempty"`
}

// CompanyName returns the associated company name, or empty.
func (r *CanonicalRecord) CompanyName() string {
	if r.Company == nil {
		return ""
	}
	return strings.TrimSpace(r.Company.Name)
}

// FieldValue renders a canonical field as a comparable string. Used when
// diffing local against remote values for conflict detection.
func (r *CanonicalRecord) FieldValue(field string) string {
	switch field {
	case FieldTitle:
		return r.Title
	case FieldStage:
		return string(r.Stage)
	case FieldAmount:
		return r.Amount.String()
	case FieldCurrency:
		return r.Currency
	case FieldCloseDate:
		return r.CloseDate.String()
	case FieldDescription:
		return r.Description
	case FieldCompany:
		return r.CompanyName()
	default:
		return ""
	}
}

// RecordPatch is the result of a reverse translation. Every field is a
// pointer: nil means the partner payload did not carry the field (leave the
// CRM value unchanged), a non-nil zero value means the partner explicitly
// cleared it.
type RecordPatch struct {
	Title        *string          `json:"title,omitempty"`
	Stage        *Stage           `json:"stage,omitempty"`
	Amount       *decimal.Decimal `json:"amount,omitempty"`
	Currency     *string          `json:"currency,omitempty"`
	CloseDate    *Date            `json:"close_date,omitempty"`
	Description  *string          `json:"description,omitempty"`
	CompanyName  *string          `json:"company,omitempty"`
	RemoteID     string           `json:"remote_id,omitempty"`
	ReviewStatus string           `json:"review_status,omitempty"`
}

// Fields lists the canonical field names the patch sets.
func (p *RecordPatch) Fields() []string {
	var fields []string
	if p.Title != nil {
		fields = append(fields, FieldTitle)
	}
	if p.Stage != nil {
		fields = append(fields, FieldStage)
	}
	if p.Amount != nil {
		fields = append(fields, FieldAmount)
	}
	if p.Currency != nil {
		fields = append(fields, FieldCurrency)
	}
	if p.CloseDate != nil {
		fields = append(fields, FieldCloseDate)
	}
	if p.Description != nil {
		fields = append(fields, FieldDescription)
	}
	if p.CompanyName != nil {
		fields = append(fields, FieldCompany)
	}
	return fields
}

// FieldValue renders a patch field as a comparable string. Fields the patch
// does not set render as empty.
func (p *RecordPatch) FieldValue(field string) string {
	switch field {
	case FieldTitle:
		if p.Title != nil {
			return *p.Title
		}
	case FieldStage:
		if p.Stage != nil {
			return string(*p.Stage)
		}
	case FieldAmount:
		if p.Amount != nil {
			return p.Amount.String()
		}
	case FieldCurrency:
		if p.Currency != nil {
			return *p.Currency
		}
	case FieldCloseDate:
		if p.CloseDate != nil {
			return p.CloseDate.String()
		}
	case FieldDescription:
		if p.Description != nil {
			return *p.Description
		}
	case FieldCompany:
		if p.CompanyName != nil {
			return *p.CompanyName
		}
	}
	return ""
}

// Apply copies the patch's set fields onto a record.
func (p *RecordPatch) Apply(rec *CanonicalRecord) {
	if p.Title != nil {
		rec.Title = *p.Title
	}
	if p.Stage != nil {
		rec.Stage = *p.Stage
	}
	if p.Amount != nil {
		rec.Amount = *p.Amount
	}
	if p.Currency != nil {
		rec.Currency = *p.Currency
	}
	if p.CloseDate != nil {
		rec.CloseDate = *p.CloseDate
	}
	if p.Description != nil {
		rec.Description = *p.Description
	}
	if p.CompanyName != nil {
		if rec.Company == nil {
			rec.Company = &Company{}
		}
		rec.Company.Name = *p.CompanyName
	}
}
