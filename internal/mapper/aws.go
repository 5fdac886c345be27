package mapper

import (
	"fmt"
	"strings"

	"github.com/biter777/countries"
	"github.com/shopspring/decimal"
	"github.com/tidwall/sjson"
	"github.com/ttacon/libphonenumber"

	"github.com/TheMichaelB/dealsync/internal/events"
	"github.com/TheMichaelB/dealsync/internal/models"
)

// AWS Partner Central field constraints.
const (
	awsMaxCompanyName    = 120
	awsMaxTitle          = 255
	awsMinProblem        = 20
	awsMaxProblem        = 2000
	awsMaxContacts       = 10
	awsMaxContactField   = 80
	awsCloseDatePushDays = 90
)

var awsStageTable = StageTable{
	ToPartner: map[models.Stage]string{
		models.StageAppointmentScheduled:  "Prospect",
		models.StageQualifiedToBuy:        "Qualified",
		models.StagePresentationScheduled: "Technical Validation",
		models.StageDecisionMakerBoughtIn: "Business Validation",
		models.StageContractSent:          "Committed",
		models.StageClosedWon:             "Launched",
		models.StageClosedLost:            "Closed Lost",
	},
	ToCanonical: map[string]models.Stage{
		"Prospect":             models.StageAppointmentScheduled,
		"Qualified":            models.StageQualifiedToBuy,
		"Technical Validation": models.StagePresentationScheduled,
		"Business Validation":  models.StageDecisionMakerBoughtIn,
		"Committed":            models.StageContractSent,
		"Launched":             models.StageClosedWon,
		"Closed Lost":          models.StageClosedLost,
	},
	Earliest: "Prospect",
}

// Stage to recommended sales activities.
var awsStageSalesActivities = map[string]string{
	"Prospect":             "Initialized discussions with customer",
	"Qualified":            "Customer has shown interest in solution",
	"Technical Validation": "Conducted POC / Demo",
	"Business Validation":  "In evaluation / planning stage",
	"Committed":            "Agreed on solution to Business Problem",
	"Launched":             "Finalized Deployment Need",
}

// Partner Central industry enum.
var awsValidIndustries = []string{
	"Aerospace", "Agriculture", "Automotive", "Computers and Electronics",
	"Consumer Goods", "Education", "Energy - Oil and Gas", "Energy - Power and Utilities",
	"Financial Services", "Gaming", "Government", "Healthcare", "Hospitality",
	"Life Sciences", "Manufacturing", "Marketing and Advertising", "Media and Entertainment",
	"Mining", "Non-Profit Organization", "Professional Services",
	"Real Estate and Construction", "Retail", "Software and Internet",
	"Telecommunications", "Transportation and Logistics", "Travel",
	"Wholesale and Distribution", "Other",
}

// CRM internal industry enum to Partner Central industry.
var crmIndustryToAWS = map[string]string{
	"AEROSPACE_AND_DEFENSE": "Aerospace",
	"AGRICULTURE":           "Agriculture",
	"APPAREL":               "Consumer Goods",
	"AUTOMOTIVE":            "Automotive",
	"BANKING":               "Financial Services",
	"BIOTECHNOLOGY":         "Life Sciences",
	"CHEMICALS":             "Manufacturing",
	"COMMUNICATIONS":        "Telecommunications",
	"COMPUTER_HARDWARE":     "Computers and Electronics",
	"COMPUTER_SOFTWARE":     "Software and Internet",
	"CONSTRUCTION":          "Real Estate and Construction",
	"CONSULTING":            "Professional Services",
	"CONSUMER_GOODS":        "Consumer Goods",
	"EDUCATION":             "Education",
	"ELECTRONICS":           "Computers and Electronics",
	"ENERGY":                "Energy - Power and Utilities",
	"ENGINEERING":           "Manufacturing",
	"ENTERTAINMENT":         "Media and Entertainment",
	"ENVIRONMENTAL":         "Other",
	"FINANCE":               "Financial Services",
	"FINANCIAL_SERVICES":    "Financial Services",
	"FOOD_AND_BEVERAGE":     "Consumer Goods",
	"GAMING":                "Gaming",
	"GOVERNMENT":            "Government",
	"HEALTHCARE":            "Healthcare",
	"HOSPITALITY":           "Hospitality",
	"INSURANCE":             "Financial Services",
	"LEGAL":                 "Professional Services",
	"LIFE_SCIENCES":         "Life Sciences",
	"LOGISTICS":             "Transportation and Logistics",
	"MANUFACTURING":         "Manufacturing",
	"MEDIA":                 "Media and Entertainment",
	"MINING":                "Mining",
	"NONPROFIT":             "Non-Profit Organization",
	"PHARMACEUTICALS":       "Life Sciences",
	"PROFESSIONAL_SERVICES": "Professional Services",
	"REAL_ESTATE":           "Real Estate and Construction",
	"RETAIL":                "Retail",
	"SECURITY":              "Software and Internet",
	"TECHNOLOGY":            "Software and Internet",
	"TELECOMMUNICATIONS":    "Telecommunications",
	"TRANSPORTATION":        "Transportation and Logistics",
	"TRAVEL_AND_TOURISM":    "Travel",
	"UTILITIES":             "Energy - Power and Utilities",
	"WHOLESALE":             "Wholesale and Distribution",
}

var awsValidDeliveryModels = map[string]struct{}{
	"SaaS or PaaS":          {},
	"BYOL or AMI":           {},
	"Managed Services":      {},
	"Professional Services": {},
	"Resell":                {},
	"Other":                 {},
}

// AWSAdapter maps deals to AWS Partner Central opportunities.
type AWSAdapter struct {
	logger *events.Logger
}

// NewAWSAdapter creates the AWS Partner Central adapter.
func NewAWSAdapter(logger *events.Logger) *AWSAdapter {
	return &AWSAdapter{logger: logger.WithField("component", "aws_mapper")}
}

func (a *AWSAdapter) Partner() models.Partner { return models.PartnerAWS }

func (a *AWSAdapter) Tag() string { return "#AWS" }

// ImmutableFields: Partner Central forbids changing the opportunity title
// after submission.
func (a *AWSAdapter) ImmutableFields() []string {
	return []string{models.FieldTitle}
}

func (a *AWSAdapter) StageTable() StageTable { return awsStageTable }

// ToPartner builds a CreateOpportunity (or UpdateOpportunity, when
// opts.ForUpdate) request body.
func (a *AWSAdapter) ToPartner(rec *models.CanonicalRecord, opts ToPartnerOptions) (models.PartnerPayload, error) {
	if imm := checkImmutable(a, opts); imm != nil {
		return models.PartnerPayload{}, imm
	}
	if err := a.validate(rec); err != nil {
		return models.PartnerPayload{}, err
	}

	stage, known := awsStageTable.PartnerStage(rec.Stage)
	if !known {
		warnUnmappedStage(a.logger, models.PartnerAWS, rec.Stage, stage)
	}

	industry := a.mapIndustry(rec.Company.Industry)
	nationalSecurity := "No"
	if industry == "Government" {
		nationalSecurity = "Yes"
	}

	body := []byte(`{"Catalog":"AWS"}`)
	set := func(path string, value interface{}) {
		body, _ = sjson.SetBytes(body, path, value)
	}
	setRaw := func(path string, raw string) {
		body, _ = sjson.SetRawBytes(body, path, []byte(raw))
	}

	if !opts.ForUpdate {
		// Deterministic idempotency token derived from the deal id.
		set("ClientToken", fmt.Sprintf("hs-deal-%s", rec.ID))
		set("Origin", "Partner Referral")
		set("Project.Title", truncate(rec.Title, awsMaxTitle))
	}
	set("OpportunityType", a.mapOpportunityType(rec.DealType))
	set("NationalSecurity", nationalSecurity)
	set("PartnerOpportunityIdentifier", truncate(rec.ID, 64))
	setRaw("PrimaryNeedsFromAws", `["Co-Sell - Deal Support"]`)

	set("Customer.Account.CompanyName", truncate(rec.CompanyName(), awsMaxCompanyName))
	set("Customer.Account.Industry", industry)
	set("Customer.Account.WebsiteUrl", sanitizeWebsite(rec.Company.Website))
	set("Customer.Account.Address.CountryCode", countryAlpha2(rec.Company.Country))
	if rec.Company.City != "" {
		set("Customer.Account.Address.City", truncate(rec.Company.City, 255))
	}
	if rec.Company.State != "" {
		set("Customer.Account.Address.StateOrRegion", truncate(rec.Company.State, 255))
	}
	if rec.Company.PostalCode != "" {
		set("Customer.Account.Address.PostalCode", truncate(rec.Company.PostalCode, 20))
	}
	if rec.Company.Street != "" {
		set("Customer.Account.Address.StreetAddress", truncate(rec.Company.Street, 255))
	}

	for i, contact := range awsContacts(rec.Contacts) {
		prefix := fmt.Sprintf("Customer.Contacts.%d.", i)
		if contact.Email != "" {
			set(prefix+"Email", truncate(contact.Email, awsMaxContactField))
		}
		if contact.FirstName != "" {
			set(prefix+"FirstName", truncate(contact.FirstName, awsMaxContactField))
		}
		if contact.LastName != "" {
			set(prefix+"LastName", truncate(contact.LastName, awsMaxContactField))
		}
		if contact.Phone != "" {
			set(prefix+"Phone", contact.Phone)
		}
		if contact.JobTitle != "" {
			set(prefix+"BusinessTitle", truncate(contact.JobTitle, awsMaxContactField))
		}
	}

	set("LifeCycle.Stage", stage)
	set("LifeCycle.TargetCloseDate", a.safeCloseDate(rec.CloseDate).String())
	if rec.NextSteps != "" {
		set("LifeCycle.NextSteps", truncate(rec.NextSteps, 255))
	}

	set("Project.CustomerBusinessProblem", truncate(rec.Description, awsMaxProblem))
	setRaw("Project.DeliveryModels", a.deliveryModels(rec))
	if activity, ok := awsStageSalesActivities[stage]; ok {
		setRaw("Project.SalesActivities", fmt.Sprintf(`[%q]`, activity))
	} else {
		setRaw("Project.SalesActivities", `[]`)
	}
	setRaw("Project.ExpectedCustomerSpend", fmt.Sprintf(
		`[{"Amount":%q,"CurrencyCode":%q,"Frequency":"Monthly","TargetCompany":"AWS"}]`,
		rec.Amount.StringFixed(2), strings.ToUpper(rec.Currency)))

	return models.NewPartnerPayload(models.PartnerAWS, body), nil
}

// FromPartner maps a Partner Central opportunity back to a record patch.
func (a *AWSAdapter) FromPartner(payload models.PartnerPayload) (*models.RecordPatch, error) {
	if payload.Partner() != models.PartnerAWS {
		return nil, fmt.Errorf("payload is for partner %q, not aws", payload.Partner())
	}

	patch := &models.RecordPatch{}

	if v := payload.Get("Project.Title"); v.Exists() {
		title := v.String()
		// Keep the marker tag so the record round-trips through admission.
		if title != "" && !ContainsTag(title, a.Tag()) {
			title = title + " " + a.Tag()
		}
		patch.Title = &title
	}
	if v := payload.Get("LifeCycle.Stage"); v.Exists() {
		stage, known := awsStageTable.CanonicalStage(v.String())
		if !known {
			a.logger.WithField("stage", v.String()).Warn("Unknown Partner Central stage")
		}
		patch.Stage = &stage
	}
	if v := payload.Get("LifeCycle.TargetCloseDate"); v.Exists() && v.String() != "" {
		d, err := models.ParseDate(v.String())
		if err != nil {
			return nil, fmt.Errorf("parse TargetCloseDate: %w", err)
		}
		patch.CloseDate = &d
	}
	if v := payload.Get("Project.CustomerBusinessProblem"); v.Exists() {
		desc := v.String()
		patch.Description = &desc
	}
	if v := payload.Get("Project.ExpectedCustomerSpend.0.Amount"); v.Exists() {
		amount, err := decimal.NewFromString(v.String())
		if err != nil {
			return nil, fmt.Errorf("parse spend amount %q: %w", v.String(), err)
		}
		patch.Amount = &amount
	}
	if v := payload.Get("Project.ExpectedCustomerSpend.0.CurrencyCode"); v.Exists() {
		currency := v.String()
		patch.Currency = &currency
	}
	if v := payload.Get("Customer.Account.CompanyName"); v.Exists() {
		name := v.String()
		patch.CompanyName = &name
	}

	patch.RemoteID = payload.Get("Id").String()
	patch.ReviewStatus = payload.Get("LifeCycle.ReviewStatus").String()

	return patch, nil
}

// validate applies the Partner Central required-field checklist, collecting
// every violation before failing.
func (a *AWSAdapter) validate(rec *models.CanonicalRecord) error {
	var violations []models.FieldViolation

	if strings.TrimSpace(rec.Title) == "" {
		violations = append(violations, models.FieldViolation{
			Field: models.FieldTitle, Reason: "title is required",
		})
	}
	if rec.CompanyName() == "" {
		violations = append(violations, models.FieldViolation{
			Field: models.FieldCompany, Reason: "associated company name is required",
		})
	}
	if len(strings.TrimSpace(rec.Description)) < awsMinProblem {
		violations = append(violations, models.FieldViolation{
			Field:  models.FieldDescription,
			Reason: fmt.Sprintf("customer business problem must be at least %d characters", awsMinProblem),
		})
	}
	if strings.TrimSpace(rec.Currency) == "" {
		violations = append(violations, models.FieldViolation{
			Field: models.FieldCurrency, Reason: "currency code is required",
		})
	}
	if rec.Amount.IsNegative() {
		violations = append(violations, models.FieldViolation{
			Field: models.FieldAmount, Reason: "amount cannot be negative",
		})
	}

	if len(violations) > 0 {
		return &models.ValidationError{Partner: models.PartnerAWS, Violations: violations}
	}
	return nil
}

// safeCloseDate ensures the target close date is in the future; Partner
// Central rejects past dates. Past or missing dates are pushed forward.
func (a *AWSAdapter) safeCloseDate(d models.Date) models.Date {
	today := models.Today()
	if d.IsZero() || d.Before(today.AddDays(1)) {
		pushed := today.AddDays(awsCloseDatePushDays)
		a.logger.WithFields(map[string]interface{}{
			"close_date": d.String(),
			"pushed_to":  pushed.String(),
		}).Warn("Close date missing or in the past")
		return pushed
	}
	return d
}

func (a *AWSAdapter) mapIndustry(raw string) string {
	if raw == "" {
		return "Other"
	}
	for _, valid := range awsValidIndustries {
		if raw == valid {
			return raw
		}
	}
	upper := strings.NewReplacer(" ", "_", "-", "_").Replace(strings.ToUpper(raw))
	if mapped, ok := crmIndustryToAWS[upper]; ok {
		return mapped
	}
	lower := strings.ToLower(raw)
	for _, valid := range awsValidIndustries {
		lv := strings.ToLower(valid)
		if strings.Contains(lv, lower) || strings.Contains(lower, lv) {
			return valid
		}
	}
	return "Other"
}

func (a *AWSAdapter) mapOpportunityType(dealType string) string {
	lower := strings.ToLower(dealType)
	switch {
	case strings.Contains(lower, "renew"):
		return "Flat Renewal"
	case strings.Contains(lower, "expan"), strings.Contains(lower, "upsell"):
		return "Expansion"
	default:
		return "Net New Business"
	}
}

func (a *AWSAdapter) deliveryModels(rec *models.CanonicalRecord) string {
	// Delivery models ride in the deal type as a comma-separated list when
	// present; anything unrecognized falls back to the default.
	var valid []string
	for _, part := range strings.Split(rec.DealType, ",") {
		part = strings.TrimSpace(part)
		if _, ok := awsValidDeliveryModels[part]; ok {
			valid = append(valid, fmt.Sprintf("%q", part))
		}
	}
	if len(valid) == 0 {
		return `["SaaS or PaaS"]`
	}
	return "[" + strings.Join(valid, ",") + "]"
}

// awsContacts filters and normalizes contacts for Partner Central: at most
// ten, empty contacts skipped, phones normalized to E.164.
func awsContacts(contacts []models.Contact) []models.Contact {
	var out []models.Contact
	for _, c := range contacts {
		if c.Empty() {
			continue
		}
		c.Phone = normalizePhone(c.Phone)
		out = append(out, c)
		if len(out) == awsMaxContacts {
			break
		}
	}
	return out
}

// normalizePhone formats a phone number as E.164, or empty when the number
// cannot be parsed. Numbers without a country code are assumed US.
func normalizePhone(raw string) string {
	if raw == "" {
		return ""
	}
	num, err := libphonenumber.Parse(raw, "US")
	if err != nil {
		return ""
	}
	return libphonenumber.Format(num, libphonenumber.E164)
}

// countryAlpha2 maps a country name or code to ISO-3166 alpha-2, defaulting
// to US.
func countryAlpha2(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "US"
	}
	c := countries.ByName(raw)
	if c == countries.Unknown {
		return "US"
	}
	return c.Alpha2()
}

// sanitizeWebsite ensures the website URL has a scheme and fits the 4-255
// character constraint.
func sanitizeWebsite(url string) string {
	url = strings.TrimSpace(url)
	if url == "" {
		return ""
	}
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = "https://" + url
	}
	return truncate(url, 255)
}
