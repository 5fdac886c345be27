package mapper

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/dealsync/internal/events"
	"github.com/TheMichaelB/dealsync/internal/models"
)

func TestMicrosoftToPartner(t *testing.T) {
	m := NewMicrosoftAdapter(events.Discard())
	rec := testRecord()
	rec.Title = "Acme data platform migration #MSFT"
	rec.Stage = models.StageContractSent

	payload, err := m.ToPartner(rec, ToPartnerOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.PartnerMicrosoft, payload.Partner())

	assert.Equal(t, "Shared", payload.Get("referralType").String())
	assert.Equal(t, "SalesQualified", payload.Get("qualification").String())
	assert.Equal(t, rec.Title, payload.Get("name").String())
	assert.Equal(t, "9134728", payload.Get("externalReferenceId").String())

	// contractsent lands in Active/Engaged.
	assert.Equal(t, "Active", payload.Get("status").String())
	assert.Equal(t, "Engaged", payload.Get("substatus").String())

	assert.Equal(t, "Acme Corp", payload.Get("customerProfile.name").String())
	assert.Equal(t, "US", payload.Get("customerProfile.address.country").String())
	assert.Equal(t, "jordan@acme.example.com", payload.Get("customerProfile.team.0.email").String())

	assert.Equal(t, "125000.50", payload.Get("details.dealValue").Raw)
	assert.Equal(t, "USD", payload.Get("details.currency").String())
	assert.Contains(t, payload.Get("details.notes").String(), "Next steps: Schedule architecture review")
	assert.Equal(t, rec.CloseDate.Time().Format("2006-01-02T15:04:05Z"),
		payload.Get("details.closingDateTime").String())
}

func TestMicrosoftStatusPairs(t *testing.T) {
	m := NewMicrosoftAdapter(events.Discard())

	tests := []struct {
		stage     models.Stage
		status    string
		substatus string
	}{
		{models.StageAppointmentScheduled, "New", "Pending"},
		{models.StageQualifiedToBuy, "Active", "Accepted"},
		{models.StagePresentationScheduled, "Active", "Engaged"},
		{models.StageDecisionMakerBoughtIn, "Active", "Engaged"},
		{models.StageContractSent, "Active", "Engaged"},
		{models.StageClosedWon, "Closed", "Won"},
		{models.StageClosedLost, "Closed", "Lost"},
	}

	for _, tt := range tests {
		t.Run(string(tt.stage), func(t *testing.T) {
			rec := testRecord()
			rec.Stage = tt.stage

			payload, err := m.ToPartner(rec, ToPartnerOptions{})
			require.NoError(t, err)
			assert.Equal(t, tt.status, payload.Get("status").String())
			assert.Equal(t, tt.substatus, payload.Get("substatus").String())
		})
	}
}

func TestMicrosoftRoundTripPreservesRecord(t *testing.T) {
	m := NewMicrosoftAdapter(events.Discard())
	rec := testRecord()
	rec.Title = "Acme data platform migration #MSFT"

	payload, err := m.ToPartner(rec, ToPartnerOptions{})
	require.NoError(t, err)
	patch, err := m.FromPartner(payload)
	require.NoError(t, err)

	assertRoundTrip(t, rec, patch)
}

func TestMicrosoftFromPartner(t *testing.T) {
	m := NewMicrosoftAdapter(events.Discard())
	body := []byte(`{
		"id": "ref-8842",
		"name": "Acme data platform migration",
		"status": "Closed",
		"substatus": "Declined",
		"customerProfile": {"name": "Acme Corp"},
		"details": {
			"dealValue": 98000.25,
			"currency": "EUR",
			"closingDateTime": "2026-10-01T00:00:00Z",
			"notes": "Acme needs a migration.\n\nNext steps: Schedule architecture review"
		}
	}`)

	patch, err := m.FromPartner(models.NewPartnerPayload(models.PartnerMicrosoft, body))
	require.NoError(t, err)

	require.NotNil(t, patch.Title)
	assert.Equal(t, "Acme data platform migration #MSFT", *patch.Title)

	// Declined collapses to closedlost.
	require.NotNil(t, patch.Stage)
	assert.Equal(t, models.StageClosedLost, *patch.Stage)

	require.NotNil(t, patch.Amount)
	assert.True(t, patch.Amount.Equal(decimal.RequireFromString("98000.25")))
	require.NotNil(t, patch.Currency)
	assert.Equal(t, "EUR", *patch.Currency)
	require.NotNil(t, patch.CloseDate)
	assert.Equal(t, "2026-10-01", patch.CloseDate.String())

	// The next-steps suffix is stripped back out of the notes.
	require.NotNil(t, patch.Description)
	assert.Equal(t, "Acme needs a migration.", *patch.Description)

	assert.Equal(t, "ref-8842", patch.RemoteID)
	assert.Empty(t, patch.ReviewStatus)
}

func TestMicrosoftFromPartnerUnknownStatusPair(t *testing.T) {
	m := NewMicrosoftAdapter(events.Discard())
	body := []byte(`{"id": "ref-1", "status": "Archived", "substatus": "Whatever"}`)

	patch, err := m.FromPartner(models.NewPartnerPayload(models.PartnerMicrosoft, body))
	require.NoError(t, err)
	require.NotNil(t, patch.Stage)
	assert.Equal(t, models.StageAppointmentScheduled, *patch.Stage)
}

func TestMicrosoftNoImmutableFields(t *testing.T) {
	m := NewMicrosoftAdapter(events.Discard())
	rec := testRecord()

	_, err := m.ToPartner(rec, ToPartnerOptions{
		ForUpdate:     true,
		UnderReview:   true,
		ChangedFields: []string{models.FieldTitle},
	})
	assert.NoError(t, err)
}
