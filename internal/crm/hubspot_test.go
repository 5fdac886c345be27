package crm

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/TheMichaelB/dealsync/internal/config"
	"github.com/TheMichaelB/dealsync/internal/events"
	"github.com/TheMichaelB/dealsync/internal/models"
)

func newTestClient(t *testing.T, handler http.Handler) *HubSpotClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return NewHubSpotClient(config.CRMConfig{
		BaseURL: srv.URL,
		Token:   "test-token",
		Timeout: 5 * time.Second,
	}, events.Discard())
}

func TestGetDeal(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/crm/v3/objects/deals/9134728", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		assert.Contains(t, r.URL.Query().Get("properties"), "dealname")
		io.WriteString(w, `{
			"id": "9134728",
			"properties": {
				"dealname": "Acme migration #AWS",
				"dealstage": "qualifiedtobuy",
				"amount": "125000.50",
				"deal_currency_code": "USD",
				"closedate": "1798761600000",
				"description": "Acme needs to migrate their data warehouse.",
				"hs_next_step": "Schedule architecture review",
				"dealtype": "newbusiness"
			},
			"associations": {
				"companies": {"results": [{"id": "555"}]},
				"contacts": {"results": [{"id": "777"}]}
			}
		}`)
	})
	mux.HandleFunc("/crm/v3/objects/companies/555", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"id":"555","properties":{
			"name":"Acme Corp","domain":"acme.example.com","industry":"COMPUTER_SOFTWARE",
			"country":"United States","city":"Portland","zip":"97201"}}`)
	})
	mux.HandleFunc("/crm/v3/objects/contacts/777", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"id":"777","properties":{
			"email":"jordan@acme.example.com","firstname":"Jordan","lastname":"Reyes",
			"phone":"(503) 555-0142","jobtitle":"VP Engineering"}}`)
	})

	client := newTestClient(t, mux)
	rec, err := client.GetDeal(context.Background(), "9134728")
	require.NoError(t, err)

	assert.Equal(t, "Acme migration #AWS", rec.Title)
	assert.Equal(t, models.StageQualifiedToBuy, rec.Stage)
	assert.Equal(t, "125000.5", rec.Amount.String())
	assert.Equal(t, "USD", rec.Currency)
	assert.Equal(t, "2027-01-01", rec.CloseDate.String())
	assert.Equal(t, "newbusiness", rec.DealType)

	require.NotNil(t, rec.Company)
	assert.Equal(t, "Acme Corp", rec.Company.Name)
	assert.Equal(t, "acme.example.com", rec.Company.Website)

	require.Len(t, rec.Contacts, 1)
	assert.Equal(t, "jordan@acme.example.com", rec.Contacts[0].Email)
}

func TestGetDealNotFound(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"status":"error"}`, http.StatusNotFound)
	}))

	_, err := client.GetDeal(context.Background(), "404")
	assert.ErrorIs(t, err, models.ErrRecordNotFound)
}

func TestApplyPatch(t *testing.T) {
	var captured []byte
	mux := http.NewServeMux()
	mux.HandleFunc("/crm/v3/objects/deals/9134728", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPatch, r.Method)
		captured, _ = io.ReadAll(r.Body)
		io.WriteString(w, `{"id":"9134728"}`)
	})

	client := newTestClient(t, mux)

	title := "Acme migration #AWS"
	stage := models.StageClosedWon
	closeDate := models.NewDate(2026, time.November, 30)
	err := client.ApplyPatch(context.Background(), "9134728", &models.RecordPatch{
		Title:     &title,
		Stage:     &stage,
		CloseDate: &closeDate,
	})
	require.NoError(t, err)

	props := gjson.GetBytes(captured, "properties")
	assert.Equal(t, "Acme migration #AWS", props.Get("dealname").String())
	assert.Equal(t, "closedwon", props.Get("dealstage").String())
	assert.Equal(t, "2026-11-30", props.Get("closedate").String())
	assert.False(t, props.Get("amount").Exists())
}

func TestApplyPatchEmptySkipsWrite(t *testing.T) {
	calls := 0
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))

	// Only RemoteID/ReviewStatus set: nothing to write back.
	err := client.ApplyPatch(context.Background(), "1", &models.RecordPatch{RemoteID: "O1"})
	require.NoError(t, err)
	assert.Zero(t, calls)
}

func TestModifiedSincePaging(t *testing.T) {
	page := 0
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/crm/v3/objects/deals/search", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "hs_lastmodifieddate", gjson.GetBytes(body, "filterGroups.0.filters.0.propertyName").String())

		page++
		if page == 1 {
			assert.False(t, gjson.GetBytes(body, "after").Exists())
			io.WriteString(w, `{
				"results": [
					{"id":"1","properties":{"hs_lastmodifieddate":"2026-08-01T10:00:00Z"}},
					{"id":"2","properties":{"hs_lastmodifieddate":"2026-08-01T11:00:00Z"}}
				],
				"paging": {"next": {"after": "cursor-2"}}
			}`)
			return
		}
		assert.Equal(t, "cursor-2", gjson.GetBytes(body, "after").String())
		io.WriteString(w, `{"results": [{"id":"3","properties":{"hs_lastmodifieddate":"2026-08-01T12:00:00Z"}}]}`)
	}))

	changes, err := client.ModifiedSince(context.Background(), time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, changes, 3)
	assert.Equal(t, "1", changes[0].ID)
	assert.Equal(t, "3", changes[2].ID)
	assert.Equal(t, time.Date(2026, time.August, 1, 11, 0, 0, 0, time.UTC), changes[1].ModifiedAt)
}

type fakePoller struct {
	batches [][]DealChange
}

func (p *fakePoller) ModifiedSince(_ context.Context, cutoff time.Time) ([]DealChange, error) {
	var out []DealChange
	if len(p.batches) == 0 {
		return nil, nil
	}
	for _, c := range p.batches[0] {
		if c.ModifiedAt.After(cutoff) {
			out = append(out, c)
		}
	}
	p.batches = p.batches[1:]
	return out, nil
}

func TestPollSourceDrainsInOrder(t *testing.T) {
	base := time.Date(2026, time.August, 1, 10, 0, 0, 0, time.UTC)
	poller := &fakePoller{batches: [][]DealChange{
		{
			{ID: "1", ModifiedAt: base},
			{ID: "2", ModifiedAt: base.Add(time.Minute)},
		},
	}}

	source := NewPollSource(poller, time.Millisecond, base.Add(-time.Hour), events.Discard())
	ctx := context.Background()

	first, err := source.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1", first.RecordID)
	assert.Equal(t, base, first.OccurredAt)

	second, err := source.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2", second.RecordID)
	assert.NotEqual(t, first.EventID, second.EventID)
}

func TestPollSourceStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	source := NewPollSource(&fakePoller{}, 10*time.Millisecond, time.Now(), events.Discard())
	_, err := source.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
