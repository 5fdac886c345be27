package partner

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

func serve(t *testing.T, handler http.Handler) config.PartnerConfig {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return config.PartnerConfig{Enabled: true, BaseURL: srv.URL, Token: "partner-token"}
}

func TestAWSSinkCreate(t *testing.T) {
	cfg := serve(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/opportunities", r.URL.Path)
		assert.Equal(t, "Bearer partner-token", r.Header.Get("Authorization"))

		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "AWS", gjson.GetBytes(body, "Catalog").String())

		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, `{
			"Id": "O1234567",
			"LastModifiedDate": "2026-08-29T10:00:00Z",
			"LifeCycle": {"ReviewStatus": "Submitted"}
		}`)
	}))

	sink := NewAWSSink(cfg, 5*time.Second, events.Discard())
	assert.Equal(t, models.PartnerAWS, sink.Partner())

	record, err := sink.Create(context.Background(),
		models.NewPartnerPayload(models.PartnerAWS, []byte(`{"Catalog":"AWS"}`)))
	require.NoError(t, err)
	assert.Equal(t, "O1234567", record.RemoteID)
	assert.Equal(t, "2026-08-29T10:00:00Z", record.Version)
	assert.Equal(t, "Submitted", record.ReviewStatus)
}

func TestCreateRejectsForeignPayload(t *testing.T) {
	sink := NewAWSSink(config.PartnerConfig{BaseURL: "http://unused"}, time.Second, events.Discard())
	_, err := sink.Create(context.Background(),
		models.NewPartnerPayload(models.PartnerGCP, []byte(`{}`)))
	assert.Error(t, err)
}

func TestMicrosoftSinkUpdateSendsIfMatch(t *testing.T) {
	cfg := serve(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		require.Equal(t, "/v1.0/engagements/referrals/ref-8842", r.URL.Path)
		assert.Equal(t, `"etag-7"`, r.Header.Get("If-Match"))

		w.Header().Set("ETag", `"etag-8"`)
		io.WriteString(w, `{"id": "ref-8842", "status": "Active"}`)
	}))

	sink := NewMicrosoftSink(cfg, 5*time.Second, events.Discard())
	record, err := sink.Update(context.Background(), "ref-8842",
		models.NewPartnerPayload(models.PartnerMicrosoft, []byte(`{"status":"Active"}`)), `"etag-7"`)
	require.NoError(t, err)
	assert.Equal(t, "ref-8842", record.RemoteID)
	assert.Equal(t, `"etag-8"`, record.Version)
}

func TestMicrosoftSinkStaleETag(t *testing.T) {
	cfg := serve(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "etag mismatch", http.StatusPreconditionFailed)
	}))

	sink := NewMicrosoftSink(cfg, 5*time.Second, events.Discard())
	_, err := sink.Update(context.Background(), "ref-8842",
		models.NewPartnerPayload(models.PartnerMicrosoft, []byte(`{}`)), `"stale"`)
	assert.ErrorIs(t, err, models.ErrVersionConflict)
}

func TestAWSSinkUpdateRejectsStaleVersion(t *testing.T) {
	var puts int
	cfg := serve(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/opportunities/O1234567", r.URL.Path)
		if r.Method == http.MethodPut {
			puts++
			http.Error(w, "unexpected write", http.StatusInternalServerError)
			return
		}
		require.Equal(t, http.MethodGet, r.Method)
		io.WriteString(w, `{
			"Id": "O1234567",
			"LastModifiedDate": "2026-08-29T12:00:00Z",
			"LifeCycle": {"ReviewStatus": "Approved"}
		}`)
	}))

	sink := NewAWSSink(cfg, 5*time.Second, events.Discard())
	_, err := sink.Update(context.Background(), "O1234567",
		models.NewPartnerPayload(models.PartnerAWS, []byte(`{"Catalog":"AWS"}`)),
		"2026-01-01T00:00:00Z")
	assert.ErrorIs(t, err, models.ErrVersionConflict)
	assert.Zero(t, puts)
}

func TestAWSSinkUpdateAppliesOnMatchingVersion(t *testing.T) {
	cfg := serve(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/opportunities/O1234567", r.URL.Path)
		switch r.Method {
		case http.MethodGet:
			io.WriteString(w, `{"Id": "O1234567", "LastModifiedDate": "2026-08-29T10:00:00Z"}`)
		case http.MethodPut:
			io.WriteString(w, `{"Id": "O1234567", "LastModifiedDate": "2026-08-29T12:30:00Z"}`)
		default:
			t.Fatalf("unexpected method %s", r.Method)
		}
	}))

	sink := NewAWSSink(cfg, 5*time.Second, events.Discard())
	record, err := sink.Update(context.Background(), "O1234567",
		models.NewPartnerPayload(models.PartnerAWS, []byte(`{"Catalog":"AWS"}`)),
		"2026-08-29T10:00:00Z")
	require.NoError(t, err)
	assert.Equal(t, "2026-08-29T12:30:00Z", record.Version)
}

func TestGCPSinkGet(t *testing.T) {
	cfg := serve(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/v1/opportunities/opp-5521", r.URL.Path)
		io.WriteString(w, `{
			"opportunityId": "opp-5521",
			"stage": "NEGOTIATING",
			"updateTime": "2026-08-29T09:30:00Z",
			"reviewState": "APPROVED"
		}`)
	}))

	sink := NewGCPSink(cfg, 5*time.Second, events.Discard())
	record, err := sink.Get(context.Background(), "opp-5521")
	require.NoError(t, err)
	assert.Equal(t, "opp-5521", record.RemoteID)
	assert.Equal(t, "2026-08-29T09:30:00Z", record.Version)
	assert.Equal(t, "APPROVED", record.ReviewStatus)
	assert.Equal(t, "NEGOTIATING", record.Payload.Get("stage").String())
}

func TestSinkRateLimitIsTransient(t *testing.T) {
	cfg := serve(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "3")
		http.Error(w, "throttled", http.StatusTooManyRequests)
	}))

	sink := NewAWSSink(cfg, 5*time.Second, events.Discard())
	_, err := sink.Get(context.Background(), "O1")
	assert.True(t, models.IsTransient(err))
	assert.Equal(t, 3*time.Second, models.RetryAfter(err))
}

func TestSinkForbiddenIsTerminal(t *testing.T) {
	cfg := serve(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no access", http.StatusForbidden)
	}))

	sink := NewGCPSink(cfg, 5*time.Second, events.Discard())
	_, err := sink.Get(context.Background(), "opp-1")
	require.Error(t, err)
	assert.False(t, models.IsTransient(err))

	var apiErr *models.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
	assert.Equal(t, "gcp", apiErr.System)
}
