package sync

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/sjson"

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

// testAdapter is a minimal mapper.Adapter with a flat JSON schema, so engine
// tests exercise orchestration without partner schema details.
type testAdapter struct {
	partner models.Partner
	tag     string
}

func (a *testAdapter) Partner() models.Partner { return a.partner }
func (a *testAdapter) Tag() string             { return a.tag }

func (a *testAdapter) ImmutableFields() []string { return []string{models.FieldTitle} }

func (a *testAdapter) StageTable() mapper.StageTable {
	return mapper.StageTable{Earliest: "Prospect"}
}

func (a *testAdapter) ToPartner(rec *models.CanonicalRecord, opts mapper.ToPartnerOptions) (models.PartnerPayload, error) {
	if opts.UnderReview {
		for _, f := range opts.ChangedFields {
			if f == models.FieldTitle {
				return models.PartnerPayload{}, &models.ImmutableFieldError{
					Partner:      a.partner,
					Fields:       []string{models.FieldTitle},
					ReviewStatus: opts.ReviewStatus,
				}
			}
		}
	}

	body := []byte(`{}`)
	body, _ = sjson.SetBytes(body, "title", rec.Title)
	body, _ = sjson.SetBytes(body, "stage", string(rec.Stage))
	body, _ = sjson.SetBytes(body, "amount", rec.Amount.String())
	body, _ = sjson.SetBytes(body, "description", rec.Description)
	return models.NewPartnerPayload(a.partner, body), nil
}

func (a *testAdapter) FromPartner(payload models.PartnerPayload) (*models.RecordPatch, error) {
	patch := &models.RecordPatch{}
	if title := payload.Get("title"); title.Exists() {
		s := title.String()
		patch.Title = &s
	}
	if desc := payload.Get("description"); desc.Exists() {
		s := desc.String()
		patch.Description = &s
	}
	if amount := payload.Get("amount"); amount.Exists() {
		d, err := decimal.NewFromString(amount.String())
		if err != nil {
			return nil, err
		}
		patch.Amount = &d
	}
	return patch, nil
}

// fakeSink is an in-memory partner API with version tokens.
type fakeSink struct {
	partner models.Partner

	mu        sync.Mutex
	remoteID  string
	version   int
	payload   models.PartnerPayload
	review    string
	createErr error
	updateErr error
	onCreate  func()

	creates int
	updates int
	// expectedVersions records the CAS token each update carried.
	expectedVersions []string
}

func newFakeSink(p models.Partner) *fakeSink {
	return &fakeSink{partner: p}
}

func (s *fakeSink) Partner() models.Partner { return s.partner }

func (s *fakeSink) token() string { return fmt.Sprintf("r%d", s.version) }

func (s *fakeSink) record() partner.RemoteRecord {
	return partner.RemoteRecord{
		RemoteID:     s.remoteID,
		Version:      s.token(),
		ReviewStatus: s.review,
		Payload:      s.payload,
	}
}

func (s *fakeSink) Create(_ context.Context, payload models.PartnerPayload) (partner.RemoteRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creates++
	if s.onCreate != nil {
		s.onCreate()
	}
	if s.createErr != nil {
		return partner.RemoteRecord{}, s.createErr
	}
	s.remoteID = "OPP-1"
	s.version++
	s.payload = payload
	return s.record(), nil
}

func (s *fakeSink) Update(_ context.Context, remoteID string, payload models.PartnerPayload, expectedVersion string) (partner.RemoteRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates++
	s.expectedVersions = append(s.expectedVersions, expectedVersion)
	if s.updateErr != nil {
		err := s.updateErr
		s.updateErr = nil
		return partner.RemoteRecord{}, err
	}
	if s.remoteID == "" || remoteID != s.remoteID {
		return partner.RemoteRecord{}, models.ErrRecordNotFound
	}
	if expectedVersion != "" && expectedVersion != s.token() {
		return partner.RemoteRecord{}, models.ErrVersionConflict
	}
	s.version++
	s.payload = payload
	return s.record(), nil
}

func (s *fakeSink) Get(_ context.Context, remoteID string) (partner.RemoteRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.remoteID == "" || remoteID != s.remoteID {
		return partner.RemoteRecord{}, models.ErrRecordNotFound
	}
	return s.record(), nil
}

// seed installs a partner-originated record that no link points at yet.
func (s *fakeSink) seed(remoteID string, body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remoteID = remoteID
	s.payload = models.NewPartnerPayload(s.partner, body)
	s.version++
}

// drift mutates the remote record outside the engine, advancing its version.
func (s *fakeSink) drift(path, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	body, _ := sjson.SetBytes(s.payload.Body(), path, value)
	s.payload = models.NewPartnerPayload(s.partner, body)
	s.version++
}

type fakeReader struct {
	records map[string]*models.CanonicalRecord
}

func (r *fakeReader) GetDeal(_ context.Context, id string) (*models.CanonicalRecord, error) {
	rec, ok := r.records[id]
	if !ok {
		return nil, models.ErrRecordNotFound
	}
	clone := *rec
	return &clone, nil
}

type fakeWriter struct {
	mu        sync.Mutex
	patches   []*models.RecordPatch
	ids       []string
	nextID    int
	created   map[string]*models.CanonicalRecord
	externals map[string]string
}

func (w *fakeWriter) ApplyPatch(_ context.Context, id string, patch *models.RecordPatch) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.ids = append(w.ids, id)
	w.patches = append(w.patches, patch)
	return nil
}

func (w *fakeWriter) FindByExternalID(_ context.Context, p models.Partner, remoteID string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if id, ok := w.externals[p.String()+"#"+remoteID]; ok {
		return id, nil
	}
	return "", models.ErrRecordNotFound
}

func (w *fakeWriter) CreateDeal(_ context.Context, rec *models.CanonicalRecord, p models.Partner, remoteID string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.nextID++
	id := fmt.Sprintf("900%d", w.nextID)
	clone := *rec
	clone.ID = id
	if w.created == nil {
		w.created = map[string]*models.CanonicalRecord{}
	}
	if w.externals == nil {
		w.externals = map[string]string{}
	}
	w.created[id] = &clone
	w.externals[p.String()+"#"+remoteID] = id
	return id, nil
}

type captureNotifier struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (n *captureNotifier) Notify(_ context.Context, notification notify.Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, notification)
}

func (n *captureNotifier) kinds() []notify.Kind {
	n.mu.Lock()
	defer n.mu.Unlock()
	var kinds []notify.Kind
	for _, s := range n.sent {
		kinds = append(kinds, s.Kind)
	}
	return kinds
}

type testHarness struct {
	engine   *Engine
	reader   *fakeReader
	writer   *fakeWriter
	sink     *fakeSink
	links    state.LinkStore
	tracker  *tracker.Tracker
	notifier *captureNotifier
}

func testDeal() *models.CanonicalRecord {
	return &models.CanonicalRecord{
		ID:          "555",
		Title:       "Acme Cloud Migration #AWS",
		Amount:      decimal.NewFromInt(50000),
		Currency:    "USD",
		Stage:       models.StageQualifiedToBuy,
		CloseDate:   models.Today().AddDays(120),
		Description: "Migrate the Acme data platform onto managed cloud services.",
		Company:     &models.Company{Name: "Acme Corp"},
	}
}

func newHarness(t *testing.T, policy string) *testHarness {
	t.Helper()
	logger := events.Discard()

	reader := &fakeReader{records: map[string]*models.CanonicalRecord{}}
	reader.records["555"] = testDeal()
	writer := &fakeWriter{}
	sink := newFakeSink(models.PartnerAWS)
	links := state.NewMemoryLinkStore()
	conflicts := state.NewMemoryConflictStore()
	notifier := &captureNotifier{}

	tr := tracker.New(links, logger)
	res := resolver.New(conflicts, config.ResolverConfig{Default: policy}, logger)
	registry := mapper.NewRegistry(&testAdapter{partner: models.PartnerAWS, tag: "#AWS"})

	engine := NewEngine(reader, writer, nil, registry, tr, res,
		[]partner.Sink{sink}, notifier,
		config.SyncConfig{RetryAttempts: 2, RetryDelay: time.Millisecond}, logger)

	return &testHarness{
		engine: engine, reader: reader, writer: writer, sink: sink,
		links: links, tracker: tr, notifier: notifier,
	}
}

func changeEvent(fields ...string) events.ChangeEvent {
	return events.NewChangeEvent("555", fields, time.Now().Add(-time.Minute).UTC())
}

func TestHandleEventCreatesRemoteRecord(t *testing.T) {
	h := newHarness(t, resolver.PolicyLastWriteWins)
	ctx := context.Background()

	results, err := h.engine.HandleEvent(ctx, changeEvent(models.FieldAmount))
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, models.ActionCreate, results[0].Action)
	assert.Equal(t, "OPP-1", results[0].RemoteID)
	assert.Equal(t, 1, h.sink.creates)

	link, err := h.links.Get(ctx, "555", models.PartnerAWS)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusSynced, link.Status)
	assert.Equal(t, "OPP-1", link.RemoteID)
	assert.Equal(t, "r1", link.RemoteVersion)
}

func TestHandleEventDuplicateDeliverySkips(t *testing.T) {
	h := newHarness(t, resolver.PolicyLastWriteWins)
	ctx := context.Background()
	ev := changeEvent(models.FieldAmount)

	_, err := h.engine.HandleEvent(ctx, ev)
	require.NoError(t, err)

	results, err := h.engine.HandleEvent(ctx, ev)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, models.ActionSkip, results[0].Action)
	assert.Equal(t, 1, h.sink.creates)
	assert.Zero(t, h.sink.updates)
}

func TestHandleEventIgnoresUntaggedDeal(t *testing.T) {
	h := newHarness(t, resolver.PolicyLastWriteWins)
	h.reader.records["555"].Title = "Acme Cloud Migration"

	results, err := h.engine.HandleEvent(context.Background(), changeEvent())
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Zero(t, h.sink.creates)
}

func TestHandleEventUpdateUsesStoredBaseline(t *testing.T) {
	h := newHarness(t, resolver.PolicyLastWriteWins)
	ctx := context.Background()

	_, err := h.engine.HandleEvent(ctx, changeEvent(models.FieldAmount))
	require.NoError(t, err)

	h.reader.records["555"].Amount = decimal.NewFromInt(62000)
	later := events.NewChangeEvent("555", []string{models.FieldAmount}, time.Now().UTC())

	results, err := h.engine.HandleEvent(ctx, later)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, models.ActionUpdate, results[0].Action)
	require.Len(t, h.sink.expectedVersions, 1)
	assert.Equal(t, "r1", h.sink.expectedVersions[0])
	assert.Equal(t, "62000", h.sink.payload.Get("amount").String())
}

func TestUpdateRetriesAfterLosingVersionRace(t *testing.T) {
	h := newHarness(t, resolver.PolicyLastWriteWins)
	ctx := context.Background()

	_, err := h.engine.HandleEvent(ctx, changeEvent(models.FieldAmount))
	require.NoError(t, err)

	// First update attempt loses the CAS; the engine re-observes and wins.
	h.sink.updateErr = models.ErrVersionConflict
	h.reader.records["555"].Amount = decimal.NewFromInt(70000)
	later := events.NewChangeEvent("555", []string{models.FieldAmount}, time.Now().UTC())

	results, err := h.engine.HandleEvent(ctx, later)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, models.ActionUpdate, results[0].Action)
	assert.Nil(t, results[0].Err)
	assert.Equal(t, 2, h.sink.updates)
}

func TestCreateRaceRetriesAsUpdate(t *testing.T) {
	h := newHarness(t, resolver.PolicyLastWriteWins)
	ctx := context.Background()

	// Another worker links the pair between the remote create and the
	// commit; make the store already hold a link when the commit runs.
	h.sink.onCreate = func() {
		_ = h.links.Create(ctx, &models.SyncLink{
			LocalID: "555", Partner: models.PartnerAWS,
			RemoteID: "OPP-1", RemoteVersion: "r1",
			LocalVersion: "1", Status: models.SyncStatusSynced,
			LastSyncedAt: time.Now().UTC(),
		})
	}

	results, err := h.engine.HandleEvent(ctx, changeEvent(models.FieldAmount))
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, models.ActionUpdate, results[0].Action)
	assert.Nil(t, results[0].Err)
	assert.Equal(t, 1, h.sink.creates)
	assert.Equal(t, 1, h.sink.updates)
}

func TestBlockedUnderReviewNotifiesImmutableChange(t *testing.T) {
	h := newHarness(t, resolver.PolicyLastWriteWins)
	ctx := context.Background()

	_, err := h.engine.HandleEvent(ctx, changeEvent(models.FieldAmount))
	require.NoError(t, err)

	// The partner takes the record into review.
	h.sink.review = "Submitted"
	h.reader.records["555"].Title = "Acme Cloud Migration Phase 2 #AWS"
	later := events.NewChangeEvent("555", []string{models.FieldTitle}, time.Now().UTC())

	results, err := h.engine.HandleEvent(ctx, later)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, models.ActionBlocked, results[0].Action)
	assert.Contains(t, results[0].Reason, "Submitted")
	assert.Contains(t, h.notifier.kinds(), notify.KindImmutableField)

	// Nothing was written while under review.
	assert.Zero(t, h.sink.updates)
}

func TestConflictParkedOnManualPolicy(t *testing.T) {
	h := newHarness(t, resolver.PolicyManual)
	ctx := context.Background()

	_, err := h.engine.HandleEvent(ctx, changeEvent(models.FieldDescription))
	require.NoError(t, err)

	// Both sides change the description.
	h.sink.drift("description", "Remote edit from the partner portal.")
	h.reader.records["555"].Description = "Local edit from the CRM."
	later := events.NewChangeEvent("555", []string{models.FieldDescription}, time.Now().UTC())

	results, err := h.engine.HandleEvent(ctx, later)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, models.ActionConflict, results[0].Action)
	assert.Equal(t, 1, results[0].Conflicts)
	assert.Contains(t, h.notifier.kinds(), notify.KindConflict)

	link, err := h.links.Get(ctx, "555", models.PartnerAWS)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusConflict, link.Status)
	// The parked conflict blocked the remote write.
	assert.Zero(t, h.sink.updates)
}

func TestConflictAutoResolvedRemoteWinner(t *testing.T) {
	h := newHarness(t, resolver.PolicyPreferRemote)
	ctx := context.Background()

	_, err := h.engine.HandleEvent(ctx, changeEvent(models.FieldDescription))
	require.NoError(t, err)

	h.sink.drift("description", "Remote edit from the partner portal.")
	h.reader.records["555"].Description = "Local edit from the CRM."
	later := events.NewChangeEvent("555", []string{models.FieldDescription}, time.Now().UTC())

	results, err := h.engine.HandleEvent(ctx, later)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, models.ActionUpdate, results[0].Action)
	assert.Nil(t, results[0].Err)

	// The winning remote value went back to the CRM.
	require.Len(t, h.writer.patches, 1)
	require.NotNil(t, h.writer.patches[0].Description)
	assert.Equal(t, "Remote edit from the partner portal.", *h.writer.patches[0].Description)

	// The merged record landed remotely and the link is clean.
	assert.Equal(t, "Remote edit from the partner portal.", h.sink.payload.Get("description").String())
	link, err := h.links.Get(ctx, "555", models.PartnerAWS)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusSynced, link.Status)
}

func TestTerminalFailureMarksAndNotifies(t *testing.T) {
	h := newHarness(t, resolver.PolicyLastWriteWins)
	ctx := context.Background()

	h.sink.createErr = &models.APIError{System: "aws", StatusCode: 403, Message: "denied"}

	results, err := h.engine.HandleEvent(ctx, changeEvent(models.FieldAmount))
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Error(t, results[0].Err)
	assert.Contains(t, h.notifier.kinds(), notify.KindSyncFailed)
}

func TestSyncFromPartnerAppliesOnlyDrift(t *testing.T) {
	h := newHarness(t, resolver.PolicyLastWriteWins)
	ctx := context.Background()

	_, err := h.engine.HandleEvent(ctx, changeEvent())
	require.NoError(t, err)

	h.sink.drift("description", "Notes updated by the partner team.")

	result, err := h.engine.SyncFromPartner(ctx, models.PartnerAWS, "OPP-1")
	require.NoError(t, err)
	assert.Equal(t, models.ActionUpdate, result.Action)
	assert.Equal(t, "555", result.LocalID)

	// Only the drifted field patched the CRM.
	require.Len(t, h.writer.patches, 1)
	patch := h.writer.patches[0]
	assert.Equal(t, []string{models.FieldDescription}, patch.Fields())
	require.NotNil(t, patch.Description)
	assert.Equal(t, "Notes updated by the partner team.", *patch.Description)

	link, err := h.links.Get(ctx, "555", models.PartnerAWS)
	require.NoError(t, err)
	assert.Equal(t, "r2", link.RemoteVersion)
}

func TestSyncFromPartnerDropsEchoOfOwnWrite(t *testing.T) {
	h := newHarness(t, resolver.PolicyLastWriteWins)
	ctx := context.Background()

	_, err := h.engine.HandleEvent(ctx, changeEvent())
	require.NoError(t, err)

	result, err := h.engine.SyncFromPartner(ctx, models.PartnerAWS, "OPP-1")
	require.NoError(t, err)
	assert.Equal(t, models.ActionSkip, result.Action)
	assert.Empty(t, h.writer.patches)
}

func TestSyncFromPartnerUnknownRemoteFails(t *testing.T) {
	h := newHarness(t, resolver.PolicyLastWriteWins)

	_, err := h.engine.SyncFromPartner(context.Background(), models.PartnerAWS, "OPP-404")
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrRecordNotFound)
}

func partnerSourcedBody() []byte {
	body := []byte(`{}`)
	body, _ = sjson.SetBytes(body, "title", "Partner Sourced Deal")
	body, _ = sjson.SetBytes(body, "amount", "12000")
	body, _ = sjson.SetBytes(body, "description", "Opportunity raised by the partner field team.")
	return body
}

func TestSyncFromPartnerCreatesDealForNewRemote(t *testing.T) {
	h := newHarness(t, resolver.PolicyLastWriteWins)
	ctx := context.Background()

	h.sink.seed("OPP-7", partnerSourcedBody())

	result, err := h.engine.SyncFromPartner(ctx, models.PartnerAWS, "OPP-7")
	require.NoError(t, err)
	assert.Equal(t, models.ActionCreate, result.Action)
	require.NotEmpty(t, result.LocalID)

	created := h.writer.created[result.LocalID]
	require.NotNil(t, created)
	assert.Equal(t, "Partner Sourced Deal", created.Title)
	assert.Equal(t, "12000", created.Amount.String())
	assert.Empty(t, h.writer.patches)

	link, err := h.links.Get(ctx, result.LocalID, models.PartnerAWS)
	require.NoError(t, err)
	assert.Equal(t, "OPP-7", link.RemoteID)
	assert.Equal(t, "r1", link.RemoteVersion)
	assert.Equal(t, models.SyncStatusSynced, link.Status)
}

func TestSyncFromPartnerRedeliveryLinksExistingDeal(t *testing.T) {
	h := newHarness(t, resolver.PolicyLastWriteWins)
	ctx := context.Background()

	// The deal exists from an earlier delivery whose link commit was lost.
	h.writer.externals = map[string]string{"aws#OPP-7": "9009"}
	h.sink.seed("OPP-7", partnerSourcedBody())

	result, err := h.engine.SyncFromPartner(ctx, models.PartnerAWS, "OPP-7")
	require.NoError(t, err)
	assert.Equal(t, models.ActionSkip, result.Action)
	assert.Equal(t, "deal already exists", result.Reason)
	assert.Equal(t, "9009", result.LocalID)
	assert.Empty(t, h.writer.created)

	link, err := h.links.Get(ctx, "9009", models.PartnerAWS)
	require.NoError(t, err)
	assert.Equal(t, "OPP-7", link.RemoteID)
}

func TestResolveConflictRemoteWinnerPatchesCRM(t *testing.T) {
	h := newHarness(t, resolver.PolicyManual)
	ctx := context.Background()

	_, err := h.engine.HandleEvent(ctx, changeEvent(models.FieldDescription))
	require.NoError(t, err)

	h.sink.drift("description", "Remote edit.")
	h.reader.records["555"].Description = "Local edit."
	later := events.NewChangeEvent("555", []string{models.FieldDescription}, time.Now().UTC())
	_, err = h.engine.HandleEvent(ctx, later)
	require.NoError(t, err)

	pending, err := h.engine.resolver.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	resolved, err := h.engine.ResolveConflict(ctx, pending[0].ID, models.SideRemote, "ops@example.com")
	require.NoError(t, err)
	assert.True(t, resolved.Resolved())

	require.Len(t, h.writer.patches, 1)
	require.NotNil(t, h.writer.patches[0].Description)
	assert.Equal(t, "Remote edit.", *h.writer.patches[0].Description)
	assert.Contains(t, h.notifier.kinds(), notify.KindResolved)

	// With nothing left pending the link leaves the conflict state.
	link, err := h.links.Get(ctx, "555", models.PartnerAWS)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusSynced, link.Status)
}

func TestResolveConflictLocalWinnerPushesToPartner(t *testing.T) {
	h := newHarness(t, resolver.PolicyManual)
	ctx := context.Background()

	_, err := h.engine.HandleEvent(ctx, changeEvent(models.FieldDescription))
	require.NoError(t, err)

	h.sink.drift("description", "Remote edit.")
	h.reader.records["555"].Description = "Local edit."
	later := events.NewChangeEvent("555", []string{models.FieldDescription}, time.Now().UTC())
	_, err = h.engine.HandleEvent(ctx, later)
	require.NoError(t, err)

	pending, err := h.engine.resolver.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	_, err = h.engine.ResolveConflict(ctx, pending[0].ID, models.SideLocal, "ops@example.com")
	require.NoError(t, err)

	// The CRM value reached the partner record.
	assert.Equal(t, "Local edit.", h.sink.payload.Get("description").String())
	link, err := h.links.Get(ctx, "555", models.PartnerAWS)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusSynced, link.Status)
}

type fakeLister struct {
	changes []crm.DealChange
}

func (l *fakeLister) ModifiedSince(_ context.Context, _ time.Time) ([]crm.DealChange, error) {
	return l.changes, nil
}

func TestSyncAllRunsEveryChange(t *testing.T) {
	h := newHarness(t, resolver.PolicyLastWriteWins)
	h.engine.lister = &fakeLister{changes: []crm.DealChange{
		{ID: "555", ModifiedAt: time.Now().Add(-2 * time.Minute).UTC()},
		{ID: "999", ModifiedAt: time.Now().Add(-time.Minute).UTC()},
	}}

	// 999 does not exist in the CRM; its round is skipped without failing
	// the batch.
	results, err := h.engine.SyncAll(context.Background(), time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, models.ActionCreate, results[0].Action)
}

func TestRunConsumesSourceUntilCancel(t *testing.T) {
	h := newHarness(t, resolver.PolicyLastWriteWins)
	ctx, cancel := context.WithCancel(context.Background())

	src := &stubSource{events: []events.ChangeEvent{changeEvent(models.FieldAmount)}, cancel: cancel}

	err := h.engine.Run(ctx, src)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, h.sink.creates)
}

// stubSource yields its events then cancels the run.
type stubSource struct {
	events []events.ChangeEvent
	cancel context.CancelFunc
}

func (s *stubSource) Next(ctx context.Context) (events.ChangeEvent, error) {
	if len(s.events) == 0 {
		s.cancel()
		return events.ChangeEvent{}, ctx.Err()
	}
	ev := s.events[0]
	s.events = s.events[1:]
	return ev, nil
}
