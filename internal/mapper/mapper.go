// Package mapper translates CanonicalRecords to and from partner-system
// payloads. Translation is pure: adapters never touch the network or the
// link store.
package mapper

import (
	"fmt"
	"strings"

	"github.com/TheMichaelB/dealsync/internal/events"
	"github.com/TheMichaelB/dealsync/internal/models"
)

// StageTable is a partner's fixed stage translation table. Earliest is the
// partner stage an unmapped canonical stage falls back to: canonical stage
// taxonomies are a local superset of partner taxonomies, so an unknown stage
// is mapped conservatively rather than rejected.
type StageTable struct {
	ToPartner   map[models.Stage]string
	ToCanonical map[string]models.Stage
	Earliest    string
}

// PartnerStage resolves a canonical stage, reporting whether the table knew
// it. Unknown stages resolve to Earliest.
func (t StageTable) PartnerStage(s models.Stage) (string, bool) {
	if mapped, ok := t.ToPartner[s]; ok {
		return mapped, true
	}
	return t.Earliest, false
}

// CanonicalStage resolves a partner stage, reporting whether the table knew
// it. Unknown stages resolve to the earliest canonical stage.
func (t StageTable) CanonicalStage(s string) (models.Stage, bool) {
	if mapped, ok := t.ToCanonical[s]; ok {
		return mapped, true
	}
	return models.StageAppointmentScheduled, false
}

// ToPartnerOptions carries sync context into a forward translation.
type ToPartnerOptions struct {
	// ForUpdate builds an update payload: fields the partner freezes after
	// submission are omitted.
	ForUpdate bool

	// UnderReview marks the remote record as being in a review state.
	// Changing an immutable field while under review is an
	// ImmutableFieldError, not a silent skip.
	UnderReview  bool
	ReviewStatus string

	// ChangedFields lists the canonical fields this sync round is carrying.
	// Empty means a full-record sync.
	ChangedFields []string
}

// Adapter translates between the canonical record and one partner's schema.
// Implementations are stateless and safe for concurrent use.
type Adapter interface {
	Partner() models.Partner

	// Tag is the marker token whose presence in a deal title admits the
	// record to this partner's sync. Intentionally coarse: it is the sole
	// admission-control mechanism.
	Tag() string

	// ToPartner builds a partner payload from a record. Fails fast with a
	// ValidationError listing every missing/invalid field, or an
	// ImmutableFieldError when a frozen field would change.
	ToPartner(rec *models.CanonicalRecord, opts ToPartnerOptions) (models.PartnerPayload, error)

	// FromPartner reverse-translates a payload. Fields absent from the
	// payload are nil in the patch (leave unchanged); present-but-empty
	// fields are explicit clears.
	FromPartner(payload models.PartnerPayload) (*models.RecordPatch, error)

	// ImmutableFields lists canonical fields the partner freezes once the
	// remote record enters a review/submitted state.
	ImmutableFields() []string

	StageTable() StageTable
}

// ContainsTag reports whether a title carries a partner marker token.
// Case-insensitive substring match.
func ContainsTag(title, tag string) bool {
	if tag == "" {
		return false
	}
	return strings.Contains(strings.ToLower(title), strings.ToLower(tag))
}

// Registry holds the configured adapters, selected by partner.
type Registry struct {
	adapters map[models.Partner]Adapter
}

// NewRegistry builds a registry from adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	m := make(map[models.Partner]Adapter, len(adapters))
	for _, a := range adapters {
		m[a.Partner()] = a
	}
	return &Registry{adapters: m}
}

// ForPartner returns the adapter for a partner.
func (r *Registry) ForPartner(p models.Partner) (Adapter, error) {
	a, ok := r.adapters[p]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for partner %q", p)
	}
	return a, nil
}

// RouteTitle returns every adapter whose marker tag appears in the title.
func (r *Registry) RouteTitle(title string) []Adapter {
	var matched []Adapter
	for _, p := range models.AllPartners() {
		a, ok := r.adapters[p]
		if ok && ContainsTag(title, a.Tag()) {
			matched = append(matched, a)
		}
	}
	return matched
}

// Partners lists the registered partners in stable order.
func (r *Registry) Partners() []models.Partner {
	var out []models.Partner
	for _, p := range models.AllPartners() {
		if _, ok := r.adapters[p]; ok {
			out = append(out, p)
		}
	}
	return out
}

// checkImmutable returns an ImmutableFieldError when the sync round changes
// a frozen field on an under-review remote record.
func checkImmutable(a Adapter, opts ToPartnerOptions) *models.ImmutableFieldError {
	if !opts.UnderReview {
		return nil
	}
	frozen := intersect(opts.ChangedFields, a.ImmutableFields())
	if len(frozen) == 0 {
		return nil
	}
	return &models.ImmutableFieldError{
		Partner:      a.Partner(),
		Fields:       frozen,
		ReviewStatus: opts.ReviewStatus,
	}
}

func intersect(a, b []string) []string {
	if len(a) == 0 || len(b) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(b))
	for _, s := range b {
		set[s] = struct{}{}
	}
	var out []string
	for _, s := range a {
		if _, ok := set[s]; ok {
			out = append(out, s)
		}
	}
	return out
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

// warnUnmappedStage logs the fallback taken for a stage outside the
// partner's table.
func warnUnmappedStage(logger *events.Logger, p models.Partner, s models.Stage, fallback string) {
	logger.WithFields(map[string]interface{}{
		"partner":  string(p),
		"stage":    string(s),
		"fallback": fallback,
	}).Warn("Stage not in partner table, using earliest stage")
}
