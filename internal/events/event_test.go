package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewChangeEventAssignsUniqueIDs(t *testing.T) {
	now := time.Now().UTC()
	a := NewChangeEvent("1", []string{"amount"}, now)
	b := NewChangeEvent("1", []string{"amount"}, now)

	assert.NotEmpty(t, a.EventID)
	assert.NotEqual(t, a.EventID, b.EventID)
}

func TestChangeEventValidate(t *testing.T) {
	now := time.Now().UTC()

	require.NoError(t, NewChangeEvent("9001", nil, now).Validate())
	assert.Error(t, NewChangeEvent("", nil, now).Validate())
	assert.Error(t, NewChangeEvent("9001", nil, time.Time{}).Validate())
}

func TestLocalVersionStableAcrossRedelivery(t *testing.T) {
	occurred := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)

	first := NewChangeEvent("9001", []string{"dealstage"}, occurred)
	redelivered := NewChangeEvent("9001", []string{"dealstage"}, occurred)

	// Same occurrence time means the same idempotency version, even
	// though the delivery ids differ.
	assert.Equal(t, first.LocalVersion(), redelivered.LocalVersion())
	assert.Equal(t, "1787997600000", first.LocalVersion())
}
