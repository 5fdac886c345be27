package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewTestLogger(WarnLevel, "text", &buf)

	logger.Debug("too quiet")
	logger.Info("still too quiet")
	logger.Warn("heard")
	logger.Error("also heard")

	out := buf.String()
	assert.NotContains(t, out, "too quiet")
	assert.Contains(t, out, "heard")
	assert.Contains(t, out, "also heard")
}

func TestLoggerJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewTestLogger(InfoLevel, "json", &buf)

	logger.WithField("deal", "9001").Info("synced")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "synced", entry["msg"])
	assert.Equal(t, "9001", entry["deal"])
	assert.NotEmpty(t, entry["time"])
}

func TestLoggerFieldsDoNotLeakBack(t *testing.T) {
	var buf bytes.Buffer
	base := NewTestLogger(InfoLevel, "json", &buf)

	derived := base.WithFields(map[string]interface{}{"partner": "aws"})
	derived.Info("child")
	buf.Reset()
	base.Info("parent")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	_, ok := entry["partner"]
	assert.False(t, ok, "derived field leaked into base logger")
}

func TestLoggerWithError(t *testing.T) {
	var buf bytes.Buffer
	logger := NewTestLogger(InfoLevel, "text", &buf)

	logger.WithError(errors.New("boom")).Error("sync failed")
	assert.Contains(t, buf.String(), "error=boom")

	buf.Reset()
	logger.WithError(nil).Error("no cause")
	assert.NotContains(t, buf.String(), "error=")
}

func TestLoggerTextFieldOrderIsStable(t *testing.T) {
	var buf bytes.Buffer
	logger := NewTestLogger(InfoLevel, "text", &buf)

	logger.WithFields(map[string]interface{}{
		"zebra": 1,
		"alpha": 2,
	}).Info("ordered")

	line := buf.String()
	assert.Less(t, strings.Index(line, "alpha="), strings.Index(line, "zebra="))
}

func TestDiscardWritesNothing(t *testing.T) {
	// Mostly proving it does not panic.
	Discard().WithField("k", "v").Error("dropped")
}
