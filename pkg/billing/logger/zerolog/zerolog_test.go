package zerolog

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/billingsync/pkg/billing"
)

func decode(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	return entry
}

func TestLogger_Levels(t *testing.T) {
	tests := []struct {
		level string
		log   func(l *Logger)
	}{
		{"debug", func(l *Logger) { l.Debug("msg", billing.F("key", "value")) }},
		{"info", func(l *Logger) { l.Info("msg", billing.F("key", "value")) }},
		{"warn", func(l *Logger) { l.Warn("msg", billing.F("key", "value")) }},
		{"error", func(l *Logger) { l.Error("msg", billing.F("key", "value")) }},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			var buf bytes.Buffer
			tt.log(NewLogger(zerolog.New(&buf)))

			entry := decode(t, &buf)
			assert.Equal(t, tt.level, entry["level"])
			assert.Equal(t, "msg", entry["message"])
			assert.Equal(t, "value", entry["key"])
		})
	}
}

func TestLogger_FieldTypes(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(zerolog.New(&buf)).With("digest")

	logger.Info("sent",
		billing.F("count", 3),
		billing.F("cause", errors.New("smtp timeout")),
		billing.ErrField(nil),
	)

	entry := decode(t, &buf)
	assert.Equal(t, "digest", entry["component"])
	assert.Equal(t, float64(3), entry["count"])
	assert.Equal(t, "smtp timeout", entry["cause"])
	assert.Nil(t, entry["error"])
}

func TestLogger_RespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(zerolog.New(&buf).Level(zerolog.WarnLevel))

	logger.Debug("hidden")
	logger.Info("hidden")
	assert.Zero(t, buf.Len())

	logger.Warn("shown")
	assert.NotZero(t, buf.Len())
}
