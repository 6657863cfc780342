package core

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZerologLogger_FieldTypes(t *testing.T) {
	var buf bytes.Buffer
	logger := NewZerologLogger(zerolog.New(&buf))

	logger.Warn("waiting",
		F("err", errors.New("boom")),
		F("looper", "main"),
		F("busy", []string{"a", "b"}),
		F("iterations", 100),
		F("generation", uint64(7)),
		F("idle", false),
		F("state", QueueTaskDueSoon),
		F("timeout", 2*time.Second),
	)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "waiting", entry["message"])
	assert.Equal(t, "boom", entry["err"])
	assert.Equal(t, "main", entry["looper"])
	assert.Equal(t, []any{"a", "b"}, entry["busy"])
	assert.Equal(t, float64(100), entry["iterations"])
	assert.Equal(t, float64(7), entry["generation"])
	assert.Equal(t, false, entry["idle"])
	assert.Equal(t, "TASK_DUE_SOON", entry["state"])
	assert.Contains(t, entry, "timeout")
}

func TestZerologLogger_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewZerologLogger(zerolog.New(&buf).Level(zerolog.WarnLevel))

	logger.Debug("hidden")
	logger.Info("hidden", F("k", "v"))
	assert.Empty(t, buf.String())

	logger.Error("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestNoOpLogger(t *testing.T) {
	var logger Logger = NewNoOpLogger()
	logger.Debug("x")
	logger.Info("x")
	logger.Warn("x")
	logger.Error("x", F("k", 1))
}
