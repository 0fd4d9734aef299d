package logger

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLogFormat(t *testing.T) {
	assert.Equal(t, FormatConsole, ParseLogFormat("console"))
	assert.Equal(t, FormatConsole, ParseLogFormat("Console"))
	assert.Equal(t, FormatJSON, ParseLogFormat("json"))
	assert.Equal(t, FormatJSON, ParseLogFormat(""))
	assert.Equal(t, FormatJSON, ParseLogFormat("weird"))
}

func TestSetupJSONOutput(t *testing.T) {
	ResetForTesting()
	t.Cleanup(ResetForTesting)

	var buf bytes.Buffer
	Setup(Config{Level: "debug", Format: FormatJSON, Output: &buf})

	Get().Info("hello", map[string]interface{}{"book_id": "aaa"})

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "hello", entry["message"])
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "aaa", entry["book_id"])
	assert.Contains(t, entry, "time")
}

func TestLevelFiltering(t *testing.T) {
	ResetForTesting()
	t.Cleanup(ResetForTesting)

	var buf bytes.Buffer
	Setup(Config{Level: "warn", Format: FormatJSON, Output: &buf})

	log := Get()
	log.Debug("dropped")
	log.Info("dropped too")
	log.Warn("kept")

	assert.NotContains(t, buf.String(), "dropped")
	assert.Contains(t, buf.String(), "kept")
}

func TestSetupOnlyOnce(t *testing.T) {
	ResetForTesting()
	t.Cleanup(ResetForTesting)

	var first, second bytes.Buffer
	Setup(Config{Format: FormatJSON, Output: &first})
	Setup(Config{Format: FormatJSON, Output: &second})

	Get().Info("once")
	assert.Contains(t, first.String(), "once")
	assert.Empty(t, second.String())
}

func TestWithAttachesFields(t *testing.T) {
	ResetForTesting()
	t.Cleanup(ResetForTesting)

	var buf bytes.Buffer
	Setup(Config{Format: FormatJSON, Output: &buf})

	child := Get().With(map[string]interface{}{"component": "sync"})
	child.Info("working")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "sync", entry["component"])

	// Empty field maps return the logger unchanged
	assert.Same(t, child, child.With(nil))
}

func TestNilLoggerIsSafe(t *testing.T) {
	var l *Logger
	l.Info("no panic")
	l.Error("still no panic")
	assert.NotNil(t, l.With(map[string]interface{}{"k": "v"}))
}

func TestHTTPMiddleware(t *testing.T) {
	ResetForTesting()
	t.Cleanup(ResetForTesting)

	var buf bytes.Buffer
	Setup(Config{Format: FormatJSON, Output: &buf})

	handler := HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "GET", entry["method"])
	assert.Equal(t, "/healthz", entry["path"])
	assert.Equal(t, float64(http.StatusTeapot), entry["status"])
}
