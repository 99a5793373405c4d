package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogBuffer_JoinsPartialWrites(t *testing.T) {
	b := NewLogBuffer(10)
	_, _ = b.Write([]byte("INFO link "))
	_, _ = b.Write([]byte("connected\r\nWARN ses"))

	lines, _ := b.Tail(10, "debug")
	assert.Equal(t, []string{"INFO link connected"}, lines)

	_, _ = b.Write([]byte("sion error\n\n"))
	lines, _ = b.Tail(10, "debug")
	assert.Equal(t, []string{"INFO link connected", "WARN session error"}, lines)
}

func TestLogBuffer_DropsOldest(t *testing.T) {
	b := NewLogBuffer(3)
	for i := 0; i < 5; i++ {
		_, _ = fmt.Fprintf(b, "INFO line %d\n", i)
	}
	lines, dropped := b.Tail(10, "debug")
	assert.Equal(t, []string{"INFO line 2", "INFO line 3", "INFO line 4"}, lines)
	assert.Equal(t, uint64(2), dropped)

	lines, _ = b.Tail(1, "debug")
	assert.Equal(t, []string{"INFO line 4"}, lines)
}

func TestLogBuffer_LevelFilterTextAndJSON(t *testing.T) {
	b := NewLogBuffer(100)

	text := log.NewWithOptions(b, log.Options{Level: log.DebugLevel})
	text.Debug("polling")
	text.Warn("bearer lost")

	js := log.NewWithOptions(b, log.Options{Level: log.DebugLevel, Formatter: log.JSONFormatter})
	js.Info("session connected")
	js.Error("publish failed")

	all, _ := b.Tail(100, "debug")
	require.Len(t, all, 4)

	warn, _ := b.Tail(100, "warn")
	require.Len(t, warn, 2)
	assert.Contains(t, warn[0], "bearer lost")
	assert.Contains(t, warn[1], "publish failed")
}

func TestLogsHandler(t *testing.T) {
	b := NewLogBuffer(10)
	_, _ = b.Write([]byte("INFO a\nERRO b\n"))
	h := b.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/logs?level=error", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var resp LogsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, []string{"ERRO b"}, resp.Lines)

	for _, q := range []string{"?tail=0", "?tail=x", "?level=loud"} {
		rec = httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/logs"+q, nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}
