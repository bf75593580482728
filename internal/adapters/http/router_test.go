package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/dkeye/VoiceGateway/internal/adapters/signal"
	"github.com/dkeye/VoiceGateway/internal/app"
	"github.com/dkeye/VoiceGateway/internal/metrics"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	snap := metrics.Snapshot{Workers: 2, Rooms: 1, Participants: 3, AudioStreaming: 1}
	src := func() metrics.Snapshot { return snap }
	ctl := signal.NewSignalWSController(nil, app.NewRegistry(nil), signal.Options{})
	return SetupRouter(context.Background(), Config{Mode: "test"}, ctl, src, metrics.NewRegistry(src))
}

func get(r http.Handler, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestRouter_Health(t *testing.T) {
	w := get(newRouter(t), "/health")
	require.Equal(t, http.StatusOK, w.Code)
	var h health
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &h))
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, 2, h.Workers)
	assert.Equal(t, 1, h.Rooms)
	assert.Equal(t, 1, h.AudioStreaming)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestRouter_StatsAndMetrics(t *testing.T) {
	r := newRouter(t)
	w := get(r, "/stats")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"workers":2,"rooms":1,"participants":3,"audioStreaming":1}`, w.Body.String())

	w = get(r, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "gateway_participants_total 3"))
}

func TestRouter_NotFound(t *testing.T) {
	w := get(newRouter(t), "/nope")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.JSONEq(t, `{"error":"Not Found"}`, w.Body.String())
}
