package eventtail

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-network/econe/internal/clock"
	"github.com/r3e-network/econe/internal/eventlog"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestServer() (*Server, *eventlog.EventLog) {
	el := eventlog.New(eventlog.Config{Clock: clock.New()})
	return New(Config{EventLog: el}), el
}

func TestHealthzReportsOkByDefault(t *testing.T) {
	s, _ := newTestServer()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	s.Router().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHealthzReports503UntilReady(t *testing.T) {
	ready := false
	el := eventlog.New(eventlog.Config{Clock: clock.New()})
	s := New(Config{EventLog: el, Ready: func() bool { return ready }})

	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	ready = true
	w = httptest.NewRecorder()
	s.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestEventsTailReturnsMostRecentEvents(t *testing.T) {
	s, el := newTestServer()
	el.Append(eventlog.Event{EventType: eventlog.TypeArtifactCreated, ArtifactID: "a1"})
	el.Append(eventlog.Event{EventType: eventlog.TypeArtifactCreated, ArtifactID: "a2"})
	el.Append(eventlog.Event{EventType: eventlog.TypeArtifactCreated, ArtifactID: "a3"})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/events/tail?n=2", nil)
	s.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Events []eventlog.Event `json:"events"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Events, 2)
	assert.Equal(t, "a2", body.Events[0].ArtifactID)
	assert.Equal(t, "a3", body.Events[1].ArtifactID)
}

func TestEventsTailSinceReturnsEventsAfterCursor(t *testing.T) {
	s, el := newTestServer()
	first := el.Append(eventlog.Event{EventType: eventlog.TypeArtifactCreated, ArtifactID: "a1"})
	el.Append(eventlog.Event{EventType: eventlog.TypeArtifactCreated, ArtifactID: "a2"})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/events/tail?since="+strconv.FormatUint(first.EventNumber, 10), nil)
	s.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Events []eventlog.Event `json:"events"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Events, 1)
	assert.Equal(t, "a2", body.Events[0].ArtifactID)
}

func TestEventsTailRejectsMalformedSince(t *testing.T) {
	s, _ := newTestServer()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/events/tail?since=not-a-number", nil)
	s.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

