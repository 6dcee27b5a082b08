package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.SessionAdded("test", "user", true)
	m.SessionInactive("test", "user")
	m.CheckpointWrite("full", 10)
	m.Cancellation("cancelled")
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 404, rec.Code)
}

func TestActiveGaugeTracksTransitions(t *testing.T) {
	m := New()
	m.SessionAdded("test", "derived", true)
	m.SessionAdded("test", "derived", true)
	m.SessionInactive("test", "derived")

	require.Equal(t, 1.0, testutil.ToFloat64(m.sessionsActive.WithLabelValues("test", "derived")))
	require.Equal(t, 2.0, testutil.ToFloat64(m.sessionsTotal.WithLabelValues("test", "derived")))
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.CheckpointWrite("reduced", 2048)
	m.TransportEvent("fallback_poll")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	text := string(body)
	require.True(t, strings.Contains(text, `nodectl_checkpoint_writes_total{result="reduced"} 1`), text)
	require.True(t, strings.Contains(text, `nodectl_transport_events_total{event="fallback_poll"} 1`), text)
}
