package metrics_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"randomtalk/backend/internal/metrics"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventsAreCountedAndExposed(t *testing.T) {
	// Arrange
	m := metrics.New()

	// Act
	m.Inc(metrics.EventPairing)
	m.Inc(metrics.EventPairing)
	m.Inc(metrics.EventReport)
	m.SetOnline(3)
	m.SessionOpened()
	m.ObserveSearch(2 * time.Second)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	// Assert
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `randomtalk_events_total{event="pairing"} 2`)
	assert.Contains(t, body, `randomtalk_events_total{event="report"} 1`)
	assert.Contains(t, body, "randomtalk_online_identities 3")
	assert.Contains(t, body, "randomtalk_active_sessions 1")
	assert.True(t, strings.Contains(body, "randomtalk_search_duration_seconds_count 1"))

	n, err := testutil.GatherAndCount(m.Registry(), "randomtalk_events_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *metrics.Metrics

	assert.NotPanics(t, func() {
		m.Inc(metrics.EventPairing)
		m.SetOnline(1)
		m.SessionOpened()
		m.SessionClosed()
		m.ObserveSearch(time.Second)
	})
	assert.Nil(t, m.Registry())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
