package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sosguard/go-sos-server/internal/sos"
)

func TestObserveEvent(t *testing.T) {
	m := New()

	m.ObserveEvent(sos.Event{Type: sos.EventArmed})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.timerArmed.WithLabelValues("sos")))

	m.ObserveEvent(sos.Event{Type: sos.EventFired, Trigger: sos.TriggerCountdown})
	m.ObserveEvent(sos.Event{Type: sos.EventDispatchFailed, Trigger: sos.TriggerCountdown})
	m.ObserveEvent(sos.Event{Type: sos.EventAborted, Trigger: sos.TriggerHold})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.alertsFired.WithLabelValues("countdown")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dispatchFailures.WithLabelValues("countdown")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.alertsAborted.WithLabelValues("hold")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.countdowns.WithLabelValues("sos", "expired")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.timerArmed.WithLabelValues("sos")))
}

func TestHandlerServesRegistry(t *testing.T) {
	m := New()
	m.ObserveLocationSample()
	m.ObserveRequest("/api/sos", http.StatusOK)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "sosguard_location_samples_total 1")
	assert.Contains(t, body, `sosguard_http_requests_total{code="200",route="/api/sos"} 1`)
}
