package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMiddlewareCountsRouteTemplates(t *testing.T) {
	m := New()
	router := mux.NewRouter()
	router.Use(m.Middleware())
	router.HandleFunc("/devices/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	m.HandleRoute(router)

	for _, id := range []string{"a", "b"} {
		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/devices/"+id, nil))
	}
	assert.Equal(t, 2.0, testutil.ToFloat64(m.requestsTotal.WithLabelValues("/devices/{id}", http.MethodGet, "404")))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "devicemanager_http_requests_total"))
}

func TestCounters(t *testing.T) {
	m := New()
	m.TelemetryIngested("ok")
	m.TelemetryIngested("ok")
	m.AlertRaised("AlarmTemp")
	m.DeviceJobResult("ScheduleDeviceMethod", "completed")
	m.DeviceConnected(1)
	m.DeviceConnected(1)
	m.DeviceConnected(-1)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.telemetryIngested.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.alertsRaised.WithLabelValues("AlarmTemp")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.devicesConnected))

	var none *Metrics
	none.AlertRaised("x")
}
