package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/relabs-tech/devicemanager/core/access"
	"github.com/relabs-tech/devicemanager/core/logger"
	"github.com/relabs-tech/devicemanager/iot/telemetry"
)

// MaxAlerts is the maximum number of alerts returned by /telemetry/alerts
const MaxAlerts = 1000

func (a *API) handleTelemetryRoutes(router *mux.Router) {
	logger.Default().Debugln("telemetry")
	logger.Default().Debugln("  handle route: /telemetry/dashboard/{device_id} GET")
	logger.Default().Debugln("  handle route: /telemetry/alerts GET")
	logger.Default().Debugln("  handle route: /telemetry/locations GET")

	router.HandleFunc("/telemetry/dashboard/{device_id}", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !access.RequirePermission(w, r, access.ViewTelemetry) {
			return
		}
		pane, err := a.telemetry.DashboardPane(r.Context(), mux.Vars(r)["device_id"])
		if err != nil {
			fail(w, r, 5601, err)
			return
		}
		respond(w, http.StatusOK, pane)
	}).Methods(http.MethodOptions, http.MethodGet)

	router.HandleFunc("/telemetry/alerts", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !access.RequirePermission(w, r, access.ViewTelemetry) {
			return
		}
		a.alerts(w, r)
	}).Methods(http.MethodOptions, http.MethodGet)

	router.HandleFunc("/telemetry/locations", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !access.RequirePermission(w, r, access.ViewTelemetry) {
			return
		}
		locations, err := a.telemetry.DeviceLocations(r.Context())
		if err != nil {
			fail(w, r, 5603, err)
			return
		}
		respond(w, http.StatusOK, locations)
	}).Methods(http.MethodOptions, http.MethodGet)
}

// alerts returns the latest alerts, optionally of one device. Parameters are limit,
// since (RFC 3339) and deviceId.
func (a *API) alerts(w http.ResponseWriter, r *http.Request) {
	limit, ok := intParameter(w, r, "limit", telemetry.DashboardAlertsLimit)
	if !ok {
		return
	}
	if limit == 0 || limit > MaxAlerts {
		limit = MaxAlerts
	}
	since := time.Now().UTC().Add(-telemetry.DefaultAlertsLookback)
	if value := r.URL.Query().Get("since"); value != "" {
		t, err := time.Parse(time.RFC3339, value)
		if err != nil {
			http.Error(w, "parameter 'since': must be an RFC 3339 timestamp", http.StatusBadRequest)
			return
		}
		since = t
	}
	var alerts []telemetry.AlertHistoryItem
	var err error
	if deviceID := r.URL.Query().Get("deviceId"); deviceID != "" {
		alerts, err = a.telemetry.DeviceAlerts(r.Context(), deviceID, limit, since)
	} else {
		alerts, err = a.telemetry.LatestAlerts(r.Context(), limit, since)
	}
	if err != nil {
		fail(w, r, 5602, err)
		return
	}
	respond(w, http.StatusOK, alerts)
}
