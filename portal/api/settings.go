package api

import (
	"net/http"
	"regexp"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/relabs-tech/devicemanager/core/access"
	"github.com/relabs-tech/devicemanager/core/logger"
)

// SettingsPrefix is the registry prefix of the portal settings
const SettingsPrefix = "settings"

// The settings the portal knows about. Other keys can be stored as well.
const (
	SettingMapAPIKey    = "mapApiKey"
	SettingPortalTitle  = "portalTitle"
	SettingAlertsWindow = "alertsWindow"
)

var settingKey = regexp.MustCompile(`^[A-Za-z0-9_\-.]{1,128}$`)

func (a *API) handleSettingsRoutes(router *mux.Router) {
	logger.Default().Debugln("settings")
	logger.Default().Debugln("  handle route: /settings GET")
	logger.Default().Debugln("  handle route: /settings/{key} GET,PUT,DELETE")

	router.HandleFunc("/settings", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !access.RequirePermission(w, r, access.ViewDevices) {
			return
		}
		keys, err := a.settings.Keys(r.Context())
		if err != nil {
			fail(w, r, 5701, err)
			return
		}
		respond(w, http.StatusOK, keys)
	}).Methods(http.MethodOptions, http.MethodGet)

	router.HandleFunc("/settings/{key}", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !access.RequirePermission(w, r, access.ViewDevices) {
			return
		}
		key := mux.Vars(r)["key"]
		var value json.RawMessage
		timestamp, err := a.settings.Read(r.Context(), key, &value)
		if err != nil {
			fail(w, r, 5702, err)
			return
		}
		if timestamp.IsZero() {
			http.Error(w, "no such setting", http.StatusNotFound)
			return
		}
		w.Header().Set("Last-Modified", timestamp.UTC().Format(http.TimeFormat))
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Write(value)
	}).Methods(http.MethodOptions, http.MethodGet)

	router.HandleFunc("/settings/{key}", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !access.RequirePermission(w, r, access.EditSettings) {
			return
		}
		key := mux.Vars(r)["key"]
		if !settingKey.MatchString(key) {
			http.Error(w, "invalid setting key", http.StatusBadRequest)
			return
		}
		var value json.RawMessage
		if !decode(w, r, &value) {
			return
		}
		if err := a.settings.Write(r.Context(), key, value); err != nil {
			fail(w, r, 5703, err)
			return
		}
		logger.FromContext(r.Context()).Infoln("updated setting", key)
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Write(value)
	}).Methods(http.MethodOptions, http.MethodPut)

	router.HandleFunc("/settings/{key}", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !access.RequirePermission(w, r, access.EditSettings) {
			return
		}
		if err := a.settings.Delete(r.Context(), mux.Vars(r)["key"]); err != nil {
			fail(w, r, 5704, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodOptions, http.MethodDelete)
}
