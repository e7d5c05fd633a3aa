// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package jobs

import (
	"fmt"
	"io"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/relabs-tech/devicemanager/core/access"
	"github.com/relabs-tech/devicemanager/core/logger"
)

// HandleRoutes adds the health and event routes of the queue to the router
func HandleRoutes(router *mux.Router, q Processor) {
	logger.Default().Debugln("job processing pipelines")
	logger.Default().Debugln("  handle route: /events/{event} PUT")
	logger.Default().Debugln("  handle route: /health GET")
	logger.Default().Debugln("  handle route: /health/purge PUT")
	logger.Default().Debugln("  handle route: /health/details GET")

	router.HandleFunc("/events/{event}", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !access.RequirePermission(w, r, access.ManageJobs) {
			return
		}
		raiseEvent(w, r, q)
	}).Methods(http.MethodOptions, http.MethodPut)

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		health(w, r, q, false)
	}).Methods(http.MethodOptions, http.MethodGet)

	router.HandleFunc("/health/purge", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !access.RequirePermission(w, r, access.ManageJobs) {
			return
		}
		if err := q.HealthPurge(r.Context()); err != nil {
			logger.FromContext(r.Context()).WithError(err).Errorln("Error 4223: cannot purge jobs")
			http.Error(w, "Error 4223: ", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodOptions, http.MethodPut)

	router.HandleFunc("/health/details", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !access.RequirePermission(w, r, access.ViewJobs) {
			return
		}
		health(w, r, q, true)
	}).Methods(http.MethodOptions, http.MethodGet)
}

func health(w http.ResponseWriter, r *http.Request, q Processor, includeDetails bool) {
	rlog := logger.FromContext(r.Context())
	health, err := q.Health(r.Context(), includeDetails)
	if err != nil {
		rlog.WithError(err).Errorln("Error 4222: cannot query job queue")
		http.Error(w, "Error 4222: ", http.StatusInternalServerError)
		return
	}
	jsonData, _ := json.Marshal(health)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Write(jsonData)
}

func raiseEvent(w http.ResponseWriter, r *http.Request, q Queue) {
	rlog := logger.FromContext(r.Context())
	event := Event{Type: mux.Vars(r)["event"]}
	for param, array := range r.URL.Query() {
		if len(array) > 1 {
			http.Error(w, "illegal parameter array '"+param+"'", http.StatusBadRequest)
			return
		}
		value := array[0]
		switch param {
		case "key":
			event.Key = value
		case "resource":
			event.Resource = value
		case "resource_id":
			event.ResourceID = value
		default:
			http.Error(w, fmt.Sprintf("parameter '%s': unknown query parameter", param), http.StatusBadRequest)
			return
		}
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(body) == 0 {
		body = []byte("{}")
	}
	if !json.Valid(body) {
		http.Error(w, "payload is not valid JSON", http.StatusBadRequest)
		return
	}
	if err := q.RaiseEvent(r.Context(), event.WithPayload(body)); err != nil {
		rlog.WithError(err).Errorln("Error 4224: cannot raise event")
		http.Error(w, "Error 4224: "+err.Error(), http.StatusBadRequest)
		return
	}
	rlog.Infof("raised event %s", event)
	w.WriteHeader(http.StatusNoContent)
}
