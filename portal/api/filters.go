package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/relabs-tech/devicemanager/core/access"
	"github.com/relabs-tech/devicemanager/core/logger"
	"github.com/relabs-tech/devicemanager/iot/filters"
)

// DefaultSuggestions is the number of suggested clauses returned by default
const DefaultSuggestions = 20

// FilterInUse is the answer when deleting a filter which jobs refer to
type FilterInUse struct {
	FilterID string   `json:"filterId"`
	JobIDs   []string `json:"jobIds"`
}

func (a *API) handleFilterRoutes(router *mux.Router) {
	logger.Default().Debugln("filters")
	logger.Default().Debugln("  handle route: /filters GET,POST")
	logger.Default().Debugln("  handle route: /filters/suggestions GET,DELETE")
	logger.Default().Debugln("  handle route: /filters/{filter_id} GET,DELETE")
	logger.Default().Debugln("  handle route: /namecache/{kind} GET")
	logger.Default().Debugln("  handle route: /namecache/{kind}/{name} DELETE")

	router.HandleFunc("/filters", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !access.RequirePermission(w, r, access.ViewDevices) {
			return
		}
		list, err := a.filters.List(r.Context())
		if err != nil {
			fail(w, r, 5501, err)
			return
		}
		respond(w, http.StatusOK, list)
	}).Methods(http.MethodOptions, http.MethodGet)

	router.HandleFunc("/filters", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !access.RequirePermission(w, r, access.ViewDevices) {
			return
		}
		var filter filters.Filter
		if !decode(w, r, &filter) {
			return
		}
		saved, err := a.filters.Save(r.Context(), filter)
		if err != nil {
			fail(w, r, 5502, err)
			return
		}
		respond(w, http.StatusOK, saved)
	}).Methods(http.MethodOptions, http.MethodPost)

	router.HandleFunc("/filters/suggestions", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !access.RequirePermission(w, r, access.ViewDevices) {
			return
		}
		skip, ok := intParameter(w, r, "skip", 0)
		if !ok {
			return
		}
		take, ok := intParameter(w, r, "take", DefaultSuggestions)
		if !ok {
			return
		}
		suggestions, err := a.filters.GetSuggestedClauses(r.Context(), skip, take)
		if err != nil {
			fail(w, r, 5503, err)
			return
		}
		respond(w, http.StatusOK, suggestions)
	}).Methods(http.MethodOptions, http.MethodGet)

	router.HandleFunc("/filters/suggestions", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !access.RequirePermission(w, r, access.EditDeviceMetadata) {
			return
		}
		var clauses []filters.Clause
		if !decode(w, r, &clauses) {
			return
		}
		if err := a.filters.DeleteSuggestedClauses(r.Context(), clauses); err != nil {
			fail(w, r, 5504, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodOptions, http.MethodDelete)

	router.HandleFunc("/filters/{filter_id}", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !access.RequirePermission(w, r, access.ViewDevices) {
			return
		}
		filter, err := a.filters.Get(r.Context(), mux.Vars(r)["filter_id"])
		if err != nil {
			fail(w, r, 5505, err)
			return
		}
		respond(w, http.StatusOK, filter)
	}).Methods(http.MethodOptions, http.MethodGet)

	router.HandleFunc("/filters/{filter_id}", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !access.RequirePermission(w, r, access.EditDeviceMetadata) {
			return
		}
		a.deleteFilter(w, r)
	}).Methods(http.MethodOptions, http.MethodDelete)

	router.HandleFunc("/namecache/{kind}", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !access.RequirePermission(w, r, access.ViewDevices) {
			return
		}
		names, err := a.filters.ListNames(r.Context(), mux.Vars(r)["kind"])
		if err != nil {
			fail(w, r, 5507, err)
			return
		}
		respond(w, http.StatusOK, names)
	}).Methods(http.MethodOptions, http.MethodGet)

	router.HandleFunc("/namecache/{kind}/{name}", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !access.RequirePermission(w, r, access.EditDeviceMetadata) {
			return
		}
		params := mux.Vars(r)
		if err := a.filters.DeleteName(r.Context(), params["kind"], params["name"]); err != nil {
			fail(w, r, 5508, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodOptions, http.MethodDelete)
}

// deleteFilter refuses to delete filters which jobs refer to, unless the force
// parameter is true
func (a *API) deleteFilter(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	filterID := mux.Vars(r)["filter_id"]
	if _, err := a.filters.Get(ctx, filterID); err != nil {
		fail(w, r, 5506, err)
		return
	}
	if r.URL.Query().Get("force") != "true" {
		jobs, err := a.jobs.ListJobsByFilter(ctx, filterID)
		if err != nil {
			fail(w, r, 5506, err)
			return
		}
		if len(jobs) > 0 {
			inUse := FilterInUse{FilterID: filterID}
			for _, job := range jobs {
				inUse.JobIDs = append(inUse.JobIDs, job.JobID)
			}
			logger.FromContext(ctx).Infof("filter %s is used by %d jobs", filterID, len(jobs))
			respond(w, http.StatusConflict, inUse)
			return
		}
	}
	if err := a.filters.Delete(ctx, filterID); err != nil {
		fail(w, r, 5506, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
