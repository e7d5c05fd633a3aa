package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/relabs-tech/devicemanager/core/access"
	"github.com/relabs-tech/devicemanager/core/logger"
	"github.com/relabs-tech/devicemanager/core/tablestore"
	"github.com/relabs-tech/devicemanager/iot/actions"
	"github.com/relabs-tech/devicemanager/portal/datatables"
)

func (a *API) handleActionRoutes(router *mux.Router) {
	logger.Default().Debugln("actions")
	logger.Default().Debugln("  handle route: /actions/list POST")
	logger.Default().Debugln("  handle route: /actions GET")
	logger.Default().Debugln("  handle route: /actions/mappings GET,PUT")
	logger.Default().Debugln("  handle route: /actions/ruleoutputs GET")
	logger.Default().Debugln("  handle route: /actions/{action_id} GET,PUT")

	router.HandleFunc("/actions/list", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !access.RequirePermission(w, r, access.ViewActions) {
			return
		}
		a.listMappings(w, r)
	}).Methods(http.MethodOptions, http.MethodPost)

	router.HandleFunc("/actions", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !access.RequirePermission(w, r, access.ViewActions) {
			return
		}
		all, err := a.actions.GetAllActions(r.Context())
		if err != nil {
			fail(w, r, 5301, err)
			return
		}
		respond(w, http.StatusOK, all)
	}).Methods(http.MethodOptions, http.MethodGet)

	router.HandleFunc("/actions/mappings", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !access.RequirePermission(w, r, access.ViewActions) {
			return
		}
		mappings, err := a.actions.GetAllMappings(r.Context())
		if err != nil {
			fail(w, r, 5302, err)
			return
		}
		respond(w, http.StatusOK, mappings)
	}).Methods(http.MethodOptions, http.MethodGet)

	router.HandleFunc("/actions/mappings", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !access.RequirePermission(w, r, access.AssignAction) {
			return
		}
		var mapping actions.ActionMapping
		if !decode(w, r, &mapping) {
			return
		}
		mappings, err := a.actions.SaveMapping(r.Context(), mapping)
		if err != nil {
			fail(w, r, 5303, err)
			return
		}
		respond(w, http.StatusOK, mappings)
	}).Methods(http.MethodOptions, http.MethodPut)

	router.HandleFunc("/actions/ruleoutputs", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !access.RequirePermission(w, r, access.ViewActions) {
			return
		}
		respond(w, http.StatusOK, a.actions.GetAvailableRuleOutputs())
	}).Methods(http.MethodOptions, http.MethodGet)

	router.HandleFunc("/actions/{action_id}", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !access.RequirePermission(w, r, access.ViewActions) {
			return
		}
		action, err := a.actions.GetAction(r.Context(), mux.Vars(r)["action_id"])
		if err != nil {
			fail(w, r, 5304, err)
			return
		}
		respond(w, http.StatusOK, action)
	}).Methods(http.MethodOptions, http.MethodGet)

	router.HandleFunc("/actions/{action_id}", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !access.RequirePermission(w, r, access.EditSettings) {
			return
		}
		var action actions.Action
		if !decode(w, r, &action) {
			return
		}
		action.ActionID = mux.Vars(r)["action_id"]
		saved, err := a.actions.SaveAction(r.Context(), action)
		if errors.Is(err, tablestore.ErrConflict) && saved != nil {
			conflict(w, r, 5305, err, saved)
			return
		}
		if err != nil {
			fail(w, r, 5305, err)
			return
		}
		respond(w, http.StatusOK, saved)
	}).Methods(http.MethodOptions, http.MethodPut)
}

// listMappings answers the action grid: every rule output with its action and the
// number of devices using it
func (a *API) listMappings(w http.ResponseWriter, r *http.Request) {
	req, err := datatables.ParseRequest(r)
	if err == nil {
		err = req.Validate()
	}
	if err != nil {
		respond(w, http.StatusBadRequest, datatables.ErrorResponse(req, err.Error()))
		return
	}
	mappings, err := a.actions.GetMappingsExtended(r.Context())
	if err != nil {
		fail(w, r, 5306, err)
		return
	}
	search := strings.ToLower(strings.TrimSpace(req.Search.Value))
	matching := make([]actions.ActionMappingExtended, 0, len(mappings))
	for _, m := range mappings {
		if search == "" || strings.Contains(strings.ToLower(m.RuleOutput), search) ||
			strings.Contains(strings.ToLower(m.ActionID), search) {
			matching = append(matching, m)
		}
	}
	req.Sort(len(matching), func(i, j int) { matching[i], matching[j] = matching[j], matching[i] },
		func(column string, i, j int) bool {
			switch column {
			case "actionId":
				return matching[i].ActionID < matching[j].ActionID
			case "numberOfDevices":
				return matching[i].NumberOfDevices < matching[j].NumberOfDevices
			}
			return matching[i].RuleOutput < matching[j].RuleOutput
		})
	from, to := req.Window(len(matching))
	respond(w, http.StatusOK, datatables.NewResponse(req, matching[from:to], len(mappings), len(matching)))
}
