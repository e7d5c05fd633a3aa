package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/relabs-tech/devicemanager/core/access"
	"github.com/relabs-tech/devicemanager/core/logger"
	"github.com/relabs-tech/devicemanager/iot/rules"
	"github.com/relabs-tech/devicemanager/portal/datatables"
)

// ExportURLValidity is how long the download URL of a rule export stays valid
const ExportURLValidity = 15 * time.Minute

// RuleExport points to the newest rule export
type RuleExport struct {
	Key string `json:"key"`
	URL string `json:"url"`
}

// Threshold is a rule threshold. It accepts JSON numbers and the text users type
// into the rule editor.
type Threshold float64

// UnmarshalJSON implements json.Unmarshaler
func (t *Threshold) UnmarshalJSON(data []byte) error {
	var number float64
	if err := json.Unmarshal(data, &number); err == nil {
		*t = Threshold(number)
		return nil
	}
	var text string
	if err := json.Unmarshal(data, &text); err != nil {
		return fmt.Errorf("%w: threshold must be a number", rules.ErrInvalid)
	}
	value, err := rules.ParseThreshold(text)
	if err != nil {
		return err
	}
	*t = Threshold(value)
	return nil
}

// RuleModel is the rule editor's model of a rule
type RuleModel struct {
	RuleID       string    `json:"ruleId"`
	DeviceID     string    `json:"deviceId"`
	DataField    string    `json:"dataField"`
	Operator     string    `json:"operator"`
	Threshold    Threshold `json:"threshold"`
	RuleOutput   string    `json:"ruleOutput"`
	EnabledState bool      `json:"enabledState"`
	ETag         string    `json:"etag"`
}

// EnabledStateRequest is the body of PUT /devicerules/{device_id}/{rule_id}/enabledstatus
type EnabledStateRequest struct {
	EnabledState bool `json:"enabledState"`
}

func (a *API) handleRuleRoutes(router *mux.Router) {
	logger.Default().Debugln("device rules")
	logger.Default().Debugln("  handle route: /devicerules/list POST")
	logger.Default().Debugln("  handle route: /devicerules GET,POST")
	logger.Default().Debugln("  handle route: /devicerules/export GET")
	logger.Default().Debugln("  handle route: /devicerules/{device_id}/new GET")
	logger.Default().Debugln("  handle route: /devicerules/{device_id}/availablefields GET")
	logger.Default().Debugln("  handle route: /devicerules/{device_id}/{rule_id} GET,DELETE")
	logger.Default().Debugln("  handle route: /devicerules/{device_id}/{rule_id}/enabledstatus PUT")

	router.HandleFunc("/devicerules/list", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !access.RequirePermission(w, r, access.ViewRules) {
			return
		}
		a.listRules(w, r)
	}).Methods(http.MethodOptions, http.MethodPost)

	router.HandleFunc("/devicerules", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !access.RequirePermission(w, r, access.ViewRules) {
			return
		}
		all, err := a.rules.GetAllRules(r.Context())
		if err != nil {
			fail(w, r, 5201, err)
			return
		}
		respond(w, http.StatusOK, all)
	}).Methods(http.MethodOptions, http.MethodGet)

	router.HandleFunc("/devicerules", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !access.RequirePermission(w, r, access.EditRules) {
			return
		}
		a.saveRule(w, r)
	}).Methods(http.MethodOptions, http.MethodPost)

	router.HandleFunc("/devicerules/export", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !access.RequirePermission(w, r, access.ViewRules) {
			return
		}
		key, u, err := a.rules.LatestExportURL(r.Context(), ExportURLValidity)
		if err != nil {
			fail(w, r, 5210, err)
			return
		}
		respond(w, http.StatusOK, RuleExport{Key: key, URL: u})
	}).Methods(http.MethodOptions, http.MethodGet)

	router.HandleFunc("/devicerules/{device_id}/new", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !access.RequirePermission(w, r, access.EditRules) {
			return
		}
		device, err := a.devices.GetDevice(r.Context(), mux.Vars(r)["device_id"])
		if err != nil {
			fail(w, r, 5202, err)
			return
		}
		respond(w, http.StatusOK, a.rules.GetNewRule(device.ID()))
	}).Methods(http.MethodOptions, http.MethodGet)

	router.HandleFunc("/devicerules/{device_id}/availablefields", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !access.RequirePermission(w, r, access.ViewRules) {
			return
		}
		a.availableFields(w, r)
	}).Methods(http.MethodOptions, http.MethodGet)

	router.HandleFunc("/devicerules/{device_id}/{rule_id}", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !access.RequirePermission(w, r, access.ViewRules) {
			return
		}
		params := mux.Vars(r)
		rule, err := a.rules.GetDeviceRule(r.Context(), params["device_id"], params["rule_id"])
		if err != nil {
			fail(w, r, 5203, err)
			return
		}
		respond(w, http.StatusOK, rule)
	}).Methods(http.MethodOptions, http.MethodGet)

	router.HandleFunc("/devicerules/{device_id}/{rule_id}", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !access.RequirePermission(w, r, access.DeleteRules) {
			return
		}
		params := mux.Vars(r)
		if err := a.rules.DeleteDeviceRule(r.Context(), params["device_id"], params["rule_id"]); err != nil {
			fail(w, r, 5204, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodOptions, http.MethodDelete)

	router.HandleFunc("/devicerules/{device_id}/{rule_id}/enabledstatus", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !access.RequirePermission(w, r, access.EditRules) {
			return
		}
		var request EnabledStateRequest
		if !decode(w, r, &request) {
			return
		}
		params := mux.Vars(r)
		rule, err := a.rules.UpdateDeviceRuleEnabledState(r.Context(), params["device_id"], params["rule_id"], request.EnabledState)
		if err != nil {
			fail(w, r, 5205, err)
			return
		}
		respond(w, http.StatusOK, rule)
	}).Methods(http.MethodOptions, http.MethodPut)
}

func (a *API) listRules(w http.ResponseWriter, r *http.Request) {
	req, err := datatables.ParseRequest(r)
	if err == nil {
		err = req.Validate()
	}
	if err != nil {
		respond(w, http.StatusBadRequest, datatables.ErrorResponse(req, err.Error()))
		return
	}
	all, err := a.rules.GetAllRules(r.Context())
	if err != nil {
		fail(w, r, 5206, err)
		return
	}
	search := strings.ToLower(strings.TrimSpace(req.Search.Value))
	matching := make([]rules.DeviceRule, 0, len(all))
	for _, rule := range all {
		if search == "" ||
			strings.Contains(strings.ToLower(rule.DeviceID), search) ||
			strings.Contains(strings.ToLower(rule.DataField), search) ||
			strings.Contains(strings.ToLower(rule.RuleOutput), search) {
			matching = append(matching, rule)
		}
	}
	req.Sort(len(matching), func(i, j int) { matching[i], matching[j] = matching[j], matching[i] },
		func(column string, i, j int) bool {
			x, y := matching[i], matching[j]
			switch column {
			case "dataField":
				return x.DataField < y.DataField
			case "threshold":
				return x.Threshold < y.Threshold
			case "ruleOutput":
				return x.RuleOutput < y.RuleOutput
			case "enabledState":
				return !x.EnabledState && y.EnabledState
			}
			return x.DeviceID < y.DeviceID
		})
	from, to := req.Window(len(matching))
	respond(w, http.StatusOK, datatables.NewResponse(req, matching[from:to], len(all), len(matching)))
}

func (a *API) saveRule(w http.ResponseWriter, r *http.Request) {
	var model RuleModel
	if !decode(w, r, &model) {
		return
	}
	if _, err := a.devices.GetDevice(r.Context(), model.DeviceID); err != nil {
		fail(w, r, 5207, err)
		return
	}
	saved, err := a.rules.SaveDeviceRule(r.Context(), rules.DeviceRule{
		RuleID:       model.RuleID,
		DeviceID:     model.DeviceID,
		DataField:    model.DataField,
		Operator:     model.Operator,
		Threshold:    float64(model.Threshold),
		RuleOutput:   model.RuleOutput,
		EnabledState: model.EnabledState,
		ETag:         model.ETag,
	})
	if (errors.Is(err, rules.ErrConflict) || errors.Is(err, rules.ErrDuplicate)) && saved != nil {
		conflict(w, r, 5208, err, saved)
		return
	}
	if err != nil {
		fail(w, r, 5208, err)
		return
	}
	respond(w, http.StatusOK, saved)
}

// availableFields returns the data fields of the device which a rule can still use.
// The ruleId query parameter keeps the field of the edited rule available.
func (a *API) availableFields(w http.ResponseWriter, r *http.Request) {
	device, err := a.devices.GetDevice(r.Context(), mux.Vars(r)["device_id"])
	if err != nil {
		fail(w, r, 5209, err)
		return
	}
	fields := make([]string, 0, len(device.Telemetry))
	for _, field := range device.Telemetry {
		fields = append(fields, field.Name)
	}
	available, err := a.rules.GetAvailableFields(r.Context(), device.ID(), r.URL.Query().Get("ruleId"), fields)
	if err != nil {
		fail(w, r, 5209, err)
		return
	}
	respond(w, http.StatusOK, available)
}
