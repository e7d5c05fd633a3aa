package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/relabs-tech/devicemanager/core/access"
	"github.com/relabs-tech/devicemanager/core/docstore"
	"github.com/relabs-tech/devicemanager/core/logger"
	"github.com/relabs-tech/devicemanager/iot/devices"
	"github.com/relabs-tech/devicemanager/iot/filters"
	"github.com/relabs-tech/devicemanager/iot/identity"
	"github.com/relabs-tech/devicemanager/iot/twin"
	"github.com/relabs-tech/devicemanager/portal/datatables"
)

// AddDeviceRequest is the body of POST /devices. A device type from the catalogue
// takes precedence over a device document.
type AddDeviceRequest struct {
	DeviceID   string          `json:"deviceId"`
	DeviceType string          `json:"deviceType,omitempty"`
	Device     *devices.Device `json:"device,omitempty"`
}

// AddDeviceResponse is the answer of POST /devices. The keys are shown only once.
type AddDeviceResponse struct {
	Device devices.Device `json:"device"`
	ETag   string         `json:"etag"`
	Keys   *identity.Keys `json:"keys"`
}

// DeviceResponse is a device together with its etag
type DeviceResponse struct {
	devices.Device
	ETag string `json:"etag"`
}

// TwinResponse is a twin or a twin section together with the device etag
type TwinResponse struct {
	DeviceID   string          `json:"deviceId"`
	ETag       string          `json:"etag"`
	Twin       *twin.Twin      `json:"twin,omitempty"`
	Properties twin.Properties `json:"properties,omitempty"`
}

// EnabledStatusRequest is the body of PUT /devices/{device_id}/enabledstatus
type EnabledStatusRequest struct {
	IsEnabled bool `json:"isEnabled"`
}

// MaxSampleDevices is the maximum number of sample devices per type added at once
const MaxSampleDevices = 100

func newDeviceResponse(device *devices.Device) DeviceResponse {
	return DeviceResponse{Device: *device, ETag: device.ETag}
}

func (a *API) handleDeviceRoutes(router *mux.Router) {
	logger.Default().Debugln("devices")
	logger.Default().Debugln("  handle route: /devices/list POST")
	logger.Default().Debugln("  handle route: /devices POST")
	logger.Default().Debugln("  handle route: /devices/sample/{count} POST")
	logger.Default().Debugln("  handle route: /devices/{device_id} GET,PUT,DELETE")
	logger.Default().Debugln("  handle route: /devices/{device_id}/enabledstatus PUT")
	logger.Default().Debugln("  handle route: /devices/{device_id}/keys GET")
	logger.Default().Debugln("  handle route: /devices/{device_id}/certificate POST")
	logger.Default().Debugln("  handle route: /devices/{device_id}/commands/{command} POST")
	logger.Default().Debugln("  handle route: /devices/{device_id}/methods/{method} POST")
	logger.Default().Debugln("  handle route: /devices/{device_id}/twin GET")
	logger.Default().Debugln("  handle route: /devices/{device_id}/twin/tags GET,PUT")
	logger.Default().Debugln("  handle route: /devices/{device_id}/twin/desired GET,PUT")
	logger.Default().Debugln("  handle route: /devicetypes GET")

	router.HandleFunc("/devices/list", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !access.RequirePermission(w, r, access.ViewDevices) {
			return
		}
		a.listDevices(w, r)
	}).Methods(http.MethodOptions, http.MethodPost)

	router.HandleFunc("/devices", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !access.RequirePermission(w, r, access.AddDevices) {
			return
		}
		a.addDevice(w, r)
	}).Methods(http.MethodOptions, http.MethodPost)

	router.HandleFunc("/devices/sample/{count}", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !access.RequirePermission(w, r, access.AddDevices) {
			return
		}
		a.addSampleDevices(w, r)
	}).Methods(http.MethodOptions, http.MethodPost)

	router.HandleFunc("/devices/{device_id}", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !access.RequirePermission(w, r, access.ViewDevices) {
			return
		}
		device, err := a.devices.GetDevice(r.Context(), mux.Vars(r)["device_id"])
		if err != nil {
			fail(w, r, 5101, err)
			return
		}
		w.Header().Set("ETag", device.ETag)
		respond(w, http.StatusOK, newDeviceResponse(device))
	}).Methods(http.MethodOptions, http.MethodGet)

	router.HandleFunc("/devices/{device_id}", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !access.RequirePermission(w, r, access.EditDeviceMetadata) {
			return
		}
		a.updateDevice(w, r)
	}).Methods(http.MethodOptions, http.MethodPut)

	router.HandleFunc("/devices/{device_id}", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !access.RequirePermission(w, r, access.RemoveDevices) {
			return
		}
		a.removeDevice(w, r)
	}).Methods(http.MethodOptions, http.MethodDelete)

	router.HandleFunc("/devices/{device_id}/enabledstatus", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !access.RequirePermission(w, r, access.DisableEnableDevices) {
			return
		}
		var request EnabledStatusRequest
		if !decode(w, r, &request) {
			return
		}
		device, err := a.devices.UpdateDeviceEnabledStatus(r.Context(), mux.Vars(r)["device_id"], request.IsEnabled)
		if err != nil {
			fail(w, r, 5106, err)
			return
		}
		respond(w, http.StatusOK, newDeviceResponse(device))
	}).Methods(http.MethodOptions, http.MethodPut)

	router.HandleFunc("/devices/{device_id}/keys", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !access.RequirePermission(w, r, access.ViewDeviceSecurityKeys) {
			return
		}
		keys, err := a.devices.GetDeviceKeys(r.Context(), mux.Vars(r)["device_id"])
		if err != nil {
			fail(w, r, 5107, err)
			return
		}
		respond(w, http.StatusOK, keys)
	}).Methods(http.MethodOptions, http.MethodGet)

	router.HandleFunc("/devices/{device_id}/certificate", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !access.RequirePermission(w, r, access.ViewDeviceSecurityKeys) {
			return
		}
		a.issueCertificate(w, r)
	}).Methods(http.MethodOptions, http.MethodPost)

	router.HandleFunc("/devices/{device_id}/commands/{command}", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !access.RequirePermission(w, r, access.SendCommandToDevices) {
			return
		}
		a.sendCommand(w, r)
	}).Methods(http.MethodOptions, http.MethodPost)

	router.HandleFunc("/devices/{device_id}/methods/{method}", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !access.RequirePermission(w, r, access.SendCommandToDevices) {
			return
		}
		a.invokeMethod(w, r)
	}).Methods(http.MethodOptions, http.MethodPost)

	router.HandleFunc("/devices/{device_id}/twin", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !access.RequirePermission(w, r, access.ViewDevices) {
			return
		}
		deviceID := mux.Vars(r)["device_id"]
		t, etag, err := a.devices.GetTwin(r.Context(), deviceID)
		if err != nil {
			fail(w, r, 5111, err)
			return
		}
		w.Header().Set("ETag", etag)
		respond(w, http.StatusOK, TwinResponse{DeviceID: deviceID, ETag: etag, Twin: t})
	}).Methods(http.MethodOptions, http.MethodGet)

	for _, section := range []string{twin.SectionTags, twin.SectionDesired} {
		section := section
		router.HandleFunc("/devices/{device_id}/twin/"+section, func(w http.ResponseWriter, r *http.Request) {
			logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
			if !access.RequirePermission(w, r, access.ViewDevices) {
				return
			}
			a.getTwinSection(w, r, section)
		}).Methods(http.MethodOptions, http.MethodGet)

		router.HandleFunc("/devices/{device_id}/twin/"+section, func(w http.ResponseWriter, r *http.Request) {
			logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
			if !access.RequirePermission(w, r, access.EditDeviceMetadata) {
				return
			}
			a.updateTwinSection(w, r, section)
		}).Methods(http.MethodOptions, http.MethodPut)
	}

	router.HandleFunc("/devicetypes", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !access.RequirePermission(w, r, access.ViewDevices) {
			return
		}
		respond(w, http.StatusOK, devices.GetDeviceTypes())
	}).Methods(http.MethodOptions, http.MethodGet)
}

// deviceQuery returns the base query of a device list request, from a saved filter
// or from ad hoc clauses
func (a *API) deviceQuery(r *http.Request, req *datatables.Request) (docstore.Query, error) {
	if req.FilterID != "" {
		return a.filters.Query(r.Context(), req.FilterID)
	}
	if len(req.Clauses) == 0 || string(req.Clauses) == "null" {
		return docstore.Query{}, nil
	}
	var clauses []filters.Clause
	if err := json.Unmarshal(req.Clauses, &clauses); err != nil {
		return docstore.Query{}, fmt.Errorf("%w: clauses: %v", filters.ErrInvalid, err)
	}
	return filters.Compile(filters.Filter{Clauses: clauses})
}

func (a *API) listDevices(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, err := datatables.ParseRequest(r)
	if err != nil {
		respond(w, http.StatusBadRequest, datatables.ErrorResponse(req, err.Error()))
		return
	}
	base, err := a.deviceQuery(r, req)
	if err != nil {
		if statusOf(err) == http.StatusInternalServerError {
			fail(w, r, 5102, err)
			return
		}
		respond(w, statusOf(err), datatables.ErrorResponse(req, err.Error()))
		return
	}
	query, err := req.ToQuery(base, filters.ColumnPath)
	if err != nil {
		respond(w, http.StatusBadRequest, datatables.ErrorResponse(req, err.Error()))
		return
	}
	list, filtered, err := a.devices.ListDevices(ctx, query)
	if err != nil {
		if errors.Is(err, devices.ErrInvalid) {
			respond(w, http.StatusBadRequest, datatables.ErrorResponse(req, err.Error()))
			return
		}
		fail(w, r, 5103, err)
		return
	}
	_, total, err := a.devices.ListDevices(ctx, docstore.Query{Take: 1})
	if err != nil {
		fail(w, r, 5104, err)
		return
	}
	rows := make([]DeviceResponse, len(list))
	for i := range list {
		rows[i] = newDeviceResponse(&list[i])
	}
	respond(w, http.StatusOK, datatables.NewResponse(req, rows, total, filtered))
}

func (a *API) addDevice(w http.ResponseWriter, r *http.Request) {
	var request AddDeviceRequest
	if !decode(w, r, &request) {
		return
	}
	var device devices.Device
	switch {
	case request.DeviceType != "":
		deviceType, ok := devices.GetDeviceType(request.DeviceType)
		if !ok {
			http.Error(w, fmt.Sprintf("unknown device type '%s'", request.DeviceType), http.StatusBadRequest)
			return
		}
		var err error
		if device, err = deviceType.NewDevice(request.DeviceID); err != nil {
			fail(w, r, 5105, err)
			return
		}
	case request.Device != nil:
		device = *request.Device
		if request.DeviceID != "" {
			device.DeviceProperties.DeviceID = request.DeviceID
		}
	default:
		device.DeviceProperties.DeviceID = request.DeviceID
	}
	added, keys, err := a.devices.AddDevice(r.Context(), device)
	if err != nil {
		fail(w, r, 5105, err)
		return
	}
	respond(w, http.StatusCreated, AddDeviceResponse{Device: *added, ETag: added.ETag, Keys: keys})
}

func (a *API) addSampleDevices(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	count, err := strconv.Atoi(mux.Vars(r)["count"])
	if err != nil || count < 1 || count > MaxSampleDevices {
		http.Error(w, fmt.Sprintf("count must be between 1 and %d", MaxSampleDevices), http.StatusBadRequest)
		return
	}
	added, err := a.devices.GenerateSampleDevices(ctx, count)
	if err != nil {
		fail(w, r, 5112, err)
		return
	}
	if _, err := a.rules.BootstrapDefaultRules(ctx, added); err != nil {
		logger.FromContext(ctx).WithError(err).Errorln("Error 5113: cannot add default rules to sample devices")
	}
	respond(w, http.StatusCreated, added)
}

func (a *API) updateDevice(w http.ResponseWriter, r *http.Request) {
	var model devices.EditModel
	if !decode(w, r, &model) {
		return
	}
	model.DeviceID = mux.Vars(r)["device_id"]
	if match := r.Header.Get("If-Match"); match != "" {
		model.ETag = match
	}
	device, err := a.devices.UpdateDeviceFromEditModel(r.Context(), model)
	if errors.Is(err, devices.ErrConflict) && device != nil {
		conflict(w, r, 5108, err, devices.NewEditModel(device))
		return
	}
	if err != nil {
		fail(w, r, 5108, err)
		return
	}
	w.Header().Set("ETag", device.ETag)
	respond(w, http.StatusOK, newDeviceResponse(device))
}

// removeDevice removes the device together with its rules and alert history
func (a *API) removeDevice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rlog := logger.FromContext(ctx)
	deviceID := mux.Vars(r)["device_id"]
	if err := a.devices.RemoveDevice(ctx, deviceID); err != nil {
		fail(w, r, 5109, err)
		return
	}
	if err := a.rules.DeleteAllRulesForDevice(ctx, deviceID); err != nil {
		rlog.WithError(err).Errorln("Error 5110: cannot delete rules of removed device", deviceID)
	}
	if err := a.telemetry.DeleteDeviceAlerts(ctx, deviceID); err != nil {
		rlog.WithError(err).Errorln("Error 5110: cannot delete alerts of removed device", deviceID)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) issueCertificate(w http.ResponseWriter, r *http.Request) {
	if a.credentials == nil {
		http.Error(w, "no certificate authority configured", http.StatusNotImplemented)
		return
	}
	device, err := a.devices.GetDevice(r.Context(), mux.Vars(r)["device_id"])
	if err != nil {
		fail(w, r, 5114, err)
		return
	}
	credentials, err := a.credentials.Issue(device.ID())
	if err != nil {
		fail(w, r, 5115, err)
		return
	}
	logger.FromContext(r.Context()).Infoln("issued certificate for", device.ID(), "valid until", credentials.NotAfter)
	respond(w, http.StatusCreated, credentials)
}

func (a *API) sendCommand(w http.ResponseWriter, r *http.Request) {
	params := mux.Vars(r)
	parameters := map[string]interface{}{}
	if r.ContentLength != 0 && !decode(w, r, &parameters) {
		return
	}
	item, err := a.devices.SendCommand(r.Context(), params["device_id"], params["command"], parameters)
	if err != nil && item != nil {
		// the command was recorded but could not be delivered
		logger.FromContext(r.Context()).WithError(err).Warnln("Error 5116: command not delivered")
		respond(w, http.StatusAccepted, item)
		return
	}
	if err != nil {
		fail(w, r, 5116, err)
		return
	}
	respond(w, http.StatusOK, item)
}

func (a *API) invokeMethod(w http.ResponseWriter, r *http.Request) {
	params := mux.Vars(r)
	timeoutSeconds, ok := intParameter(w, r, "timeout", 0)
	if !ok {
		return
	}
	var payload json.RawMessage
	if r.ContentLength != 0 && !decode(w, r, &payload) {
		return
	}
	response, err := a.devices.InvokeMethod(r.Context(), params["device_id"], params["method"], payload,
		time.Duration(timeoutSeconds)*time.Second)
	if err != nil {
		fail(w, r, 5117, err)
		return
	}
	respond(w, http.StatusOK, response)
}

func (a *API) getTwinSection(w http.ResponseWriter, r *http.Request, section string) {
	deviceID := mux.Vars(r)["device_id"]
	t, etag, err := a.devices.GetTwin(r.Context(), deviceID)
	if err != nil {
		fail(w, r, 5118, err)
		return
	}
	properties, err := t.Section(section)
	if err != nil {
		fail(w, r, 5118, err)
		return
	}
	w.Header().Set("ETag", etag)
	respond(w, http.StatusOK, TwinResponse{DeviceID: deviceID, ETag: etag, Properties: properties})
}

// updateTwinSection applies a merge patch. The If-Match header or the etag query
// parameter make the update conditional.
func (a *API) updateTwinSection(w http.ResponseWriter, r *http.Request, section string) {
	deviceID := mux.Vars(r)["device_id"]
	var patch twin.Properties
	if !decode(w, r, &patch) {
		return
	}
	etag := r.Header.Get("If-Match")
	if etag == "" {
		etag = r.URL.Query().Get("etag")
	}
	var device *devices.Device
	var err error
	if section == twin.SectionTags {
		device, err = a.devices.UpdateTwinTags(r.Context(), deviceID, etag, patch)
	} else {
		device, err = a.devices.UpdateTwinDesired(r.Context(), deviceID, etag, patch)
	}
	if err != nil {
		if errors.Is(err, devices.ErrConflict) && device != nil {
			current, _ := device.Twin.Section(section)
			conflict(w, r, 5119, err, TwinResponse{DeviceID: deviceID, ETag: device.ETag, Properties: current})
			return
		}
		fail(w, r, 5119, err)
		return
	}
	properties, _ := device.Twin.Section(section)
	w.Header().Set("ETag", device.ETag)
	respond(w, http.StatusOK, TwinResponse{DeviceID: deviceID, ETag: device.ETag, Properties: properties})
}
