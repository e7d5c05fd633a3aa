package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/relabs-tech/devicemanager/core/access"
	"github.com/relabs-tech/devicemanager/core/jobs"
	"github.com/relabs-tech/devicemanager/core/logger"
	"github.com/relabs-tech/devicemanager/core/metrics"
	"github.com/relabs-tech/devicemanager/core/registry"
	"github.com/relabs-tech/devicemanager/core/tablestore"
	"github.com/relabs-tech/devicemanager/iot/actions"
	"github.com/relabs-tech/devicemanager/iot/credentials"
	"github.com/relabs-tech/devicemanager/iot/devicejobs"
	"github.com/relabs-tech/devicemanager/iot/devices"
	"github.com/relabs-tech/devicemanager/iot/filters"
	"github.com/relabs-tech/devicemanager/iot/rules"
	"github.com/relabs-tech/devicemanager/iot/telemetry"
)

// Prefix is the path prefix of the WebAPI
const Prefix = "/api/v1"

// API is the WebAPI of the portal
type API struct {
	router      *mux.Router
	devices     *devices.Logic
	filters     *filters.Store
	rules       *rules.Logic
	actions     *actions.Logic
	telemetry   *telemetry.Logic
	jobs        *devicejobs.Logic
	credentials *credentials.Issuer
	settings    registry.Accessor
	queue       jobs.Processor
	metrics     *metrics.Metrics

	authorizationEnabled bool
}

// Builder is a builder helper for the API
type Builder struct {
	// Router is the router the /api/v1 routes are added to. This is mandatory.
	Router *mux.Router
	// Devices is the device logic. This is mandatory.
	Devices *devices.Logic
	// Filters is the filter store. This is mandatory.
	Filters *filters.Store
	// Rules is the rule logic. This is mandatory.
	Rules *rules.Logic
	// Actions is the action logic. This is mandatory.
	Actions *actions.Logic
	// Telemetry is the telemetry logic. This is mandatory.
	Telemetry *telemetry.Logic
	// Jobs is the device job logic. This is mandatory.
	Jobs *devicejobs.Logic
	// Registry holds the portal settings. This is mandatory.
	Registry *registry.Registry
	// Credentials issues device certificates. Without issuer the certificate
	// route answers 501.
	Credentials *credentials.Issuer
	// Queue adds the health routes of the job queue
	Queue jobs.Processor
	// Metrics adds the /metrics route and request metrics
	Metrics *metrics.Metrics
	// AuthorizationEnabled restricts the version route to admins
	AuthorizationEnabled bool
}

// New creates the API and adds its routes below Prefix
func New(b *Builder) *API {
	if b.Router == nil {
		panic("Router is missing")
	}
	if b.Devices == nil {
		panic("Devices is missing")
	}
	if b.Filters == nil {
		panic("Filters is missing")
	}
	if b.Rules == nil {
		panic("Rules is missing")
	}
	if b.Actions == nil {
		panic("Actions is missing")
	}
	if b.Telemetry == nil {
		panic("Telemetry is missing")
	}
	if b.Jobs == nil {
		panic("Jobs is missing")
	}
	if b.Registry == nil {
		panic("Registry is missing")
	}
	a := &API{
		router:               b.Router.PathPrefix(Prefix).Subrouter(),
		devices:              b.Devices,
		filters:              b.Filters,
		rules:                b.Rules,
		actions:              b.Actions,
		telemetry:            b.Telemetry,
		jobs:                 b.Jobs,
		credentials:          b.Credentials,
		settings:             b.Registry.Accessor(SettingsPrefix),
		queue:                b.Queue,
		metrics:              b.Metrics,
		authorizationEnabled: b.AuthorizationEnabled,
	}
	if a.metrics != nil {
		a.router.Use(a.metrics.Middleware())
		a.metrics.HandleRoute(b.Router)
	}
	access.HandleAuthorizationRoute(a.router)
	if a.queue != nil {
		jobs.HandleRoutes(a.router, a.queue)
	}
	a.handleVersion(a.router)
	a.handleDeviceRoutes(a.router)
	a.handleRuleRoutes(a.router)
	a.handleActionRoutes(a.router)
	a.handleJobRoutes(a.router)
	a.handleFilterRoutes(a.router)
	a.handleTelemetryRoutes(a.router)
	a.handleSettingsRoutes(a.router)
	return a
}

// Router returns the subrouter of the API
func (a *API) Router() *mux.Router {
	return a.router
}

// statusOf maps the errors of the logic packages to http status codes
func statusOf(err error) int {
	switch {
	case errors.Is(err, devices.ErrNotFound), errors.Is(err, rules.ErrNotFound),
		errors.Is(err, actions.ErrNotFound), errors.Is(err, devicejobs.ErrNotFound),
		errors.Is(err, filters.ErrNotFound), errors.Is(err, telemetry.ErrUnknownDevice):
		return http.StatusNotFound
	case errors.Is(err, devices.ErrInvalid), errors.Is(err, rules.ErrInvalid),
		errors.Is(err, actions.ErrInvalid), errors.Is(err, devicejobs.ErrInvalid),
		errors.Is(err, filters.ErrInvalid), errors.Is(err, telemetry.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, devices.ErrExists), errors.Is(err, devices.ErrConflict),
		errors.Is(err, devices.ErrDisabled), errors.Is(err, rules.ErrConflict),
		errors.Is(err, rules.ErrDuplicate), errors.Is(err, actions.ErrConflict),
		errors.Is(err, devicejobs.ErrFinished), errors.Is(err, filters.ErrDuplicateName),
		errors.Is(err, filters.ErrReadOnly), errors.Is(err, tablestore.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, devices.ErrOffline):
		return http.StatusServiceUnavailable
	case errors.Is(err, devices.ErrTimeout):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// fail answers with the numbered error. Internal errors are logged with their details
// and not disclosed.
func fail(w http.ResponseWriter, r *http.Request, number int, err error) {
	rlog := logger.FromContext(r.Context())
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		rlog.WithError(err).Errorf("Error %d: internal error", number)
		http.Error(w, fmt.Sprintf("Error %d: ", number), status)
		return
	}
	rlog.WithError(err).Infof("Error %d: status %d", number, status)
	http.Error(w, fmt.Sprintf("Error %d: %s", number, err.Error()), status)
}

// conflict answers with the current version of an object
func conflict(w http.ResponseWriter, r *http.Request, number int, err error, current interface{}) {
	logger.FromContext(r.Context()).WithError(err).Infof("Error %d: conflict", number)
	respond(w, http.StatusConflict, current)
}

func respond(w http.ResponseWriter, status int, v interface{}) {
	jsonData, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "cannot marshal response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(jsonData)
}

// decode reads the JSON request body into v
func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		http.Error(w, "invalid json data: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

// intParameter returns an optional integer query parameter
func intParameter(w http.ResponseWriter, r *http.Request, name string, defaultValue int) (int, bool) {
	value := r.URL.Query().Get(name)
	if value == "" {
		return defaultValue, true
	}
	i, err := strconv.Atoi(value)
	if err != nil || i < 0 {
		http.Error(w, fmt.Sprintf("parameter '%s': must be a positive number", name), http.StatusBadRequest)
		return 0, false
	}
	return i, true
}
