/*Package web renders the server side pages of the portal.

The pages read through the same logic as the WebAPI. Interactive parts of the
pages, the device grid and the editors, call the WebAPI under /api/v1.

	/                   dashboard with alerts and device locations
	/devices            device list
	/devices/{id}       device details with twin, commands and telemetry
	/rules              device rules
	/actions            rule output to action mappings
	/jobs               device jobs
*/
package web

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/relabs-tech/devicemanager/core/access"
	"github.com/relabs-tech/devicemanager/core/docstore"
	"github.com/relabs-tech/devicemanager/core/logger"
	"github.com/relabs-tech/devicemanager/core/registry"
	"github.com/relabs-tech/devicemanager/iot/actions"
	"github.com/relabs-tech/devicemanager/iot/devicejobs"
	"github.com/relabs-tech/devicemanager/iot/devices"
	"github.com/relabs-tech/devicemanager/iot/rules"
	"github.com/relabs-tech/devicemanager/iot/telemetry"
	"github.com/relabs-tech/devicemanager/portal/api"
)

//go:embed templates
var templatesFS embed.FS

// DefaultTitle is the portal title unless the portalTitle setting says otherwise
const DefaultTitle = "Device Manager"

// PageSize is the number of devices on a page of the device list
const PageSize = 50

var pages = []string{"dashboard", "devices", "device", "rules", "actions", "jobs"}

// Builder is a builder helper for the web pages
type Builder struct {
	// Router is the router the pages are added to. This is mandatory.
	Router *mux.Router
	// Devices, Rules, Actions, Telemetry and Jobs are mandatory.
	Devices   *devices.Logic
	Rules     *rules.Logic
	Actions   *actions.Logic
	Telemetry *telemetry.Logic
	Jobs      *devicejobs.Logic
	// Registry holds the portal settings. Without registry the defaults apply.
	Registry *registry.Registry
}

// Web serves the portal pages
type Web struct {
	devices   *devices.Logic
	rules     *rules.Logic
	actions   *actions.Logic
	telemetry *telemetry.Logic
	jobs      *devicejobs.Logic
	settings  *registry.Accessor
	templates map[string]*template.Template
}

var funcs = template.FuncMap{
	"json": func(v interface{}) string {
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return err.Error()
		}
		return string(data)
	},
	"time": func(t time.Time) string {
		if t.IsZero() {
			return ""
		}
		return t.UTC().Format("2006-01-02 15:04:05")
	},
	"timeptr": func(t *time.Time) string {
		if t == nil {
			return ""
		}
		return t.UTC().Format("2006-01-02 15:04:05")
	},
	"enabled": func(d devices.Device) bool {
		return d.Enabled()
	},
	"add": func(a, b int) int { return a + b },
}

// New creates the pages and adds their routes to the router
func New(b *Builder) *Web {
	if b.Router == nil {
		panic("router missing")
	}
	if b.Devices == nil || b.Rules == nil || b.Actions == nil || b.Telemetry == nil || b.Jobs == nil {
		panic("logic missing")
	}
	w := &Web{
		devices:   b.Devices,
		rules:     b.Rules,
		actions:   b.Actions,
		telemetry: b.Telemetry,
		jobs:      b.Jobs,
		templates: map[string]*template.Template{},
	}
	if b.Registry != nil {
		settings := b.Registry.Accessor(api.SettingsPrefix)
		w.settings = &settings
	}
	for _, page := range pages {
		w.templates[page] = template.Must(template.New(page).Funcs(funcs).ParseFS(templatesFS,
			"templates/layout.html", "templates/"+page+".html"))
	}
	w.handleRoutes(b.Router)
	return w
}

// page is the data every template receives
type page struct {
	Title     string
	Active    string
	MapAPIKey string
	Data      interface{}
}

func (w *Web) handleRoutes(router *mux.Router) {
	logger.Default().Debugln("web pages")
	logger.Default().Debugln("  handle route: / GET")
	logger.Default().Debugln("  handle route: /devices GET")
	logger.Default().Debugln("  handle route: /devices/{device_id} GET")
	logger.Default().Debugln("  handle route: /rules GET")
	logger.Default().Debugln("  handle route: /actions GET")
	logger.Default().Debugln("  handle route: /jobs GET")

	router.HandleFunc("/", func(rw http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !access.RequirePermission(rw, r, access.ViewTelemetry) {
			return
		}
		w.dashboard(rw, r)
	}).Methods(http.MethodGet)

	router.HandleFunc("/devices", func(rw http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !access.RequirePermission(rw, r, access.ViewDevices) {
			return
		}
		w.deviceList(rw, r)
	}).Methods(http.MethodGet)

	router.HandleFunc("/devices/{device_id}", func(rw http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !access.RequirePermission(rw, r, access.ViewDevices) {
			return
		}
		w.deviceDetails(rw, r)
	}).Methods(http.MethodGet)

	router.HandleFunc("/rules", func(rw http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !access.RequirePermission(rw, r, access.ViewRules) {
			return
		}
		list, err := w.rules.GetAllRules(r.Context())
		if err != nil {
			w.fail(rw, r, 5804, err)
			return
		}
		sort.SliceStable(list, func(i, j int) bool {
			if list[i].DeviceID != list[j].DeviceID {
				return list[i].DeviceID < list[j].DeviceID
			}
			return list[i].DataField < list[j].DataField
		})
		w.render(rw, r, "rules", list)
	}).Methods(http.MethodGet)

	router.HandleFunc("/actions", func(rw http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !access.RequirePermission(rw, r, access.ViewActions) {
			return
		}
		w.actionList(rw, r)
	}).Methods(http.MethodGet)

	router.HandleFunc("/jobs", func(rw http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !access.RequirePermission(rw, r, access.ViewJobs) {
			return
		}
		list, err := w.jobs.ListJobs(r.Context())
		if err != nil {
			w.fail(rw, r, 5806, err)
			return
		}
		w.render(rw, r, "jobs", list)
	}).Methods(http.MethodGet)
}

// setting reads a string setting, def if it is not set or cannot be read
func (w *Web) setting(ctx context.Context, key, def string) string {
	if w.settings == nil {
		return def
	}
	var value string
	timestamp, err := w.settings.Read(ctx, key, &value)
	if err != nil {
		logger.FromContext(ctx).WithError(err).Warnln("cannot read setting", key)
		return def
	}
	if timestamp.IsZero() || value == "" {
		return def
	}
	return value
}

// render executes a page into a buffer first, so that template errors do not
// produce half written pages
func (w *Web) render(rw http.ResponseWriter, r *http.Request, name string, data interface{}) {
	ctx := r.Context()
	var buffer bytes.Buffer
	err := w.templates[name].ExecuteTemplate(&buffer, "layout", page{
		Title:     w.setting(ctx, api.SettingPortalTitle, DefaultTitle),
		Active:    name,
		MapAPIKey: w.setting(ctx, api.SettingMapAPIKey, ""),
		Data:      data,
	})
	if err != nil {
		w.fail(rw, r, 5800, err)
		return
	}
	rw.Header().Set("Content-Type", "text/html; charset=utf-8")
	rw.Write(buffer.Bytes())
}

func (w *Web) fail(rw http.ResponseWriter, r *http.Request, number int, err error) {
	rlog := logger.FromContext(r.Context())
	if errors.Is(err, devices.ErrNotFound) {
		rlog.WithError(err).Infof("Error %d: not found", number)
		http.Error(rw, fmt.Sprintf("Error %d: %s", number, err.Error()), http.StatusNotFound)
		return
	}
	rlog.WithError(err).Errorf("Error %d: internal error", number)
	http.Error(rw, fmt.Sprintf("Error %d: ", number), http.StatusInternalServerError)
}

// dashboardData is the data of the dashboard page
type dashboardData struct {
	Alerts    []telemetry.AlertHistoryItem
	Locations []telemetry.DeviceLocation
	Since     time.Time
}

func (w *Web) dashboard(rw http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	window := telemetry.DefaultAlertsLookback
	if text := w.setting(ctx, api.SettingAlertsWindow, ""); text != "" {
		if d, err := time.ParseDuration(text); err == nil && d > 0 {
			window = d
		} else {
			logger.FromContext(ctx).Warnln("ignoring invalid alerts window", text)
		}
	}
	since := time.Now().UTC().Add(-window)
	alerts, err := w.telemetry.LatestAlerts(ctx, telemetry.DashboardAlertsLimit, since)
	if err != nil {
		w.fail(rw, r, 5801, err)
		return
	}
	locations, err := w.telemetry.DeviceLocations(ctx)
	if err != nil {
		w.fail(rw, r, 5801, err)
		return
	}
	w.render(rw, r, "dashboard", dashboardData{Alerts: alerts, Locations: locations, Since: since})
}

// deviceListData is the data of the device list page
type deviceListData struct {
	Devices  []devices.Device
	Search   string
	Page     int
	Total    int
	Previous int
	Next     int
}

func (w *Web) deviceList(rw http.ResponseWriter, r *http.Request) {
	search := r.URL.Query().Get("search")
	pageNumber := 1
	if s := r.URL.Query().Get("page"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			http.Error(rw, "invalid page", http.StatusBadRequest)
			return
		}
		pageNumber = n
	}
	list, total, err := w.devices.ListDevices(r.Context(), docstore.Query{
		Search:  search,
		OrderBy: "deviceProperties.deviceID",
		Skip:    (pageNumber - 1) * PageSize,
		Take:    PageSize,
	})
	if err != nil {
		w.fail(rw, r, 5802, err)
		return
	}
	data := deviceListData{Devices: list, Search: search, Page: pageNumber, Total: total}
	if pageNumber > 1 {
		data.Previous = pageNumber - 1
	}
	if pageNumber*PageSize < total {
		data.Next = pageNumber + 1
	}
	w.render(rw, r, "devices", data)
}

// deviceData is the data of the device details page
type deviceData struct {
	Device *devices.Device
	Rules  []rules.DeviceRule
	Pane   *telemetry.DashboardPane
}

func (w *Web) deviceDetails(rw http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	deviceID := mux.Vars(r)["device_id"]
	device, err := w.devices.GetDevice(ctx, deviceID)
	if err != nil {
		w.fail(rw, r, 5803, err)
		return
	}
	all, err := w.rules.GetAllRules(ctx)
	if err != nil {
		w.fail(rw, r, 5803, err)
		return
	}
	var deviceRules []rules.DeviceRule
	for _, rule := range all {
		if rule.DeviceID == deviceID {
			deviceRules = append(deviceRules, rule)
		}
	}
	pane, err := w.telemetry.DashboardPane(ctx, deviceID)
	if err != nil {
		w.fail(rw, r, 5803, err)
		return
	}
	w.render(rw, r, "device", deviceData{Device: device, Rules: deviceRules, Pane: pane})
}

// actionsData is the data of the actions page
type actionsData struct {
	Actions  []actions.Action
	Mappings []actions.ActionMappingExtended
}

func (w *Web) actionList(rw http.ResponseWriter, r *http.Request) {
	all, err := w.actions.GetAllActions(r.Context())
	if err != nil {
		w.fail(rw, r, 5805, err)
		return
	}
	mappings, err := w.actions.GetMappingsExtended(r.Context())
	if err != nil {
		w.fail(rw, r, 5805, err)
		return
	}
	w.render(rw, r, "actions", actionsData{Actions: all, Mappings: mappings})
}
