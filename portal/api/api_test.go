// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/relabs-tech/devicemanager/core/access"
	"github.com/relabs-tech/devicemanager/core/blobstore"
	"github.com/relabs-tech/devicemanager/core/client"
	"github.com/relabs-tech/devicemanager/core/docstore"
	"github.com/relabs-tech/devicemanager/core/jobs"
	"github.com/relabs-tech/devicemanager/core/metrics"
	"github.com/relabs-tech/devicemanager/core/registry"
	"github.com/relabs-tech/devicemanager/core/tablestore"
	"github.com/relabs-tech/devicemanager/iot/actions"
	"github.com/relabs-tech/devicemanager/iot/devicejobs"
	"github.com/relabs-tech/devicemanager/iot/devices"
	"github.com/relabs-tech/devicemanager/iot/filters"
	"github.com/relabs-tech/devicemanager/iot/identity"
	"github.com/relabs-tech/devicemanager/iot/rules"
	"github.com/relabs-tech/devicemanager/iot/telemetry"
	"github.com/relabs-tech/devicemanager/portal/datatables"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	router    *mux.Router
	client    client.Client
	queue     *jobs.Memory
	devices   *devices.Logic
	rules     *rules.Logic
	telemetry *telemetry.Logic
}

func newFixture(t *testing.T) *fixture {
	filterStore := filters.New(&filters.Builder{
		Documents:   docstore.NewMemory(filters.Collection),
		Names:       tablestore.NewMemory(filters.NamesTableName),
		Suggestions: tablestore.NewMemory(filters.SuggestionsTableName),
	})
	deviceLogic := devices.New(&devices.Builder{
		Identities: identity.New(tablestore.NewMemory(identity.TableName)),
		Documents:  docstore.NewMemory(devices.Collection),
		Names:      filterStore,
	})
	blobs, err := blobstore.NewLocalFilesystem(nil, t.TempDir(), url.URL{Scheme: "http", Host: "localhost"}, nil)
	require.NoError(t, err)
	ruleLogic := rules.New(&rules.Builder{Table: tablestore.NewMemory(rules.TableName), Blobs: blobs})
	actionLogic := actions.New(&actions.Builder{
		Table: tablestore.NewMemory(actions.TableName),
		Blobs: blobs,
		Rules: ruleLogic,
	})
	queue := jobs.NewMemory(2)
	actionLogic.HandleJobs(queue)
	telemetryLogic := telemetry.New(&telemetry.Builder{
		Store:   telemetry.NewMemory(),
		Alerts:  tablestore.NewMemory(telemetry.AlertsTableName),
		Devices: deviceLogic,
		Rules:   ruleLogic,
		Actions: actionLogic,
		Queue:   queue,
	})
	jobLogic := devicejobs.New(&devicejobs.Builder{
		Jobs:          tablestore.NewMemory(devicejobs.JobsTableName),
		Results:       tablestore.NewMemory(devicejobs.ResultsTableName),
		Devices:       deviceLogic,
		Filters:       filterStore,
		Queue:         queue,
		Concurrency:   2,
		RatePerSecond: 1000,
	})
	settings := registry.New(tablestore.NewMemory(registry.TableName))

	router := mux.NewRouter()
	New(&Builder{
		Router:    router,
		Devices:   deviceLogic,
		Filters:   filterStore,
		Rules:     ruleLogic,
		Actions:   actionLogic,
		Telemetry: telemetryLogic,
		Jobs:      jobLogic,
		Registry:  &settings,
		Queue:     queue,
		Metrics:   metrics.New(),
	})
	return &fixture{
		router:    router,
		client:    client.NewWithRouter(router).WithAdminAuthorization(),
		queue:     queue,
		devices:   deviceLogic,
		rules:     ruleLogic,
		telemetry: telemetryLogic,
	}
}

func (f *fixture) addDevice(t *testing.T, deviceID string) AddDeviceResponse {
	var added AddDeviceResponse
	status, err := f.client.RawPost(Prefix+"/devices", AddDeviceRequest{DeviceID: deviceID, DeviceType: "cooling"}, &added)
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, status)
	return added
}

func TestDevices(t *testing.T) {
	f := newFixture(t)

	added := f.addDevice(t, "dev-1")
	assert.Equal(t, "dev-1", added.Device.ID())
	require.NotNil(t, added.Keys)
	assert.NotEmpty(t, added.Keys.PrimaryKey)
	assert.NotEmpty(t, added.ETag)

	status, err := f.client.RawPost(Prefix+"/devices", AddDeviceRequest{DeviceID: "dev-1", DeviceType: "cooling"}, nil)
	assert.Error(t, err)
	assert.Equal(t, http.StatusConflict, status)
	status, _ = f.client.RawPost(Prefix+"/devices", AddDeviceRequest{DeviceID: "no spaces"}, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = f.client.RawPost(Prefix+"/devices", AddDeviceRequest{DeviceID: "dev-x", DeviceType: "toaster"}, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	var device DeviceResponse
	_, err = f.client.RawGet(Prefix+"/devices/dev-1", &device)
	require.NoError(t, err)
	assert.Equal(t, added.ETag, device.ETag)

	status, _ = f.client.RawGet(Prefix+"/devices/unknown", nil)
	assert.Equal(t, http.StatusNotFound, status)

	// edit model with the current and with a stale etag
	model := devices.NewEditModel(&device.Device)
	model.ETag = device.ETag
	model.Manufacturer = "Contoso"
	var updated DeviceResponse
	_, err = f.client.RawPut(Prefix+"/devices/dev-1", model, &updated)
	require.NoError(t, err)
	assert.Equal(t, "Contoso", updated.DeviceProperties.Manufacturer)
	assert.NotEqual(t, device.ETag, updated.ETag)

	model.Manufacturer = "Fabrikam"
	var current devices.EditModel
	status, err = f.client.RawPut(Prefix+"/devices/dev-1", model, &current)
	assert.Error(t, err)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "Contoso", current.Manufacturer, "a conflict returns the stored values")

	var keys identity.Keys
	_, err = f.client.RawGet(Prefix+"/devices/dev-1/keys", &keys)
	require.NoError(t, err)
	assert.Equal(t, added.Keys.PrimaryKey, keys.PrimaryKey)

	var disabled DeviceResponse
	_, err = f.client.RawPut(Prefix+"/devices/dev-1/enabledstatus", EnabledStatusRequest{IsEnabled: false}, &disabled)
	require.NoError(t, err)
	assert.False(t, disabled.Enabled())
	status, _ = f.client.RawPost(Prefix+"/devices/dev-1/commands/PingDevice", map[string]interface{}{}, nil)
	assert.Equal(t, http.StatusConflict, status, "disabled devices take no commands")
	_, err = f.client.RawPut(Prefix+"/devices/dev-1/enabledstatus", EnabledStatusRequest{IsEnabled: true}, nil)
	require.NoError(t, err)

	var item devices.CommandHistoryItem
	_, err = f.client.RawPost(Prefix+"/devices/dev-1/commands/PingDevice", map[string]interface{}{}, &item)
	require.NoError(t, err)
	assert.Equal(t, "PingDevice", item.Name)
	status, _ = f.client.RawPost(Prefix+"/devices/dev-1/commands/SelfDestruct", map[string]interface{}{}, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = f.client.RawPost(Prefix+"/devices/dev-1/methods/Reboot", map[string]interface{}{}, nil)
	assert.Equal(t, http.StatusServiceUnavailable, status, "without broker no device is connected")
	status, _ = f.client.RawPost(Prefix+"/devices/dev-1/methods/Reboot?timeout=1", map[string]interface{}{}, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = f.client.RawPost(Prefix+"/devices/dev-1/certificate", nil, nil)
	assert.Equal(t, http.StatusNotImplemented, status)

	var types []devices.DeviceType
	_, err = f.client.RawGet(Prefix+"/devicetypes", &types)
	require.NoError(t, err)
	assert.NotEmpty(t, types)

	status, err = f.client.RawDelete(Prefix + "/devices/dev-1")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, status)
	status, _ = f.client.RawGet(Prefix+"/devices/dev-1", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestTwin(t *testing.T) {
	f := newFixture(t)
	added := f.addDevice(t, "dev-1")

	var tags TwinResponse
	_, err := f.client.RawPut(Prefix+"/devices/dev-1/twin/tags", map[string]interface{}{"building": "B43", "floor": 2}, &tags)
	require.NoError(t, err)
	assert.Equal(t, "B43", tags.Properties["building"])

	var desired TwinResponse
	_, err = f.client.RawPut(Prefix+"/devices/dev-1/twin/desired?etag="+url.QueryEscape(tags.ETag),
		map[string]interface{}{"config": map[string]interface{}{"interval": 10}}, &desired)
	require.NoError(t, err)
	assert.Contains(t, desired.Properties, "config")

	status, err := f.client.RawPut(Prefix+"/devices/dev-1/twin/tags?etag="+url.QueryEscape(added.ETag),
		map[string]interface{}{"building": "B44"}, nil)
	assert.Error(t, err)
	assert.Equal(t, http.StatusConflict, status)

	// null removes a tag
	_, err = f.client.RawPut(Prefix+"/devices/dev-1/twin/tags", map[string]interface{}{"floor": nil}, &tags)
	require.NoError(t, err)
	assert.NotContains(t, tags.Properties, "floor")

	var full TwinResponse
	_, err = f.client.RawGet(Prefix+"/devices/dev-1/twin", &full)
	require.NoError(t, err)
	require.NotNil(t, full.Twin)
	assert.Equal(t, "B43", full.Twin.Tags["building"])

	var names []filters.Name
	_, err = f.client.RawGet(Prefix+"/namecache/tag", &names)
	require.NoError(t, err)
	assert.NotEmpty(t, names)
	status, _ = f.client.RawGet(Prefix+"/namecache/unknown", nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestListDevices(t *testing.T) {
	f := newFixture(t)
	for _, id := range []string{"dev-1", "dev-2", "dev-3"} {
		f.addDevice(t, id)
	}
	_, err := f.client.RawPut(Prefix+"/devices/dev-2/twin/tags", map[string]interface{}{"building": "B43"}, nil)
	require.NoError(t, err)

	var response struct {
		datatables.Response
		Data []DeviceResponse `json:"data"`
	}
	request := datatables.Request{
		Draw:    4,
		Length:  2,
		Order:   []datatables.Order{{Column: 0, Dir: "desc"}},
		Columns: []datatables.Column{{Data: "deviceId", Orderable: true}},
	}
	_, err = f.client.RawPost(Prefix+"/devices/list", request, &response)
	require.NoError(t, err)
	assert.Equal(t, 4, response.Draw)
	assert.Equal(t, 3, response.RecordsTotal)
	assert.Equal(t, 3, response.RecordsFiltered)
	require.Len(t, response.Data, 2)
	assert.Equal(t, "dev-3", response.Data[0].ID())

	request.Clauses = []byte(`[{"columnName":"tags.building","clauseType":"EQ","clauseValue":"B43"}]`)
	_, err = f.client.RawPost(Prefix+"/devices/list", request, &response)
	require.NoError(t, err)
	assert.Equal(t, 3, response.RecordsTotal)
	assert.Equal(t, 1, response.RecordsFiltered)
	require.Len(t, response.Data, 1)
	assert.Equal(t, "dev-2", response.Data[0].ID())

	request.Clauses = nil
	request.Length = 5000
	status, _ := f.client.RawPost(Prefix+"/devices/list", request, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	// the form encoding of the grid
	form := url.Values{}
	form.Set("draw", "1")
	form.Set("start", "0")
	form.Set("length", "-1")
	form.Set("search[value]", "dev-1")
	r := httptest.NewRequest(http.MethodPost, Prefix+"/devices/list", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	r = r.WithContext(access.AdminAuthorization().ContextWithAuthorization(r.Context()))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, r)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"recordsFiltered":1`)
}

func TestPermissions(t *testing.T) {
	f := newFixture(t)
	f.addDevice(t, "dev-1")

	readonly := client.NewWithRouter(f.router).WithRole(access.RoleReadOnly)
	_, err := readonly.RawGet(Prefix+"/devices/dev-1", nil)
	assert.NoError(t, err)
	status, _ := readonly.RawPost(Prefix+"/devices", AddDeviceRequest{DeviceID: "dev-2"}, nil)
	assert.Equal(t, http.StatusForbidden, status)
	status, _ = readonly.RawGet(Prefix+"/devices/dev-1/keys", nil)
	assert.Equal(t, http.StatusForbidden, status)
	status, _ = readonly.RawDelete(Prefix + "/devices/dev-1")
	assert.Equal(t, http.StatusForbidden, status)

	operator := client.NewWithRouter(f.router).WithRole(access.RoleOperator)
	_, err = operator.RawPut(Prefix+"/devices/dev-1/twin/tags", map[string]interface{}{"building": "B43"}, nil)
	assert.NoError(t, err)
	status, _ = operator.RawPut(Prefix+"/settings/portalTitle", "Fleet", nil)
	assert.Equal(t, http.StatusForbidden, status)

	anonymous := client.NewWithRouter(f.router)
	status, _ = anonymous.RawGet(Prefix+"/devices/dev-1", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestRules(t *testing.T) {
	f := newFixture(t)
	f.addDevice(t, "dev-1")

	var template rules.DeviceRule
	_, err := f.client.RawGet(Prefix+"/devicerules/dev-1/new", &template)
	require.NoError(t, err)
	assert.Equal(t, "dev-1", template.DeviceID)
	assert.Equal(t, rules.OperatorGreaterThan, template.Operator)

	var saved rules.DeviceRule
	_, err = f.client.RawPost(Prefix+"/devicerules", map[string]interface{}{
		"deviceId":     "dev-1",
		"dataField":    "Temperature",
		"threshold":    "38.5",
		"ruleOutput":   rules.RuleOutputAlarmTemp,
		"enabledState": true,
	}, &saved)
	require.NoError(t, err)
	assert.NotEmpty(t, saved.RuleID)
	assert.Equal(t, 38.5, saved.Threshold)

	var export RuleExport
	_, err = f.client.RawGet(Prefix+"/devicerules/export", &export)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(export.Key, rules.ExportPrefix))
	assert.Contains(t, export.URL, "signature=")

	for _, threshold := range []string{"warm", "NaN", "Inf", "-Infinity"} {
		status, _ := f.client.RawPost(Prefix+"/devicerules", map[string]interface{}{
			"deviceId": "dev-1", "dataField": "Humidity", "threshold": threshold, "ruleOutput": rules.RuleOutputAlarmHumidity,
		}, nil)
		assert.Equal(t, http.StatusBadRequest, status, threshold)
	}

	var existing rules.DeviceRule
	status, _ := f.client.RawPost(Prefix+"/devicerules", map[string]interface{}{
		"deviceId": "dev-1", "dataField": "Temperature", "threshold": 40, "ruleOutput": rules.RuleOutputAlarmTemp,
	}, &existing)
	assert.Equal(t, http.StatusConflict, status, "one rule per device and data field")
	assert.Equal(t, saved.RuleID, existing.RuleID)

	var fields []string
	_, err = f.client.RawGet(Prefix+"/devicerules/dev-1/availablefields", &fields)
	require.NoError(t, err)
	assert.NotContains(t, fields, "Temperature")
	assert.Contains(t, fields, "Humidity")
	_, err = f.client.RawGet(Prefix+"/devicerules/dev-1/availablefields?ruleId="+saved.RuleID, &fields)
	require.NoError(t, err)
	assert.Contains(t, fields, "Temperature")

	var disabled rules.DeviceRule
	_, err = f.client.RawPut(Prefix+"/devicerules/dev-1/"+saved.RuleID+"/enabledstatus", EnabledStateRequest{EnabledState: false}, &disabled)
	require.NoError(t, err)
	assert.False(t, disabled.EnabledState)

	var response struct {
		datatables.Response
		Data []rules.DeviceRule `json:"data"`
	}
	_, err = f.client.RawPost(Prefix+"/devicerules/list", datatables.Request{Draw: 1, Length: 10, Search: datatables.Search{Value: "temp"}}, &response)
	require.NoError(t, err)
	assert.Equal(t, 1, response.RecordsFiltered)

	_, err = f.client.RawDelete(Prefix + "/devicerules/dev-1/" + saved.RuleID)
	require.NoError(t, err)
	status, _ = f.client.RawGet(Prefix+"/devicerules/dev-1/"+saved.RuleID, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestActionsAndSettings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addDevice(t, "dev-1")
	_, err := f.rules.BootstrapDefaultRules(ctx, []string{"dev-1"})
	require.NoError(t, err)

	var outputs []string
	_, err = f.client.RawGet(Prefix+"/actions/ruleoutputs", &outputs)
	require.NoError(t, err)
	assert.Contains(t, outputs, rules.RuleOutputAlarmTemp)

	status, err := f.client.RawPut(Prefix+"/actions/webhook", actions.Action{Kind: actions.KindLog}, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	var mappings []actions.ActionMapping
	_, err = f.client.RawPut(Prefix+"/actions/mappings", actions.ActionMapping{RuleOutput: rules.RuleOutputAlarmTemp, ActionID: "webhook"}, &mappings)
	require.NoError(t, err)
	require.Len(t, mappings, 1)

	var response struct {
		datatables.Response
		Data []actions.ActionMappingExtended `json:"data"`
	}
	_, err = f.client.RawPost(Prefix+"/actions/list", datatables.Request{Draw: 1, Length: -1}, &response)
	require.NoError(t, err)
	require.Equal(t, len(rules.RuleOutputs), response.RecordsTotal)
	for _, m := range response.Data {
		assert.Equal(t, 1, m.NumberOfDevices)
		if m.RuleOutput == rules.RuleOutputAlarmTemp {
			assert.Equal(t, "webhook", m.ActionID)
		} else {
			assert.Empty(t, m.ActionID)
		}
	}

	var stale actions.Action
	status, _ = f.client.RawPut(Prefix+"/actions/webhook", actions.Action{Kind: actions.KindLog, ETag: "stale"}, &stale)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "webhook", stale.ActionID)

	status, _ = f.client.RawGet(Prefix+"/settings/"+SettingMapAPIKey, nil)
	assert.Equal(t, http.StatusNotFound, status)
	_, err = f.client.RawPut(Prefix+"/settings/"+SettingMapAPIKey, "abc", nil)
	require.NoError(t, err)
	var value string
	_, err = f.client.RawGet(Prefix+"/settings/"+SettingMapAPIKey, &value)
	require.NoError(t, err)
	assert.Equal(t, "abc", value)
	var keys []string
	_, err = f.client.RawGet(Prefix+"/settings", &keys)
	require.NoError(t, err)
	assert.Equal(t, []string{SettingMapAPIKey}, keys)
}

func TestJobsAndFilters(t *testing.T) {
	f := newFixture(t)
	f.addDevice(t, "dev-1")
	f.addDevice(t, "dev-2")
	_, err := f.client.RawPut(Prefix+"/devices/dev-2/twin/tags", map[string]interface{}{"building": "B43"}, nil)
	require.NoError(t, err)

	var filter filters.Filter
	_, err = f.client.RawPost(Prefix+"/filters", filters.Filter{
		Name:    "Building 43",
		Clauses: []filters.Clause{{ColumnName: "tags.building", ClauseType: filters.ClauseEQ, ClauseValue: "B43"}},
	}, &filter)
	require.NoError(t, err)
	require.NotEmpty(t, filter.ID)

	var suggestions []filters.Suggestion
	_, err = f.client.RawGet(Prefix+"/filters/suggestions", &suggestions)
	require.NoError(t, err)
	assert.Len(t, suggestions, 1)

	var job devicejobs.Job
	_, err = f.client.RawPost(Prefix+"/jobs/twin", devicejobs.Job{
		JobName:  "set floor",
		FilterID: filter.ID,
		Twin:     &devicejobs.TwinUpdate{Tags: map[string]interface{}{"floor": 3}},
	}, &job)
	require.NoError(t, err)
	assert.Equal(t, devicejobs.StatusScheduled, job.Status)

	status, _ := f.client.RawPost(Prefix+"/jobs/method", devicejobs.Job{JobName: "no method", FilterID: filter.ID}, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	f.queue.ProcessJobsSync(5 * time.Second)

	_, err = f.client.RawGet(Prefix+"/jobs/"+job.JobID, &job)
	require.NoError(t, err)
	assert.Equal(t, devicejobs.StatusCompleted, job.Status)
	assert.Equal(t, 1, job.Stats.Succeeded)

	var results []devicejobs.DeviceResult
	_, err = f.client.RawGet(Prefix+"/jobs/"+job.JobID+"/devices", &results)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "dev-2", results[0].DeviceID)

	var list []devicejobs.Job
	_, err = f.client.RawGet(Prefix+"/jobs?filterId="+filter.ID, &list)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	status, _ = f.client.RawDelete(Prefix + "/jobs/" + job.JobID)
	assert.Equal(t, http.StatusConflict, status, "finished jobs cannot be cancelled")
	status, _ = f.client.RawGet(Prefix+"/jobs/unknown/devices", nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = f.client.RawDelete(Prefix + "/filters/" + filter.ID)
	assert.Equal(t, http.StatusConflict, status, "jobs use the filter")
	_, err = f.client.RawDelete(Prefix + "/filters/" + filter.ID + "?force=true")
	require.NoError(t, err)
	status, _ = f.client.RawGet(Prefix+"/filters/"+filter.ID, nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = f.client.RawDelete(Prefix + "/filters/" + filters.DefaultFilterID)
	assert.Equal(t, http.StatusConflict, status)
}

func TestTelemetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	added := f.addDevice(t, "dev-1")
	_, err := f.rules.BootstrapDefaultRules(ctx, []string{"dev-1"})
	require.NoError(t, err)

	model := devices.NewEditModel(&added.Device)
	latitude, longitude := 47.6, -122.1
	model.Latitude, model.Longitude = &latitude, &longitude
	_, err = f.client.RawPut(Prefix+"/devices/dev-1", model, nil)
	require.NoError(t, err)

	_, err = f.telemetry.Ingest(ctx, "dev-1", []byte(`{"Temperature":45,"Humidity":20}`))
	require.NoError(t, err)

	var alerts []telemetry.AlertHistoryItem
	_, err = f.client.RawGet(Prefix+"/telemetry/alerts", &alerts)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, rules.RuleOutputAlarmTemp, alerts[0].RuleOutput)
	_, err = f.client.RawGet(Prefix+"/telemetry/alerts?deviceId=dev-2", &alerts)
	require.NoError(t, err)
	assert.Empty(t, alerts)
	status, _ := f.client.RawGet(Prefix+"/telemetry/alerts?since=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, status)

	var pane telemetry.DashboardPane
	_, err = f.client.RawGet(Prefix+"/telemetry/dashboard/dev-1", &pane)
	require.NoError(t, err)
	assert.Len(t, pane.Telemetry, 1)
	assert.Len(t, pane.Alerts, 1)

	var locations []telemetry.DeviceLocation
	_, err = f.client.RawGet(Prefix+"/telemetry/locations", &locations)
	require.NoError(t, err)
	require.Len(t, locations, 1)
	assert.Equal(t, telemetry.LocationStatusAlert, locations[0].Status)

	readonly := client.NewWithRouter(f.router).WithRole(access.RoleReadOnly)
	_, err = readonly.RawGet(Prefix+"/telemetry/dashboard/dev-1", nil)
	assert.NoError(t, err)
}

func TestInfrastructure(t *testing.T) {
	f := newFixture(t)

	var version map[string]string
	_, err := f.client.RawGet(Prefix+"/version", &version)
	require.NoError(t, err)
	assert.Equal(t, Version, version["version"])

	var health jobs.Health
	_, err = f.client.RawGet(Prefix+"/health", &health)
	require.NoError(t, err)

	var auth map[string]interface{}
	_, err = f.client.RawGet(Prefix+"/authorization", &auth)
	require.NoError(t, err)
	assert.Contains(t, auth, "permissions")

	_, err = f.client.RawGet(Prefix+"/devicetypes", nil)
	require.NoError(t, err)
	var metricsText []byte
	_, err = f.client.RawGet("/metrics", &metricsText)
	require.NoError(t, err)
	assert.Contains(t, string(metricsText), "/api/v1/devicetypes")
}

func TestMiddlewares(t *testing.T) {
	router := mux.NewRouter()
	router.Use(CORSMiddleware(), CompressionMiddleware())
	router.HandleFunc("/x", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("compress me ", 100)))
	}).Methods(http.MethodOptions, http.MethodGet)

	r := httptest.NewRequest(http.MethodGet, "/x", nil)
	r.Header.Set("Accept-Encoding", "gzip")
	r.Header.Set("Origin", "http://portal.example.com")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, r)
	assert.Equal(t, "gzip", rec.Header().Get("Content-Encoding"))
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
