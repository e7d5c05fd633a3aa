package devices

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/relabs-tech/devicemanager/core/docstore"
	"github.com/relabs-tech/devicemanager/core/tablestore"
	"github.com/relabs-tech/devicemanager/iot/filters"
	"github.com/relabs-tech/devicemanager/iot/identity"
	"github.com/relabs-tech/devicemanager/iot/twin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMessenger struct {
	mutex    sync.Mutex
	commands []CommandMessage
	desired  []twin.Properties
	methods  []string
	err      error
}

func (f *fakeMessenger) SendCommand(ctx context.Context, deviceID string, message CommandMessage) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if f.err != nil {
		return f.err
	}
	f.commands = append(f.commands, message)
	return nil
}

func (f *fakeMessenger) PublishDesired(ctx context.Context, deviceID string, patch twin.Properties) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.desired = append(f.desired, patch)
	return f.err
}

func (f *fakeMessenger) InvokeMethod(ctx context.Context, deviceID, method string, payload json.RawMessage, timeout time.Duration) (*MethodResponse, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.methods = append(f.methods, method)
	return &MethodResponse{Status: 200, Payload: payload}, nil
}

// failingStore makes Create or Delete of the wrapped store fail
type failingStore struct {
	docstore.Store
	failCreate bool
	failDelete bool
}

var errStore = errors.New("store unavailable")

func (f *failingStore) Create(ctx context.Context, doc docstore.Document) (docstore.Document, error) {
	if f.failCreate {
		return docstore.Document{}, errStore
	}
	return f.Store.Create(ctx, doc)
}

func (f *failingStore) Delete(ctx context.Context, id, etag string) error {
	if f.failDelete {
		return errStore
	}
	return f.Store.Delete(ctx, id, etag)
}

type fixture struct {
	logic      *Logic
	identities *identity.Registry
	documents  *failingStore
	messenger  *fakeMessenger
	names      *filters.Store
}

func newFixture() *fixture {
	f := &fixture{
		identities: identity.New(tablestore.NewMemory(identity.TableName)),
		documents:  &failingStore{Store: docstore.NewMemory(Collection)},
		messenger:  &fakeMessenger{},
		names: filters.New(&filters.Builder{
			Documents:   docstore.NewMemory(filters.Collection),
			Names:       tablestore.NewMemory(filters.NamesTableName),
			Suggestions: tablestore.NewMemory(filters.SuggestionsTableName),
		}),
	}
	f.logic = New(&Builder{
		Identities: f.identities,
		Documents:  f.documents,
		Messenger:  f.messenger,
		Names:      f.names,
	})
	return f
}

func coolingDevice(t *testing.T, deviceID string) Device {
	deviceType, ok := GetDeviceType("cooling")
	require.True(t, ok)
	device, err := deviceType.NewDevice(deviceID)
	require.NoError(t, err)
	return device
}

func TestAddAndRemoveDevice(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	device, keys, err := f.logic.AddDevice(ctx, coolingDevice(t, "dev-1"))
	require.NoError(t, err)
	assert.True(t, device.Enabled())
	assert.NotEmpty(t, device.ETag)
	assert.Equal(t, StateNormal, device.DeviceProperties.DeviceState)
	assert.NotNil(t, device.DeviceProperties.CreatedTime)

	stored, err := f.identities.Keys(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, keys, stored)

	got, err := f.logic.GetDevice(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, "Contoso Inc.", got.DeviceProperties.Manufacturer)
	assert.Equal(t, "43", got.Twin.Tags["building"])

	_, _, err = f.logic.AddDevice(ctx, coolingDevice(t, "dev-1"))
	assert.True(t, errors.Is(err, ErrExists), err)
	_, _, err = f.logic.AddDevice(ctx, coolingDevice(t, "dev 1"))
	assert.True(t, errors.Is(err, ErrInvalid), err)

	tags, err := f.names.ListNames(ctx, filters.NameKindTag)
	require.NoError(t, err)
	assert.Len(t, tags, 2)
	methods, err := f.names.ListNames(ctx, filters.NameKindMethod)
	require.NoError(t, err)
	assert.Len(t, methods, 2)

	require.NoError(t, f.logic.RemoveDevice(ctx, "dev-1"))
	_, err = f.logic.GetDevice(ctx, "dev-1")
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = f.identities.Get(ctx, "dev-1")
	assert.True(t, errors.Is(err, identity.ErrNotFound))
	assert.True(t, errors.Is(f.logic.RemoveDevice(ctx, "dev-1"), ErrNotFound))
}

func TestAddDeviceRemovesIdentityOnFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.documents.failCreate = true

	_, _, err := f.logic.AddDevice(ctx, coolingDevice(t, "dev-1"))
	assert.True(t, errors.Is(err, errStore), "the original error is returned")
	_, err = f.identities.Get(ctx, "dev-1")
	assert.True(t, errors.Is(err, identity.ErrNotFound), "identity must be removed")
}

func TestRemoveDeviceRestoresIdentityOnFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	_, keys, err := f.logic.AddDevice(ctx, coolingDevice(t, "dev-1"))
	require.NoError(t, err)

	f.documents.failDelete = true
	err = f.logic.RemoveDevice(ctx, "dev-1")
	assert.True(t, errors.Is(err, errStore))

	restored, err := f.identities.Keys(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, keys, restored, "identity must be restored with its keys")
	_, err = f.logic.GetDevice(ctx, "dev-1")
	require.NoError(t, err)
}

func TestUpdateDevice(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	added, _, err := f.logic.AddDevice(ctx, coolingDevice(t, "dev-1"))
	require.NoError(t, err)

	changed := *added
	changed.DeviceProperties.Manufacturer = "Fabrikam"
	disabled := false
	changed.DeviceProperties.HubEnabledState = &disabled
	updated, err := f.logic.UpdateDevice(ctx, changed)
	require.NoError(t, err)
	assert.Equal(t, "Fabrikam", updated.DeviceProperties.Manufacturer)
	assert.True(t, updated.Enabled(), "enabled state is not changed by updates")
	assert.NotEqual(t, added.ETag, updated.ETag)

	// a stale etag never overwrites, the caller gets the current device
	stale := *added
	stale.DeviceProperties.Manufacturer = "Stale"
	current, err := f.logic.UpdateDevice(ctx, stale)
	assert.True(t, errors.Is(err, ErrConflict))
	require.NotNil(t, current)
	assert.Equal(t, "Fabrikam", current.DeviceProperties.Manufacturer)

	stale.ETag = ""
	_, err = f.logic.UpdateDevice(ctx, stale)
	assert.True(t, errors.Is(err, ErrInvalid))
}

func TestEditModel(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	added, _, err := f.logic.AddDevice(ctx, coolingDevice(t, "dev-1"))
	require.NoError(t, err)

	model := NewEditModel(added)
	assert.Equal(t, "MD-909", model.ModelNumber)
	model.SerialNumber = "SER-1"
	model.DeviceState = StateCaution
	model.ICCID = "8944501234567890123"
	updated, err := f.logic.UpdateDeviceFromEditModel(ctx, model)
	require.NoError(t, err)
	assert.Equal(t, "SER-1", updated.DeviceProperties.SerialNumber)
	assert.Equal(t, StateCaution, updated.DeviceProperties.DeviceState)
	require.NotNil(t, updated.SystemProperties)
	assert.Equal(t, model.ICCID, updated.SystemProperties.ICCID)
	assert.Len(t, updated.Commands, len(added.Commands), "non editable properties are kept")

	invalid := NewEditModel(updated)
	invalid.DeviceState = "broken"
	_, err = f.logic.UpdateDeviceFromEditModel(ctx, invalid)
	assert.True(t, errors.Is(err, ErrInvalid))

	latitude := 91.0
	invalid = NewEditModel(updated)
	invalid.Latitude = &latitude
	_, err = f.logic.UpdateDeviceFromEditModel(ctx, invalid)
	assert.True(t, errors.Is(err, ErrInvalid))

	// the model carries the etag it was created from
	_, err = f.logic.UpdateDeviceFromEditModel(ctx, model)
	assert.True(t, errors.Is(err, ErrConflict))
}

func TestEnabledStatus(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	_, _, err := f.logic.AddDevice(ctx, coolingDevice(t, "dev-1"))
	require.NoError(t, err)

	device, err := f.logic.UpdateDeviceEnabledStatus(ctx, "dev-1", false)
	require.NoError(t, err)
	assert.False(t, device.Enabled())
	id, err := f.identities.Get(ctx, "dev-1")
	require.NoError(t, err)
	assert.False(t, id.Enabled())

	_, err = f.logic.SendCommand(ctx, "dev-1", "PingDevice", nil)
	assert.True(t, errors.Is(err, ErrDisabled))

	device, err = f.logic.UpdateDeviceEnabledStatus(ctx, "dev-1", true)
	require.NoError(t, err)
	assert.True(t, device.Enabled())

	_, err = f.logic.UpdateDeviceEnabledStatus(ctx, "unknown", true)
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = f.logic.GetDeviceKeys(ctx, "unknown")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSendCommand(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	_, _, err := f.logic.AddDevice(ctx, coolingDevice(t, "dev-1"))
	require.NoError(t, err)

	item, err := f.logic.SendCommand(ctx, "dev-1", "ChangeSetPointTemp", map[string]interface{}{"SetPointTemp": "21.5"})
	require.NoError(t, err)
	assert.Equal(t, ResultPending, item.Result)
	require.Len(t, f.messenger.commands, 1)
	assert.Equal(t, 21.5, f.messenger.commands[0].Parameters["SetPointTemp"])

	_, err = f.logic.SendCommand(ctx, "dev-1", "SelfDestruct", nil)
	assert.True(t, errors.Is(err, ErrInvalid))
	_, err = f.logic.SendCommand(ctx, "dev-1", "ChangeSetPointTemp", map[string]interface{}{"SetPointTemp": "warm"})
	assert.True(t, errors.Is(err, ErrInvalid))
	_, err = f.logic.SendCommand(ctx, "dev-1", "ChangeSetPointTemp", nil)
	assert.True(t, errors.Is(err, ErrInvalid))
	_, err = f.logic.SendCommand(ctx, "dev-1", "PingDevice", map[string]interface{}{"extra": 1})
	assert.True(t, errors.Is(err, ErrInvalid))

	f.messenger.err = ErrOffline
	failed, err := f.logic.SendCommand(ctx, "dev-1", "PingDevice", nil)
	assert.True(t, errors.Is(err, ErrOffline))
	assert.Equal(t, ResultError, failed.Result)

	require.NoError(t, f.logic.UpdateCommandResult(ctx, "dev-1", item.MessageID, ResultSuccess, ""))
	assert.True(t, errors.Is(f.logic.UpdateCommandResult(ctx, "dev-1", "unknown", ResultSuccess, ""), ErrNotFound))

	device, err := f.logic.GetDevice(ctx, "dev-1")
	require.NoError(t, err)
	require.Len(t, device.CommandHistory, 2)
	assert.Equal(t, ResultSuccess, device.CommandHistory[0].Result)
	assert.NotNil(t, device.CommandHistory[0].UpdatedTime)
	assert.Equal(t, ResultError, device.CommandHistory[1].Result)
}

func TestCommandHistoryIsBounded(t *testing.T) {
	device := Device{}
	for i := 0; i < maxCommandHistory+5; i++ {
		device.appendHistory(CommandHistoryItem{Name: "PingDevice"})
	}
	assert.Len(t, device.CommandHistory, maxCommandHistory)
}

func TestInvokeMethod(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	_, _, err := f.logic.AddDevice(ctx, coolingDevice(t, "dev-1"))
	require.NoError(t, err)

	response, err := f.logic.InvokeMethod(ctx, "dev-1", "Reboot", nil, 0)
	require.NoError(t, err)
	assert.Equal(t, 200, response.Status)
	assert.JSONEq(t, `{}`, string(response.Payload))

	_, err = f.logic.InvokeMethod(ctx, "dev-1", "Reboot", nil, 4*time.Second)
	assert.True(t, errors.Is(err, ErrInvalid))
	_, err = f.logic.InvokeMethod(ctx, "dev-1", "Reboot", nil, 301*time.Second)
	assert.True(t, errors.Is(err, ErrInvalid))
	_, err = f.logic.InvokeMethod(ctx, "dev-1", "Reboot", json.RawMessage(`{broken`), 0)
	assert.True(t, errors.Is(err, ErrInvalid))
	_, err = f.logic.InvokeMethod(ctx, "unknown", "Reboot", nil, 0)
	assert.True(t, errors.Is(err, ErrNotFound))

	f.messenger.err = ErrTimeout
	_, err = f.logic.InvokeMethod(ctx, "dev-1", "Reboot", nil, 5*time.Second)
	assert.True(t, errors.Is(err, ErrTimeout))
}

func TestTwinUpdates(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	added, _, err := f.logic.AddDevice(ctx, coolingDevice(t, "dev-1"))
	require.NoError(t, err)

	device, err := f.logic.UpdateTwinDesired(ctx, "dev-1", "", twin.Properties{
		"config": map[string]interface{}{"telemetryInterval": 10.0},
	})
	require.NoError(t, err)
	require.Len(t, f.messenger.desired, 1)
	interval, _ := twin.Get(device.Twin.Desired, "config.telemetryInterval")
	assert.Equal(t, 10.0, interval)
	mean, _ := twin.Get(device.Twin.Desired, "config.temperatureMeanValue")
	assert.Equal(t, 34.5, mean, "merge keeps siblings")
	assert.Greater(t, device.Twin.Version, added.Twin.Version)

	// an unchanged patch is not published again
	device, err = f.logic.UpdateTwinDesired(ctx, "dev-1", "", twin.Properties{"config": map[string]interface{}{"telemetryInterval": 10.0}})
	require.NoError(t, err)
	assert.Len(t, f.messenger.desired, 1)

	device, err = f.logic.UpdateTwinTags(ctx, "dev-1", device.ETag, twin.Properties{"floor": nil, "room": "1.23"})
	require.NoError(t, err)
	_, hasFloor := device.Twin.Tags["floor"]
	assert.False(t, hasFloor, "null deletes")
	assert.Equal(t, "1.23", device.Twin.Tags["room"])

	current, err := f.logic.UpdateTwinTags(ctx, "dev-1", added.ETag, twin.Properties{"room": "stale"})
	assert.True(t, errors.Is(err, ErrConflict))
	assert.Equal(t, "1.23", current.Twin.Tags["room"])

	_, err = f.logic.ApplyReported(ctx, "dev-1", twin.Properties{"firmware": "2.0"})
	require.NoError(t, err)
	reportedTwin, _, err := f.logic.GetTwin(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, "2.0", reportedTwin.Reported["firmware"])

	desiredNames, err := f.names.ListNames(ctx, filters.NameKindDesired)
	require.NoError(t, err)
	columns := []string{}
	for _, n := range desiredNames {
		columns = append(columns, n.Column())
	}
	assert.Contains(t, columns, "desired.config.telemetryInterval")
	reportedNames, err := f.names.ListNames(ctx, filters.NameKindReported)
	require.NoError(t, err)
	assert.Len(t, reportedNames, 1)
}

func TestListDevices(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	ids, err := f.logic.BootstrapSampleDevices(ctx, 3)
	require.NoError(t, err)
	require.Len(t, ids, 3)
	again, err := f.logic.BootstrapSampleDevices(ctx, 3)
	require.NoError(t, err)
	assert.Empty(t, again, "bootstrapping only adds devices to an empty portal")

	_, err = f.logic.UpdateDeviceEnabledStatus(ctx, ids[1], false)
	require.NoError(t, err)

	query, err := filters.Compile(filters.Filter{Clauses: []filters.Clause{
		{ColumnName: "status", ClauseType: filters.ClauseEQ, ClauseValue: "enabled"},
		{ColumnName: "tags.building", ClauseType: filters.ClauseEQ, ClauseValue: "'43'"},
	}})
	require.NoError(t, err)
	devices, total, err := f.logic.ListDevices(ctx, query)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, devices, 2)

	devices, total, err = f.logic.ListDevices(ctx, docstore.Query{Search: ids[2][len(ids[2])-8:]})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, ids[2], devices[0].ID())

	devices, total, err = f.logic.ListDevices(ctx, docstore.Query{Skip: 1, Take: 1})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, devices, 1)

	all, err := f.logic.AllDeviceIDs(ctx, docstore.Query{})
	require.NoError(t, err)
	assert.ElementsMatch(t, ids, all)

	_, err = f.logic.GenerateSampleDevices(ctx, 0)
	assert.True(t, errors.Is(err, ErrInvalid))
}

func TestDeviceTypes(t *testing.T) {
	types := GetDeviceTypes()
	require.Len(t, types, 2)
	custom, ok := GetDeviceType("custom")
	require.True(t, ok)
	device, err := custom.NewDevice("phys-1")
	require.NoError(t, err)
	assert.False(t, device.IsSimulatedDevice)
	assert.Empty(t, device.Commands)
	assert.Equal(t, "custom", device.DeviceProperties.DeviceType)
}
