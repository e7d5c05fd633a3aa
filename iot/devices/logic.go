package devices

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/relabs-tech/devicemanager/core/docstore"
	"github.com/relabs-tech/devicemanager/core/logger"
	"github.com/relabs-tech/devicemanager/core/schema"
	"github.com/relabs-tech/devicemanager/iot/filters"
	"github.com/relabs-tech/devicemanager/iot/identity"
	"github.com/relabs-tech/devicemanager/iot/twin"
)

// Collection is the name of the device document collection
const Collection = "devices"

// Method invocation timeouts
const (
	DefaultMethodTimeout = 30 * time.Second
	MinMethodTimeout     = 5 * time.Second
	MaxMethodTimeout     = 300 * time.Second
)

var (
	// ErrOffline is returned when a device is not connected
	ErrOffline = errors.New("device is not connected")
	// ErrTimeout is returned when a device did not answer a method in time
	ErrTimeout = errors.New("device did not respond in time")
)

// SearchPaths are the document paths searched by free text device queries
var SearchPaths = []string{
	"deviceProperties.deviceID",
	"deviceProperties.manufacturer",
	"deviceProperties.modelNumber",
	"deviceProperties.serialNumber",
	"deviceProperties.firmwareVersion",
	"deviceProperties.deviceState",
}

// CommandMessage is delivered to the device
type CommandMessage struct {
	MessageID   string                 `json:"messageId"`
	Name        string                 `json:"name"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
	CreatedTime time.Time              `json:"createdTime"`
}

// MethodResponse is the device's answer to a direct method
type MethodResponse struct {
	Status  int             `json:"status"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Messenger delivers messages to connected devices
type Messenger interface {
	SendCommand(ctx context.Context, deviceID string, message CommandMessage) error
	PublishDesired(ctx context.Context, deviceID string, patch twin.Properties) error
	InvokeMethod(ctx context.Context, deviceID, method string, payload json.RawMessage, timeout time.Duration) (*MethodResponse, error)
}

// NameRecorder records the names of twin properties and methods
type NameRecorder interface {
	AddNames(ctx context.Context, kind string, names ...string) error
}

// Builder is a builder helper for the device logic
type Builder struct {
	// Identities is the device identity registry. This is mandatory.
	Identities *identity.Registry
	// Documents is the device document store. This is mandatory.
	Documents docstore.Store
	// Messenger delivers commands, methods and desired properties. Without
	// messenger, commands are recorded but never delivered.
	Messenger Messenger
	// Names records twin property and method names for the filter editor
	Names NameRecorder
	// Validator validates device documents, defaults to the built-in schemas
	Validator *schema.Validator
}

// Logic implements the device operations of the portal
type Logic struct {
	identities *identity.Registry
	documents  docstore.Store
	messenger  Messenger
	names      NameRecorder
	validator  *schema.Validator
}

// New creates the device logic
func New(b *Builder) *Logic {
	if b.Identities == nil {
		panic("Identities is missing")
	}
	if b.Documents == nil {
		panic("Documents is missing")
	}
	l := &Logic{
		identities: b.Identities,
		documents:  b.Documents,
		messenger:  b.Messenger,
		names:      b.Names,
		validator:  b.Validator,
	}
	if l.validator == nil {
		l.validator = schema.Builtin()
	}
	return l
}

// SetMessenger sets the messenger after construction. The broker needs the device
// logic and the device logic needs the broker.
func (l *Logic) SetMessenger(m Messenger) {
	l.messenger = m
}

func decodeDevice(doc docstore.Document) (*Device, error) {
	device := &Device{}
	if err := doc.Decode(device); err != nil {
		return nil, err
	}
	device.ETag = doc.ETag
	return device, nil
}

func (l *Logic) validateDocument(device *Device) error {
	if err := l.validator.ValidateStruct(device, schema.DeviceSchemaID); err != nil {
		if errors.Is(err, schema.ErrInvalid) {
			return fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		return err
	}
	return nil
}

// AddDevice registers a new device. The identity is created first, then the device
// document. If the document cannot be stored, the identity is removed again and the
// original error is returned.
func (l *Logic) AddDevice(ctx context.Context, device Device) (*Device, *identity.Keys, error) {
	rlog := logger.FromContext(ctx)
	deviceID := device.ID()
	if err := ValidateDeviceID(deviceID); err != nil {
		return nil, nil, err
	}

	now := time.Now().UTC()
	enabled := true
	device.DeviceProperties.HubEnabledState = &enabled
	device.DeviceProperties.CreatedTime = &now
	device.DeviceProperties.UpdatedTime = &now
	if device.DeviceProperties.DeviceState == "" {
		device.DeviceProperties.DeviceState = StateNormal
	}
	if device.Twin.Tags == nil {
		device.Twin.Tags = twin.Properties{}
	}
	if device.Twin.Desired == nil {
		device.Twin.Desired = twin.Properties{}
	}
	if device.Twin.Reported == nil {
		device.Twin.Reported = twin.Properties{}
	}
	device.Twin.UpdatedAt = now
	device.CommandHistory = nil
	if err := l.validateDocument(&device); err != nil {
		return nil, nil, err
	}

	if _, err := l.documents.Get(ctx, deviceID); err == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrExists, deviceID)
	} else if !errors.Is(err, docstore.ErrNotFound) {
		return nil, nil, err
	}

	added, err := l.identities.Add(ctx, deviceID)
	if errors.Is(err, identity.ErrExists) {
		return nil, nil, fmt.Errorf("%w: %s", ErrExists, deviceID)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("cannot add identity of %s: %w", deviceID, err)
	}

	doc, err := docstore.NewDocument(deviceID, device)
	if err == nil {
		doc, err = l.documents.Create(ctx, doc)
	}
	if err != nil {
		if _, compensationErr := l.identities.Remove(ctx, deviceID); compensationErr != nil {
			rlog.WithError(err).Errorf("could not store device %s and could not remove its identity: %v", deviceID, compensationErr)
		} else {
			rlog.WithError(err).Errorf("could not store device %s, removed its identity", deviceID)
		}
		if errors.Is(err, docstore.ErrDuplicate) {
			return nil, nil, fmt.Errorf("%w: %s", ErrExists, deviceID)
		}
		return nil, nil, err
	}

	device.ETag = doc.ETag
	l.recordTwinNames(ctx, &device.Twin)
	l.recordMethodNames(ctx, device.Methods...)
	rlog.Infoln("added device", deviceID)
	return &device, &identity.Keys{PrimaryKey: added.PrimaryKey, SecondaryKey: added.SecondaryKey}, nil
}

// RemoveDevice removes a device. The identity is removed first, then the device
// document. If the document cannot be deleted, the identity is restored with its
// previous keys.
func (l *Logic) RemoveDevice(ctx context.Context, deviceID string) error {
	rlog := logger.FromContext(ctx)
	removed, err := l.identities.Remove(ctx, deviceID)
	if err != nil && !errors.Is(err, identity.ErrNotFound) {
		return fmt.Errorf("cannot remove identity of %s: %w", deviceID, err)
	}

	err = l.documents.Delete(ctx, deviceID, "")
	if errors.Is(err, docstore.ErrNotFound) {
		if removed == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, deviceID)
		}
		rlog.Warnf("device %s had an identity but no document", deviceID)
		return nil
	}
	if err != nil {
		if removed != nil {
			if _, compensationErr := l.identities.AddWithKeys(ctx, *removed); compensationErr != nil {
				rlog.WithError(err).Errorf("could not delete device %s and could not restore its identity: %v", deviceID, compensationErr)
			} else {
				rlog.WithError(err).Errorf("could not delete device %s, restored its identity", deviceID)
			}
		}
		return err
	}
	rlog.Infoln("removed device", deviceID)
	return nil
}

// GetDevice returns a device or ErrNotFound
func (l *Logic) GetDevice(ctx context.Context, deviceID string) (*Device, error) {
	doc, err := l.documents.Get(ctx, deviceID)
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, deviceID)
	}
	if err != nil {
		return nil, err
	}
	return decodeDevice(doc)
}

// ListDevices returns the devices matching query and the total number of matches
func (l *Logic) ListDevices(ctx context.Context, query docstore.Query) ([]Device, int, error) {
	if query.Search != "" && len(query.SearchPaths) == 0 {
		query.SearchPaths = SearchPaths
	}
	if query.OrderBy == "" {
		query.OrderBy = "deviceProperties.deviceID"
	}
	result, err := l.documents.Query(ctx, query)
	if err != nil {
		if errors.Is(err, docstore.ErrInvalidQuery) {
			return nil, 0, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		return nil, 0, err
	}
	devices := make([]Device, 0, len(result.Documents))
	for _, doc := range result.Documents {
		device, err := decodeDevice(doc)
		if err != nil {
			return nil, 0, err
		}
		devices = append(devices, *device)
	}
	return devices, result.Total, nil
}

// AllDeviceIDs returns the ids of all devices matching query
func (l *Logic) AllDeviceIDs(ctx context.Context, query docstore.Query) ([]string, error) {
	query.Skip, query.Take = 0, 0
	devices, _, err := l.ListDevices(ctx, query)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(devices))
	for i := range devices {
		ids[i] = devices[i].ID()
	}
	return ids, nil
}

// modify applies change to the stored device. With an etag the stored device must
// match it, otherwise concurrent modifications are retried. On ErrConflict the
// current device is returned together with the error.
func (l *Logic) modify(ctx context.Context, deviceID, etag string, change func(*Device) error) (*Device, error) {
	for attempt := 0; attempt < 3; attempt++ {
		device, err := l.GetDevice(ctx, deviceID)
		if err != nil {
			return nil, err
		}
		if etag != "" && etag != device.ETag {
			return device, fmt.Errorf("%w: %s", ErrConflict, deviceID)
		}
		if err := change(device); err != nil {
			return nil, err
		}
		now := time.Now().UTC()
		device.DeviceProperties.UpdatedTime = &now
		if err := l.validateDocument(device); err != nil {
			return nil, err
		}
		doc, err := docstore.NewDocument(deviceID, device)
		if err != nil {
			return nil, err
		}
		doc.ETag = device.ETag
		stored, err := l.documents.Save(ctx, doc)
		if errors.Is(err, docstore.ErrConflict) {
			if etag != "" {
				current, _ := l.GetDevice(ctx, deviceID)
				return current, fmt.Errorf("%w: %s", ErrConflict, deviceID)
			}
			continue
		}
		if errors.Is(err, docstore.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, deviceID)
		}
		if err != nil {
			return nil, err
		}
		device.ETag = stored.ETag
		return device, nil
	}
	return nil, fmt.Errorf("%w: %s was modified too often", ErrConflict, deviceID)
}

// UpdateDevice replaces the device document. The device's ETag must match the stored
// one. Identity state and command history cannot be changed this way.
func (l *Logic) UpdateDevice(ctx context.Context, device Device) (*Device, error) {
	if device.ETag == "" {
		return nil, fmt.Errorf("%w: etag is missing", ErrInvalid)
	}
	return l.modify(ctx, device.ID(), device.ETag, func(stored *Device) error {
		device.DeviceProperties.DeviceID = stored.DeviceProperties.DeviceID
		device.DeviceProperties.HubEnabledState = stored.DeviceProperties.HubEnabledState
		device.DeviceProperties.CreatedTime = stored.DeviceProperties.CreatedTime
		device.CommandHistory = stored.CommandHistory
		device.Twin.Version = stored.Twin.Version + 1
		device.Twin.UpdatedAt = time.Now().UTC()
		device.ETag = stored.ETag
		*stored = device
		return nil
	})
}

// UpdateDeviceFromEditModel copies the editable properties from model into the device
func (l *Logic) UpdateDeviceFromEditModel(ctx context.Context, model EditModel) (*Device, error) {
	if err := Validate(model); err != nil {
		return nil, err
	}
	return l.modify(ctx, model.DeviceID, model.ETag, func(device *Device) error {
		model.apply(device)
		return nil
	})
}

// UpdateDeviceEnabledStatus enables or disables a device in the identity registry and
// in the device document. If the document cannot be updated, the identity status is
// reverted.
func (l *Logic) UpdateDeviceEnabledStatus(ctx context.Context, deviceID string, enabled bool) (*Device, error) {
	rlog := logger.FromContext(ctx)
	before, err := l.identities.Get(ctx, deviceID)
	if errors.Is(err, identity.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, deviceID)
	}
	if err != nil {
		return nil, err
	}
	if _, err := l.identities.SetStatus(ctx, deviceID, enabled); err != nil {
		return nil, err
	}
	device, err := l.modify(ctx, deviceID, "", func(device *Device) error {
		device.DeviceProperties.HubEnabledState = &enabled
		return nil
	})
	if err != nil {
		if _, compensationErr := l.identities.SetStatus(ctx, deviceID, before.Enabled()); compensationErr != nil {
			rlog.WithError(err).Errorf("could not update device %s and could not revert its status: %v", deviceID, compensationErr)
		}
		return nil, err
	}
	rlog.Infof("device %s enabled=%v", deviceID, enabled)
	return device, nil
}

// GetDeviceKeys returns the symmetric keys of a device
func (l *Logic) GetDeviceKeys(ctx context.Context, deviceID string) (*identity.Keys, error) {
	keys, err := l.identities.Keys(ctx, deviceID)
	if errors.Is(err, identity.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, deviceID)
	}
	return keys, err
}

// SendCommand sends a declared command to the device. The command is recorded in the
// device's command history, with result Error if it could not be delivered.
func (l *Logic) SendCommand(ctx context.Context, deviceID, name string, parameters map[string]interface{}) (*CommandHistoryItem, error) {
	device, err := l.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if !device.Enabled() {
		return nil, fmt.Errorf("%w: %s", ErrDisabled, deviceID)
	}
	command, ok := device.Command(name)
	if !ok {
		return nil, fmt.Errorf("%w: device %s does not support command '%s'", ErrInvalid, deviceID, name)
	}
	converted, err := command.ValidateParameters(parameters)
	if err != nil {
		return nil, err
	}

	item := CommandHistoryItem{
		MessageID:   uuid.New().String(),
		Name:        name,
		Parameters:  converted,
		CreatedTime: time.Now().UTC(),
		Result:      ResultPending,
	}
	var deliveryErr error
	if l.messenger != nil {
		deliveryErr = l.messenger.SendCommand(ctx, deviceID, CommandMessage{
			MessageID:   item.MessageID,
			Name:        item.Name,
			Parameters:  item.Parameters,
			CreatedTime: item.CreatedTime,
		})
	} else {
		logger.FromContext(ctx).Warnln("no messenger, command recorded only:", name)
	}
	if deliveryErr != nil {
		item.Result = ResultError
		item.ErrorMessage = deliveryErr.Error()
	}

	if _, err := l.modify(ctx, deviceID, "", func(device *Device) error {
		device.appendHistory(item)
		return nil
	}); err != nil {
		return nil, err
	}
	if deliveryErr != nil {
		return &item, fmt.Errorf("command %s to %s not delivered: %w", name, deviceID, deliveryErr)
	}
	return &item, nil
}

// UpdateCommandResult records the device's feedback for a command
func (l *Logic) UpdateCommandResult(ctx context.Context, deviceID, messageID, result, errorMessage string) error {
	_, err := l.modify(ctx, deviceID, "", func(device *Device) error {
		for i := range device.CommandHistory {
			item := &device.CommandHistory[i]
			if item.MessageID == messageID {
				now := time.Now().UTC()
				item.Result = result
				item.ErrorMessage = errorMessage
				item.UpdatedTime = &now
				return nil
			}
		}
		return fmt.Errorf("%w: unknown command message %s", ErrNotFound, messageID)
	})
	return err
}

// InvokeMethod invokes a direct method on a connected device and waits for its response.
// A zero timeout means DefaultMethodTimeout.
func (l *Logic) InvokeMethod(ctx context.Context, deviceID, method string, payload json.RawMessage, timeout time.Duration) (*MethodResponse, error) {
	if timeout == 0 {
		timeout = DefaultMethodTimeout
	}
	if timeout < MinMethodTimeout || timeout > MaxMethodTimeout {
		return nil, fmt.Errorf("%w: timeout must be between %v and %v", ErrInvalid, MinMethodTimeout, MaxMethodTimeout)
	}
	if method == "" {
		return nil, fmt.Errorf("%w: method name is missing", ErrInvalid)
	}
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	if !json.Valid(payload) {
		return nil, fmt.Errorf("%w: method payload is not valid JSON", ErrInvalid)
	}
	device, err := l.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if !device.Enabled() {
		return nil, fmt.Errorf("%w: %s", ErrDisabled, deviceID)
	}
	if l.messenger == nil {
		return nil, fmt.Errorf("%w: %s", ErrOffline, deviceID)
	}
	l.recordMethodNames(ctx, method)
	return l.messenger.InvokeMethod(ctx, deviceID, method, payload, timeout)
}

// GetTwin returns the twin of a device
func (l *Logic) GetTwin(ctx context.Context, deviceID string) (*twin.Twin, string, error) {
	device, err := l.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, "", err
	}
	return &device.Twin, device.ETag, nil
}

func (l *Logic) patchTwin(ctx context.Context, deviceID, etag, section string, patch twin.Properties) (*Device, bool, error) {
	changed := false
	device, err := l.modify(ctx, deviceID, etag, func(device *Device) error {
		var err error
		changed, err = device.Twin.Patch(section, patch)
		return err
	})
	return device, changed, err
}

// UpdateTwinTags applies a merge patch to the twin tags. With an etag the device must
// not have been modified since.
func (l *Logic) UpdateTwinTags(ctx context.Context, deviceID, etag string, patch twin.Properties) (*Device, error) {
	device, _, err := l.patchTwin(ctx, deviceID, etag, twin.SectionTags, patch)
	if err != nil {
		return device, err
	}
	l.recordNames(ctx, filters.NameKindTag, patch)
	return device, nil
}

// UpdateTwinDesired applies a merge patch to the desired properties and publishes the
// patch to the device.
func (l *Logic) UpdateTwinDesired(ctx context.Context, deviceID, etag string, patch twin.Properties) (*Device, error) {
	device, changed, err := l.patchTwin(ctx, deviceID, etag, twin.SectionDesired, patch)
	if err != nil {
		return device, err
	}
	l.recordNames(ctx, filters.NameKindDesired, patch)
	if changed && l.messenger != nil {
		if err := l.messenger.PublishDesired(ctx, deviceID, patch); err != nil {
			// the device fetches its desired properties when it connects
			logger.FromContext(ctx).WithError(err).Warnln("could not publish desired properties to", deviceID)
		}
	}
	return device, nil
}

// ApplyReported applies reported properties received from the device
func (l *Logic) ApplyReported(ctx context.Context, deviceID string, patch twin.Properties) (*Device, error) {
	device, _, err := l.patchTwin(ctx, deviceID, "", twin.SectionReported, patch)
	if err != nil {
		return nil, err
	}
	l.recordNames(ctx, filters.NameKindReported, patch)
	return device, nil
}

func (l *Logic) recordNames(ctx context.Context, kind string, properties twin.Properties) {
	if l.names == nil {
		return
	}
	var names []string
	for name, value := range twin.Flatten(properties) {
		if value != nil {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return
	}
	sort.Strings(names)
	if err := l.names.AddNames(ctx, kind, names...); err != nil {
		logger.FromContext(ctx).WithError(err).Warnln("could not record names")
	}
}

func (l *Logic) recordTwinNames(ctx context.Context, t *twin.Twin) {
	l.recordNames(ctx, filters.NameKindTag, t.Tags)
	l.recordNames(ctx, filters.NameKindDesired, t.Desired)
	l.recordNames(ctx, filters.NameKindReported, t.Reported)
}

func (l *Logic) recordMethodNames(ctx context.Context, methods ...string) {
	if l.names == nil || len(methods) == 0 {
		return
	}
	if err := l.names.AddNames(ctx, filters.NameKindMethod, methods...); err != nil {
		logger.FromContext(ctx).WithError(err).Warnln("could not record method names")
	}
}
