package devices

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/relabs-tech/devicemanager/core/docstore"
	"github.com/relabs-tech/devicemanager/core/logger"
	"github.com/relabs-tech/devicemanager/core/pointers"
	"github.com/relabs-tech/devicemanager/iot/twin"
	"gopkg.in/yaml.v3"
)

//go:embed devicetypes.yaml
var deviceTypesYAML []byte

//go:embed locations.yaml
var locationsYAML []byte

// DeviceType is an entry of the device type catalogue
type DeviceType struct {
	ID          string                 `json:"id" yaml:"id"`
	Name        string                 `json:"name" yaml:"name"`
	Description string                 `json:"description" yaml:"description"`
	Simulated   bool                   `json:"simulated" yaml:"simulated"`
	IDPrefix    string                 `json:"idPrefix,omitempty" yaml:"idPrefix"`
	Properties  map[string]string      `json:"properties,omitempty" yaml:"properties"`
	Telemetry   []TelemetryField       `json:"telemetry,omitempty" yaml:"telemetry"`
	Commands    []Command              `json:"commands,omitempty" yaml:"commands"`
	Methods     []string               `json:"methods,omitempty" yaml:"methods"`
	Tags        map[string]interface{} `json:"tags,omitempty" yaml:"tags"`
	Desired     map[string]interface{} `json:"desired,omitempty" yaml:"desired"`
}

var (
	deviceTypes []DeviceType
	locations   [][]float64
)

func init() {
	if err := yaml.Unmarshal(deviceTypesYAML, &deviceTypes); err != nil {
		panic(fmt.Sprintf("cannot parse device types: %v", err))
	}
	if err := yaml.Unmarshal(locationsYAML, &locations); err != nil {
		panic(fmt.Sprintf("cannot parse sample locations: %v", err))
	}
	for _, l := range locations {
		if len(l) != 2 {
			panic(fmt.Sprintf("sample location %v is not a latitude, longitude pair", l))
		}
	}
}

// GetDeviceTypes returns the device type catalogue
func GetDeviceTypes() []DeviceType {
	result := make([]DeviceType, len(deviceTypes))
	copy(result, deviceTypes)
	return result
}

// GetDeviceType returns a device type by id
func GetDeviceType(typeID string) (DeviceType, bool) {
	for _, t := range deviceTypes {
		if strings.EqualFold(t.ID, typeID) {
			return t, true
		}
	}
	return DeviceType{}, false
}

// NewDevice returns a device document of the given type. Simulated types bring
// their commands, telemetry, methods and initial twin.
func (t DeviceType) NewDevice(deviceID string) (Device, error) {
	device := Device{
		Commands:          append([]Command(nil), t.Commands...),
		Methods:           append([]string(nil), t.Methods...),
		Telemetry:         append([]TelemetryField(nil), t.Telemetry...),
		IsSimulatedDevice: t.Simulated,
		Twin:              twin.New(),
	}
	properties := twin.Properties{}
	for k, v := range t.Properties {
		if v != "" {
			properties[k] = v
		}
	}
	if err := twin.ToStruct(properties, &device.DeviceProperties); err != nil {
		return Device{}, err
	}
	device.DeviceProperties.DeviceID = deviceID
	device.DeviceProperties.DeviceType = t.ID
	twin.MergePatch(device.Twin.Tags, copyProperties(t.Tags))
	twin.MergePatch(device.Twin.Desired, copyProperties(t.Desired))
	return device, nil
}

// copyProperties returns a deep copy through JSON, so patches never share nested maps
// with the catalogue
func copyProperties(source map[string]interface{}) twin.Properties {
	if len(source) == 0 {
		return twin.Properties{}
	}
	copied, err := twin.FromStruct(source)
	if err != nil {
		return twin.Properties{}
	}
	return copied
}

// GenerateSampleDevices adds count simulated devices of every simulated device type,
// spread over the sample locations. It returns the ids of the added devices.
func (l *Logic) GenerateSampleDevices(ctx context.Context, count int) ([]string, error) {
	if count < 1 || count > 1000 {
		return nil, fmt.Errorf("%w: count must be between 1 and 1000", ErrInvalid)
	}
	rlog := logger.FromContext(ctx)
	var added []string
	for _, t := range deviceTypes {
		if !t.Simulated {
			continue
		}
		for i := 0; i < count; i++ {
			deviceID := fmt.Sprintf("%s%03d_%s", t.IDPrefix, i+1, uuid.New().String()[:8])
			device, err := t.NewDevice(deviceID)
			if err != nil {
				return added, err
			}
			if len(locations) > 0 {
				location := locations[(len(added))%len(locations)]
				device.DeviceProperties.Latitude = pointers.Float64(location[0])
				device.DeviceProperties.Longitude = pointers.Float64(location[1])
			}
			if _, _, err := l.AddDevice(ctx, device); err != nil {
				return added, fmt.Errorf("cannot add sample device %s: %w", deviceID, err)
			}
			added = append(added, deviceID)
		}
	}
	rlog.Infof("added %d sample devices", len(added))
	return added, nil
}

// BootstrapSampleDevices adds sample devices if there are no devices at all
func (l *Logic) BootstrapSampleDevices(ctx context.Context, count int) ([]string, error) {
	_, total, err := l.ListDevices(ctx, docstore.Query{Take: 1})
	if err != nil {
		return nil, err
	}
	if total > 0 {
		logger.FromContext(ctx).Debugln("devices exist, no sample devices added")
		return nil, nil
	}
	return l.GenerateSampleDevices(ctx, count)
}
