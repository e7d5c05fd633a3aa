package devices

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/relabs-tech/devicemanager/iot/twin"
)

var (
	// ErrNotFound is returned for unknown devices
	ErrNotFound = errors.New("device not found")
	// ErrExists is returned when adding a device whose id is taken
	ErrExists = errors.New("device already exists")
	// ErrInvalid is returned for invalid devices, commands or parameters
	ErrInvalid = errors.New("invalid request")
	// ErrConflict is returned when the device was modified concurrently
	ErrConflict = errors.New("device was modified")
	// ErrDisabled is returned when sending to a disabled device
	ErrDisabled = errors.New("device is disabled")
)

var deviceIDExpression = regexp.MustCompile(`^[A-Za-z0-9\-_.:@]{1,128}$`)

// ValidateDeviceID checks length and character set of a device id
func ValidateDeviceID(deviceID string) error {
	if !deviceIDExpression.MatchString(deviceID) {
		return fmt.Errorf("%w: device id '%s' must be 1-128 characters of A-Z a-z 0-9 - _ . : @", ErrInvalid, deviceID)
	}
	return nil
}

// The device states
const (
	StateNormal  = "normal"
	StateCaution = "caution"
	StateAlert   = "alert"
)

// DeviceProperties are the descriptive properties of a device
type DeviceProperties struct {
	DeviceID        string     `json:"deviceID"`
	HubEnabledState *bool      `json:"hubEnabledState"`
	CreatedTime     *time.Time `json:"createdTime,omitempty"`
	UpdatedTime     *time.Time `json:"updatedTime,omitempty"`
	DeviceState     string     `json:"deviceState,omitempty"`
	DeviceType      string     `json:"deviceType,omitempty"`
	Manufacturer    string     `json:"manufacturer,omitempty"`
	ModelNumber     string     `json:"modelNumber,omitempty"`
	SerialNumber    string     `json:"serialNumber,omitempty"`
	FirmwareVersion string     `json:"firmwareVersion,omitempty"`
	Platform        string     `json:"platform,omitempty"`
	Processor       string     `json:"processor,omitempty"`
	InstalledRAM    string     `json:"installedRAM,omitempty"`
	Latitude        *float64   `json:"latitude,omitempty"`
	Longitude       *float64   `json:"longitude,omitempty"`
}

// The parameter types of commands
const (
	TypeString  = "string"
	TypeInt     = "int"
	TypeDouble  = "double"
	TypeBoolean = "boolean"
	TypeDate    = "date"
)

// Parameter is a typed command parameter
type Parameter struct {
	Name string `json:"name" yaml:"name"`
	Type string `json:"type" yaml:"type"`
}

// Command is a command the device accepts
type Command struct {
	Name       string      `json:"name" yaml:"name"`
	Parameters []Parameter `json:"parameters,omitempty" yaml:"parameters"`
}

// CommandHistoryItem records a command sent to the device
type CommandHistoryItem struct {
	MessageID    string                 `json:"messageId"`
	Name         string                 `json:"name"`
	Parameters   map[string]interface{} `json:"parameters,omitempty"`
	CreatedTime  time.Time              `json:"createdTime"`
	UpdatedTime  *time.Time             `json:"updatedTime,omitempty"`
	Result       string                 `json:"result,omitempty"`
	ErrorMessage string                 `json:"errorMessage,omitempty"`
}

// The command results
const (
	ResultPending = "Pending"
	ResultSuccess = "Success"
	ResultError   = "Error"
)

// TelemetryField describes a telemetry value the device sends
type TelemetryField struct {
	Name        string `json:"name" yaml:"name"`
	DisplayName string `json:"displayName,omitempty" yaml:"displayName"`
	Type        string `json:"type,omitempty" yaml:"type"`
}

// SystemProperties are opaque provisioning properties
type SystemProperties struct {
	ICCID string `json:"ICCID,omitempty"`
}

// Device is the device document
type Device struct {
	DeviceProperties  DeviceProperties     `json:"deviceProperties"`
	Commands          []Command            `json:"commands,omitempty"`
	Methods           []string             `json:"methods,omitempty"`
	CommandHistory    []CommandHistoryItem `json:"commandHistory,omitempty"`
	Telemetry         []TelemetryField     `json:"telemetry,omitempty"`
	IsSimulatedDevice bool                 `json:"isSimulatedDevice"`
	SystemProperties  *SystemProperties    `json:"systemProperties,omitempty"`
	Twin              twin.Twin            `json:"twin"`

	// ETag is the document's etag, it is not part of the document
	ETag string `json:"-"`
}

// ID returns the device id
func (d *Device) ID() string {
	return d.DeviceProperties.DeviceID
}

// Enabled returns true if the device is enabled
func (d *Device) Enabled() bool {
	return d.DeviceProperties.HubEnabledState != nil && *d.DeviceProperties.HubEnabledState
}

// Command returns the declared command with name
func (d *Device) Command(name string) (Command, bool) {
	for _, c := range d.Commands {
		if c.Name == name {
			return c, true
		}
	}
	return Command{}, false
}

// HasMethod returns true if the device declared the method
func (d *Device) HasMethod(name string) bool {
	for _, m := range d.Methods {
		if m == name {
			return true
		}
	}
	return false
}

// maxCommandHistory limits the number of history items kept per device
const maxCommandHistory = 100

func (d *Device) appendHistory(item CommandHistoryItem) {
	d.CommandHistory = append(d.CommandHistory, item)
	if len(d.CommandHistory) > maxCommandHistory {
		d.CommandHistory = d.CommandHistory[len(d.CommandHistory)-maxCommandHistory:]
	}
}

// ValidateParameters checks that all declared parameters are present and have the
// declared type. Parameters which are not declared are rejected. It returns the
// parameters converted to their declared types.
func (c Command) ValidateParameters(values map[string]interface{}) (map[string]interface{}, error) {
	result := map[string]interface{}{}
	declared := map[string]bool{}
	for _, p := range c.Parameters {
		declared[p.Name] = true
		value, ok := values[p.Name]
		if !ok || value == nil {
			return nil, fmt.Errorf("%w: parameter '%s' of command '%s' is missing", ErrInvalid, p.Name, c.Name)
		}
		converted, err := convertParameter(p.Type, value)
		if err != nil {
			return nil, fmt.Errorf("%w: parameter '%s' of command '%s': %v", ErrInvalid, p.Name, c.Name, err)
		}
		result[p.Name] = converted
	}
	for name := range values {
		if !declared[name] {
			return nil, fmt.Errorf("%w: command '%s' has no parameter '%s'", ErrInvalid, c.Name, name)
		}
	}
	return result, nil
}

func convertParameter(parameterType string, value interface{}) (interface{}, error) {
	switch parameterType {
	case TypeString:
		if s, ok := value.(string); ok {
			return s, nil
		}
	case TypeInt:
		switch v := value.(type) {
		case float64:
			if v == float64(int64(v)) {
				return int64(v), nil
			}
		case int:
			return int64(v), nil
		case int64:
			return v, nil
		case json.Number:
			return v.Int64()
		case string:
			return strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		}
	case TypeDouble:
		switch v := value.(type) {
		case float64:
			return v, nil
		case int:
			return float64(v), nil
		case int64:
			return float64(v), nil
		case json.Number:
			return v.Float64()
		case string:
			return strconv.ParseFloat(strings.TrimSpace(v), 64)
		}
	case TypeBoolean:
		switch v := value.(type) {
		case bool:
			return v, nil
		case string:
			return strconv.ParseBool(strings.TrimSpace(v))
		}
	case TypeDate:
		if s, ok := value.(string); ok {
			t, err := time.Parse(time.RFC3339, s)
			if err != nil {
				t, err = time.Parse("2006-01-02", s)
			}
			if err != nil {
				return nil, err
			}
			return t.UTC().Format(time.RFC3339), nil
		}
	default:
		return nil, fmt.Errorf("unknown parameter type '%s'", parameterType)
	}
	return nil, fmt.Errorf("value %v is not of type %s", value, parameterType)
}
