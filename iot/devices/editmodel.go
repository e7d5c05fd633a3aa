package devices

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// validate is the validator for the edit models of this package
var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("deviceid", func(fl validator.FieldLevel) bool {
		return deviceIDExpression.MatchString(fl.Field().String())
	})
}

// Validate validates v with its validate tags and wraps failures in ErrInvalid
func Validate(v interface{}) error {
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// EditModel holds the user editable properties of a device. Empty strings clear
// a property.
type EditModel struct {
	DeviceID        string   `json:"deviceId" validate:"required,deviceid"`
	ETag            string   `json:"etag"`
	DeviceState     string   `json:"deviceState" validate:"omitempty,oneof=normal caution alert"`
	Manufacturer    string   `json:"manufacturer" validate:"max=256"`
	ModelNumber     string   `json:"modelNumber" validate:"max=256"`
	SerialNumber    string   `json:"serialNumber" validate:"max=256"`
	FirmwareVersion string   `json:"firmwareVersion" validate:"max=256"`
	Platform        string   `json:"platform" validate:"max=256"`
	Processor       string   `json:"processor" validate:"max=256"`
	InstalledRAM    string   `json:"installedRAM" validate:"max=256"`
	Latitude        *float64 `json:"latitude" validate:"omitempty,min=-90,max=90"`
	Longitude       *float64 `json:"longitude" validate:"omitempty,min=-180,max=180"`
	ICCID           string   `json:"iccid" validate:"omitempty,max=22,numeric"`
}

// NewEditModel returns the edit model of a device
func NewEditModel(d *Device) EditModel {
	p := d.DeviceProperties
	m := EditModel{
		DeviceID:        p.DeviceID,
		ETag:            d.ETag,
		DeviceState:     p.DeviceState,
		Manufacturer:    p.Manufacturer,
		ModelNumber:     p.ModelNumber,
		SerialNumber:    p.SerialNumber,
		FirmwareVersion: p.FirmwareVersion,
		Platform:        p.Platform,
		Processor:       p.Processor,
		InstalledRAM:    p.InstalledRAM,
		Latitude:        p.Latitude,
		Longitude:       p.Longitude,
	}
	if d.SystemProperties != nil {
		m.ICCID = d.SystemProperties.ICCID
	}
	return m
}

// apply copies the editable properties to the device
func (m EditModel) apply(d *Device) {
	p := &d.DeviceProperties
	if m.DeviceState != "" {
		p.DeviceState = m.DeviceState
	}
	p.Manufacturer = m.Manufacturer
	p.ModelNumber = m.ModelNumber
	p.SerialNumber = m.SerialNumber
	p.FirmwareVersion = m.FirmwareVersion
	p.Platform = m.Platform
	p.Processor = m.Processor
	p.InstalledRAM = m.InstalledRAM
	p.Latitude = m.Latitude
	p.Longitude = m.Longitude
	if m.ICCID == "" {
		d.SystemProperties = nil
	} else {
		d.SystemProperties = &SystemProperties{ICCID: m.ICCID}
	}
}
