/*Package telemetry ingests device telemetry, raises alerts and serves the dashboard.

Telemetry arrives from the broker as a JSON object of numeric fields. It is
written to the time series store and evaluated against the device's rules.
Triggered rules are recorded in the alert history and, if their rule output is
mapped to an action, delivered through the job queue.
*/
package telemetry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/relabs-tech/devicemanager/core/docstore"
	"github.com/relabs-tech/devicemanager/core/jobs"
	"github.com/relabs-tech/devicemanager/core/logger"
	"github.com/relabs-tech/devicemanager/core/metrics"
	"github.com/relabs-tech/devicemanager/core/pointers"
	"github.com/relabs-tech/devicemanager/core/tablestore"
	"github.com/relabs-tech/devicemanager/iot/actions"
	"github.com/relabs-tech/devicemanager/iot/devices"
	"github.com/relabs-tech/devicemanager/iot/rules"
)

// AlertsTableName is the name of the alert history table
const AlertsTableName = "alerthistory"

var (
	// ErrInvalid is returned for telemetry which is not a JSON object of numbers
	ErrInvalid = errors.New("invalid telemetry")
	// ErrUnknownDevice is returned for telemetry of unknown or disabled devices
	ErrUnknownDevice = errors.New("unknown or disabled device")
)

// AlertHistoryItem is a raised alert
type AlertHistoryItem struct {
	DeviceID   string    `json:"deviceId"`
	RuleOutput string    `json:"ruleOutput"`
	DataField  string    `json:"dataField"`
	Value      float64   `json:"value"`
	Threshold  float64   `json:"threshold"`
	Timestamp  time.Time `json:"timestamp"`
	Latitude   *float64  `json:"latitude,omitempty"`
	Longitude  *float64  `json:"longitude,omitempty"`
}

// DeviceSource is the device access of the telemetry logic
type DeviceSource interface {
	GetDevice(ctx context.Context, deviceID string) (*devices.Device, error)
	ListDevices(ctx context.Context, query docstore.Query) ([]devices.Device, int, error)
}

// Builder is a builder helper for the telemetry logic
type Builder struct {
	// Store is the time series store. This is mandatory.
	Store Store
	// Alerts is the alert history table. This is mandatory.
	Alerts tablestore.Table
	// Devices resolves devices. This is mandatory.
	Devices DeviceSource
	// Rules evaluates telemetry. Without rules no alerts are raised.
	Rules *rules.Logic
	// Actions and Queue deliver alerts to mapped actions
	Actions *actions.Logic
	Queue   jobs.Queue
	Metrics *metrics.Metrics
}

// Logic implements telemetry ingestion and the dashboard
type Logic struct {
	store   Store
	alerts  tablestore.Table
	devices DeviceSource
	rules   *rules.Logic
	actions *actions.Logic
	queue   jobs.Queue
	metrics *metrics.Metrics
	now     func() time.Time
}

// New creates the telemetry logic
func New(b *Builder) *Logic {
	if b.Store == nil {
		panic("Store is missing")
	}
	if b.Alerts == nil {
		panic("Alerts is missing")
	}
	if b.Devices == nil {
		panic("Devices is missing")
	}
	return &Logic{
		store:   b.Store,
		alerts:  b.Alerts,
		devices: b.Devices,
		rules:   b.Rules,
		actions: b.Actions,
		queue:   b.Queue,
		metrics: b.Metrics,
		now:     time.Now,
	}
}

var metadataKeys = map[string]bool{"deviceid": true, "timestamp": true, "objecttype": true}

// ParsePayload parses a telemetry message. The message must be a JSON object whose
// values are numbers, except for the optional deviceId and timestamp (RFC 3339).
func ParsePayload(deviceID string, payload []byte, now time.Time) (Point, error) {
	var raw map[string]interface{}
	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.UseNumber()
	if err := decoder.Decode(&raw); err != nil || raw == nil {
		return Point{}, fmt.Errorf("%w: payload is not a JSON object", ErrInvalid)
	}
	point := Point{DeviceID: deviceID, Timestamp: now.UTC(), Fields: map[string]float64{}}
	for key, value := range raw {
		lower := strings.ToLower(key)
		if metadataKeys[lower] {
			s, _ := value.(string)
			switch lower {
			case "deviceid":
				if s != deviceID {
					return Point{}, fmt.Errorf("%w: telemetry of %s sent as %s", ErrInvalid, s, deviceID)
				}
			case "timestamp":
				t, err := time.Parse(time.RFC3339Nano, s)
				if err != nil {
					return Point{}, fmt.Errorf("%w: timestamp '%v'", ErrInvalid, value)
				}
				point.Timestamp = t.UTC()
			}
			continue
		}
		number, ok := value.(json.Number)
		if !ok {
			return Point{}, fmt.Errorf("%w: field '%s' is not a number", ErrInvalid, key)
		}
		f, err := strconv.ParseFloat(string(number), 64)
		if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
			return Point{}, fmt.Errorf("%w: field '%s' is not a number", ErrInvalid, key)
		}
		point.Fields[key] = f
	}
	if len(point.Fields) == 0 {
		return Point{}, fmt.Errorf("%w: no telemetry fields", ErrInvalid)
	}
	return point, nil
}

// Ingest stores telemetry of a device, evaluates the device's rules and raises the
// triggered alerts
func (l *Logic) Ingest(ctx context.Context, deviceID string, payload []byte) ([]AlertHistoryItem, error) {
	rlog := logger.FromContext(ctx)
	point, err := ParsePayload(deviceID, payload, l.now())
	if err != nil {
		l.metrics.TelemetryIngested("invalid")
		return nil, err
	}
	device, err := l.devices.GetDevice(ctx, deviceID)
	if errors.Is(err, devices.ErrNotFound) || (err == nil && !device.Enabled()) {
		l.metrics.TelemetryIngested("rejected")
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}
	if err != nil {
		l.metrics.TelemetryIngested("error")
		return nil, err
	}
	if err := l.store.Write(ctx, point); err != nil {
		l.metrics.TelemetryIngested("error")
		return nil, fmt.Errorf("cannot store telemetry of %s: %w", deviceID, err)
	}
	l.metrics.TelemetryIngested("ok")

	if l.rules == nil {
		return nil, nil
	}
	triggered, err := l.rules.Evaluate(ctx, deviceID, point.Fields)
	if err != nil {
		return nil, fmt.Errorf("cannot evaluate rules of %s: %w", deviceID, err)
	}
	var raised []AlertHistoryItem
	for _, alert := range triggered {
		item := AlertHistoryItem{
			DeviceID:   deviceID,
			RuleOutput: alert.RuleOutput,
			DataField:  alert.DataField,
			Value:      alert.Value,
			Threshold:  alert.Threshold,
			Timestamp:  point.Timestamp,
			Latitude:   device.DeviceProperties.Latitude,
			Longitude:  device.DeviceProperties.Longitude,
		}
		if err := l.recordAlert(ctx, item); err != nil {
			return raised, err
		}
		raised = append(raised, item)
		l.metrics.AlertRaised(alert.RuleOutput)
		rlog.Infof("alert %s on %s: %s=%v > %v", alert.RuleOutput, deviceID, alert.DataField, alert.Value, alert.Threshold)
		l.queueAction(ctx, item)
	}
	return raised, nil
}

func (l *Logic) queueAction(ctx context.Context, item AlertHistoryItem) {
	if l.actions == nil || l.queue == nil {
		return
	}
	rlog := logger.FromContext(ctx)
	actionID, err := l.actions.GetActionIDForRuleOutput(ctx, item.RuleOutput)
	if err != nil {
		rlog.WithError(err).Errorln("Error 4401: cannot read action mappings")
		return
	}
	if actionID == "" {
		return
	}
	err = l.actions.QueueAction(ctx, l.queue, actionID, actions.Payload{
		DeviceID:        item.DeviceID,
		MeasurementName: item.DataField,
		MeasuredValue:   item.Value,
		RuleOutput:      item.RuleOutput,
		Timestamp:       item.Timestamp,
	})
	if err != nil {
		rlog.WithError(err).Errorln("Error 4402: cannot queue action", actionID)
	}
}

var (
	minAlertTime = time.Unix(0, 0)
	maxAlertTime = time.Unix(0, math.MaxInt64)
)

// alertRowKey orders alerts of a device newest first. Timestamps outside of what
// UnixNano can represent after 1970 are clamped.
func alertRowKey(item AlertHistoryItem) string {
	var nanos int64
	switch {
	case item.Timestamp.Before(minAlertTime):
		nanos = 0
	case item.Timestamp.After(maxAlertTime):
		nanos = math.MaxInt64
	default:
		nanos = item.Timestamp.UnixNano()
	}
	return fmt.Sprintf("%019d_%s", math.MaxInt64-nanos, item.DataField)
}

func (l *Logic) recordAlert(ctx context.Context, item AlertHistoryItem) error {
	entity, err := tablestore.NewEntity(item.DeviceID, alertRowKey(item), item)
	if err != nil {
		return err
	}
	if _, err := l.alerts.Insert(ctx, entity); err != nil && !errors.Is(err, tablestore.ErrDuplicate) {
		return fmt.Errorf("cannot record alert of %s: %w", item.DeviceID, err)
	}
	return nil
}

func (l *Logic) queryAlerts(ctx context.Context, deviceID string, limit int, since time.Time) ([]AlertHistoryItem, error) {
	entities, err := l.alerts.Query(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	items := []AlertHistoryItem{}
	for _, e := range entities {
		var item AlertHistoryItem
		if err := e.Decode(&item); err != nil {
			return nil, err
		}
		if item.Timestamp.Before(since) {
			continue
		}
		items = append(items, item)
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].Timestamp.After(items[j].Timestamp) })
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

// LatestAlerts returns up to limit alerts of all devices raised after since, newest first
func (l *Logic) LatestAlerts(ctx context.Context, limit int, since time.Time) ([]AlertHistoryItem, error) {
	return l.queryAlerts(ctx, "", limit, since)
}

// DeviceAlerts returns up to limit alerts of a device raised after since, newest first
func (l *Logic) DeviceAlerts(ctx context.Context, deviceID string, limit int, since time.Time) ([]AlertHistoryItem, error) {
	if deviceID == "" {
		return []AlertHistoryItem{}, nil
	}
	return l.queryAlerts(ctx, deviceID, limit, since)
}

// DeleteDeviceAlerts removes the alert history of a removed device
func (l *Logic) DeleteDeviceAlerts(ctx context.Context, deviceID string) error {
	entities, err := l.alerts.Query(ctx, deviceID)
	if err != nil {
		return err
	}
	for _, e := range entities {
		if err := l.alerts.Delete(ctx, e.PartitionKey, e.RowKey, tablestore.AnyETag); err != nil && !errors.Is(err, tablestore.ErrNotFound) {
			return err
		}
	}
	return nil
}

// The time windows of the dashboard
const (
	DashboardWindow       = 24 * time.Hour
	DashboardPointLimit   = 100
	DashboardAlertsLimit  = 20
	DefaultAlertsLookback = 7 * 24 * time.Hour
)

// DashboardPane is the telemetry view of a device
type DashboardPane struct {
	DeviceID  string                   `json:"deviceId"`
	Fields    []devices.TelemetryField `json:"fields"`
	Telemetry []Point                  `json:"telemetry"`
	Summary   map[string]FieldSummary  `json:"summary"`
	Alerts    []AlertHistoryItem       `json:"alerts"`
	Since     time.Time                `json:"since"`
}

// DashboardPane returns latest telemetry, summary and recent alerts of a device
func (l *Logic) DashboardPane(ctx context.Context, deviceID string) (*DashboardPane, error) {
	device, err := l.devices.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	since := l.now().UTC().Add(-DashboardWindow)
	points, err := l.store.Latest(ctx, deviceID, since, DashboardPointLimit)
	if err != nil {
		return nil, err
	}
	summary, err := l.store.Summary(ctx, deviceID, since)
	if err != nil {
		return nil, err
	}
	alerts, err := l.DeviceAlerts(ctx, deviceID, DashboardAlertsLimit, since)
	if err != nil {
		return nil, err
	}
	fields := device.Telemetry
	if len(fields) == 0 {
		// devices without declared telemetry show what they sent
		names := map[string]bool{}
		for _, p := range points {
			for name := range p.Fields {
				names[name] = true
			}
		}
		for name := range names {
			fields = append(fields, devices.TelemetryField{Name: name, DisplayName: name, Type: devices.TypeDouble})
		}
		sort.Slice(fields, func(i, j int) bool { return fields[i].Name < fields[j].Name })
	}
	if points == nil {
		points = []Point{}
	}
	return &DashboardPane{
		DeviceID:  deviceID,
		Fields:    fields,
		Telemetry: points,
		Summary:   summary,
		Alerts:    alerts,
		Since:     since,
	}, nil
}

// DeviceLocation is a device on the map
type DeviceLocation struct {
	DeviceID  string  `json:"deviceId"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Status    string  `json:"status"`
}

// The location states
const (
	LocationStatusNormal  = "normal"
	LocationStatusCaution = "caution"
	LocationStatusAlert   = "alert"
)

// DeviceLocations returns the devices with a location. Devices with alerts within
// the last hour are in alert state.
func (l *Logic) DeviceLocations(ctx context.Context) ([]DeviceLocation, error) {
	list, _, err := l.devices.ListDevices(ctx, docstore.Query{
		Clauses: []docstore.Clause{
			{Path: "deviceProperties.latitude", Operator: docstore.Exists},
			{Path: "deviceProperties.longitude", Operator: docstore.Exists},
		},
	})
	if err != nil {
		return nil, err
	}
	recent, err := l.LatestAlerts(ctx, 0, l.now().Add(-time.Hour))
	if err != nil {
		return nil, err
	}
	alerting := map[string]bool{}
	for _, a := range recent {
		alerting[a.DeviceID] = true
	}
	locations := []DeviceLocation{}
	for _, d := range list {
		p := d.DeviceProperties
		if p.Latitude == nil || p.Longitude == nil {
			continue
		}
		status := LocationStatusNormal
		switch {
		case alerting[d.ID()] || p.DeviceState == devices.StateAlert:
			status = LocationStatusAlert
		case p.DeviceState == devices.StateCaution:
			status = LocationStatusCaution
		}
		locations = append(locations, DeviceLocation{DeviceID: d.ID(), Latitude: pointers.SafeFloat64(p.Latitude), Longitude: pointers.SafeFloat64(p.Longitude), Status: status})
	}
	return locations, nil
}
