/*Package rules manages threshold rules on device telemetry.

A rule raises its rule output when the telemetry value of its data field is
greater than the threshold. There is at most one rule per device and data
field. After every change the enabled rules are exported to the blob store as
reference data for stream processing, keeping the newest exports only.
*/
package rules

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/relabs-tech/devicemanager/core/blobstore"
	"github.com/relabs-tech/devicemanager/core/logger"
	"github.com/relabs-tech/devicemanager/core/schema"
	"github.com/relabs-tech/devicemanager/core/tablestore"
)

// TableName is the name of the rule table
const TableName = "devicerules"

// OperatorGreaterThan is the only supported operator
const OperatorGreaterThan = ">"

// The rule outputs
const (
	RuleOutputAlarmTemp     = "AlarmTemp"
	RuleOutputAlarmHumidity = "AlarmHumidity"
)

// RuleOutputs are the rule outputs a rule can raise
var RuleOutputs = []string{RuleOutputAlarmTemp, RuleOutputAlarmHumidity}

// DefaultDataFields are offered for devices which do not declare telemetry
var DefaultDataFields = []string{"Temperature", "Humidity"}

// The export of the rules to the blob store
const (
	ExportPrefix   = "devicerules/"
	ExportFileName = "devicerules.json"
	// KeptExports is the number of exports kept in the blob store
	KeptExports = 5
)

var (
	// ErrNotFound is returned for unknown rules
	ErrNotFound = errors.New("rule not found")
	// ErrInvalid is returned for invalid rules
	ErrInvalid = errors.New("invalid rule")
	// ErrConflict is returned when the rule was modified concurrently
	ErrConflict = errors.New("rule was modified")
	// ErrDuplicate is returned when the device has another rule for the data field
	ErrDuplicate = errors.New("the device already has a rule for this data field")
)

// DeviceRule is a threshold rule
type DeviceRule struct {
	RuleID       string  `json:"ruleId"`
	DeviceID     string  `json:"deviceId"`
	DataField    string  `json:"dataField"`
	Operator     string  `json:"operator"`
	Threshold    float64 `json:"threshold"`
	RuleOutput   string  `json:"ruleOutput"`
	EnabledState bool    `json:"enabledState"`
	ETag         string  `json:"etag,omitempty"`
}

// ParseThreshold parses a threshold entered by a user
func ParseThreshold(threshold string) (float64, error) {
	value, err := strconv.ParseFloat(strings.TrimSpace(threshold), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: threshold '%s' is not a number", ErrInvalid, threshold)
	}
	if !finite(value) {
		return 0, fmt.Errorf("%w: threshold '%s' is not a finite number", ErrInvalid, threshold)
	}
	return value, nil
}

func finite(value float64) bool {
	return !math.IsNaN(value) && !math.IsInf(value, 0)
}

// Alert is a rule triggered by telemetry
type Alert struct {
	RuleID     string  `json:"ruleId"`
	DeviceID   string  `json:"deviceId"`
	DataField  string  `json:"dataField"`
	RuleOutput string  `json:"ruleOutput"`
	Value      float64 `json:"value"`
	Threshold  float64 `json:"threshold"`
}

// ExportEntry is a rule in the reference data export
type ExportEntry struct {
	DeviceID   string  `json:"deviceId"`
	DataField  string  `json:"dataField"`
	Threshold  float64 `json:"threshold"`
	RuleOutput string  `json:"ruleOutput"`
}

// Builder is a builder helper for the rule logic
type Builder struct {
	// Table holds the rules. This is mandatory.
	Table tablestore.Table
	// Blobs receives the rule exports. Without blob store nothing is exported.
	Blobs blobstore.Driver
	// Validator validates rules, defaults to the built-in schemas
	Validator *schema.Validator
}

// Logic implements the rule operations
type Logic struct {
	table     tablestore.Table
	blobs     blobstore.Driver
	validator *schema.Validator
	now       func() time.Time
}

// New creates the rule logic
func New(b *Builder) *Logic {
	if b.Table == nil {
		panic("Table is missing")
	}
	l := &Logic{table: b.Table, blobs: b.Blobs, validator: b.Validator, now: time.Now}
	if l.validator == nil {
		l.validator = schema.Builtin()
	}
	return l
}

func decodeRule(e tablestore.Entity) (DeviceRule, error) {
	var rule DeviceRule
	if err := e.Decode(&rule); err != nil {
		return rule, err
	}
	rule.ETag = e.ETag
	return rule, nil
}

func decodeRules(entities []tablestore.Entity) ([]DeviceRule, error) {
	rules := make([]DeviceRule, 0, len(entities))
	for _, e := range entities {
		rule, err := decodeRule(e)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// GetAllRules returns all rules ordered by device id and data field
func (l *Logic) GetAllRules(ctx context.Context) ([]DeviceRule, error) {
	entities, err := l.table.Query(ctx, "")
	if err != nil {
		return nil, err
	}
	return decodeRules(entities)
}

// GetRulesForDevice returns the rules of a device
func (l *Logic) GetRulesForDevice(ctx context.Context, deviceID string) ([]DeviceRule, error) {
	entities, err := l.table.Query(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	return decodeRules(entities)
}

// GetDeviceRule returns a rule by device id and rule id
func (l *Logic) GetDeviceRule(ctx context.Context, deviceID, ruleID string) (*DeviceRule, error) {
	rules, err := l.GetRulesForDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	for i := range rules {
		if rules[i].RuleID == ruleID {
			return &rules[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, deviceID, ruleID)
}

// GetNewRule returns the template of a new rule for a device
func (l *Logic) GetNewRule(deviceID string) DeviceRule {
	return DeviceRule{DeviceID: deviceID, Operator: OperatorGreaterThan, EnabledState: true}
}

func (l *Logic) validate(rule *DeviceRule) error {
	rule.DataField = strings.TrimSpace(rule.DataField)
	if rule.Operator == "" {
		rule.Operator = OperatorGreaterThan
	}
	if !finite(rule.Threshold) {
		return fmt.Errorf("%w: threshold %v is not a finite number", ErrInvalid, rule.Threshold)
	}
	if err := l.validator.ValidateStruct(rule, schema.RuleSchemaID); err != nil {
		if errors.Is(err, schema.ErrInvalid) {
			return fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		return err
	}
	return nil
}

// SaveDeviceRule creates or updates a rule. A rule without rule id is new. Updates
// must present the rule's ETag; on ErrConflict and ErrDuplicate the currently
// stored rule is returned with the error.
func (l *Logic) SaveDeviceRule(ctx context.Context, rule DeviceRule) (*DeviceRule, error) {
	if err := l.validate(&rule); err != nil {
		return nil, err
	}
	var previous *DeviceRule
	if rule.RuleID == "" {
		rule.RuleID = uuid.New().String()
		rule.ETag = ""
	} else {
		existing, err := l.GetDeviceRule(ctx, rule.DeviceID, rule.RuleID)
		if err != nil {
			return nil, err
		}
		if existing.DataField != rule.DataField {
			if rule.ETag != existing.ETag {
				return existing, fmt.Errorf("%w: %s/%s", ErrConflict, rule.DeviceID, rule.RuleID)
			}
			// the rule moves to another row
			previous = existing
			rule.ETag = ""
		}
	}

	entity, err := tablestore.NewEntity(rule.DeviceID, rule.DataField, rule)
	if err != nil {
		return nil, err
	}
	entity.ETag = rule.ETag
	response := tablestore.DoInsertOrReplace(ctx, l.table, entity)
	switch response.Status {
	case tablestore.Successful:
	case tablestore.ConflictError, tablestore.DuplicateInsert:
		if response.Entity == nil {
			return nil, fmt.Errorf("%w: %s/%s", ErrConflict, rule.DeviceID, rule.DataField)
		}
		current, err := decodeRule(*response.Entity)
		if err != nil {
			return nil, err
		}
		if current.RuleID != rule.RuleID {
			return &current, fmt.Errorf("%w: %s/%s", ErrDuplicate, rule.DeviceID, rule.DataField)
		}
		return &current, fmt.Errorf("%w: %s/%s", ErrConflict, rule.DeviceID, rule.RuleID)
	case tablestore.NotFound:
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, rule.DeviceID, rule.RuleID)
	default:
		return nil, response.Err
	}

	rule.ETag = response.Entity.ETag
	if previous != nil {
		err := l.table.Delete(ctx, previous.DeviceID, previous.DataField, previous.ETag)
		if err != nil && !errors.Is(err, tablestore.ErrNotFound) {
			logger.FromContext(ctx).WithError(err).Errorln("could not remove the previous row of rule", rule.RuleID)
		}
	}
	logger.FromContext(ctx).Infof("saved rule %s of %s: %s %s %v -> %s", rule.RuleID, rule.DeviceID, rule.DataField, rule.Operator, rule.Threshold, rule.RuleOutput)
	l.exportRules(ctx)
	return &rule, nil
}

// UpdateDeviceRuleEnabledState enables or disables a rule
func (l *Logic) UpdateDeviceRuleEnabledState(ctx context.Context, deviceID, ruleID string, enabled bool) (*DeviceRule, error) {
	for attempt := 0; attempt < 3; attempt++ {
		rule, err := l.GetDeviceRule(ctx, deviceID, ruleID)
		if err != nil {
			return nil, err
		}
		rule.EnabledState = enabled
		entity, err := tablestore.NewEntity(rule.DeviceID, rule.DataField, rule)
		if err != nil {
			return nil, err
		}
		entity.ETag = rule.ETag
		response := tablestore.DoInsertOrReplace(ctx, l.table, entity)
		switch response.Status {
		case tablestore.Successful:
			rule.ETag = response.Entity.ETag
			l.exportRules(ctx)
			return rule, nil
		case tablestore.ConflictError, tablestore.NotFound:
			continue
		default:
			return nil, response.Err
		}
	}
	return nil, fmt.Errorf("%w: %s/%s was modified too often", ErrConflict, deviceID, ruleID)
}

// DeleteDeviceRule deletes a rule
func (l *Logic) DeleteDeviceRule(ctx context.Context, deviceID, ruleID string) error {
	rule, err := l.GetDeviceRule(ctx, deviceID, ruleID)
	if err != nil {
		return err
	}
	response := tablestore.DoDelete(ctx, l.table, tablestore.Entity{PartitionKey: rule.DeviceID, RowKey: rule.DataField})
	switch response.Status {
	case tablestore.Successful:
	case tablestore.NotFound:
		return fmt.Errorf("%w: %s/%s", ErrNotFound, deviceID, ruleID)
	default:
		return response.Err
	}
	logger.FromContext(ctx).Infoln("deleted rule", ruleID, "of", deviceID)
	l.exportRules(ctx)
	return nil
}

// DeleteAllRulesForDevice deletes the rules of a removed device
func (l *Logic) DeleteAllRulesForDevice(ctx context.Context, deviceID string) error {
	rules, err := l.GetRulesForDevice(ctx, deviceID)
	if err != nil {
		return err
	}
	if len(rules) == 0 {
		return nil
	}
	for _, rule := range rules {
		err := l.table.Delete(ctx, rule.DeviceID, rule.DataField, tablestore.AnyETag)
		if err != nil && !errors.Is(err, tablestore.ErrNotFound) {
			return err
		}
	}
	logger.FromContext(ctx).Infof("deleted %d rules of %s", len(rules), deviceID)
	l.exportRules(ctx)
	return nil
}

// BootstrapDefaultRules adds the default temperature and humidity rules to the devices
// which do not have rules for these fields yet
func (l *Logic) BootstrapDefaultRules(ctx context.Context, deviceIDs []string) (int, error) {
	added := 0
	for _, deviceID := range deviceIDs {
		for _, rule := range []DeviceRule{
			{DeviceID: deviceID, DataField: "Temperature", Threshold: 38, RuleOutput: RuleOutputAlarmTemp},
			{DeviceID: deviceID, DataField: "Humidity", Threshold: 48, RuleOutput: RuleOutputAlarmHumidity},
		} {
			if _, err := l.table.Get(ctx, rule.DeviceID, rule.DataField); err == nil {
				continue
			} else if !errors.Is(err, tablestore.ErrNotFound) {
				return added, err
			}
			rule.Operator = OperatorGreaterThan
			rule.EnabledState = true
			rule.RuleID = uuid.New().String()
			if err := l.validate(&rule); err != nil {
				return added, err
			}
			entity, err := tablestore.NewEntity(rule.DeviceID, rule.DataField, rule)
			if err != nil {
				return added, err
			}
			if _, err := l.table.Insert(ctx, entity); err != nil && !errors.Is(err, tablestore.ErrDuplicate) {
				return added, err
			}
			added++
		}
	}
	if added > 0 {
		logger.FromContext(ctx).Infof("bootstrapped %d default rules", added)
		l.exportRules(ctx)
	}
	return added, nil
}

// GetAvailableFields returns the data fields of the device which are not used by
// another rule. fields are the telemetry fields the device declares. The data field
// of rule ruleID remains available to that rule.
func (l *Logic) GetAvailableFields(ctx context.Context, deviceID, ruleID string, fields []string) ([]string, error) {
	if len(fields) == 0 {
		fields = DefaultDataFields
	}
	rules, err := l.GetRulesForDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	used := map[string]bool{}
	for _, rule := range rules {
		if rule.RuleID != ruleID {
			used[rule.DataField] = true
		}
	}
	available := []string{}
	for _, field := range fields {
		if !used[field] {
			available = append(available, field)
		}
	}
	return available, nil
}

// GetAvailableRuleOutputs returns the rule outputs a rule can raise
func (l *Logic) GetAvailableRuleOutputs() []string {
	return append([]string(nil), RuleOutputs...)
}

// Evaluate returns the alerts the telemetry of a device triggers
func (l *Logic) Evaluate(ctx context.Context, deviceID string, telemetry map[string]float64) ([]Alert, error) {
	rules, err := l.GetRulesForDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	var alerts []Alert
	for _, rule := range rules {
		if !rule.EnabledState {
			continue
		}
		value, ok := telemetry[rule.DataField]
		if !ok || rule.Operator != OperatorGreaterThan {
			continue
		}
		if value > rule.Threshold {
			alerts = append(alerts, Alert{
				RuleID:     rule.RuleID,
				DeviceID:   deviceID,
				DataField:  rule.DataField,
				RuleOutput: rule.RuleOutput,
				Value:      value,
				Threshold:  rule.Threshold,
			})
		}
	}
	return alerts, nil
}

// CountDevicesPerRuleOutput returns the number of devices with enabled rules per rule output
func (l *Logic) CountDevicesPerRuleOutput(ctx context.Context) (map[string]int, error) {
	rules, err := l.GetAllRules(ctx)
	if err != nil {
		return nil, err
	}
	devices := map[string]map[string]bool{}
	for _, rule := range rules {
		if !rule.EnabledState {
			continue
		}
		if devices[rule.RuleOutput] == nil {
			devices[rule.RuleOutput] = map[string]bool{}
		}
		devices[rule.RuleOutput][rule.DeviceID] = true
	}
	counts := map[string]int{}
	for output, ids := range devices {
		counts[output] = len(ids)
	}
	return counts, nil
}

// exportRules writes the enabled rules to the blob store and removes old exports.
// Failures are logged, the rule table stays the source of truth.
func (l *Logic) exportRules(ctx context.Context) {
	if l.blobs == nil {
		return
	}
	if err := l.ExportRules(ctx); err != nil {
		logger.FromContext(ctx).WithError(err).Errorln("could not export rules")
	}
}

// ExportRules writes the enabled rules to devicerules/{timestamp}/devicerules.json and
// keeps the newest KeptExports exports
func (l *Logic) ExportRules(ctx context.Context) error {
	if l.blobs == nil {
		return errors.New("no blob store configured")
	}
	rules, err := l.GetAllRules(ctx)
	if err != nil {
		return err
	}
	entries := []ExportEntry{}
	for _, rule := range rules {
		if rule.EnabledState {
			entries = append(entries, ExportEntry{
				DeviceID:   rule.DeviceID,
				DataField:  rule.DataField,
				Threshold:  rule.Threshold,
				RuleOutput: rule.RuleOutput,
			})
		}
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	key := ExportPrefix + l.now().UTC().Format("2006-01-02T15-04-05.000000000Z") + "/" + ExportFileName
	if _, err := l.blobs.UploadData(ctx, key, data); err != nil {
		return err
	}

	keys, err := l.blobs.ListAllWithPrefix(ctx, ExportPrefix)
	if err != nil {
		return err
	}
	var exports []string
	for _, k := range keys {
		if strings.HasSuffix(k, "/"+ExportFileName) {
			exports = append(exports, k)
		}
	}
	sort.Strings(exports)
	for len(exports) > KeptExports {
		if err := l.blobs.Delete(ctx, exports[0]); err != nil && !errors.Is(err, blobstore.ErrNotFound) {
			return err
		}
		exports = exports[1:]
	}
	return nil
}

// LatestExport returns the key of the newest rule export
func (l *Logic) LatestExport(ctx context.Context) (string, error) {
	if l.blobs == nil {
		return "", errors.New("no blob store configured")
	}
	keys, err := l.blobs.ListAllWithPrefix(ctx, ExportPrefix)
	if err != nil {
		return "", err
	}
	sort.Strings(keys)
	for i := len(keys) - 1; i >= 0; i-- {
		if strings.HasSuffix(keys[i], "/"+ExportFileName) {
			return keys[i], nil
		}
	}
	return "", fmt.Errorf("%w: no export", ErrNotFound)
}

// LatestExportURL returns the key of the newest rule export and a pre-signed URL
// to download it within expireIn
func (l *Logic) LatestExportURL(ctx context.Context, expireIn time.Duration) (string, string, error) {
	key, err := l.LatestExport(ctx)
	if err != nil {
		return "", "", err
	}
	u, err := l.blobs.GetPreSignedURL(blobstore.Get, key, expireIn)
	if err != nil {
		return "", "", err
	}
	return key, u, nil
}
