package rules

import (
	"context"
	"errors"
	"math"
	"net/url"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/relabs-tech/devicemanager/core/blobstore"
	"github.com/relabs-tech/devicemanager/core/tablestore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLogic(t *testing.T) (*Logic, blobstore.Driver) {
	blobs, err := blobstore.NewLocalFilesystem(nil, t.TempDir(), url.URL{Scheme: "http", Host: "localhost"}, nil)
	require.NoError(t, err)
	l := New(&Builder{Table: tablestore.NewMemory(TableName), Blobs: blobs})
	clock := time.Date(2021, 3, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	return l, blobs
}

func TestSaveDeviceRule(t *testing.T) {
	ctx := context.Background()
	l, _ := newLogic(t)

	rule := l.GetNewRule("dev-1")
	rule.DataField = "Temperature"
	rule.Threshold = 38
	rule.RuleOutput = RuleOutputAlarmTemp
	saved, err := l.SaveDeviceRule(ctx, rule)
	require.NoError(t, err)
	assert.NotEmpty(t, saved.RuleID)
	assert.NotEmpty(t, saved.ETag)

	// one rule per device and data field
	duplicate := rule
	current, err := l.SaveDeviceRule(ctx, duplicate)
	assert.True(t, errors.Is(err, ErrDuplicate), err)
	require.NotNil(t, current)
	assert.Equal(t, saved.RuleID, current.RuleID)

	update := *saved
	update.Threshold = 40
	updated, err := l.SaveDeviceRule(ctx, update)
	require.NoError(t, err)
	assert.Equal(t, 40.0, updated.Threshold)

	// stale etag
	stale := *saved
	stale.Threshold = 10
	current, err = l.SaveDeviceRule(ctx, stale)
	assert.True(t, errors.Is(err, ErrConflict), err)
	assert.Equal(t, 40.0, current.Threshold, "the caller gets the stored rule")

	// moving a rule to another data field
	moved := *updated
	moved.DataField = "Humidity"
	moved.RuleOutput = RuleOutputAlarmHumidity
	_, err = l.SaveDeviceRule(ctx, moved)
	require.NoError(t, err)
	all, err := l.GetAllRules(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "Humidity", all[0].DataField)

	invalid := l.GetNewRule("dev-1")
	invalid.DataField = "Temperature"
	invalid.Operator = "<"
	invalid.RuleOutput = RuleOutputAlarmTemp
	_, err = l.SaveDeviceRule(ctx, invalid)
	assert.True(t, errors.Is(err, ErrInvalid), err)

	invalid.Operator = ""
	invalid.RuleOutput = ""
	_, err = l.SaveDeviceRule(ctx, invalid)
	assert.True(t, errors.Is(err, ErrInvalid), err)

	_, err = l.SaveDeviceRule(ctx, DeviceRule{RuleID: "unknown", DeviceID: "dev-1", DataField: "x", RuleOutput: "y"})
	assert.True(t, errors.Is(err, ErrNotFound), err)
}

func TestParseThreshold(t *testing.T) {
	value, err := ParseThreshold(" 38.5 ")
	require.NoError(t, err)
	assert.Equal(t, 38.5, value)
	_, err = ParseThreshold("hot")
	assert.True(t, errors.Is(err, ErrInvalid))

	for _, threshold := range []string{"NaN", "Inf", "-Inf", "Infinity", "+infinity"} {
		_, err = ParseThreshold(threshold)
		assert.True(t, errors.Is(err, ErrInvalid), threshold)
	}
}

func TestSaveRejectsNonFiniteThreshold(t *testing.T) {
	ctx := context.Background()
	l, _ := newLogic(t)

	for _, threshold := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		_, err := l.SaveDeviceRule(ctx, DeviceRule{
			DeviceID:     "dev-1",
			DataField:    "Temperature",
			Threshold:    threshold,
			RuleOutput:   RuleOutputAlarmTemp,
			EnabledState: true,
		})
		assert.True(t, errors.Is(err, ErrInvalid), err)
	}
	stored, err := l.GetRulesForDevice(ctx, "dev-1")
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestEnabledStateAndDelete(t *testing.T) {
	ctx := context.Background()
	l, _ := newLogic(t)

	added, err := l.BootstrapDefaultRules(ctx, []string{"dev-1", "dev-2"})
	require.NoError(t, err)
	assert.Equal(t, 4, added)
	added, err = l.BootstrapDefaultRules(ctx, []string{"dev-1"})
	require.NoError(t, err)
	assert.Equal(t, 0, added)

	rules, err := l.GetRulesForDevice(ctx, "dev-1")
	require.NoError(t, err)
	require.Len(t, rules, 2)
	temperature := rules[1]
	assert.Equal(t, "Temperature", temperature.DataField)

	alerts, err := l.Evaluate(ctx, "dev-1", map[string]float64{"Temperature": 39, "Humidity": 30})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, RuleOutputAlarmTemp, alerts[0].RuleOutput)
	assert.Equal(t, 39.0, alerts[0].Value)

	disabled, err := l.UpdateDeviceRuleEnabledState(ctx, "dev-1", temperature.RuleID, false)
	require.NoError(t, err)
	assert.False(t, disabled.EnabledState)
	alerts, err = l.Evaluate(ctx, "dev-1", map[string]float64{"Temperature": 39})
	require.NoError(t, err)
	assert.Empty(t, alerts)

	counts, err := l.CountDevicesPerRuleOutput(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{RuleOutputAlarmTemp: 1, RuleOutputAlarmHumidity: 2}, counts)

	fields, err := l.GetAvailableFields(ctx, "dev-1", "", []string{"Temperature", "Humidity", "ExternalTemperature"})
	require.NoError(t, err)
	assert.Equal(t, []string{"ExternalTemperature"}, fields)
	fields, err = l.GetAvailableFields(ctx, "dev-1", temperature.RuleID, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"Temperature"}, fields)

	require.NoError(t, l.DeleteDeviceRule(ctx, "dev-1", temperature.RuleID))
	assert.True(t, errors.Is(l.DeleteDeviceRule(ctx, "dev-1", temperature.RuleID), ErrNotFound))
	_, err = l.GetDeviceRule(ctx, "dev-1", temperature.RuleID)
	assert.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, l.DeleteAllRulesForDevice(ctx, "dev-2"))
	all, err := l.GetAllRules(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestExport(t *testing.T) {
	ctx := context.Background()
	l, blobs := newLogic(t)

	_, err := l.BootstrapDefaultRules(ctx, []string{"dev-1"})
	require.NoError(t, err)
	rules, err := l.GetRulesForDevice(ctx, "dev-1")
	require.NoError(t, err)
	for i := 0; i < 6; i++ {
		_, err := l.UpdateDeviceRuleEnabledState(ctx, "dev-1", rules[0].RuleID, i%2 == 1)
		require.NoError(t, err)
	}

	keys, err := blobs.ListAllWithPrefix(ctx, ExportPrefix)
	require.NoError(t, err)
	assert.Len(t, keys, KeptExports)

	latest, err := l.LatestExport(ctx)
	require.NoError(t, err)
	assert.Equal(t, keys[len(keys)-1], latest)
	blob, err := blobs.Download(ctx, latest)
	require.NoError(t, err)
	var entries []ExportEntry
	require.NoError(t, json.Unmarshal(blob.Data, &entries))
	// the last change enabled the humidity rule again
	assert.Len(t, entries, 2)
}
