package twin

import (
	"errors"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func props(t *testing.T, s string) Properties {
	t.Helper()
	p := Properties{}
	require.NoError(t, json.Unmarshal([]byte(s), &p))
	return p
}

func TestMergePatch(t *testing.T) {
	target := props(t, `{"a":"b","c":{"d":"e","f":"g"},"keep":1}`)
	patch := props(t, `{"a":"z","c":{"f":null,"h":[1,2]},"new":{"x":true}}`)
	result := MergePatch(target, patch)

	expected := props(t, `{"a":"z","c":{"d":"e","h":[1,2]},"keep":1,"new":{"x":true}}`)
	assert.Equal(t, expected, result)

	// replacing an object by a scalar and vice versa
	result = MergePatch(props(t, `{"a":{"b":1},"c":2}`), props(t, `{"a":3,"c":{"d":4}}`))
	assert.Equal(t, props(t, `{"a":3,"c":{"d":4}}`), result)
}

func TestPatchVersion(t *testing.T) {
	tw := New()
	changed, err := tw.Patch(SectionTags, Properties{"building": "43"})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.EqualValues(t, 1, tw.Version)

	changed, err = tw.Patch(SectionTags, Properties{"building": "43"})
	require.NoError(t, err)
	assert.False(t, changed, "equal patch does not change the twin")
	assert.EqualValues(t, 1, tw.Version)

	changed, err = tw.Patch(SectionTags, Properties{"building": nil})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Empty(t, tw.Tags)

	_, err = tw.Patch("other", Properties{})
	assert.Error(t, err)
}

func TestFlattenAndUnflatten(t *testing.T) {
	p := props(t, `{"config":{"interval":30,"mode":"eco"},"location":"lab","list":[1,2],"empty":{}}`)
	flat := Flatten(p)
	assert.Equal(t, map[string]interface{}{
		"config.interval": float64(30),
		"config.mode":     "eco",
		"location":        "lab",
		"list":            []interface{}{float64(1), float64(2)},
	}, flat)

	back, err := Unflatten(flat)
	require.NoError(t, err)
	assert.Equal(t, props(t, `{"config":{"interval":30,"mode":"eco"},"location":"lab","list":[1,2]}`), back)

	_, err = Unflatten(map[string]interface{}{"a": 1, "a.b": 2})
	assert.True(t, errors.Is(err, ErrInvalidPath))
}

func TestGetSet(t *testing.T) {
	p := Properties{}
	require.NoError(t, Set(p, "config.telemetry.interval", 10))
	v, ok := Get(p, "config.telemetry.interval")
	assert.True(t, ok)
	assert.Equal(t, 10, v)

	_, ok = Get(p, "config.missing")
	assert.False(t, ok)
	_, ok = Get(p, "config.telemetry.interval.deeper")
	assert.False(t, ok)

	require.NoError(t, Set(p, "config.telemetry.interval", nil))
	_, ok = Get(p, "config.telemetry.interval")
	assert.False(t, ok)
	require.NoError(t, Set(p, "not.there", nil), "removing a missing path is fine")

	assert.Error(t, Set(p, "", 1))
	assert.Error(t, Set(p, "a..b", 1))
	require.NoError(t, Set(p, "scalar", 1))
	assert.True(t, errors.Is(Set(p, "scalar.x", 1), ErrInvalidPath))
}

func TestDiff(t *testing.T) {
	from := map[string]interface{}{"a.b": 1, "a.c": 2, "d": "x", "e.f": 1}
	to := map[string]interface{}{"a.b": 1, "a.c": 3, "g": true, "e": 5}
	patch, err := Diff(from, to)
	require.NoError(t, err)
	assert.Equal(t, Properties{
		"a": map[string]interface{}{"c": 3},
		"d": nil,
		"g": true,
		"e": 5,
	}, patch)

	// applying the patch to the original yields the target
	original, _ := Unflatten(from)
	assert.Equal(t, to, Flatten(MergePatch(original, patch)))
}

func TestFlatTwin(t *testing.T) {
	tw := New()
	tw.Tags["building"] = "43"
	tw.Desired["config"] = map[string]interface{}{"interval": 30}
	flat := tw.Flat()
	assert.Equal(t, "43", flat["tags.building"])
	assert.Equal(t, 30, flat["desired.config.interval"])
	assert.Len(t, flat, 2)
}

func TestStructCopy(t *testing.T) {
	type editModel struct {
		Building string  `json:"building"`
		Floor    int     `json:"floor"`
		Ratio    float64 `json:"ratio,omitempty"`
	}
	var m editModel
	require.NoError(t, ToStruct(Properties{"building": "43", "floor": 2.0, "ignored": true}, &m))
	assert.Equal(t, editModel{Building: "43", Floor: 2}, m)

	p, err := FromStruct(m)
	require.NoError(t, err)
	assert.Equal(t, Properties{"building": "43", "floor": float64(2)}, p)
}
