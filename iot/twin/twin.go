package twin

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// Sections of a twin
const (
	SectionTags     = "tags"
	SectionDesired  = "desired"
	SectionReported = "reported"
)

// ErrInvalidPath is returned for empty paths or paths which run through a non-object value
var ErrInvalidPath = errors.New("invalid twin path")

// Properties is a section of the twin
type Properties map[string]interface{}

// Twin is the device twin
type Twin struct {
	Tags      Properties `json:"tags"`
	Desired   Properties `json:"desired"`
	Reported  Properties `json:"reported"`
	Version   int64      `json:"version"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// New returns an empty twin
func New() Twin {
	return Twin{Tags: Properties{}, Desired: Properties{}, Reported: Properties{}}
}

// Section returns the properties of a section by name
func (t *Twin) Section(name string) (Properties, error) {
	switch name {
	case SectionTags:
		if t.Tags == nil {
			t.Tags = Properties{}
		}
		return t.Tags, nil
	case SectionDesired:
		if t.Desired == nil {
			t.Desired = Properties{}
		}
		return t.Desired, nil
	case SectionReported:
		if t.Reported == nil {
			t.Reported = Properties{}
		}
		return t.Reported, nil
	}
	return nil, fmt.Errorf("unknown twin section '%s'", name)
}

// Patch applies a merge patch to a section and bumps the version. It returns
// true if the section was changed.
func (t *Twin) Patch(section string, patch Properties) (bool, error) {
	current, err := t.Section(section)
	if err != nil {
		return false, err
	}
	before := Flatten(current)
	MergePatch(current, patch)
	if reflect.DeepEqual(before, Flatten(current)) {
		return false, nil
	}
	t.Version++
	t.UpdatedAt = time.Now().UTC()
	return true, nil
}

// Flat returns all sections of the twin flattened with the section name as first path element
func (t Twin) Flat() map[string]interface{} {
	result := map[string]interface{}{}
	for name, section := range map[string]Properties{SectionTags: t.Tags, SectionDesired: t.Desired, SectionReported: t.Reported} {
		for k, v := range Flatten(section) {
			result[name+"."+k] = v
		}
	}
	return result
}

// MergePatch applies patch to target following JSON merge patch rules. Objects are
// merged recursively, null removes a key, everything else replaces.
func MergePatch(target Properties, patch Properties) Properties {
	if target == nil {
		target = Properties{}
	}
	for key, value := range patch {
		if value == nil {
			delete(target, key)
			continue
		}
		patchObject, isObject := asObject(value)
		if !isObject {
			target[key] = value
			continue
		}
		existing, ok := asObject(target[key])
		if !ok {
			existing = Properties{}
		}
		target[key] = map[string]interface{}(MergePatch(existing, patchObject))
	}
	return target
}

func asObject(v interface{}) (Properties, bool) {
	switch o := v.(type) {
	case map[string]interface{}:
		return Properties(o), true
	case Properties:
		return o, true
	}
	return nil, false
}

// Flatten returns the leaves of properties as dotted paths. Arrays are leaves. Empty
// objects are omitted.
func Flatten(properties Properties) map[string]interface{} {
	result := map[string]interface{}{}
	var walk func(prefix string, m Properties)
	walk = func(prefix string, m Properties) {
		for k, v := range m {
			path := k
			if prefix != "" {
				path = prefix + "." + k
			}
			if o, ok := asObject(v); ok {
				walk(path, o)
				continue
			}
			result[path] = v
		}
	}
	walk("", properties)
	return result
}

// Unflatten turns dotted paths back into nested properties
func Unflatten(flat map[string]interface{}) (Properties, error) {
	result := Properties{}
	paths := make([]string, 0, len(flat))
	for path := range flat {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	for _, path := range paths {
		if err := Set(result, path, flat[path]); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// Get returns the value at a dotted path
func Get(properties Properties, path string) (interface{}, bool) {
	if path == "" {
		return nil, false
	}
	current := properties
	elements := strings.Split(path, ".")
	for i, element := range elements {
		value, ok := current[element]
		if !ok {
			return nil, false
		}
		if i == len(elements)-1 {
			return value, true
		}
		if current, ok = asObject(value); !ok {
			return nil, false
		}
	}
	return nil, false
}

// Set sets the value at a dotted path and creates intermediate objects. A nil value
// removes the path.
func Set(properties Properties, path string, value interface{}) error {
	if path == "" {
		return ErrInvalidPath
	}
	elements := strings.Split(path, ".")
	current := properties
	for _, element := range elements[:len(elements)-1] {
		if element == "" {
			return fmt.Errorf("%w: %s", ErrInvalidPath, path)
		}
		next, exists := current[element]
		if !exists || next == nil {
			if value == nil {
				return nil
			}
			created := map[string]interface{}{}
			current[element] = created
			current = created
			continue
		}
		o, ok := asObject(next)
		if !ok {
			return fmt.Errorf("%w: %s runs through a value", ErrInvalidPath, path)
		}
		current = o
	}
	last := elements[len(elements)-1]
	if last == "" {
		return fmt.Errorf("%w: %s", ErrInvalidPath, path)
	}
	if value == nil {
		delete(current, last)
		return nil
	}
	current[last] = value
	return nil
}

// Diff returns the merge patch which turns the flat key set from into to. Removed keys
// map to nil.
func Diff(from, to map[string]interface{}) (Properties, error) {
	changes := map[string]interface{}{}
	for path, value := range to {
		if old, ok := from[path]; !ok || !reflect.DeepEqual(old, value) {
			changes[path] = value
		}
	}
	patch, err := Unflatten(changes)
	if err != nil {
		return nil, err
	}
	for path := range from {
		if _, ok := to[path]; !ok {
			if err := setNull(patch, path); err != nil {
				return nil, err
			}
		}
	}
	return patch, nil
}

// setNull marks a path as removed in a merge patch
func setNull(patch Properties, path string) error {
	elements := strings.Split(path, ".")
	current := patch
	for _, element := range elements[:len(elements)-1] {
		next, exists := current[element]
		if !exists {
			created := map[string]interface{}{}
			current[element] = created
			current = created
			continue
		}
		o, ok := asObject(next)
		if !ok {
			// a parent was replaced by a value, which removes the child anyway
			return nil
		}
		current = o
	}
	current[elements[len(elements)-1]] = nil
	return nil
}

// ToStruct copies properties into a strongly typed value using its json tags
func ToStruct(properties Properties, value interface{}) error {
	data, err := json.Marshal(properties)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, value)
}

// FromStruct returns the properties of a strongly typed value using its json tags
func FromStruct(value interface{}) (Properties, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	properties := Properties{}
	if err := json.Unmarshal(data, &properties); err != nil {
		return nil, err
	}
	return properties, nil
}
