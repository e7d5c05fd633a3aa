// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package schema

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"sync"

	"github.com/goccy/go-json"
	"github.com/xeipuuv/gojsonschema"
)

// The schema ids of the built-in schemas
const (
	DeviceSchemaID         = "https://devicemanager/schemas/device.json"
	RuleSchemaID           = "https://devicemanager/schemas/rule.json"
	ActionMappingsSchemaID = "https://devicemanager/schemas/actionmappings.json"
)

//go:embed schemas
var builtinFS embed.FS

// ErrInvalid is wrapped by all validation failures
var ErrInvalid = errors.New("the document is not valid")

// Validator is a utility to validate JSON object against a given schema
type Validator struct {
	schemaValidators map[string]*gojsonschema.Schema
}

var (
	builtinOnce      sync.Once
	builtinValidator *Validator
)

// Builtin returns the validator for the device manager's own schemas
func Builtin() *Validator {
	builtinOnce.Do(func() {
		sub, err := fs.Sub(builtinFS, "schemas")
		if err != nil {
			panic(err)
		}
		builtinValidator, err = NewValidatorFromFS(sub)
		if err != nil {
			panic(err)
		}
	})
	return builtinValidator
}

// NewValidatorFromFS creates a new Validator using schemas from schemaFS. Json files
// from / will be used as toplevel schemas, while json files in /refs/ will be used
// as references
func NewValidatorFromFS(schemaFS fs.FS) (*Validator, error) {
	readDir := func(dir string) ([]string, error) {
		var strs []string
		files, err := fs.ReadDir(schemaFS, dir)
		if err != nil {
			return nil, fmt.Errorf("cannot read dir %w", err)
		}
		for _, f := range files {
			if f.IsDir() || !strings.HasSuffix(f.Name(), ".json") {
				continue
			}
			fullPath := f.Name()
			if dir != "." {
				fullPath = dir + "/" + f.Name()
			}
			str, err := fs.ReadFile(schemaFS, fullPath)
			if err != nil {
				return nil, fmt.Errorf("cannot read file '%s' %w", f.Name(), err)
			}
			strs = append(strs, string(str))
		}
		return strs, nil
	}

	schemasString, err := readDir(".")
	if err != nil {
		return nil, err
	}
	refsString, err := readDir("refs")
	if err != nil {
		return nil, err
	}
	return NewValidator(schemasString, refsString)
}

// NewValidator creates a new Validator using schemas for the top level JSON schemas and refs
// for refs that may be referenced in the top level schemas. Top level schemas cannot reference each
// others. If a reference is mentioned, it can only be in the list of refs
func NewValidator(schemas []string, refs []string) (*Validator, error) {
	type schema struct {
		ID string `json:"$id"`
	}
	validator := Validator{schemaValidators: make(map[string]*gojsonschema.Schema)}
	for _, str := range schemas {
		s := schema{}
		if err := json.Unmarshal([]byte(str), &s); err != nil {
			return nil, fmt.Errorf("parse error '%v' in schema: '%s'", err, str)
		}
		if s.ID == "" {
			return nil, fmt.Errorf("schema does not contain $id: '%s'", str)
		}
		sl := gojsonschema.NewSchemaLoader()
		for _, ref := range refs {
			if err := sl.AddSchemas(gojsonschema.NewStringLoader(ref)); err != nil {
				return nil, fmt.Errorf("cannot add ref %s %s", ref, err)
			}
		}
		compiled, err := sl.Compile(gojsonschema.NewStringLoader(str))
		if err != nil {
			return nil, fmt.Errorf("cannot compile schema %s %s", s.ID, err)
		}
		validator.schemaValidators[s.ID] = compiled
	}
	return &validator, nil
}

// HasSchema returns true if schemaID is known
func (v *Validator) HasSchema(schemaID string) bool {
	_, ok := v.schemaValidators[schemaID]
	return ok
}

// ValidateStruct validates the given value against schemaID. The value is encoded
// with its json tags first, so the schema sees the same document that gets stored.
func (v *Validator) ValidateStruct(value interface{}, schemaID string) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return v.ValidateBytes(data, schemaID)
}

// ValidateString validates the given json against schemaID
func (v *Validator) ValidateString(json, schemaID string) error {
	return v.validate(gojsonschema.NewStringLoader(json), schemaID)
}

// ValidateBytes validates the given json against schemaID
func (v *Validator) ValidateBytes(json []byte, schemaID string) error {
	return v.validate(gojsonschema.NewBytesLoader(json), schemaID)
}

func (v *Validator) validate(loader gojsonschema.JSONLoader, schemaID string) error {
	schema, ok := v.schemaValidators[schemaID]
	if !ok {
		return fmt.Errorf("there is no schema %s ", schemaID)
	}
	result, err := schema.Validate(loader)
	if err != nil {
		return fmt.Errorf("cannot validate with schema %s: %w", schemaID, err)
	}
	if !result.Valid() {
		var details []string
		for _, e := range result.Errors() {
			details = append(details, e.String())
		}
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(details, "; "))
	}
	return nil
}
