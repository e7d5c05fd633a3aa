package schema_test

import (
	"errors"
	"testing"

	"github.com/relabs-tech/devicemanager/core/schema"
)

const (
	ref1 = `{ "type" : "string" ,
		      "$id" : "http://some_host.com/string.json"}`
	ref2 = `{ "$id" : "http://some_host.com/maxlength.json",
	 		  "maxLength" : 5 }`

	topLevel = `
	{ "$id" : "http://some_host.com/top1.json",
	  "allOf" : [
		{ "$ref" : "http://some_host.com/string.json" },
		{ "$ref" : "http://some_host.com/maxlength.json" }
		]
	}`
)

func TestValidateString(t *testing.T) {
	v, err := schema.NewValidator([]string{topLevel}, []string{ref1, ref2})
	if err != nil {
		t.Fatalf("No error expected when creating validator, got %v", err)
	}
	schemaID := "http://some_host.com/top1.json"
	if err := v.ValidateString(`"short"`, schemaID); err != nil {
		t.Fatalf("expected to be valid, got %v", err)
	}
	err = v.ValidateString(`"a very long string"`, schemaID)
	if !errors.Is(err, schema.ErrInvalid) {
		t.Fatalf("expected invalid, got %v", err)
	}
	if v.HasSchema("http://some_host.com/string.json") {
		t.Fatal("refs are not top level schemas")
	}
	if err := v.ValidateString(`"x"`, "unknown"); err == nil {
		t.Fatal("unknown schema must fail")
	}
}

func TestNewValidator_MissingID(t *testing.T) {
	if _, err := schema.NewValidator([]string{`{"type":"string"}`}, nil); err == nil {
		t.Fatal("schema without $id must be rejected")
	}
}

func TestBuiltinDeviceSchema(t *testing.T) {
	v := schema.Builtin()
	for _, id := range []string{schema.DeviceSchemaID, schema.RuleSchemaID, schema.ActionMappingsSchemaID} {
		if !v.HasSchema(id) {
			t.Fatal("missing builtin schema", id)
		}
	}

	valid := `{"deviceProperties":{"deviceID":"CoolingSampleDevice001","latitude":47.6,"longitude":-122.1},
	"commands":[{"name":"SetTemperature","parameters":[{"name":"Temperature","type":"double"}]}]}`
	if err := v.ValidateString(valid, schema.DeviceSchemaID); err != nil {
		t.Fatal(err)
	}

	invalid := []string{
		`{"deviceProperties":{"deviceID":"has space"}}`,
		`{"deviceProperties":{"deviceID":"ok","latitude":123}}`,
		`{"deviceProperties":{"deviceID":"ok"},"commands":[{"name":"x","parameters":[{"name":"p","type":"blob"}]}]}`,
		`{"commands":[]}`,
	}
	for _, doc := range invalid {
		if err := v.ValidateString(doc, schema.DeviceSchemaID); err == nil {
			t.Fatalf("%s expected to be invalid", doc)
		}
	}
}

func TestBuiltinRuleSchema(t *testing.T) {
	v := schema.Builtin()
	rule := struct {
		DeviceID   string  `json:"deviceId"`
		DataField  string  `json:"dataField"`
		Operator   string  `json:"operator"`
		Threshold  float64 `json:"threshold"`
		RuleOutput string  `json:"ruleOutput"`
	}{"dev-1", "Temperature", ">", 38, "AlarmTemp"}
	if err := v.ValidateStruct(rule, schema.RuleSchemaID); err != nil {
		t.Fatal(err)
	}
	rule.Operator = "<"
	if err := v.ValidateStruct(rule, schema.RuleSchemaID); err == nil {
		t.Fatal("only > is a valid operator")
	}
}
