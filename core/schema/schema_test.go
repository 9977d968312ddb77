// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package schema_test

import (
	"testing"
	"testing/fstest"

	"github.com/relabs-tech/fleetprovisioning/core/schema"
)

const (
	ref1 = `{ "type" : "string" ,
		      "$id" : "http://some_host.com/string.json"}`
	ref2 = `{ "$id" : "http://some_host.com/maxlength.json",
	 		  "maxLength" : 5 }`

	topLevel1 = `
	{ "$id" : "http://some_host.com/top1.json",
	  "allOf" : [
		{ "$ref" : "http://some_host.com/string.json" },
		{ "$ref" : "http://some_host.com/maxlength.json" }
		]
	}`
	topLevel2 = `
	{ "$id" : "http://some_host.com/top2.json",
	  "allOf" : [
 		{ "$ref" : "http://some_host.com/string.json" },
 		{ "type": "string", "minLength": 3 }
	  ]
	}`
)

func TestValidateBytes(t *testing.T) {
	v, err := schema.NewValidator([]string{topLevel1, topLevel2}, []string{ref1, ref2})
	if err != nil {
		t.Fatalf("No error expected when creating validator, got %v", err)
	}

	schemaID1 := "http://some_host.com/top1.json"
	schemaID2 := "http://some_host.com/top2.json"
	jsonShortString := []byte(`"short"`)
	jsonLongString := []byte(`"a very long string"`)

	if err := v.ValidateBytes(jsonShortString, schemaID1); err != nil {
		t.Fatalf("%s is expected to be valid with schema %s. Reported error was: %v", jsonShortString, schemaID1, err)
	}
	if err := v.ValidateBytes(jsonLongString, schemaID1); err == nil {
		t.Fatalf("%s is expected to be invalid with schema %s", jsonLongString, schemaID1)
	}
	if err := v.ValidateBytes(jsonLongString, schemaID2); err != nil {
		t.Fatalf("%s is expected to be valid with schema %s. Reported error was: %v", jsonLongString, schemaID2, err)
	}
	if err := v.ValidateBytes([]byte(`"ab"`), schemaID2); err == nil {
		t.Fatalf("ab is expected to be invalid with schema %s", schemaID2)
	}
	if err := v.ValidateBytes(jsonShortString, "http://some_host.com/unknown.json"); err == nil {
		t.Fatal("unknown schema must fail")
	}
}

func TestValidateObject(t *testing.T) {
	schema1 := `{
		"$id": "https://relabs.tech/schemas/header.json",
		"type": "object",
		"required": ["report_id"],
		"properties": {
			"report_id": { "type": "integer" }
		}
	}`
	v, err := schema.NewValidator([]string{schema1}, []string{})
	if err != nil {
		t.Fatal(err)
	}
	if !v.HasSchema("https://relabs.tech/schemas/header.json") {
		t.Fatal("schema is missing")
	}
	if v.HasSchema("https://relabs.tech/schemas/unknown.json") {
		t.Fatal("unexpected schema")
	}
	if err := v.ValidateBytes([]byte(`{"report_id":1}`), "https://relabs.tech/schemas/header.json"); err != nil {
		t.Fatalf("expected valid object, got %v", err)
	}
	if err := v.ValidateBytes([]byte(`{"report_id":"one"}`), "https://relabs.tech/schemas/header.json"); err == nil {
		t.Fatal("expected invalid object")
	}
	if err := v.ValidateBytes([]byte(`{}`), "https://relabs.tech/schemas/header.json"); err == nil {
		t.Fatal("expected missing report_id to be invalid")
	}
}

func TestNewValidatorFromFS(t *testing.T) {
	fsys := fstest.MapFS{
		"schemas/top1.json":           {Data: []byte(topLevel1)},
		"schemas/refs/string.json":    {Data: []byte(ref1)},
		"schemas/refs/maxlength.json": {Data: []byte(ref2)},
		"schemas/README.md":           {Data: []byte("ignored")},
	}
	v, err := schema.NewValidatorFromFS(fsys, "schemas")
	if err != nil {
		t.Fatal(err)
	}
	if !v.HasSchema("http://some_host.com/top1.json") {
		t.Fatal("top1 is missing")
	}
	if v.HasSchema("http://some_host.com/string.json") {
		t.Fatal("refs must not be top level schemas")
	}

	if _, err := schema.NewValidator([]string{`{"type": "string"}`}, nil); err == nil {
		t.Fatal("schema without $id must fail")
	}
}
