// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"
	jschema "github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

// SchemaID is the $id of the manifest schema. Manifests may reference it
// with a yaml-language-server comment.
const SchemaID = "https://github.com/holomush/sora/schemas/plugin.schema.json"

const schemaResource = "plugin.schema.json"

var compiled struct {
	once   sync.Once
	schema *jschema.Schema
	err    error
}

// SchemaError reports the manifest fields that failed schema validation.
type SchemaError struct {
	// Fields holds JSON pointers to the offending values, "/" for the
	// manifest itself (for example a missing required field).
	Fields []string
	err    error
}

func (e *SchemaError) Error() string {
	return "does not match manifest schema at " + strings.Join(e.Fields, ", ")
}

func (e *SchemaError) Unwrap() error { return e.err }

// GenerateSchema reflects the Manifest type into a JSON Schema document.
func GenerateSchema() ([]byte, error) {
	r := jsonschema.Reflector{DoNotReference: true}
	schema := r.Reflect(&Manifest{})
	schema.ID = jsonschema.ID(SchemaID)
	schema.Title = "sora plugin manifest"
	schema.Description = "Describes a plugin directory: how its module is built and what it may access."

	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	return data, nil
}

// ValidateSchema checks plugin.yaml content against the manifest schema.
// A violation is returned as a *SchemaError.
func ValidateSchema(data []byte) error {
	if len(data) == 0 {
		return errors.New("manifest data is empty")
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("invalid YAML: %w", err)
	}

	sch, err := manifestSchema()
	if err != nil {
		return err
	}

	err = sch.Validate(jsonValue(doc))
	if err == nil {
		return nil
	}
	var verr *jschema.ValidationError
	if !errors.As(err, &verr) {
		return fmt.Errorf("validate manifest: %w", err)
	}
	return &SchemaError{Fields: violatedFields(verr), err: err}
}

// manifestSchema compiles the generated schema on first use.
func manifestSchema() (*jschema.Schema, error) {
	compiled.once.Do(func() {
		raw, err := GenerateSchema()
		if err != nil {
			compiled.err = err
			return
		}
		doc, err := jschema.UnmarshalJSON(strings.NewReader(string(raw)))
		if err != nil {
			compiled.err = fmt.Errorf("parse schema: %w", err)
			return
		}
		c := jschema.NewCompiler()
		if err := c.AddResource(schemaResource, doc); err != nil {
			compiled.err = fmt.Errorf("add schema: %w", err)
			return
		}
		compiled.schema, compiled.err = c.Compile(schemaResource)
	})
	return compiled.schema, compiled.err
}

// violatedFields collects the instance locations of the leaf errors.
func violatedFields(verr *jschema.ValidationError) []string {
	var fields []string
	var walk func(*jschema.ValidationError)
	walk = func(e *jschema.ValidationError) {
		if len(e.Causes) == 0 {
			field := "/" + strings.Join(e.InstanceLocation, "/")
			if !slices.Contains(fields, field) {
				fields = append(fields, field)
			}
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(verr)
	slices.Sort(fields)
	return fields
}

// jsonValue normalizes decoded YAML into the types a JSON decoder would
// produce. Numbers outside int/float64 and YAML-only scalars such as
// timestamps go through a JSON round trip.
func jsonValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = jsonValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = jsonValue(item)
		}
		return out
	case nil, string, bool, int, int64, float64:
		return val
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return val
		}
		var out any
		if err := json.Unmarshal(b, &out); err != nil {
			return val
		}
		return out
	}
}
