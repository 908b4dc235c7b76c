// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin_test

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/sora/internal/plugin"
)

func TestValidateSchema_Valid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"lua", "name: hello-lua\nversion: 1.0.0\ntype: lua\nentry: main.lua\ncapabilities:\n  - kv.read\n"},
		{"binary with engine", "name: hello\nversion: 2.1.0\ntype: binary\nentry: hello-linux-amd64\nengine: \">= 0.1.0\"\n"},
		{"wasm", "name: x\nversion: 1.0.0\ntype: wasm\nentry: x.wasm\n"},
		{"name at max length", "name: a" + strings.Repeat("b", 63) + "\nversion: 1.0.0\ntype: lua\nentry: main.lua\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NoError(t, plugin.ValidateSchema([]byte(tt.yaml)))
		})
	}
}

func TestValidateSchema_ReportsFields(t *testing.T) {
	tests := []struct {
		name   string
		yaml   string
		fields []string
	}{
		{"name too long", "name: a" + strings.Repeat("b", 64) + "\nversion: 1.0.0\ntype: lua\nentry: main.lua\n", []string{"/name"}},
		{"unknown type", "name: x\nversion: 1.0.0\ntype: python\nentry: main.py\n", []string{"/type"}},
		{"empty entry", "name: x\nversion: 1.0.0\ntype: lua\nentry: \"\"\n", []string{"/entry"}},
		{"missing name", "version: 1.0.0\ntype: lua\nentry: main.lua\n", []string{"/"}},
		{"missing entry", "name: x\nversion: 1.0.0\ntype: lua\n", []string{"/"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := plugin.ValidateSchema([]byte(tt.yaml))
			require.Error(t, err)

			var serr *plugin.SchemaError
			require.ErrorAs(t, err, &serr)
			assert.Equal(t, tt.fields, serr.Fields)
			assert.Contains(t, err.Error(), "does not match manifest schema at "+tt.fields[0])
		})
	}
}

func TestValidateSchema_EmptyAndMalformed(t *testing.T) {
	assert.EqualError(t, plugin.ValidateSchema(nil), "manifest data is empty")

	err := plugin.ValidateSchema([]byte("name: [unclosed"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid YAML")
	var serr *plugin.SchemaError
	assert.False(t, errors.As(err, &serr))
}

func TestValidateSchema_ConcurrentFirstUse(t *testing.T) {
	data := []byte("name: x\nversion: 1.0.0\ntype: lua\nentry: main.lua\n")

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = plugin.ValidateSchema(data)
		}()
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
}

func TestGenerateSchema(t *testing.T) {
	data, err := plugin.GenerateSchema()
	require.NoError(t, err)

	var schema map[string]any
	require.NoError(t, json.Unmarshal(data, &schema))
	assert.Equal(t, plugin.SchemaID, schema["$id"])
	assert.Equal(t, "sora plugin manifest", schema["title"])

	props, ok := schema["properties"].(map[string]any)
	require.True(t, ok, "schema has no properties")
	for _, field := range []string{"name", "version", "type", "entry", "engine", "capabilities"} {
		assert.Contains(t, props, field)
	}
}
