package config

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/swaggest/jsonschema-go"
)

var (
	schemaOnce   sync.Once
	schemaCached string
	schemaErr    error
)

// SettingsSchemaJSON returns the JSON schema for the settings file,
// generated from the Settings struct so schema and struct stay in sync.
// Editors can point at it for completion and validation of specmux.json.
func SettingsSchemaJSON() (string, error) {
	schemaOnce.Do(func() {
		r := jsonschema.Reflector{}
		schema, err := r.Reflect(Settings{}, jsonschema.InlineRefs)
		if err != nil {
			schemaErr = fmt.Errorf("failed to generate settings schema: %w", err)
			return
		}
		data, err := json.MarshalIndent(schema, "", "  ")
		if err != nil {
			schemaErr = fmt.Errorf("failed to marshal settings schema: %w", err)
			return
		}
		schemaCached = string(data)
	})
	return schemaCached, schemaErr
}
