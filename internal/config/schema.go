package config

import (
	"encoding/json"
	"sync"

	"github.com/invopop/jsonschema"
)

var (
	schemaOnce sync.Once
	schemaJSON []byte
	schemaErr  error
)

// JSONSchema returns the JSON Schema describing the configuration file,
// keyed by yaml field names. Used by `goalchat config schema`.
func JSONSchema() ([]byte, error) {
	schemaOnce.Do(func() {
		r := &jsonschema.Reflector{
			FieldNameTag:               "yaml",
			AllowAdditionalProperties:  false,
			RequiredFromJSONSchemaTags: true,
		}
		schema := r.Reflect(&Config{})
		schema.Title = "goalchat configuration"
		schemaJSON, schemaErr = json.MarshalIndent(schema, "", "  ")
	})
	return schemaJSON, schemaErr
}
