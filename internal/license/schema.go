package license

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/RegistryAccord/registryaccord-audiobook-go/internal/manifest"
)

// findawaySchema constrains the keys the Findaway engine needs to open a book.
const findawaySchema = `{
  "type": "object",
  "required": ["metadata", "spine"],
  "properties": {
    "metadata": {
      "type": "object",
      "required": ["encrypted"],
      "properties": {
        "encrypted": {
          "type": "object",
          "required": ["scheme", "findaway:accountId", "findaway:checkoutId", "findaway:fulfillmentId", "findaway:licenseId", "findaway:sessionKey"],
          "properties": {
            "findaway:accountId": {"type": "string", "minLength": 1},
            "findaway:checkoutId": {"type": "string", "minLength": 1},
            "findaway:fulfillmentId": {"type": "string", "minLength": 1},
            "findaway:licenseId": {"type": "string", "minLength": 1},
            "findaway:sessionKey": {"type": "string", "minLength": 1}
          }
        }
      }
    },
    "spine": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["findaway:part", "findaway:sequence", "duration"],
        "properties": {
          "findaway:part": {"type": "integer", "minimum": 0},
          "findaway:sequence": {"type": "integer", "minimum": 0},
          "duration": {"type": "number", "minimum": 0}
        }
      }
    }
  }
}`

// SchemaVerifier validates the raw manifest against a JSON schema chosen by
// its encryption scheme. Manifests without an encrypted block, or with a
// scheme that has no schema, pass.
type SchemaVerifier struct {
	mu      sync.RWMutex
	schemas map[string]*gojsonschema.Schema
}

// NewSchemaVerifier creates a verifier that knows the Findaway scheme.
func NewSchemaVerifier() (*SchemaVerifier, error) {
	v := &SchemaVerifier{schemas: make(map[string]*gojsonschema.Schema)}
	if err := v.Register(manifest.FindawayScheme, findawaySchema); err != nil {
		return nil, fmt.Errorf("failed to load findaway schema: %w", err)
	}
	return v, nil
}

// Register compiles schemaJSON and uses it for manifests encrypted with scheme.
func (v *SchemaVerifier) Register(scheme, schemaJSON string) error {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schemaJSON))
	if err != nil {
		return fmt.Errorf("invalid schema for %s: %w", scheme, err)
	}
	v.mu.Lock()
	v.schemas[scheme] = schema
	v.mu.Unlock()
	return nil
}

func (v *SchemaVerifier) Name() string { return "schema" }

func (v *SchemaVerifier) Verify(_ context.Context, m *manifest.Manifest, emit func(string)) (bool, error) {
	enc := m.Metadata.Encrypted
	if enc == nil {
		emit("Manifest is not encrypted")
		return true, nil
	}

	v.mu.RLock()
	schema, ok := v.schemas[enc.Scheme]
	v.mu.RUnlock()
	if !ok {
		emit(fmt.Sprintf("No schema registered for %s", enc.Scheme))
		return true, nil
	}
	if len(m.Raw) == 0 {
		return false, fmt.Errorf("manifest has no raw document to validate")
	}

	emit(fmt.Sprintf("Validating manifest against %s", enc.Scheme))
	result, err := schema.Validate(gojsonschema.NewBytesLoader(m.Raw))
	if err != nil {
		return false, fmt.Errorf("validation error: %w", err)
	}
	if !result.Valid() {
		var errs []string
		for _, desc := range result.Errors() {
			errs = append(errs, desc.String())
		}
		return false, fmt.Errorf("validation failed: %s", strings.Join(errs, "; "))
	}
	return true, nil
}
