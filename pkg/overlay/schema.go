package overlay

import (
	"context"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/text/unicode/norm"
)

// fuelPerField is the meter charge per normalized input field.
const fuelPerField = 10

// SchemaOverlay is the built-in validation-phase processor: it normalizes
// string inputs to NFC and validates the payload against a JSON Schema
// (draft 2020-12). Registered like any other overlay; the orchestrator has
// no schema knowledge of its own.
type SchemaOverlay struct {
	schema *jsonschema.Schema
}

// NewSchemaOverlay compiles a schema document. The name scopes the schema's
// resource URL so independent overlays never collide in the compiler cache.
func NewSchemaOverlay(name, schemaJSON string) (*SchemaOverlay, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://meridian.schemas.local/overlay/%s.schema.json", name)
	if err := c.AddResource(url, strings.NewReader(schemaJSON)); err != nil {
		return nil, fmt.Errorf("overlay: schema %s load: %w", name, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("overlay: schema %s compile: %w", name, err)
	}
	return &SchemaOverlay{schema: compiled}, nil
}

// Process normalizes then validates the invocation input. The normalized
// form is returned under "normalized_input" so later phases read stable
// bytes regardless of the caller's Unicode composition.
func (s *SchemaOverlay) Process(ctx context.Context, inv *Invocation) (map[string]interface{}, error) {
	normalized, fields := normalizeValue(inv.Input)
	if err := inv.Meter.Charge(uint64(fields) * fuelPerField); err != nil {
		return nil, err
	}

	if err := s.schema.Validate(normalized); err != nil {
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}

	return map[string]interface{}{
		"normalized_input": normalized,
		"field_count":      fields,
	}, nil
}

// normalizeValue rewrites every string in a payload tree to NFC and counts
// leaf fields for fuel accounting. Mixed-composition keys are normalized
// too; a collision after normalization keeps the last writer.
func normalizeValue(v interface{}) (interface{}, int) {
	switch val := v.(type) {
	case string:
		return norm.NFC.String(val), 1
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		fields := 0
		for k, child := range val {
			nc, n := normalizeValue(child)
			out[norm.NFC.String(k)] = nc
			fields += n
		}
		return out, fields
	case []interface{}:
		out := make([]interface{}, len(val))
		fields := 0
		for i, child := range val {
			nc, n := normalizeValue(child)
			out[i] = nc
			fields += n
		}
		return out, fields
	default:
		return v, 1
	}
}
