package schema

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// SetSchema attaches a JSON Schema that events at version must satisfy
// after upgrading.
func (r *Registry) SetSchema(version int, schemaJSON []byte) error {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return fmt.Errorf("parse schema v%d: %w", version, err)
	}
	url := fmt.Sprintf("https://collab.local/schema/event-v%d.json", version)
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, doc); err != nil {
		return fmt.Errorf("add schema v%d: %w", version, err)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return fmt.Errorf("compile schema v%d: %w", version, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[version] = compiled
	return nil
}

// Validate checks event against the schema registered for version. Versions
// without a schema accept any event.
func (r *Registry) Validate(event Event, version int) error {
	r.mu.RLock()
	compiled := r.schemas[version]
	r.mu.RUnlock()
	if compiled == nil {
		return nil
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("decode event: %w", err)
	}
	if err := compiled.Validate(inst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return nil
}
