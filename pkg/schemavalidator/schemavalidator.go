// Package schemavalidator is the default implementation of the
// Object Store's pluggable schema validator collaborator, backed by
// github.com/santhosh-tekuri/jsonschema/v5.
package schemavalidator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Validator is the collaborator the Object Store calls on every add
// when schema validation is enabled.
type Validator interface {
	Validate(class []string, typeName string, payload map[string]any) error
}

// Registry is a Validator backed by one compiled JSON Schema per
// _class. Classes with no registered schema are admitted without
// validation: Registry is the mechanism, not a populated catalog.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{schemas: make(map[string]*jsonschema.Schema)}
}

// Register compiles schemaJSON and associates it with class. A
// compilation failure is returned immediately: schema authoring
// errors are a configuration error, never deferred to Validate time.
func (r *Registry) Register(class string, schemaJSON string) error {
	url := "mem://" + class
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(url, strings.NewReader(schemaJSON)); err != nil {
		return fmt.Errorf("schemavalidator: compiling schema for class %q: %w", class, err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return fmt.Errorf("schemavalidator: compiling schema for class %q: %w", class, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[class] = schema
	return nil
}

// Validate checks payload against every registered class in the
// object's _class list. Classes with no registered schema are
// skipped; the first class whose schema the payload fails stops the
// walk and is reported as the error.
func (r *Registry) Validate(class []string, typeName string, payload map[string]any) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, c := range class {
		schema, ok := r.schemas[c]
		if !ok {
			continue
		}
		if err := schema.Validate(toJSONValue(payload)); err != nil {
			return fmt.Errorf("schemavalidator: type %q violates class %q schema: %w", typeName, c, err)
		}
	}
	return nil
}

// toJSONValue normalizes a map[string]any through a JSON round-trip
// so jsonschema.Validate sees the same interface{} shapes (float64
// numbers, []interface{} arrays) it would see decoding real JSON,
// regardless of what Go types a step handler happened to construct.
func toJSONValue(payload map[string]any) any {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(payload); err != nil {
		return payload
	}
	v, err := jsonschema.UnmarshalJSON(&buf)
	if err != nil {
		return payload
	}
	return v
}
