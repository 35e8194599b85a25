package event

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Validator checks event payloads against per-event-type JSON Schemas.
// Producers that register a schema get their payloads rejected at the
// ingestion boundary instead of becoming malformed evidence.
type Validator struct {
	schemas map[Type]*jsonschema.Schema
}

// NewValidator creates an empty validator. Events whose type has no
// registered schema pass validation unchanged.
func NewValidator() *Validator {
	return &Validator{schemas: make(map[Type]*jsonschema.Schema)}
}

// Register compiles and installs a JSON Schema for an event type.
func (v *Validator) Register(t Type, schema string) error {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	schemaURL := fmt.Sprintf("https://attestra.schemas.local/events/%s.schema.json", t)
	if err := c.AddResource(schemaURL, strings.NewReader(schema)); err != nil {
		return fmt.Errorf("event schema load failed: %w", err)
	}
	compiled, err := c.Compile(schemaURL)
	if err != nil {
		return fmt.Errorf("event schema compile failed: %w", err)
	}
	v.schemas[t] = compiled
	return nil
}

// Validate checks the event payload against the schema for its type.
func (v *Validator) Validate(evt AuditEvent) error {
	schema, ok := v.schemas[evt.Type]
	if !ok || schema == nil {
		return nil
	}
	payload := map[string]interface{}{}
	if evt.Payload != nil {
		payload = evt.Payload
	}
	if err := schema.Validate(interface{}(payload)); err != nil {
		return fmt.Errorf("event %s rejected: payload schema validation failed: %w", evt.ID, err)
	}
	return nil
}
