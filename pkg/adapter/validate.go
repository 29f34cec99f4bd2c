package adapter

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// SupportedSchemaVersions is the producer contract range accepted at ingest.
const SupportedSchemaVersions = ">=1.0.0, <2.0.0"

var (
	ErrMalformed          = errors.New("adapter: malformed event")
	ErrUnsupportedVersion = errors.New("adapter: unsupported schema version")
)

const externalEventSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["source", "type", "user_id"],
  "properties": {
    "source":         {"type": "string", "minLength": 1},
    "type":           {"type": "string", "minLength": 1},
    "user_id":        {"type": "string", "minLength": 1},
    "timestamp":      {"type": "string", "format": "date-time"},
    "priority":       {"enum": ["critical", "high", "medium", "low"]},
    "correlation_id": {"type": "string"},
    "schema_version": {"type": "string"},
    "payload":        {"type": ["object", "null"]}
  },
  "additionalProperties": false
}`

const schemaURL = "https://pulse.schemas.local/external-event.schema.json"

// Validator checks raw producer bodies before they are normalized.
type Validator struct {
	schema     *jsonschema.Schema
	constraint *semver.Constraints
}

// NewValidator compiles the ingest schema and the accepted version range.
// An empty versions string selects SupportedSchemaVersions.
func NewValidator(versions string) (*Validator, error) {
	if versions == "" {
		versions = SupportedSchemaVersions
	}
	constraint, err := semver.NewConstraint(versions)
	if err != nil {
		return nil, fmt.Errorf("invalid schema version constraint %q: %w", versions, err)
	}

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	c.AssertFormat = true
	if err := c.AddResource(schemaURL, strings.NewReader(externalEventSchema)); err != nil {
		return nil, fmt.Errorf("ingest schema load failed: %w", err)
	}
	compiled, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("ingest schema compile failed: %w", err)
	}
	return &Validator{schema: compiled, constraint: constraint}, nil
}

// Parse validates body and decodes it. Events without schema_version are
// accepted as the current contract.
func (v *Validator) Parse(body []byte) (ExternalEvent, error) {
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return ExternalEvent{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := v.schema.Validate(doc); err != nil {
		return ExternalEvent{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var ev ExternalEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return ExternalEvent{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if ev.SchemaVersion == "" {
		return ev, nil
	}
	ver, err := semver.NewVersion(ev.SchemaVersion)
	if err != nil {
		return ExternalEvent{}, fmt.Errorf("%w: %q: %v", ErrUnsupportedVersion, ev.SchemaVersion, err)
	}
	if !v.constraint.Check(ver) {
		return ExternalEvent{}, fmt.Errorf("%w: %s does not satisfy %s", ErrUnsupportedVersion, ev.SchemaVersion, v.constraint)
	}
	return ev, nil
}
