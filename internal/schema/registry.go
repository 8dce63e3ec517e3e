// Package schema provides JSON Schema compilation and payload validation
// for topic event types.
package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Common errors
var (
	ErrSchemaNotFound = errors.New("no schema registered for event type")
	ErrInvalidSchema  = errors.New("invalid schema")
)

// Definition is a single event-type schema as stored in a topic config.
// The Schema body is a JSON Schema document (draft-07).
type Definition struct {
	EventType string                 `json:"eventType"`
	Schema    map[string]interface{} `json:"schema"`
}

// ValidationError reports a payload that failed schema validation.
// Paths are JSON pointers into the failing payload locations.
type ValidationError struct {
	Topic     string
	EventType string
	Paths     []string
	Messages  []string
}

func (e *ValidationError) Error() string {
	if len(e.Messages) == 0 {
		return fmt.Sprintf("payload for %s/%s failed schema validation", e.Topic, e.EventType)
	}
	return fmt.Sprintf("payload for %s/%s failed schema validation: %s",
		e.Topic, e.EventType, strings.Join(e.Messages, "; "))
}

// Registry holds compiled schemas keyed by (topic, eventType). Compilation
// happens once at registration so the publish hot path only walks the
// already-parsed payload.
type Registry struct {
	mu       sync.RWMutex
	compiled map[string]*jsonschema.Schema
}

// NewRegistry creates an empty schema registry.
func NewRegistry() *Registry {
	return &Registry{
		compiled: make(map[string]*jsonschema.Schema),
	}
}

func key(topic, eventType string) string {
	return topic + "\x00" + eventType
}

// Register compiles and stores the given schemas under the topic. Registering
// an event type that already exists replaces the compiled form.
func (r *Registry) Register(topic string, defs []Definition) error {
	type entry struct {
		eventType string
		schema    *jsonschema.Schema
	}

	// Compile everything before mutating the map so a bad schema in the
	// middle of the set leaves the registry untouched.
	entries := make([]entry, 0, len(defs))
	for _, def := range defs {
		if def.EventType == "" {
			return fmt.Errorf("%w: empty event type", ErrInvalidSchema)
		}
		compiled, err := compile(def.Schema)
		if err != nil {
			return fmt.Errorf("%w for event type %q: %v", ErrInvalidSchema, def.EventType, err)
		}
		entries = append(entries, entry{eventType: def.EventType, schema: compiled})
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range entries {
		r.compiled[key(topic, e.eventType)] = e.schema
	}
	return nil
}

// HasSchema reports whether a compiled schema exists for (topic, eventType).
func (r *Registry) HasSchema(topic, eventType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.compiled[key(topic, eventType)]
	return ok
}

// Validate checks an already-parsed payload against the compiled schema for
// (topic, eventType). Returns ErrSchemaNotFound if none is registered and a
// *ValidationError when the payload does not conform.
func (r *Registry) Validate(topic, eventType string, payload map[string]interface{}) error {
	r.mu.RLock()
	compiled, ok := r.compiled[key(topic, eventType)]
	r.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrSchemaNotFound, topic, eventType)
	}

	// The validator accepts interface{} trees as produced by encoding/json.
	if err := compiled.Validate(normalize(payload)); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			return toValidationError(topic, eventType, verr)
		}
		return &ValidationError{Topic: topic, EventType: eventType, Messages: []string{err.Error()}}
	}
	return nil
}

// compile builds a jsonschema.Schema from a schema body.
func compile(body map[string]interface{}) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft7
	if err := c.AddResource("schema.json", bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return c.Compile("schema.json")
}

// normalize re-encodes the payload through encoding/json so numeric values
// are float64 regardless of how the caller constructed the map. Payloads that
// came off the wire are already in that shape and pass through unchanged.
func normalize(payload map[string]interface{}) interface{} {
	raw, err := json.Marshal(payload)
	if err != nil {
		return payload
	}
	var out interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return payload
	}
	return out
}

// toValidationError flattens a jsonschema validation error tree into
// JSON-pointer paths and messages.
func toValidationError(topic, eventType string, verr *jsonschema.ValidationError) *ValidationError {
	out := &ValidationError{Topic: topic, EventType: eventType}
	var walk func(*jsonschema.ValidationError)
	walk = func(v *jsonschema.ValidationError) {
		if len(v.Causes) == 0 {
			out.Paths = append(out.Paths, v.InstanceLocation)
			out.Messages = append(out.Messages, v.Message)
			return
		}
		for _, cause := range v.Causes {
			walk(cause)
		}
	}
	walk(verr)
	return out
}
