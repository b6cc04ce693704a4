// Package elicitation builds elicitation/create payloads and reads their
// results. Sessions treat these payloads as opaque; this package gives
// servers a typed way to ask the user for flat, structured input.
package elicitation

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ggoodman/mcp-session-go/mcp"
)

// Property is one primitive field of a requested schema.
type Property struct {
	Type        string   `json:"type"`
	Description string   `json:"description,omitzero"`
	Enum        []string `json:"enum,omitempty"`
	Minimum     *float64 `json:"minimum,omitempty"`
	Maximum     *float64 `json:"maximum,omitempty"`
}

// Schema is the flat object schema the client renders as a form.
type Schema struct {
	Type       string              `json:"type"`
	Properties map[string]Property `json:"properties"`
	Required   []string            `json:"required,omitempty"`
}

// ObjectPart applies a transformation to a Schema under construction.
type ObjectPart interface{ apply(*Schema) }

type partFn func(*Schema)

func (f partFn) apply(s *Schema) { f(s) }

// ObjectSchema builds an object-shaped Schema from parts.
func ObjectSchema(parts ...ObjectPart) Schema {
	s := Schema{
		Type:       "object",
		Properties: make(map[string]Property),
	}
	for _, p := range parts {
		p.apply(&s)
	}
	return s
}

// PropString adds a string property.
func PropString(name, description string, opts ...StringOpt) ObjectPart {
	cfg := &stringConfig{}
	for _, o := range opts {
		o(cfg)
	}
	p := Property{Type: "string", Description: description, Enum: cfg.enum}
	return partFn(func(s *Schema) { s.Properties[name] = p })
}

// PropNumber adds a number property.
func PropNumber(name, description string, opts ...NumberOpt) ObjectPart {
	cfg := &numberConfig{}
	for _, o := range opts {
		o(cfg)
	}
	p := Property{Type: "number", Description: description, Minimum: cfg.minimum, Maximum: cfg.maximum}
	return partFn(func(s *Schema) { s.Properties[name] = p })
}

// PropEnum is shorthand for a string property limited to values.
func PropEnum(name, description string, values ...string) ObjectPart {
	return PropString(name, description, WithEnum(values...))
}

// Required marks properties required.
func Required(names ...string) ObjectPart {
	return partFn(func(s *Schema) { s.Required = append(s.Required, names...) })
}

type stringConfig struct{ enum []string }

// StringOpt configures a string property.
type StringOpt func(*stringConfig)

// WithEnum limits a string property to values.
func WithEnum(values ...string) StringOpt {
	return func(c *stringConfig) { c.enum = append([]string(nil), values...) }
}

type numberConfig struct {
	minimum *float64
	maximum *float64
}

// NumberOpt configures a number property.
type NumberOpt func(*numberConfig)

func WithMinimum(v float64) NumberOpt {
	return func(c *numberConfig) { c.minimum = &v }
}

func WithMaximum(v float64) NumberOpt {
	return func(c *numberConfig) { c.maximum = &v }
}

// ValidateObjectSchema checks s and de-duplicates its Required slice in
// place, keeping the order of first occurrence.
func ValidateObjectSchema(s *Schema) error {
	if s == nil {
		return errors.New("nil schema")
	}
	if s.Type != "object" {
		return errors.New("schema type must be object")
	}
	if len(s.Properties) == 0 {
		return errors.New("object schema requires at least one property")
	}
	seen := map[string]bool{}
	var required []string
	for _, name := range s.Required {
		if _, ok := s.Properties[name]; !ok {
			return errors.New("required property missing: " + name)
		}
		if !seen[name] {
			seen[name] = true
			required = append(required, name)
		}
	}
	s.Required = required
	for name, prop := range s.Properties {
		if prop.Type == "" {
			return errors.New("property " + name + " missing type")
		}
		if prop.Minimum != nil && prop.Maximum != nil && *prop.Minimum > *prop.Maximum {
			return errors.New("property " + name + " minimum greater than maximum")
		}
		uniq := make(map[string]struct{}, len(prop.Enum))
		for _, v := range prop.Enum {
			uniq[v] = struct{}{}
		}
		if len(uniq) != len(prop.Enum) {
			return errors.New("duplicate enum values for property " + name)
		}
	}
	return nil
}

// Request is an elicitation/create request.
type Request struct {
	Message         string `json:"message"`
	RequestedSchema Schema `json:"requestedSchema"`
}

// Encode validates the request and renders the wire payload.
func (r Request) Encode() (mcp.ElicitRequest, error) {
	if r.Message == "" {
		return nil, errors.New("message is required")
	}
	if err := ValidateObjectSchema(&r.RequestedSchema); err != nil {
		return nil, err
	}
	return json.Marshal(r)
}

// Action is how the user responded.
type Action string

const (
	ActionAccept  Action = "accept"
	ActionDecline Action = "decline"
	ActionCancel  Action = "cancel"
)

// Result is the client's answer to an elicitation request.
type Result struct {
	Action  Action         `json:"action"`
	Content map[string]any `json:"content,omitempty"`
}

// DecodeResult parses an elicitation result.
func DecodeResult(raw json.RawMessage) (Result, error) {
	var res Result
	if err := json.Unmarshal(raw, &res); err != nil {
		return Result{}, fmt.Errorf("decode elicitation result: %w", err)
	}
	switch res.Action {
	case ActionAccept, ActionDecline, ActionCancel:
	default:
		return Result{}, fmt.Errorf("unknown elicitation action %q", res.Action)
	}
	return res, nil
}

// String returns the string value of field when the user accepted.
func (r Result) String(field string) (string, bool) {
	if r.Action != ActionAccept {
		return "", false
	}
	v, ok := r.Content[field].(string)
	return v, ok
}
