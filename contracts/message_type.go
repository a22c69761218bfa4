package contracts

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/santhosh-tekuri/jsonschema/v6/kind"
)

// FreeFormMessageType accepts any JSON object as message data
var FreeFormMessageType = MustMessageType("free-form", map[string]any{"type": "object"})

// MessageType is a named schema for the data of a message.
// Queues declare one, and every payload they receive is decoded and
// validated through it.
type MessageType struct {
	name     string
	lenient  *jsonschema.Schema
	strict   *jsonschema.Schema
	declared []string
}

// NewMessageType compiles a JSON Schema document into a message type.
// The schema may be any JSON-compatible value (usually a map).
func NewMessageType(name string, schema any) (*MessageType, error) {
	if name == "" {
		return nil, errors.New("message type name cannot be empty")
	}

	doc, err := toJSONValue(schema)
	if err != nil {
		return nil, fmt.Errorf("message type %s: normalize schema: %w", name, err)
	}
	obj, ok := doc.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("message type %s: schema must be a JSON object", name)
	}

	lenient, err := compileSchema(name, "lenient", obj)
	if err != nil {
		return nil, err
	}
	strict, err := compileSchema(name, "strict", strictVariant(obj))
	if err != nil {
		return nil, err
	}

	return &MessageType{
		name:     name,
		lenient:  lenient,
		strict:   strict,
		declared: declaredProperties(obj),
	}, nil
}

// NewMessageTypeFromJSON compiles a raw JSON Schema document
func NewMessageTypeFromJSON(name string, raw []byte) (*MessageType, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("message type %s: parse schema: %w", name, err)
	}
	return NewMessageType(name, doc)
}

// MustMessageType is like NewMessageType but panics on error.
// It is meant for package-level declarations.
func MustMessageType(name string, schema any) *MessageType {
	t, err := NewMessageType(name, schema)
	if err != nil {
		panic(err)
	}
	return t
}

// Name returns the message type name
func (t *MessageType) Name() string {
	return t.name
}

// DeclaredFields returns the top-level properties named by the schema
func (t *MessageType) DeclaredFields() []string {
	out := make([]string, len(t.declared))
	copy(out, t.declared)
	return out
}

// New creates a message of this type with fresh meta
func (t *MessageType) New(data any) *Message {
	msg := NewMessage(data, Meta{})
	msg.Type = t
	return msg
}

// Decode parses a wire payload into a message of this type
func (t *MessageType) Decode(body []byte) (*Message, error) {
	return ParseMessage(body, t)
}

// Validate checks msg.Data against this type's schema. On success msg.Data
// is replaced by its normalized form with null values removed.
func (t *MessageType) Validate(msg *Message, strict bool) error {
	value, err := toJSONValue(msg.Data)
	if err != nil {
		return &MessageValidationError{Type: t.name, Fields: []string{"data"}, Err: err}
	}
	value = stripNulls(value)

	schema := t.lenient
	if strict {
		schema = t.strict
	}
	if err := schema.Validate(value); err != nil {
		return &MessageValidationError{Type: t.name, Fields: validationFields(err), Err: err}
	}

	msg.Data = value
	return nil
}

func compileSchema(name, variant string, doc map[string]any) (*jsonschema.Schema, error) {
	resource := fmt.Sprintf("blink://schema/%s/%s.json", url.PathEscape(name), variant)

	c := jsonschema.NewCompiler()
	if err := c.AddResource(resource, doc); err != nil {
		return nil, fmt.Errorf("message type %s: add schema resource: %w", name, err)
	}
	compiled, err := c.Compile(resource)
	if err != nil {
		return nil, fmt.Errorf("message type %s: compile schema: %w", name, err)
	}
	return compiled, nil
}

// strictVariant forbids undeclared top-level properties unless the schema
// already says something about them.
func strictVariant(doc map[string]any) map[string]any {
	out := make(map[string]any, len(doc)+1)
	for k, v := range doc {
		out[k] = v
	}
	if _, ok := out["additionalProperties"]; !ok {
		out["additionalProperties"] = false
	}
	return out
}

func declaredProperties(doc map[string]any) []string {
	props, ok := doc["properties"].(map[string]any)
	if !ok {
		return nil
	}
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// validationFields flattens a schema error into the list of offending fields
func validationFields(err error) []string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return []string{"data"}
	}

	seen := make(map[string]struct{})
	var walk func(*jsonschema.ValidationError)
	walk = func(v *jsonschema.ValidationError) {
		if len(v.Causes) > 0 {
			for _, cause := range v.Causes {
				walk(cause)
			}
			return
		}
		switch k := v.ErrorKind.(type) {
		case *kind.Required:
			for _, missing := range k.Missing {
				seen[fieldPath(append(append([]string{}, v.InstanceLocation...), missing))] = struct{}{}
			}
		case *kind.AdditionalProperties:
			for _, prop := range k.Properties {
				seen[fieldPath(append(append([]string{}, v.InstanceLocation...), prop))] = struct{}{}
			}
		default:
			seen[fieldPath(v.InstanceLocation)] = struct{}{}
		}
	}
	walk(ve)

	fields := make([]string, 0, len(seen))
	for f := range seen {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}

func fieldPath(location []string) string {
	if len(location) == 0 {
		return "data"
	}
	return "data." + strings.Join(location, ".")
}

// toJSONValue converts any Go value into the generic form produced by
// decoding JSON, with numbers kept as json.Number.
func toJSONValue(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return decodeValue(raw)
}

func stripNulls(v any) any {
	switch val := v.(type) {
	case map[string]any:
		for k, item := range val {
			if item == nil {
				delete(val, k)
				continue
			}
			val[k] = stripNulls(item)
		}
		return val
	case []any:
		for i, item := range val {
			val[i] = stripNulls(item)
		}
		return val
	default:
		return v
	}
}
