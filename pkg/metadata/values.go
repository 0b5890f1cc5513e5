// Package metadata defines the closed set of metadata value kinds that may
// be attached to materialization, observation, and expectation events.
//
// Values are validated at construction time. A value that cannot be resolved
// to one of the recognized kinds is rejected before it is ever buffered into
// an event.
package metadata

import (
	"encoding/json"
	"fmt"
)

// Kind identifies one of the recognized metadata value kinds.
type Kind string

const (
	KindText        Kind = "TEXT"
	KindInt         Kind = "INT"
	KindFloat       Kind = "FLOAT"
	KindURL         Kind = "URL"
	KindPath        Kind = "PATH"
	KindJSON        Kind = "JSON"
	KindTableSchema Kind = "TABLE_SCHEMA"
	KindTable       Kind = "TABLE"
)

// Value is one metadata value of a recognized kind.
//
// The set of implementations is closed: only the types in this package
// satisfy Value.
type Value interface {
	Kind() Kind
	value()
}

// TextValue holds free-form text.
type TextValue struct {
	Text string `json:"text"`
}

func (TextValue) Kind() Kind { return KindText }
func (TextValue) value()     {}

// IntValue holds an integer.
type IntValue struct {
	Value int64 `json:"value"`
}

func (IntValue) Kind() Kind { return KindInt }
func (IntValue) value()     {}

// FloatValue holds a floating-point number.
type FloatValue struct {
	Value float64 `json:"value"`
}

func (FloatValue) Kind() Kind { return KindFloat }
func (FloatValue) value()     {}

// URLValue holds a URL string.
type URLValue struct {
	URL string `json:"url"`
}

func (URLValue) Kind() Kind { return KindURL }
func (URLValue) value()     {}

// PathValue holds a filesystem path.
type PathValue struct {
	Path string `json:"path"`
}

func (PathValue) Kind() Kind { return KindPath }
func (PathValue) value()     {}

// JSONValue holds an arbitrary JSON-serializable mapping, typically a
// reference to a serialized artifact.
type JSONValue struct {
	Data map[string]any `json:"data"`
}

func (JSONValue) Kind() Kind { return KindJSON }
func (JSONValue) value()     {}

// TableSchemaValue holds a structured table schema.
type TableSchemaValue struct {
	Schema TableSchema `json:"schema"`
}

func (TableSchemaValue) Kind() Kind { return KindTableSchema }
func (TableSchemaValue) value()     {}

// TableValue holds tabular records together with their schema.
type TableValue struct {
	Records []TableRecord `json:"records"`
	Schema  TableSchema   `json:"schema"`
}

func (TableValue) Kind() Kind { return KindTable }
func (TableValue) value()     {}

// NewJSONValue validates that data survives JSON serialization and returns a
// JSONValue. Unserializable payloads are rejected here rather than at encode
// time.
func NewJSONValue(label string, data map[string]any) (JSONValue, error) {
	if _, err := json.Marshal(data); err != nil {
		return JSONValue{}, &InvalidValueError{
			Label:  label,
			Reason: fmt.Sprintf("could not resolve the metadata value for %q to a JSON serializable value", label),
		}
	}
	return JSONValue{Data: data}, nil
}

// NewTable builds a TableValue from records, inferring the schema when none
// is supplied.
func NewTable(records []TableRecord, schema *TableSchema) TableValue {
	if schema == nil {
		inferred := InferSchema(records)
		schema = &inferred
	}
	return TableValue{Records: records, Schema: *schema}
}

// InvalidValueError reports a metadata value that could not be resolved to a
// recognized kind. It is raised at attach time, never deferred.
type InvalidValueError struct {
	Label  string
	Reason string
}

func (e *InvalidValueError) Error() string { return e.Reason }

// ResolveValue coerces a caller-supplied value into one of the recognized
// metadata kinds. Values that already satisfy Value pass through after
// validation; plain strings and numbers map to their obvious kinds. Anything
// else fails with an InvalidValueError.
func ResolveValue(label string, raw any) (Value, error) {
	switch v := raw.(type) {
	case Value:
		if jv, ok := v.(JSONValue); ok {
			return NewJSONValue(label, jv.Data)
		}
		return v, nil
	case string:
		return TextValue{Text: v}, nil
	case int:
		return IntValue{Value: int64(v)}, nil
	case int32:
		return IntValue{Value: int64(v)}, nil
	case int64:
		return IntValue{Value: v}, nil
	case float32:
		return FloatValue{Value: float64(v)}, nil
	case float64:
		return FloatValue{Value: v}, nil
	case map[string]any:
		return NewJSONValue(label, v)
	default:
		return nil, &InvalidValueError{
			Label: label,
			Reason: fmt.Sprintf(
				"could not resolve the metadata value for %q to a known type: its type was %T; wrap the value with the appropriate metadata value type",
				label, raw,
			),
		}
	}
}

// ResolveMap resolves every entry of a caller-supplied metadata mapping,
// failing fast on the first unresolvable value.
func ResolveMap(raw map[string]any) (map[string]Value, error) {
	if len(raw) == 0 {
		return map[string]Value{}, nil
	}
	out := make(map[string]Value, len(raw))
	for label, v := range raw {
		resolved, err := ResolveValue(label, v)
		if err != nil {
			return nil, err
		}
		out[label] = resolved
	}
	return out, nil
}
