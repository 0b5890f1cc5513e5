// Package serdes implements the versioned serialization registry. Every
// record type that may be persisted or cross a process boundary registers
// itself under a stable logical name; the registry encodes values into a
// structured form that carries that name, and reconstructs current in-memory
// shapes from structured values written by older (or newer) shapes.
//
// Run histories persist indefinitely while in-memory shapes evolve. Decoding
// starts from the registered prototype, so fields missing from a stored
// value take the prototype's defaults, and stored fields absent from the
// current shape are ignored.
//
// The registry is read-mostly: all registration must happen before
// concurrent encode/decode begins.
package serdes

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gowebpki/jcs"
)

// TypeKey is the field carrying the registered logical name in every encoded
// envelope.
const TypeKey = "__type"

var (
	// ErrUnresolvableType is returned when a stored value names a logical
	// type with no registered shape.
	ErrUnresolvableType = errors.New("unresolvable serialized type")

	// ErrIncompatibleShape is returned when a name is re-registered with a
	// different shape signature.
	ErrIncompatibleShape = errors.New("incompatible shape for registered name")

	// ErrUnregisteredValue is returned when encoding reaches a struct type
	// that was never registered.
	ErrUnregisteredValue = errors.New("value type not registered")
)

// Strategy customizes encode/decode for records whose stored form is not a
// direct field-for-field map.
type Strategy interface {
	Pack(r *Registry, v any) (map[string]any, error)
	Unpack(r *Registry, fields map[string]any) (any, error)
}

type fieldInfo struct {
	name  string // json name
	index int
	typ   reflect.Type
}

type entry struct {
	name      string
	typ       reflect.Type
	prototype reflect.Value
	fields    []fieldInfo
	strategy  Strategy
	signature string
}

// Registry maps logical names to current in-memory shapes.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]*entry
	byType map[reflect.Type]*entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]*entry),
		byType: make(map[reflect.Type]*entry),
	}
}

// RegisterOption configures a registration.
type RegisterOption func(*entry)

// WithStrategy attaches a custom encode/decode strategy.
func WithStrategy(s Strategy) RegisterOption {
	return func(e *entry) { e.strategy = s }
}

// Register binds name to the shape of prototype, a struct value whose field
// values serve as decode defaults for fields missing from stored values.
// Re-registering an identical shape is a no-op; a different shape under the
// same name fails.
func (r *Registry) Register(name string, prototype any, opts ...RegisterOption) error {
	if name == "" {
		return fmt.Errorf("serdes: registered name must be non-empty")
	}
	typ := reflect.TypeOf(prototype)
	if typ == nil || typ.Kind() != reflect.Struct {
		return fmt.Errorf("serdes: prototype for %q must be a struct value, got %T", name, prototype)
	}

	e := &entry{
		name:      name,
		typ:       typ,
		prototype: reflect.ValueOf(prototype),
		fields:    structFields(typ),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.signature = shapeSignature(typ, e.fields)

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byName[name]; ok {
		if existing.typ == typ && existing.signature == e.signature {
			return nil
		}
		return fmt.Errorf("%w: %q already registered with signature %s", ErrIncompatibleShape, name, existing.signature)
	}
	if existing, ok := r.byType[typ]; ok {
		return fmt.Errorf("serdes: type %s already registered as %q", typ, existing.name)
	}
	r.byName[name] = e
	r.byType[typ] = e
	return nil
}

// IsRegistered reports whether name has a registered shape.
func (r *Registry) IsRegistered(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byName[name]
	return ok
}

// Pack converts a registered value into its structured envelope form: a
// mapping of field name to scalar or nested value, with TypeKey carrying the
// registered logical name.
func (r *Registry) Pack(v any) (map[string]any, error) {
	packed, err := r.packValue(reflect.ValueOf(v))
	if err != nil {
		return nil, err
	}
	m, ok := packed.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("serdes: top-level value %T did not pack to an envelope", v)
	}
	if _, ok := m[TypeKey]; !ok {
		return nil, fmt.Errorf("serdes: top-level value %T did not pack to an envelope", v)
	}
	return m, nil
}

// Encode packs v and serializes the envelope to RFC 8785 canonical JSON, so
// the same logical value always encodes to the same bytes.
func (r *Registry) Encode(v any) ([]byte, error) {
	packed, err := r.Pack(v)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(packed)
	if err != nil {
		return nil, fmt.Errorf("serdes: marshal failed: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("serdes: canonicalization failed: %w", err)
	}
	return canonical, nil
}

// Decode parses canonical JSON produced by Encode (possibly by an older or
// newer shape) and reconstructs a value of the current registered shape.
func (r *Registry) Decode(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("serdes: decode failed: %w", err)
	}
	m, ok := generic.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("serdes: stored value is not an envelope")
	}
	return r.Unpack(m)
}

// Unpack reconstructs a value from an envelope mapping. The registered name
// in TypeKey selects the shape; fields missing from the envelope take the
// prototype's defaults, and unknown fields are ignored.
func (r *Registry) Unpack(m map[string]any) (any, error) {
	rawName, ok := m[TypeKey]
	if !ok {
		return nil, fmt.Errorf("serdes: envelope missing %q", TypeKey)
	}
	name, ok := rawName.(string)
	if !ok {
		return nil, fmt.Errorf("serdes: envelope %q is not a string", TypeKey)
	}
	return r.UnpackNamed(name, m)
}

// UnpackNamed reconstructs a value of the shape registered under name from
// its stored fields.
func (r *Registry) UnpackNamed(name string, fields map[string]any) (any, error) {
	r.mu.RLock()
	e, ok := r.byName[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnresolvableType, name)
	}
	if e.strategy != nil {
		return e.strategy.Unpack(r, fields)
	}

	out := reflect.New(e.typ).Elem()
	out.Set(e.prototype)
	for _, f := range e.fields {
		stored, present := fields[f.name]
		if !present {
			continue
		}
		fv, err := r.unpackValue(stored, f.typ)
		if err != nil {
			return nil, fmt.Errorf("serdes: %s.%s: %w", name, f.name, err)
		}
		out.Field(f.index).Set(fv)
	}
	return out.Interface(), nil
}

func (r *Registry) packValue(rv reflect.Value) (any, error) {
	if !rv.IsValid() {
		return nil, nil
	}
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil, nil
		}
		return r.packValue(rv.Elem())
	}

	if rv.Type() == timeType {
		return rv.Interface().(time.Time).UTC().Format(time.RFC3339Nano), nil
	}

	switch rv.Kind() {
	case reflect.Struct:
		r.mu.RLock()
		e, ok := r.byType[rv.Type()]
		r.mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnregisteredValue, rv.Type())
		}
		var fields map[string]any
		var err error
		if e.strategy != nil {
			fields, err = e.strategy.Pack(r, rv.Interface())
		} else {
			fields = make(map[string]any, len(e.fields))
			for _, f := range e.fields {
				var packed any
				packed, err = r.packValue(rv.Field(f.index))
				if err != nil {
					break
				}
				fields[f.name] = packed
			}
		}
		if err != nil {
			return nil, err
		}
		fields[TypeKey] = e.name
		return fields, nil

	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, fmt.Errorf("serdes: map keys must be strings, got %s", rv.Type().Key())
		}
		if rv.IsNil() {
			return nil, nil
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			packed, err := r.packValue(iter.Value())
			if err != nil {
				return nil, err
			}
			out[iter.Key().String()] = packed
		}
		return out, nil

	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() == reflect.Uint8 {
			return base64.StdEncoding.EncodeToString(rv.Bytes()), nil
		}
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return nil, nil
		}
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			packed, err := r.packValue(rv.Index(i))
			if err != nil {
				return nil, err
			}
			out[i] = packed
		}
		return out, nil

	case reflect.Bool:
		return rv.Bool(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint(), nil
	case reflect.Float32, reflect.Float64:
		return rv.Float(), nil
	case reflect.String:
		return rv.String(), nil
	default:
		return nil, fmt.Errorf("serdes: cannot serialize kind %s", rv.Kind())
	}
}

func (r *Registry) unpackValue(stored any, target reflect.Type) (reflect.Value, error) {
	if target.Kind() == reflect.Pointer {
		if stored == nil {
			return reflect.Zero(target), nil
		}
		elem, err := r.unpackValue(stored, target.Elem())
		if err != nil {
			return reflect.Value{}, err
		}
		out := reflect.New(target.Elem())
		out.Elem().Set(elem)
		return out, nil
	}
	if stored == nil {
		return reflect.Zero(target), nil
	}
	if target == timeType {
		s, ok := stored.(string)
		if !ok {
			return reflect.Value{}, fmt.Errorf("expected timestamp string, got %T", stored)
		}
		ts, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return reflect.Value{}, fmt.Errorf("bad timestamp %q: %w", s, err)
		}
		return reflect.ValueOf(ts), nil
	}

	switch target.Kind() {
	case reflect.Interface:
		if target.NumMethod() == 0 {
			if m, ok := stored.(map[string]any); ok {
				if _, tagged := m[TypeKey].(string); tagged {
					v, err := r.Unpack(m)
					if err != nil {
						return reflect.Value{}, err
					}
					return reflect.ValueOf(v), nil
				}
			}
			return reflect.ValueOf(normalizeNumbers(stored)), nil
		}
		m, ok := stored.(map[string]any)
		if !ok {
			return reflect.Value{}, fmt.Errorf("expected envelope for interface %s, got %T", target, stored)
		}
		v, err := r.Unpack(m)
		if err != nil {
			return reflect.Value{}, err
		}
		rv := reflect.ValueOf(v)
		if !rv.Type().AssignableTo(target) {
			return reflect.Value{}, fmt.Errorf("decoded %s does not satisfy %s", rv.Type(), target)
		}
		return rv, nil

	case reflect.Struct:
		m, ok := stored.(map[string]any)
		if !ok {
			return reflect.Value{}, fmt.Errorf("expected mapping for %s, got %T", target, stored)
		}
		r.mu.RLock()
		e, registered := r.byType[target]
		r.mu.RUnlock()
		if !registered {
			return reflect.Value{}, fmt.Errorf("%w: %s", ErrUnregisteredValue, target)
		}
		v, err := r.UnpackNamed(e.name, m)
		if err != nil {
			return reflect.Value{}, err
		}
		return reflect.ValueOf(v), nil

	case reflect.Map:
		m, ok := stored.(map[string]any)
		if !ok {
			return reflect.Value{}, fmt.Errorf("expected mapping for %s, got %T", target, stored)
		}
		out := reflect.MakeMapWithSize(target, len(m))
		for k, elem := range m {
			ev, err := r.unpackValue(elem, target.Elem())
			if err != nil {
				return reflect.Value{}, err
			}
			out.SetMapIndex(reflect.ValueOf(k), ev)
		}
		return out, nil

	case reflect.Slice:
		if target.Elem().Kind() == reflect.Uint8 {
			s, ok := stored.(string)
			if !ok {
				return reflect.Value{}, fmt.Errorf("expected base64 string for %s, got %T", target, stored)
			}
			raw, err := base64.StdEncoding.DecodeString(s)
			if err != nil {
				return reflect.Value{}, fmt.Errorf("bad base64: %w", err)
			}
			return reflect.ValueOf(raw), nil
		}
		list, ok := stored.([]any)
		if !ok {
			return reflect.Value{}, fmt.Errorf("expected list for %s, got %T", target, stored)
		}
		out := reflect.MakeSlice(target, len(list), len(list))
		for i, elem := range list {
			ev, err := r.unpackValue(elem, target.Elem())
			if err != nil {
				return reflect.Value{}, err
			}
			out.Index(i).Set(ev)
		}
		return out, nil

	case reflect.Bool:
		b, ok := stored.(bool)
		if !ok {
			return reflect.Value{}, fmt.Errorf("expected bool, got %T", stored)
		}
		out := reflect.New(target).Elem()
		out.SetBool(b)
		return out, nil

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := storedInt(stored)
		if err != nil {
			return reflect.Value{}, err
		}
		out := reflect.New(target).Elem()
		out.SetInt(n)
		return out, nil

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := storedInt(stored)
		if err != nil {
			return reflect.Value{}, err
		}
		if n < 0 {
			return reflect.Value{}, fmt.Errorf("expected unsigned integer, got %d", n)
		}
		out := reflect.New(target).Elem()
		out.SetUint(uint64(n))
		return out, nil

	case reflect.Float32, reflect.Float64:
		f, err := storedFloat(stored)
		if err != nil {
			return reflect.Value{}, err
		}
		out := reflect.New(target).Elem()
		out.SetFloat(f)
		return out, nil

	case reflect.String:
		s, ok := stored.(string)
		if !ok {
			return reflect.Value{}, fmt.Errorf("expected string, got %T", stored)
		}
		out := reflect.New(target).Elem()
		out.SetString(s)
		return out, nil

	default:
		return reflect.Value{}, fmt.Errorf("cannot deserialize into kind %s", target.Kind())
	}
}

var timeType = reflect.TypeOf(time.Time{})

func structFields(typ reflect.Type) []fieldInfo {
	fields := make([]fieldInfo, 0, typ.NumField())
	for i := 0; i < typ.NumField(); i++ {
		sf := typ.Field(i)
		if !sf.IsExported() {
			continue
		}
		name := sf.Name
		if tag, ok := sf.Tag.Lookup("json"); ok {
			parts := strings.Split(tag, ",")
			if parts[0] == "-" {
				continue
			}
			if parts[0] != "" {
				name = parts[0]
			}
		}
		fields = append(fields, fieldInfo{name: name, index: i, typ: sf.Type})
	}
	return fields
}

func shapeSignature(typ reflect.Type, fields []fieldInfo) string {
	names := make([]string, 0, len(fields))
	for _, f := range fields {
		names = append(names, f.name)
	}
	sort.Strings(names)
	return typ.Name() + "(" + strings.Join(names, ",") + ")"
}

// NumberValue converts a stored scalar number (json.Number, int64, float64)
// to int64 or float64 for callers that need untyped numeric fields.
func NumberValue(stored any) (any, error) {
	switch n := stored.(type) {
	case json.Number:
		if !strings.ContainsAny(n.String(), ".eE") {
			return n.Int64()
		}
		return n.Float64()
	case int, int64, float64:
		return n, nil
	default:
		return nil, fmt.Errorf("expected number, got %T", stored)
	}
}

func storedInt(stored any) (int64, error) {
	switch n := stored.(type) {
	case json.Number:
		return n.Int64()
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	case uint64:
		return int64(n), nil
	case float64:
		if n != float64(int64(n)) {
			return 0, fmt.Errorf("expected integer, got %v", n)
		}
		return int64(n), nil
	default:
		return 0, fmt.Errorf("expected integer, got %T", stored)
	}
}

func storedFloat(stored any) (float64, error) {
	switch n := stored.(type) {
	case json.Number:
		return n.Float64()
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case float64:
		return n, nil
	default:
		return 0, fmt.Errorf("expected number, got %T", stored)
	}
}

// normalizeNumbers rewrites json.Number values inside a decoded tree into
// int64 or float64 so untyped fields round-trip to comparable Go values.
func normalizeNumbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		if n, err := NumberValue(t); err == nil {
			return n
		}
		return t.String()
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, elem := range t {
			out[k] = normalizeNumbers(elem)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, elem := range t {
			out[i] = normalizeNumbers(elem)
		}
		return out
	default:
		return v
	}
}
