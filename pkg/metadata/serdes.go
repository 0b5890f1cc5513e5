package metadata

import (
	"fmt"

	"github.com/loomworks/loom/pkg/serdes"
)

// RegisterTypes registers every metadata value shape with the supplied
// registry. Must run during the registry's initialization phase, before
// concurrent encode/decode begins.
func RegisterTypes(r *serdes.Registry) error {
	registrations := []struct {
		name      string
		prototype any
		opts      []serdes.RegisterOption
	}{
		{"TextMetadataValue", TextValue{}, nil},
		{"IntMetadataValue", IntValue{}, nil},
		{"FloatMetadataValue", FloatValue{}, nil},
		{"URLMetadataValue", URLValue{}, nil},
		{"PathMetadataValue", PathValue{}, nil},
		{"JSONMetadataValue", JSONValue{}, nil},
		{"TableSchemaMetadataValue", TableSchemaValue{}, nil},
		{"TableMetadataValue", TableValue{}, nil},
		{"TableSchema", TableSchema{}, nil},
		{"TableConstraints", TableConstraints{}, nil},
		// The column prototype carries the "string" type default so schemas
		// stored before the type field existed still decode.
		{"TableColumn", TableColumn{Type: "string"}, nil},
		{"TableColumnConstraints", TableColumnConstraints{}, nil},
		{"TableRecord", TableRecord{}, []serdes.RegisterOption{serdes.WithStrategy(tableRecordStrategy{})}},
	}
	for _, reg := range registrations {
		if err := r.Register(reg.name, reg.prototype, reg.opts...); err != nil {
			return fmt.Errorf("metadata: register %s: %w", reg.name, err)
		}
	}
	return nil
}

// tableRecordStrategy stores a record as a nested mapping of arbitrary keys
// under "data" and re-validates scalar types on decode, since the natural
// field-for-field decode cannot type-check the inner mapping.
type tableRecordStrategy struct{}

func (tableRecordStrategy) Pack(_ *serdes.Registry, v any) (map[string]any, error) {
	rec, ok := v.(TableRecord)
	if !ok {
		return nil, fmt.Errorf("table record strategy: unexpected value %T", v)
	}
	data := make(map[string]any, len(rec.Data))
	for k, val := range rec.Data {
		data[k] = val
	}
	return map[string]any{"data": data}, nil
}

func (tableRecordStrategy) Unpack(_ *serdes.Registry, fields map[string]any) (any, error) {
	raw, ok := fields["data"]
	if !ok {
		return TableRecord{Data: map[string]any{}}, nil
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("table record strategy: %q is not a mapping (%T)", "data", raw)
	}
	data := make(map[string]any, len(m))
	for k, val := range m {
		converted, err := serdes.NumberValue(val)
		if err == nil {
			data[k] = converted
			continue
		}
		data[k] = val
	}
	return NewTableRecord(data)
}
