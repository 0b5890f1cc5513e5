package metadata

import (
	"fmt"
	"sort"
)

// TableSchema describes the shape of tabular data. The format follows the
// Frictionless table-schema descriptor, restricted to column name, type,
// description, and constraints, with arbitrary strings allowed as types.
type TableSchema struct {
	Columns     []TableColumn    `json:"columns"`
	Constraints TableConstraints `json:"constraints"`
}

// TableConstraints describes table-level constraints. Only free-form
// constraint strings are supported; a table-level constraint is one defined
// in terms of multiple columns or in terms of rows.
type TableConstraints struct {
	Other []string `json:"other"`
}

// TableColumn describes a single column. An empty type defaults to "string".
type TableColumn struct {
	Name        string                 `json:"name"`
	Type        string                 `json:"type"`
	Description string                 `json:"description,omitempty"`
	Constraints TableColumnConstraints `json:"constraints"`
}

// TableColumnConstraints describes column-level constraints. A column with
// Required=false is nullable. Minimum and Maximum are untyped; their
// validity depends on the declared column type and is not checked here.
type TableColumnConstraints struct {
	Required  bool     `json:"required"`
	Unique    bool     `json:"unique"`
	MinLength *int     `json:"min_length,omitempty"`
	MaxLength *int     `json:"max_length,omitempty"`
	Minimum   any      `json:"minimum,omitempty"`
	Maximum   any      `json:"maximum,omitempty"`
	Pattern   string   `json:"pattern,omitempty"`
	Enum      []any    `json:"enum,omitempty"`
	Other     []string `json:"other,omitempty"`
}

// NewTableColumn applies the column defaults: type "string", nullable, not
// unique.
func NewTableColumn(name string) TableColumn {
	return TableColumn{Name: name, Type: "string"}
}

// TableSchemaFromFields constructs a TableSchema from an untyped field
// mapping, validating field types immediately. Used when a schema value
// arrives from a decoded record rather than typed construction.
func TableSchemaFromFields(fields map[string]any) (TableSchema, error) {
	schema := TableSchema{}
	if raw, ok := fields["columns"]; ok {
		list, ok := raw.([]any)
		if !ok {
			return TableSchema{}, fmt.Errorf("table schema field %q: expected list, got %T", "columns", raw)
		}
		for i, elem := range list {
			m, ok := elem.(map[string]any)
			if !ok {
				return TableSchema{}, fmt.Errorf("table schema column %d: expected mapping, got %T", i, elem)
			}
			col, err := TableColumnFromFields(m)
			if err != nil {
				return TableSchema{}, err
			}
			schema.Columns = append(schema.Columns, col)
		}
	}
	if raw, ok := fields["constraints"]; ok {
		m, ok := raw.(map[string]any)
		if !ok {
			return TableSchema{}, fmt.Errorf("table schema field %q: expected mapping, got %T", "constraints", raw)
		}
		tc, err := TableConstraintsFromFields(m)
		if err != nil {
			return TableSchema{}, err
		}
		schema.Constraints = tc
	}
	return schema, nil
}

// TableConstraintsFromFields constructs TableConstraints from an untyped
// field mapping, failing fast on a type mismatch.
func TableConstraintsFromFields(fields map[string]any) (TableConstraints, error) {
	tc := TableConstraints{}
	if raw, ok := fields["other"]; ok {
		other, err := stringList("other", raw)
		if err != nil {
			return TableConstraints{}, err
		}
		tc.Other = other
	}
	return tc, nil
}

// TableColumnFromFields constructs a TableColumn from an untyped field
// mapping, applying the "string" type default and failing fast on a type
// mismatch.
func TableColumnFromFields(fields map[string]any) (TableColumn, error) {
	col := TableColumn{Type: "string"}
	name, ok := fields["name"]
	if !ok {
		return TableColumn{}, fmt.Errorf("table column: missing required field %q", "name")
	}
	if col.Name, ok = name.(string); !ok {
		return TableColumn{}, fmt.Errorf("table column field %q: expected string, got %T", "name", name)
	}
	if raw, ok := fields["type"]; ok {
		if col.Type, ok = raw.(string); !ok {
			return TableColumn{}, fmt.Errorf("table column field %q: expected string, got %T", "type", raw)
		}
	}
	if raw, ok := fields["description"]; ok {
		if col.Description, ok = raw.(string); !ok {
			return TableColumn{}, fmt.Errorf("table column field %q: expected string, got %T", "description", raw)
		}
	}
	if raw, ok := fields["constraints"]; ok {
		m, ok := raw.(map[string]any)
		if !ok {
			return TableColumn{}, fmt.Errorf("table column field %q: expected mapping, got %T", "constraints", raw)
		}
		cc, err := TableColumnConstraintsFromFields(m)
		if err != nil {
			return TableColumn{}, err
		}
		col.Constraints = cc
	}
	return col, nil
}

// TableColumnConstraintsFromFields constructs TableColumnConstraints from an
// untyped field mapping. Required and Unique default to false. Minimum and
// Maximum are accepted as-is since their type depends on the column type.
func TableColumnConstraintsFromFields(fields map[string]any) (TableColumnConstraints, error) {
	cc := TableColumnConstraints{}
	if raw, ok := fields["required"]; ok {
		b, ok := raw.(bool)
		if !ok {
			return TableColumnConstraints{}, fmt.Errorf("column constraints field %q: expected bool, got %T", "required", raw)
		}
		cc.Required = b
	}
	if raw, ok := fields["unique"]; ok {
		b, ok := raw.(bool)
		if !ok {
			return TableColumnConstraints{}, fmt.Errorf("column constraints field %q: expected bool, got %T", "unique", raw)
		}
		cc.Unique = b
	}
	if raw, ok := fields["min_length"]; ok {
		n, err := intField("min_length", raw)
		if err != nil {
			return TableColumnConstraints{}, err
		}
		cc.MinLength = &n
	}
	if raw, ok := fields["max_length"]; ok {
		n, err := intField("max_length", raw)
		if err != nil {
			return TableColumnConstraints{}, err
		}
		cc.MaxLength = &n
	}
	cc.Minimum = fields["minimum"]
	cc.Maximum = fields["maximum"]
	if raw, ok := fields["pattern"]; ok {
		s, ok := raw.(string)
		if !ok {
			return TableColumnConstraints{}, fmt.Errorf("column constraints field %q: expected string, got %T", "pattern", raw)
		}
		cc.Pattern = s
	}
	if raw, ok := fields["enum"]; ok {
		list, ok := raw.([]any)
		if !ok {
			return TableColumnConstraints{}, fmt.Errorf("column constraints field %q: expected list, got %T", "enum", raw)
		}
		for i, elem := range list {
			switch elem.(type) {
			case string, bool, int, int64, float64:
			default:
				return TableColumnConstraints{}, fmt.Errorf("column constraints field %q: element %d is not a scalar (%T)", "enum", i, elem)
			}
		}
		cc.Enum = list
	}
	if raw, ok := fields["other"]; ok {
		other, err := stringList("other", raw)
		if err != nil {
			return TableColumnConstraints{}, err
		}
		cc.Other = other
	}
	return cc, nil
}

// TableRecord is one flat record in a table. Field values must be strings,
// integers, floats, or bools; construction fails otherwise.
type TableRecord struct {
	Data map[string]any `json:"data"`
}

// NewTableRecord validates every field value against the allowed scalar
// types.
func NewTableRecord(data map[string]any) (TableRecord, error) {
	for k, v := range data {
		switch v.(type) {
		case string, bool, int, int32, int64, float32, float64:
		default:
			return TableRecord{}, fmt.Errorf("record field %q must be one of (string, int, float, bool), got %T", k, v)
		}
	}
	copied := make(map[string]any, len(data))
	for k, v := range data {
		copied[k] = v
	}
	return TableRecord{Data: copied}, nil
}

// InferSchema derives a TableSchema from flat records by unioning the
// observed keys and mapping each value's runtime type to a column type
// string. Columns are emitted in lexicographic key order so inference is
// deterministic.
func InferSchema(records []TableRecord) TableSchema {
	types := map[string]string{}
	keys := []string{}
	for _, rec := range records {
		for k, v := range rec.Data {
			if _, seen := types[k]; seen {
				continue
			}
			types[k] = scalarTypeName(v)
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	columns := make([]TableColumn, 0, len(keys))
	for _, k := range keys {
		columns = append(columns, TableColumn{Name: k, Type: types[k]})
	}
	return TableSchema{Columns: columns}
}

func scalarTypeName(v any) string {
	switch v.(type) {
	case bool:
		return "bool"
	case int, int32, int64:
		return "int"
	case float32, float64:
		return "float"
	default:
		return "string"
	}
}

func stringList(field string, raw any) ([]string, error) {
	switch list := raw.(type) {
	case []string:
		return list, nil
	case []any:
		out := make([]string, 0, len(list))
		for i, elem := range list {
			s, ok := elem.(string)
			if !ok {
				return nil, fmt.Errorf("field %q: element %d is not a string (%T)", field, i, elem)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("field %q: expected list of strings, got %T", field, raw)
	}
}

func intField(field string, raw any) (int, error) {
	switch n := raw.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n == float64(int(n)) {
			return int(n), nil
		}
		return 0, fmt.Errorf("field %q: expected integer, got %v", field, n)
	default:
		return 0, fmt.Errorf("field %q: expected integer, got %T", field, raw)
	}
}
