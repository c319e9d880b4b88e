package exporter

import (
	"encoding/json"
	"sort"

	"github.com/scrapy-plugins/snowflake-stage-exporter/pkg/config"
	"github.com/scrapy-plugins/snowflake-stage-exporter/pkg/errors"
)

// ColumnType is a warehouse column type.
type ColumnType string

const (
	// TypeBoolean holds booleans
	TypeBoolean ColumnType = "BOOLEAN"
	// TypeNumber holds integers and floats
	TypeNumber ColumnType = "NUMBER"
	// TypeVarchar holds strings
	TypeVarchar ColumnType = "VARCHAR"
	// TypeArray holds sequences
	TypeArray ColumnType = "ARRAY"
	// TypeObject holds nested mappings
	TypeObject ColumnType = "OBJECT"
	// TypeVariant is the catch-all semi-structured type used when a field's
	// observed value types vary across records
	TypeVariant ColumnType = "VARIANT"
)

// Column is one resolved column: identifier and type, in declaration order.
type Column struct {
	Name string
	Type ColumnType
}

// resolveValueType maps a decoded record value to its column type. Nulls
// contribute nothing and return the empty type. A value the exporter cannot
// serialize is a hard error at ingestion time, not a silent skip.
func resolveValueType(v interface{}) (ColumnType, error) {
	switch v.(type) {
	case nil:
		return "", nil
	case bool:
		return TypeBoolean, nil
	case json.Number, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64, float32, float64:
		return TypeNumber, nil
	case string:
		return TypeVarchar, nil
	case []interface{}:
		return TypeArray, nil
	case map[string]interface{}:
		return TypeObject, nil
	default:
		return "", errors.Newf(errors.ErrorTypeData, "unsupported value type %T", v)
	}
}

// fieldTypeRecord tracks, for one destination, every distinct column type
// observed per field across the whole session. The first-seen field order is
// kept so column resolution stays deterministic; fields introduced by the
// same record are ordered by name, since decoded JSON objects carry no order.
type fieldTypeRecord struct {
	order []string
	types map[string]map[ColumnType]struct{}
}

func newFieldTypeRecord() *fieldTypeRecord {
	return &fieldTypeRecord{types: make(map[string]map[ColumnType]struct{})}
}

// record adds the resolved type of every non-null field of the record.
func (f *fieldTypeRecord) record(record map[string]interface{}) error {
	newFields := make([]string, 0, len(record))
	for name := range record {
		if _, seen := f.types[name]; !seen {
			newFields = append(newFields, name)
		}
	}
	sort.Strings(newFields)

	add := func(name string) error {
		value := record[name]
		if value == nil {
			return nil
		}
		ct, err := resolveValueType(value)
		if err != nil {
			return err
		}
		set, ok := f.types[name]
		if !ok {
			set = make(map[ColumnType]struct{}, 1)
			f.types[name] = set
			f.order = append(f.order, name)
		}
		set[ct] = struct{}{}
		return nil
	}

	for _, name := range f.order {
		if _, ok := record[name]; !ok {
			continue
		}
		if err := add(name); err != nil {
			return err
		}
	}
	for _, name := range newFields {
		if err := add(name); err != nil {
			return err
		}
	}
	return nil
}

// observed returns the distinct types recorded for a field, sorted.
func (f *fieldTypeRecord) observed(name string) []ColumnType {
	set := f.types[name]
	out := make([]ColumnType, 0, len(set))
	for ct := range set {
		out = append(out, ct)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// predefinedColumns converts a configured column list for use in resolution.
func predefinedColumns(cols []config.Column) []Column {
	out := make([]Column, 0, len(cols))
	for _, c := range cols {
		out = append(out, Column{Name: c.Name, Type: ColumnType(c.Type)})
	}
	return out
}
