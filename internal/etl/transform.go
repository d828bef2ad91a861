package etl

import (
	"fmt"
	"strings"
)

// ── Transformer ────────────────────────────────────────────
// Transformers reshape source records before they are normalized.
// They are composable: each takes a record, returns a (possibly modified)
// record and a boolean indicating whether to keep it.
//
// Pattern: Benthos processor chain.

// Transformer processes a single record.
// Returns (transformed record, keep). If keep is false, the record is dropped.
type Transformer interface {
	Transform(Record) (Record, bool)
}

// TransformerFunc adapts a plain function to the Transformer interface.
type TransformerFunc func(Record) (Record, bool)

func (f TransformerFunc) Transform(r Record) (Record, bool) { return f(r) }

// TransformConfig is a declarative transform definition from the job file.
type TransformConfig struct {
	Type   string         `yaml:"type" json:"type"` // "filter" | "rename" | "select" | "type_cast"
	Config map[string]any `yaml:"config" json:"config"`
}

// ── Built-in Transforms ────────────────────────────────────

// FilterTransform drops records where the given field does not match the value.
type FilterTransform struct {
	Field string
	Op    string // "eq" | "neq" | "gt" | "lt" | "contains" | "not_empty"
	Value any
}

func (t *FilterTransform) Transform(r Record) (Record, bool) {
	v, ok := r.Data[t.Field]
	if !ok {
		return r, false
	}
	switch t.Op {
	case "eq":
		return r, canonicalText(v) == canonicalText(t.Value)
	case "neq":
		return r, canonicalText(v) != canonicalText(t.Value)
	case "contains":
		return r, strings.Contains(canonicalText(v), canonicalText(t.Value))
	case "gt":
		return r, compareValues(v, t.Value) > 0
	case "lt":
		return r, compareValues(v, t.Value) < 0
	case "not_empty":
		return r, canonicalText(v) != Empty
	default:
		return r, true
	}
}

// RenameTransform renames fields so source columns line up with the destination.
type RenameTransform struct {
	Mapping map[string]string // oldName → newName
}

func (t *RenameTransform) Transform(r Record) (Record, bool) {
	out := r.Clone()
	for from, to := range t.Mapping {
		if v, ok := r.Data[from]; ok {
			delete(out.Data, from)
			out.Data[to] = v
		}
	}
	return out, true
}

// SelectTransform keeps only the specified fields.
type SelectTransform struct {
	Fields []string
}

func (t *SelectTransform) Transform(r Record) (Record, bool) {
	filtered := make(map[string]any, len(t.Fields))
	for _, f := range t.Fields {
		if v, ok := r.Data[f]; ok {
			filtered[f] = v
		}
	}
	return Record{Data: filtered}, true
}

// TypeCastTransform converts a field's value to a target type.
type TypeCastTransform struct {
	Field    string
	CastType string // "number" | "string" | "bool"
}

func (t *TypeCastTransform) Transform(r Record) (Record, bool) {
	v, ok := r.Data[t.Field]
	if !ok || v == nil {
		return r, true
	}
	out := r.Clone()
	switch t.CastType {
	case "number":
		out.Data[t.Field] = toFloat(v)
	case "string":
		out.Data[t.Field] = canonicalText(v)
	case "bool":
		out.Data[t.Field] = toBool(v)
	}
	return out, true
}

// ── Chain ──────────────────────────────────────────────────

// ApplyTransformers runs a chain of transformers on a record.
func ApplyTransformers(r Record, ts []Transformer) (Record, bool) {
	for _, t := range ts {
		var keep bool
		r, keep = t.Transform(r)
		if !keep {
			return r, false
		}
	}
	return r, true
}

// BuildTransformers converts declarative TransformConfig into Transformer instances.
func BuildTransformers(configs []TransformConfig) ([]Transformer, error) {
	ts := make([]Transformer, 0, len(configs))
	for i, tc := range configs {
		switch tc.Type {
		case "filter":
			field, _ := tc.Config["field"].(string)
			op, _ := tc.Config["op"].(string)
			if field == "" || op == "" {
				return nil, fmt.Errorf("transform %d: filter needs field and op", i)
			}
			ts = append(ts, &FilterTransform{Field: field, Op: op, Value: tc.Config["value"]})

		case "rename":
			mapping, ok := tc.Config["mapping"].(map[string]any)
			if !ok || len(mapping) == 0 {
				return nil, fmt.Errorf("transform %d: rename needs a mapping", i)
			}
			m := make(map[string]string, len(mapping))
			for k, v := range mapping {
				m[k] = fmt.Sprint(v)
			}
			ts = append(ts, &RenameTransform{Mapping: m})

		case "select":
			fields, ok := tc.Config["fields"].([]any)
			if !ok || len(fields) == 0 {
				return nil, fmt.Errorf("transform %d: select needs fields", i)
			}
			ff := make([]string, 0, len(fields))
			for _, f := range fields {
				ff = append(ff, fmt.Sprint(f))
			}
			ts = append(ts, &SelectTransform{Fields: ff})

		case "type_cast":
			field, _ := tc.Config["field"].(string)
			castType, _ := tc.Config["castType"].(string)
			if field == "" || castType == "" {
				return nil, fmt.Errorf("transform %d: type_cast needs field and castType", i)
			}
			ts = append(ts, &TypeCastTransform{Field: field, CastType: castType})

		default:
			return nil, fmt.Errorf("transform %d: unknown type %q", i, tc.Type)
		}
	}
	return ts, nil
}

// transformSchema applies schema-shaping transforms (rename, select) to a
// discovered schema so key checks and projection see the reshaped columns.
func transformSchema(s *Schema, ts []Transformer) *Schema {
	out := &Schema{Fields: append([]Field(nil), s.Fields...)}
	for _, t := range ts {
		switch tt := t.(type) {
		case *RenameTransform:
			for i, f := range out.Fields {
				if to, ok := tt.Mapping[f.Name]; ok {
					out.Fields[i].Name = to
				}
			}
		case *SelectTransform:
			keep := make(map[string]bool, len(tt.Fields))
			for _, f := range tt.Fields {
				keep[f] = true
			}
			fields := out.Fields[:0:0]
			for _, f := range out.Fields {
				if keep[f.Name] {
					fields = append(fields, f)
				}
			}
			out.Fields = fields
		}
	}
	return out
}
