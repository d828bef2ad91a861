package etl

// ── Record ─────────────────────────────────────────────────
// Common intermediate data format.
// Both endpoints emit Records; the deliverer turns Records into Features.

// Empty is the sentinel that stands in for a missing value after normalization.
const Empty = ""

// DefaultGeometryField is the attribute that carries a record's geometry.
const DefaultGeometryField = "geometry"

// Field types reported by endpoints.
const (
	FieldText     = "text"
	FieldNumber   = "number"
	FieldBoolean  = "boolean"
	FieldDatetime = "datetime"
	FieldGeometry = "geometry"
)

// Field describes a single column in a dataset.
type Field struct {
	Name string `json:"name"`
	Type string `json:"type"` // "text" | "number" | "boolean" | "datetime" | "geometry"
}

// Schema describes the ordered column set of a collection.
type Schema struct {
	Fields []Field `json:"fields"`
}

// FieldNames returns an ordered list of field names.
func (s *Schema) FieldNames() []string {
	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}
	return names
}

// Has reports whether the schema declares a column with the given name.
func (s *Schema) Has(name string) bool {
	for _, f := range s.Fields {
		if f.Name == name {
			return true
		}
	}
	return false
}

// Spatial reports whether any column carries geometry.
func (s *Schema) Spatial() bool {
	for _, f := range s.Fields {
		if f.Type == FieldGeometry {
			return true
		}
	}
	return false
}

// Record is a single row of data flowing through the pipeline.
type Record struct {
	Data map[string]any `json:"data"`
}

// Clone returns a shallow copy whose Data map can be modified independently.
func (r Record) Clone() Record {
	data := make(map[string]any, len(r.Data))
	for k, v := range r.Data {
		data[k] = v
	}
	return Record{Data: data}
}

// Collection is an ordered sequence of Records sharing one schema.
type Collection struct {
	Schema  *Schema
	Records []Record
	Spatial bool
}

// Point is a two-dimensional point geometry.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}
