package etl

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-spatial/geom"
	"github.com/go-spatial/geom/encoding/wkb"
)

// ── Normalizer ─────────────────────────────────────────────
// Shapes a collection into a comparable, writable form. Steps run in a
// fixed order: temporal text, null fill, markup strip, geometry encoding.
// Every step is idempotent, so normalizing twice equals normalizing once.

// Step is one normalization stage. A step may return the record together
// with an error; the chain keeps going and reports the first error.
type Step interface {
	Apply(Record) (Record, error)
}

// StepFunc adapts a plain function to the Step interface.
type StepFunc func(Record) (Record, error)

func (f StepFunc) Apply(r Record) (Record, error) { return f(r) }

var markupPattern = regexp.MustCompile(`<[^>]*>`)

// TemporalStep renders date/time-like columns as text.
type TemporalStep struct{}

func (TemporalStep) Apply(r Record) (Record, error) {
	for k, v := range r.Data {
		if v == nil || !isTemporalColumn(k) {
			continue
		}
		if _, ok := v.(string); ok {
			continue
		}
		r.Data[k] = canonicalText(v)
	}
	return r, nil
}

// NullFillStep replaces every missing value with the empty sentinel.
type NullFillStep struct{}

func (NullFillStep) Apply(r Record) (Record, error) {
	for k, v := range r.Data {
		if v == nil {
			r.Data[k] = Empty
		}
	}
	return r, nil
}

// MarkupStep strips angle-bracket tags from note columns.
type MarkupStep struct{}

func (MarkupStep) Apply(r Record) (Record, error) {
	for k, v := range r.Data {
		if !strings.Contains(strings.ToLower(k), "note") {
			continue
		}
		r.Data[k] = StripMarkup(canonicalText(v))
	}
	return r, nil
}

// GeometryStep encodes the geometry column as hex WKB.
type GeometryStep struct {
	Field string
}

func (s GeometryStep) Apply(r Record) (Record, error) {
	v, ok := r.Data[s.Field]
	if !ok {
		return r, nil
	}
	enc, err := EncodeGeometry(v)
	if err != nil {
		r.Data[s.Field] = Empty
		return r, &RecordError{Field: s.Field, Err: err}
	}
	r.Data[s.Field] = enc
	return r, nil
}

// Normalizer applies the normalization chain to records and collections.
type Normalizer struct {
	GeometryField string
}

// NewNormalizer returns a Normalizer for the given geometry column.
func NewNormalizer(geometryField string) *Normalizer {
	if geometryField == "" {
		geometryField = DefaultGeometryField
	}
	return &Normalizer{GeometryField: geometryField}
}

func (n *Normalizer) steps(spatial bool) []Step {
	steps := []Step{TemporalStep{}, NullFillStep{}, MarkupStep{}}
	if spatial {
		steps = append(steps, GeometryStep{Field: n.geometryField()})
	}
	return steps
}

func (n *Normalizer) geometryField() string {
	if n == nil || n.GeometryField == "" {
		return DefaultGeometryField
	}
	return n.GeometryField
}

// NormalizeRecord returns a normalized copy of r. On a geometry failure the
// returned record is still usable: the geometry is blanked and the error is
// a *RecordError.
func (n *Normalizer) NormalizeRecord(r Record, spatial bool) (Record, error) {
	return ApplySteps(r.Clone(), n.steps(spatial))
}

// Normalize normalizes every record in c. Records that fail are left out of
// the returned collection and reported with their position in c.
func (n *Normalizer) Normalize(c Collection) (Collection, []*RecordError) {
	out := Collection{Schema: c.Schema, Spatial: c.Spatial, Records: make([]Record, 0, len(c.Records))}
	var failures []*RecordError
	for i, r := range c.Records {
		nr, err := n.NormalizeRecord(r, c.Spatial)
		if err != nil {
			failures = append(failures, asRecordError(err, i))
			continue
		}
		out.Records = append(out.Records, nr)
	}
	return out, failures
}

// ApplySteps runs every step on r and returns the first error encountered.
func ApplySteps(r Record, steps []Step) (Record, error) {
	var first error
	for _, s := range steps {
		var err error
		r, err = s.Apply(r)
		if err != nil && first == nil {
			first = err
		}
	}
	return r, first
}

func asRecordError(err error, index int) *RecordError {
	re, ok := err.(*RecordError)
	if !ok {
		return &RecordError{Index: index, Err: err}
	}
	cp := *re
	cp.Index = index
	return &cp
}

func isTemporalColumn(name string) bool {
	lower := strings.ToLower(name)
	return strings.Contains(lower, "date") || strings.Contains(lower, "time")
}

// StripMarkup removes every <...> sequence from s.
func StripMarkup(s string) string {
	return markupPattern.ReplaceAllString(s, "")
}

// ── Geometry ───────────────────────────────────────────────

// EncodeGeometry renders a point as upper-case hex little-endian WKB.
// Nil and empty values become the empty sentinel. Strings must hold hex WKB
// or PostGIS EWKB and are re-encoded in the canonical form.
func EncodeGeometry(v any) (string, error) {
	var x, y float64
	switch g := v.(type) {
	case nil:
		return Empty, nil
	case string:
		p, err := DecodeGeometry(g)
		if err != nil || p == nil {
			return Empty, err
		}
		x, y = p.X, p.Y
	case Point:
		x, y = g.X, g.Y
	case *Point:
		if g == nil {
			return Empty, nil
		}
		x, y = g.X, g.Y
	case geom.Point:
		x, y = g.X(), g.Y()
	case map[string]any:
		var okX, okY bool
		x, okX = toFloatSafe(g["x"])
		y, okY = toFloatSafe(g["y"])
		if !okX || !okY {
			return Empty, fmt.Errorf("%w: point needs numeric x and y, got %v", ErrMalformedGeometry, g)
		}
	default:
		return Empty, fmt.Errorf("%w: unsupported type %T", ErrMalformedGeometry, v)
	}

	var buf bytes.Buffer
	if err := wkb.EncodeWithByteOrder(binary.LittleEndian, &buf, geom.Point{x, y}); err != nil {
		return Empty, fmt.Errorf("%w: %v", ErrMalformedGeometry, err)
	}
	return strings.ToUpper(hex.EncodeToString(buf.Bytes())), nil
}

// ewkbSRID is the EWKB type flag announcing a 4-byte SRID after the type.
const ewkbSRID = 0x20000000

// DecodeGeometry parses hex WKB or EWKB back into a Point. The empty sentinel
// yields nil.
func DecodeGeometry(s string) (*Point, error) {
	if s == Empty {
		return nil, nil
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedGeometry, err)
	}
	raw, err = stripSRID(raw)
	if err != nil {
		return nil, err
	}
	g, err := wkb.DecodeBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedGeometry, err)
	}
	switch p := g.(type) {
	case geom.Point:
		return &Point{X: p.X(), Y: p.Y()}, nil
	case *geom.Point:
		return &Point{X: p.X(), Y: p.Y()}, nil
	default:
		return nil, fmt.Errorf("%w: expected point, got %T", ErrMalformedGeometry, g)
	}
}

// stripSRID turns EWKB into plain WKB by clearing the SRID flag and dropping
// the SRID itself. Plain WKB is returned unchanged.
func stripSRID(raw []byte) ([]byte, error) {
	if len(raw) < 5 {
		return nil, fmt.Errorf("%w: %d bytes is too short for WKB", ErrMalformedGeometry, len(raw))
	}
	var order binary.ByteOrder
	switch raw[0] {
	case 0:
		order = binary.BigEndian
	case 1:
		order = binary.LittleEndian
	default:
		return nil, fmt.Errorf("%w: bad byte order marker %d", ErrMalformedGeometry, raw[0])
	}
	typ := order.Uint32(raw[1:5])
	if typ&ewkbSRID == 0 {
		return raw, nil
	}
	if len(raw) < 9 {
		return nil, fmt.Errorf("%w: EWKB header truncated", ErrMalformedGeometry)
	}
	out := make([]byte, len(raw)-4)
	out[0] = raw[0]
	order.PutUint32(out[1:5], typ&^ewkbSRID)
	copy(out[5:], raw[9:])
	return out, nil
}
