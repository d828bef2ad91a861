package etl

import (
	"fmt"
	"sort"
	"strings"
)

// ── Differ ─────────────────────────────────────────────────
// Streaming hash join on key columns. The destination side is kept only as
// a set of canonical key strings; the source side is probed record by record.

const keySep = "\x1f"

// MaxDestinationOnlyKeys bounds the destination-only keys kept in a result.
// DestinationOnly always carries the full count.
const MaxDestinationOnlyKeys = 100

// DiffResult classifies the outcome of a reconciliation.
type DiffResult struct {
	Delivery            []Record `json:"-"`
	Matched             int      `json:"matched"`
	SourceOnly          int      `json:"sourceOnly"`
	DestinationOnly     int      `json:"destinationOnly"`
	// DestinationOnlyKeys holds the smallest destination-only keys, at most
	// MaxDestinationOnlyKeys of them.
	DestinationOnlyKeys []string `json:"destinationOnlyKeys,omitempty"`
}

// CheckKeys verifies that keys is non-empty and present in both schemas.
func CheckKeys(dest, src *Schema, keys []string) error {
	if len(keys) == 0 {
		return ErrNoKeys
	}
	for _, k := range keys {
		if !dest.Has(k) {
			return fmt.Errorf("%w: key column %q missing from destination", ErrSchemaMismatch, k)
		}
		if !src.Has(k) {
			return fmt.Errorf("%w: key column %q missing from source", ErrSchemaMismatch, k)
		}
	}
	return nil
}

// KeyOf returns the canonical key string of r over keys.
func KeyOf(r Record, keys []string) string {
	if len(keys) == 1 {
		return canonicalText(r.Data[keys[0]])
	}
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = canonicalText(r.Data[k])
	}
	return strings.Join(parts, keySep)
}

// DisplayKey renders a canonical key for logs and reports.
func DisplayKey(key string) string {
	return strings.ReplaceAll(key, keySep, "|")
}

// KeyIndex is the build side of the join: the set of destination keys.
type KeyIndex struct {
	keys  []string
	seen  map[string]bool
	count int
}

// NewKeyIndex returns an empty index over the given key columns.
func NewKeyIndex(keys []string) *KeyIndex {
	return &KeyIndex{keys: keys, seen: make(map[string]bool)}
}

// Add indexes r. It fails with ErrDuplicateKey if the key tuple was already seen.
func (ix *KeyIndex) Add(r Record) error {
	k := KeyOf(r, ix.keys)
	if _, dup := ix.seen[k]; dup {
		return fmt.Errorf("%w: destination key %s", ErrDuplicateKey, DisplayKey(k))
	}
	ix.seen[k] = false
	ix.count++
	return nil
}

// Len returns the number of indexed keys.
func (ix *KeyIndex) Len() int { return ix.count }

// Joiner is the probe side of the join. It consumes source records,
// collects the unmatched ones and remembers which destination keys matched.
type Joiner struct {
	index   *KeyIndex
	dest    *Schema
	src     map[string]bool
	pending []keyedRecord
	matched int
}

type keyedRecord struct {
	key    string
	record Record
}

// NewJoiner returns a Joiner probing ix. Unmatched records are projected onto dest.
func NewJoiner(ix *KeyIndex, dest *Schema) *Joiner {
	return &Joiner{index: ix, dest: dest, src: make(map[string]bool)}
}

// Probe classifies one source record.
func (j *Joiner) Probe(r Record) error {
	k := KeyOf(r, j.index.keys)
	if j.src[k] {
		return fmt.Errorf("%w: source key %s", ErrDuplicateKey, DisplayKey(k))
	}
	j.src[k] = true

	if _, ok := j.index.seen[k]; ok {
		j.index.seen[k] = true
		j.matched++
		return nil
	}
	j.pending = append(j.pending, keyedRecord{key: k, record: Project(r, j.dest)})
	return nil
}

// Result finalizes the join: the delivery set sorted by key, plus counts.
func (j *Joiner) Result() *DiffResult {
	sort.SliceStable(j.pending, func(a, b int) bool { return j.pending[a].key < j.pending[b].key })

	res := &DiffResult{
		Delivery:   make([]Record, len(j.pending)),
		Matched:    j.matched,
		SourceOnly: len(j.pending),
	}
	for i, kr := range j.pending {
		res.Delivery[i] = kr.record
	}
	for k, hit := range j.index.seen {
		if !hit {
			res.DestinationOnlyKeys = append(res.DestinationOnlyKeys, DisplayKey(k))
		}
	}
	sort.Strings(res.DestinationOnlyKeys)
	res.DestinationOnly = len(res.DestinationOnlyKeys)
	if res.DestinationOnly > MaxDestinationOnlyKeys {
		res.DestinationOnlyKeys = res.DestinationOnlyKeys[:MaxDestinationOnlyKeys:MaxDestinationOnlyKeys]
	}
	return res
}

// Project shapes r onto schema: columns schema lacks are dropped and columns
// r lacks are filled with the empty sentinel.
func Project(r Record, schema *Schema) Record {
	out := make(map[string]any, len(schema.Fields))
	for _, f := range schema.Fields {
		if v, ok := r.Data[f.Name]; ok {
			out[f.Name] = v
		} else {
			out[f.Name] = Empty
		}
	}
	return Record{Data: out}
}

// Diff computes the records present in src but not in dest, keyed on keys.
// Both collections are expected to be normalized already.
func Diff(dest, src Collection, keys []string) (*DiffResult, error) {
	if err := CheckKeys(dest.Schema, src.Schema, keys); err != nil {
		return nil, err
	}
	ix := NewKeyIndex(keys)
	for _, r := range dest.Records {
		if err := ix.Add(r); err != nil {
			return nil, err
		}
	}
	j := NewJoiner(ix, dest.Schema)
	for _, r := range src.Records {
		if err := j.Probe(r); err != nil {
			return nil, err
		}
	}
	return j.Result(), nil
}
