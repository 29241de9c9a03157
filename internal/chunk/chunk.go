// Package chunk implements the columnar batch abstraction that moves rows
// between physical operators: schema, typed arrays, row filtering, the
// repartition hash, and scalar comparison.
package chunk

import (
	"fmt"

	"github.com/OneOfOne/xxhash"
	"github.com/juju/errors"

	"github.com/parflow/parflow/internal/datum"
)

// Field names one column of a Schema.
type Field struct {
	Name string
	Kind datum.Kind
}

// Schema is the ordered list of fields shared by every Array in a Chunk.
type Schema struct {
	Fields []Field
}

// NewSchema builds a schema from fields.
func NewSchema(fields ...Field) *Schema {
	return &Schema{Fields: fields}
}

// Len returns the number of fields.
func (s *Schema) Len() int { return len(s.Fields) }

// IndexOf returns the position of name, or -1 if absent.
func (s *Schema) IndexOf(name string) int {
	for i, f := range s.Fields {
		if f.Name == name {
			return i
		}
	}
	return -1
}

// Array is a fixed-width typed column. Exactly one of Ints/Strs/Bools holds
// live data, selected by Kind; Valid is a parallel null bitmap (true means
// non-null).
type Array struct {
	Kind  datum.Kind
	Ints  []int64
	Strs  []string
	Bools []bool
	Valid []bool
}

// NewArray allocates an Array of the given kind and length, all rows NULL.
func NewArray(kind datum.Kind, n int) *Array {
	a := &Array{Kind: kind, Valid: make([]bool, n)}
	switch kind {
	case datum.Int:
		a.Ints = make([]int64, n)
	case datum.Str:
		a.Strs = make([]string, n)
	case datum.Bool:
		a.Bools = make([]bool, n)
	}
	return a
}

// Len returns the array's row count.
func (a *Array) Len() int { return len(a.Valid) }

// Set stores d at row i.
func (a *Array) Set(i int, d datum.Datum) {
	if d.IsNull() {
		a.Valid[i] = false
		return
	}
	a.Valid[i] = true
	switch a.Kind {
	case datum.Int:
		a.Ints[i] = d.Int()
	case datum.Str:
		a.Strs[i] = d.Str()
	case datum.Bool:
		a.Bools[i] = d.Bool()
	}
}

// At returns row i as a Datum.
func (a *Array) At(i int) datum.Datum {
	if !a.Valid[i] {
		return datum.NewNull()
	}
	switch a.Kind {
	case datum.Int:
		return datum.NewInt(a.Ints[i])
	case datum.Str:
		return datum.NewStr(a.Strs[i])
	case datum.Bool:
		return datum.NewBool(a.Bools[i])
	default:
		return datum.NewNull()
	}
}

// NewArrayFromDatums builds an Array from a slice of Datums of uniform kind
// (NULLs allowed). The kind is inferred from the first non-NULL entry; an
// all-NULL slice yields a NULL-kind-less but otherwise valid Array of STR
// kind (never dereferenced since every row is invalid).
func NewArrayFromDatums(ds []datum.Datum) *Array {
	kind := datum.Str
	for _, d := range ds {
		if !d.IsNull() {
			kind = d.Kind()
			break
		}
	}
	a := NewArray(kind, len(ds))
	for i, d := range ds {
		a.Set(i, d)
	}
	return a
}

// Chunk is an immutable columnar row batch: a fixed-width vector of typed
// arrays, all sharing one Schema and one length.
type Chunk struct {
	Schema  *Schema
	Columns []*Array
}

// New builds a Chunk, panicking if column lengths disagree (an internal
// invariant failure, not a user error).
func New(schema *Schema, columns []*Array) *Chunk {
	if len(columns) > 0 {
		n := columns[0].Len()
		for _, c := range columns[1:] {
			if c.Len() != n {
				panic("chunk: column length mismatch")
			}
		}
	}
	return &Chunk{Schema: schema, Columns: columns}
}

// NumRows returns the chunk's row count, 0 for an empty chunk.
func (c *Chunk) NumRows() int {
	if len(c.Columns) == 0 {
		return 0
	}
	return c.Columns[0].Len()
}

// Row materializes row i as a datum.Row, for per-row scalar paths.
func (c *Chunk) Row(i int) datum.Row {
	row := make(datum.Row, len(c.Columns))
	for j, col := range c.Columns {
		row[j] = col.At(i)
	}
	return row
}

func (c *Chunk) String() string {
	return fmt.Sprintf("chunk[rows=%d cols=%d]", c.NumRows(), len(c.Columns))
}

// Filter applies a boolean mask array (same length as c) and returns a new
// chunk containing only the rows where mask is true and non-NULL.
func Filter(c *Chunk, mask *Array) (*Chunk, error) {
	if mask.Kind != datum.Bool {
		return nil, errors.Errorf("chunk: filter mask must be BOOL, got %s", mask.Kind)
	}
	if mask.Len() != c.NumRows() {
		return nil, errors.Errorf("chunk: filter mask length %d does not match chunk length %d", mask.Len(), c.NumRows())
	}
	keep := make([]int, 0, c.NumRows())
	for i := 0; i < mask.Len(); i++ {
		if mask.Valid[i] && mask.Bools[i] {
			keep = append(keep, i)
		}
	}
	out := make([]*Array, len(c.Columns))
	for ci, col := range c.Columns {
		na := NewArray(col.Kind, len(keep))
		for j, rowIx := range keep {
			na.Set(j, col.At(rowIx))
		}
		out[ci] = na
	}
	return New(c.Schema, out), nil
}

// Concat concatenates chunks sharing a schema into one chunk. An empty
// input yields a chunk with the given schema and no columns.
func Concat(schema *Schema, chunks []*Chunk) *Chunk {
	ncols := 0
	total := 0
	for _, c := range chunks {
		total += c.NumRows()
		ncols = len(c.Columns)
	}
	out := make([]*Array, ncols)
	for ci := 0; ci < ncols; ci++ {
		var kind datum.Kind
		if ncols > 0 && len(chunks) > 0 {
			kind = chunks[0].Columns[ci].Kind
		}
		na := NewArray(kind, total)
		row := 0
		for _, c := range chunks {
			col := c.Columns[ci]
			for i := 0; i < col.Len(); i++ {
				na.Set(row, col.At(i))
				row++
			}
		}
		out[ci] = na
	}
	return New(schema, out)
}

// nullHashSentinel is the fixed 64-bit value a NULL key column hashes to,
// per the repartition exchange's hash-stability contract.
const nullHashSentinel uint64 = 0x9e3779b97f4a7c15

// HashRows computes one deterministic 64-bit hash per row over the given
// key columns, in column order (order-sensitive). The hash need only be
// stable within a single run, not across runs.
func HashRows(columns []*Array) []uint64 {
	n := 0
	if len(columns) > 0 {
		n = columns[0].Len()
	}
	hashes := make([]uint64, n)
	var buf [9]byte
	for row := 0; row < n; row++ {
		h := xxhash.New64()
		for _, col := range columns {
			if !col.Valid[row] {
				var sentinel [8]byte
				for i := 0; i < 8; i++ {
					sentinel[i] = byte(nullHashSentinel >> (8 * i))
				}
				h.Write(sentinel[:])
				continue
			}
			switch col.Kind {
			case datum.Int:
				v := uint64(col.Ints[row])
				for i := 0; i < 8; i++ {
					buf[i] = byte(v >> (8 * i))
				}
				h.Write(buf[:8])
			case datum.Str:
				h.Write([]byte(col.Strs[row]))
			case datum.Bool:
				if col.Bools[row] {
					buf[0] = 1
				} else {
					buf[0] = 0
				}
				h.Write(buf[:1])
			}
		}
		hashes[row] = h.Sum64()
	}
	return hashes
}
