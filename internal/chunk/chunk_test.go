package chunk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parflow/parflow/internal/datum"
)

func buildIntArray(vals ...int64) *Array {
	a := NewArray(datum.Int, len(vals))
	for i, v := range vals {
		a.Set(i, datum.NewInt(v))
	}
	return a
}

func buildBoolArray(vals ...bool) *Array {
	a := NewArray(datum.Bool, len(vals))
	for i, v := range vals {
		a.Set(i, datum.NewBool(v))
	}
	return a
}

func TestFilterChunk(t *testing.T) {
	schema := NewSchema(Field{Name: "age", Kind: datum.Int})
	c := New(schema, []*Array{buildIntArray(20, 30, 25)})
	mask := buildBoolArray(false, true, true)

	out, err := Filter(c, mask)
	require.NoError(t, err)
	require.Equal(t, 2, out.NumRows())
	assert.Equal(t, int64(30), out.Columns[0].At(0).Int())
	assert.Equal(t, int64(25), out.Columns[0].At(1).Int())
}

func TestFilterChunkLengthMismatch(t *testing.T) {
	schema := NewSchema(Field{Name: "age", Kind: datum.Int})
	c := New(schema, []*Array{buildIntArray(20, 30)})
	mask := buildBoolArray(true)

	_, err := Filter(c, mask)
	assert.Error(t, err)
}

func TestHashRowsDeterministicAndOrderSensitive(t *testing.T) {
	a := buildIntArray(1, 2, 3)
	b := buildIntArray(10, 20, 30)

	h1 := HashRows([]*Array{a, b})
	h2 := HashRows([]*Array{a, b})
	assert.Equal(t, h1, h2, "hash must be deterministic within a run")

	hReordered := HashRows([]*Array{b, a})
	assert.NotEqual(t, h1, hReordered, "column order must affect the hash")
}

func TestHashRowsNullSentinel(t *testing.T) {
	a := NewArray(datum.Int, 2)
	a.Set(0, datum.NewInt(5))
	// row 1 left NULL

	h := HashRows([]*Array{a})
	require.Len(t, h, 2)
	assert.NotEqual(t, h[0], h[1])
}

func TestDatumCompareTypeMismatch(t *testing.T) {
	_, err := datum.NewInt(1).Compare(datum.NewStr("x"))
	assert.Error(t, err)

	c, err := datum.NewInt(1).Compare(datum.NewInt(2))
	require.NoError(t, err)
	assert.Equal(t, -1, c)
}
