package exchange

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parflow/parflow/internal/chunk"
	"github.com/parflow/parflow/internal/datum"
)

func sampleChunk(t *testing.T) *chunk.Chunk {
	t.Helper()
	schema := chunk.NewSchema(chunk.Field{Name: "id", Kind: datum.Int}, chunk.Field{Name: "name", Kind: datum.Str})
	ids := chunk.NewArray(datum.Int, 3)
	names := chunk.NewArray(datum.Str, 3)
	for i, v := range []int64{1, 2, 3} {
		ids.Set(i, datum.NewInt(v))
	}
	names.Set(0, datum.NewStr("a"))
	names.Set(1, datum.NewNull())
	names.Set(2, datum.NewStr("c"))
	return chunk.New(schema, []*chunk.Array{ids, names})
}

func TestWriterReaderRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "producer-0.pfx")
	c := sampleChunk(t)

	w := NewWriter(path, c.Schema)
	require.NoError(t, w.WriteChunk(c))
	require.NoError(t, w.WriteChunk(chunk.New(c.Schema, nil))) // zero-row: no-op
	require.NoError(t, w.Close())

	r, err := OpenReader(path)
	require.NoError(t, err)
	defer r.Close()

	got, err := r.Next()
	require.NoError(t, err)
	require.Equal(t, 3, got.NumRows())
	assert.Equal(t, int64(2), got.Columns[0].Ints[1])
	assert.False(t, got.Columns[1].Valid[1])
	assert.Equal(t, "c", got.Columns[1].Strs[2])

	eof, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, 0, eof.NumRows())
}

func TestWriterNeverOpensFileForEmptyStream(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "producer-0.pfx")
	w := NewWriter(path, chunk.NewSchema())
	require.NoError(t, w.Close())

	files, err := ListProducerFiles(dir)
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestListProducerFilesMissingDirIsEmptyNotError(t *testing.T) {
	files, err := ListProducerFiles(filepath.Join(t.TempDir(), "does-not-exist"))
	require.NoError(t, err)
	assert.Empty(t, files)
}
