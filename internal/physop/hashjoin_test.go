package physop

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parflow/parflow/internal/chunk"
	"github.com/parflow/parflow/internal/datum"
	"github.com/parflow/parflow/internal/pcode"
	"github.com/parflow/parflow/internal/pop"
)

// fakeOp replays a fixed sequence of chunks, then EOF.
type fakeOp struct {
	chunks []*chunk.Chunk
	ix     int
}

func (f *fakeOp) Next() (*chunk.Chunk, error) {
	if f.ix >= len(f.chunks) {
		return emptyChunk(), nil
	}
	c := f.chunks[f.ix]
	f.ix++
	return c, nil
}

func intCol(vals ...int64) *chunk.Array {
	a := chunk.NewArray(datum.Int, len(vals))
	for i, v := range vals {
		a.Set(i, datum.NewInt(v))
	}
	return a
}

func strCol(vals ...string) *chunk.Array {
	a := chunk.NewArray(datum.Str, len(vals))
	for i, v := range vals {
		a.Set(i, datum.NewStr(v))
	}
	return a
}

func identityProgram(colIx int, kind datum.Kind) *pcode.Program {
	return &pcode.Program{Instrs: []pcode.Instr{{Op: pcode.OpPushColumn, ColIx: colIx}}, ResultKind: kind}
}

func TestHashJoinMatchesOnKey(t *testing.T) {
	buildChunk := chunk.New(chunk.NewSchema(chunk.Field{Name: "name", Kind: datum.Str}, chunk.Field{Name: "dept_id", Kind: datum.Int}),
		[]*chunk.Array{strCol("alice", "bob"), intCol(1, 2)})
	probeChunk := chunk.New(chunk.NewSchema(chunk.Field{Name: "dept_id", Kind: datum.Int}, chunk.Field{Name: "dname", Kind: datum.Str}),
		[]*chunk.Array{intCol(2, 1, 9), strCol("eng", "sales", "ghost")})

	build := &fakeOp{chunks: []*chunk.Chunk{buildChunk}}
	probe := &fakeOp{chunks: []*chunk.Chunk{probeChunk}}

	node := pop.Node{JoinKeys: []pop.JoinKeyPair{{
		Left:  identityProgram(1, datum.Int),
		Right: identityProgram(0, datum.Int),
	}}}
	buildProps := pop.Props{PM: pmWithReals(2)}
	probeProps := pop.Props{PM: pmWithReals(2)}
	props := pop.Props{Cols: []int{0, 3}}

	j, err := newHashJoin(node, props, build, probe, buildProps, probeProps)
	require.NoError(t, err)

	out, err := j.Next()
	require.NoError(t, err)
	require.Equal(t, 2, out.NumRows())
	assert.ElementsMatch(t, []string{"bob", "alice"}, out.Columns[0].Strs)

	eof, err := j.Next()
	require.NoError(t, err)
	assert.Equal(t, 0, eof.NumRows())
}

func pmWithReals(n int) *pcode.ProjectionMap {
	pm := pcode.NewProjectionMap()
	for i := 0; i < n; i++ {
		pm.AddReal(0, i)
	}
	return pm
}
