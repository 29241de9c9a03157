package physop

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parflow/parflow/internal/chunk"
	"github.com/parflow/parflow/internal/datum"
	"github.com/parflow/parflow/internal/expr"
	"github.com/parflow/parflow/internal/pcode"
	"github.com/parflow/parflow/internal/pop"
)

func TestAggregationGroupsAndAccumulates(t *testing.T) {
	c := chunk.New(
		chunk.NewSchema(chunk.Field{Name: "dept_id", Kind: datum.Int}, chunk.Field{Name: "age", Kind: datum.Int}),
		[]*chunk.Array{intCol(1, 1, 2), intCol(30, 20, 40)},
	)
	child := &fakeOp{chunks: []*chunk.Chunk{c}}

	node := pop.Node{
		GroupKeys: []*pcode.Program{identityProgram(0, datum.Int)},
		Aggs: []pop.AggSpec{
			{Kind: expr.Count, Program: identityProgram(1, datum.Int)},
			{Kind: expr.Sum, Program: identityProgram(1, datum.Int)},
			{Kind: expr.Avg, Program: identityProgram(1, datum.Int)},
		},
	}
	agg := newAggregation(node, child)

	out, err := agg.Next()
	require.NoError(t, err)
	require.Equal(t, 2, out.NumRows())

	totals := map[int64]int64{}
	counts := map[int64]int64{}
	for i := 0; i < out.NumRows(); i++ {
		dept := out.Columns[0].Ints[i]
		counts[dept] = out.Columns[1].Ints[i]
		totals[dept] = out.Columns[2].Ints[i]
	}
	assert.Equal(t, int64(2), counts[1])
	assert.Equal(t, int64(50), totals[1])
	assert.Equal(t, int64(1), counts[2])
	assert.Equal(t, int64(40), totals[2])

	eof, err := agg.Next()
	require.NoError(t, err)
	assert.Equal(t, 0, eof.NumRows())
}

func TestAggregationMinMax(t *testing.T) {
	c := chunk.New(
		chunk.NewSchema(chunk.Field{Name: "dept_id", Kind: datum.Int}, chunk.Field{Name: "age", Kind: datum.Int}),
		[]*chunk.Array{intCol(1, 1, 1), intCol(30, 20, 40)},
	)
	child := &fakeOp{chunks: []*chunk.Chunk{c}}
	node := pop.Node{
		GroupKeys: []*pcode.Program{identityProgram(0, datum.Int)},
		Aggs: []pop.AggSpec{
			{Kind: expr.Min, Program: identityProgram(1, datum.Int)},
			{Kind: expr.Max, Program: identityProgram(1, datum.Int)},
		},
	}
	agg := newAggregation(node, child)
	out, err := agg.Next()
	require.NoError(t, err)
	require.Equal(t, 1, out.NumRows())
	assert.Equal(t, int64(20), out.Columns[1].Ints[0])
	assert.Equal(t, int64(40), out.Columns[2].Ints[0])
}
