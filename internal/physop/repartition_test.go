package physop

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parflow/parflow/internal/chunk"
	"github.com/parflow/parflow/internal/datum"
	"github.com/parflow/parflow/internal/pcode"
	"github.com/parflow/parflow/internal/pop"
	"github.com/parflow/parflow/internal/stage"
)

func TestRepartitionWriteThenReadRoundTrips(t *testing.T) {
	c := chunk.New(
		chunk.NewSchema(chunk.Field{Name: "dept_id", Kind: datum.Int}, chunk.Field{Name: "name", Kind: datum.Str}),
		[]*chunk.Array{intCol(1, 2, 3, 4), strCol("a", "b", "c", "d")},
	)
	child := &fakeOp{chunks: []*chunk.Chunk{c}}

	link := stage.Link{Producer: 1, Consumer: 0}
	writeNode := pop.Node{
		RepartKeys:  []*pcode.Program{identityProgram(0, datum.Int)},
		CPartitions: 3,
		StageLink:   link,
	}
	tmp := t.TempDir()
	writeCtx := &Context{FlowID: "f1", TempDir: tmp, Partition: 0}
	w := newRepartitionWrite(writeNode, child, writeCtx)

	out, err := w.Next()
	require.NoError(t, err)
	assert.Equal(t, 0, out.NumRows())

	readNode := pop.Node{ReadStageLink: link}
	var total int
	for p := 0; p < 3; p++ {
		readCtx := &Context{FlowID: "f1", TempDir: tmp, Partition: p}
		r := newRepartitionRead(readNode, readCtx)
		for {
			rc, err := r.Next()
			require.NoError(t, err)
			if rc.NumRows() == 0 {
				break
			}
			total += rc.NumRows()
		}
	}
	assert.Equal(t, 4, total)
}

func TestRepartitionReadMissingDirectoryIsEmpty(t *testing.T) {
	readNode := pop.Node{ReadStageLink: stage.Link{Producer: 1, Consumer: 0}}
	ctx := &Context{FlowID: "nope", TempDir: t.TempDir(), Partition: 0}
	r := newRepartitionRead(readNode, ctx)
	c, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, 0, c.NumRows())
}
