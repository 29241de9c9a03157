package expr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parflow/parflow/internal/datum"
)

func TestAddCIDAndLiteral(t *testing.T) {
	g := NewGraph()
	cid := AddCID(g, 1, 2)
	lit := AddLiteral(g, datum.NewInt(42))

	require.True(t, g.Valid(cid))
	assert.Equal(t, NCID, g.Value(cid).Kind)
	assert.Equal(t, 1, g.Value(cid).QunID)
	assert.Equal(t, 2, g.Value(cid).ColID)

	assert.Equal(t, NLiteral, g.Value(lit).Kind)
	assert.Equal(t, int64(42), g.Value(lit).Lit.Int())
}

func TestAddRelChildren(t *testing.T) {
	g := NewGraph()
	lhs := AddCID(g, 0, 0)
	rhs := AddLiteral(g, datum.NewInt(10))
	root := AddRel(g, Gt, lhs, rhs)

	children := g.Children(root)
	require.Len(t, children, 2)
	assert.Equal(t, lhs, children[0])
	assert.Equal(t, rhs, children[1])
	assert.Equal(t, Gt, g.Value(root).RelOp)
}

func TestAddNotSingleChild(t *testing.T) {
	g := NewGraph()
	child := AddCID(g, 0, 0)
	root := AddNot(g, child)

	children := g.Children(root)
	require.Len(t, children, 1)
	assert.Equal(t, Not, g.Value(root).LogOp)
}

func TestAddAggCarriesDistinct(t *testing.T) {
	g := NewGraph()
	child := AddCID(g, 0, 0)
	root := AddAgg(g, Count, true, child)

	node := g.Value(root)
	assert.Equal(t, NAgg, node.Kind)
	assert.Equal(t, Count, node.AggKind)
	assert.True(t, node.Distinct)
}

func TestOpStringers(t *testing.T) {
	assert.Equal(t, "=", Eq.String())
	assert.Equal(t, "+", Add.String())
	assert.Equal(t, "AND", And.String())
	assert.Equal(t, "SUM", Sum.String())
}
