package lop

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddTableScanAndAggregation(t *testing.T) {
	g := NewGraph()
	scan := AddTableScan(g, 0, []ColRef{{QunID: 0, ColID: 0}, {QunID: 0, ColID: 2}}, Props{
		Quns: []int{0},
		Cols: []ColRef{{QunID: 0, ColID: 0}, {QunID: 0, ColID: 2}},
	})

	agg := AddAggregation(g, nil, nil, Props{Quns: []int{0}}, scan)

	require.True(t, g.Valid(agg))
	assert.Equal(t, NAggregation, g.Value(agg).Kind)
	children := g.Children(agg)
	require.Len(t, children, 1)
	assert.Equal(t, scan, children[0])
}

func TestAddHashJoinTwoChildren(t *testing.T) {
	g := NewGraph()
	left := AddTableScan(g, 0, nil, Props{Quns: []int{0}})
	right := AddTableScan(g, 1, nil, Props{Quns: []int{1}})
	join := AddHashJoin(g, nil, Props{Quns: []int{0, 1}}, left, right)

	children := g.Children(join)
	require.Len(t, children, 2)
	assert.Equal(t, left, children[0])
	assert.Equal(t, right, children[1])
}

func TestAddRepartitionCarriesPartDesc(t *testing.T) {
	g := NewGraph()
	scan := AddTableScan(g, 0, nil, Props{Quns: []int{0}})
	pd := PartDesc{NPartitions: 3, PartKind: PartHashExpr}
	rep := AddRepartition(g, Props{PartDesc: pd}, scan)

	assert.Equal(t, pd, g.Props(rep).PartDesc)
}
