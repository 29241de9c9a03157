// Package lop implements the logical operator graph: the planner-facing
// representation the LOP->POP compiler lowers into physical operators
// sliced into stages.
package lop

import (
	"github.com/parflow/parflow/internal/graph"
)

// Kind tags a logical operator variant.
type Kind int

const (
	NTableScan Kind = iota
	NHashJoin
	NRepartition
	NAggregation
)

func (k Kind) String() string {
	switch k {
	case NTableScan:
		return "TableScan"
	case NHashJoin:
		return "HashJoin"
	case NRepartition:
		return "Repartition"
	case NAggregation:
		return "Aggregation"
	default:
		return "Unknown"
	}
}

// PartKind names a partition descriptor's shuffle strategy.
type PartKind int

const (
	PartAny PartKind = iota
	PartHashExpr
	PartRaw
)

// PartDesc describes how a node's output rows are (or should be)
// partitioned.
type PartDesc struct {
	NPartitions int
	PartKind    PartKind
	HashKeys    []graph.Key // expression-graph keys, meaningful when PartKind == PartHashExpr
}

// ColRef identifies a real column produced by a scan.
type ColRef struct {
	QunID int
	ColID int
}

// JoinKey pairs the left and right equi-join key expressions for one
// HashJoin condition.
type JoinKey struct {
	Left  graph.Key
	Right graph.Key
}

// Node is one logical-operator variant, a flat tagged union matching the
// closed-family dispatch the rest of this engine's graphs use.
type Node struct {
	Kind Kind

	// NTableScan
	QunID           int
	InputProjection []ColRef

	// NHashJoin
	JoinKeys []JoinKey

	// NAggregation
	GroupBy []graph.Key
	Aggs    []graph.Key
}

// Props carries the per-node properties shared by every LOP variant: the
// query-units it covers, the real and virtual columns it produces,
// residual predicates, and its output partition descriptor.
type Props struct {
	Quns     []int
	Cols     []ColRef
	VirtCols []graph.Key
	Preds    []graph.Key
	PartDesc PartDesc
}

// Graph is a logical operator graph.
type Graph = graph.Graph[Node, Props]

// NewGraph returns an empty logical operator graph.
func NewGraph() *Graph {
	return graph.New[Node, Props]()
}

// AddTableScan adds a TableScan node with no children.
func AddTableScan(g *Graph, qunID int, inputProjection []ColRef, props Props) graph.Key {
	return g.Add(Node{Kind: NTableScan, QunID: qunID, InputProjection: inputProjection}, props)
}

// AddHashJoin adds a HashJoin node over [left, right] children.
func AddHashJoin(g *Graph, keys []JoinKey, props Props, left, right graph.Key) graph.Key {
	return g.Add(Node{Kind: NHashJoin, JoinKeys: keys}, props, left, right)
}

// AddRepartition adds a Repartition node over one child. Props.PartDesc
// carries the target shuffle descriptor for this boundary.
func AddRepartition(g *Graph, props Props, child graph.Key) graph.Key {
	return g.Add(Node{Kind: NRepartition}, props, child)
}

// AddAggregation adds an Aggregation node over one child.
func AddAggregation(g *Graph, groupBy, aggs []graph.Key, props Props, child graph.Key) graph.Key {
	return g.Add(Node{Kind: NAggregation, GroupBy: groupBy, Aggs: aggs}, props, child)
}
