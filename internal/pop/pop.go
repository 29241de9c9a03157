// Package pop implements the physical operator graph: the lowered,
// stage-assigned, per-operator compiled form the worker pool executes.
package pop

import (
	"github.com/parflow/parflow/internal/catalog"
	"github.com/parflow/parflow/internal/expr"
	"github.com/parflow/parflow/internal/graph"
	"github.com/parflow/parflow/internal/pcode"
	"github.com/parflow/parflow/internal/stage"
)

// Kind tags a physical operator variant.
type Kind int

const (
	NCSV Kind = iota
	NHashJoin
	NAggregation
	NRepartitionWrite
	NRepartitionRead
)

func (k Kind) String() string {
	switch k {
	case NCSV:
		return "CSV"
	case NHashJoin:
		return "HashJoin"
	case NAggregation:
		return "Aggregation"
	case NRepartitionWrite:
		return "RepartitionWrite"
	case NRepartitionRead:
		return "RepartitionRead"
	default:
		return "Unknown"
	}
}

// AggSpec pairs a compiled aggregate-child program with its aggregate
// kind, the unit the Aggregation operator accumulates over.
type AggSpec struct {
	Kind     expr.AggKind
	Program  *pcode.Program
	Distinct bool
}

// JoinKeyPair compiles one equi-join condition's left and right key
// programs, each evaluated against its own side's chunk.
type JoinKeyPair struct {
	Left  *pcode.Program
	Right *pcode.Program
}

// Node is one physical-operator variant.
type Node struct {
	Kind Kind

	// NCSV
	QunID        int
	Table        catalog.TableDesc
	InputColumns []int // table.Fields indices, in the order the scan exposes them as real columns 0..n-1

	// NHashJoin
	JoinKeys []JoinKeyPair

	// NAggregation
	GroupKeys []*pcode.Program
	Aggs      []AggSpec

	// NRepartitionWrite
	RepartKeys  []*pcode.Program
	CPartitions int
	StageLink   stage.Link

	// NRepartitionRead
	ReadStageLink stage.Link
}

// Props carries the per-node properties every POP variant shares. At
// runtime an operator emits, per output chunk: the columns named by Cols
// (dense indices into its own pre-virtcol input chunk, selected and
// reordered) followed by the arrays produced by evaluating VirtCols, in
// that order. PM describes this resulting output layout (Cols entries as
// reals 0..nreal-1, VirtCols as virtuals nreal..nreal+nvirt-1) for
// whichever parent node composes its own input projection map from it.
type Props struct {
	Predicates   []*pcode.Program
	Cols         []int
	VirtCols     []*pcode.Program
	Schema       []catalog.Field
	NPartitions  int
	IndexInStage int
	PM           *pcode.ProjectionMap
}

// Graph is a physical operator graph.
type Graph = graph.Graph[Node, Props]

// NewGraph returns an empty physical operator graph.
func NewGraph() *Graph {
	return graph.New[Node, Props]()
}

// AddCSV adds a CSV scan leaf.
func AddCSV(g *Graph, qunID int, table catalog.TableDesc, inputColumns []int, props Props) graph.Key {
	return g.Add(Node{Kind: NCSV, QunID: qunID, Table: table, InputColumns: inputColumns}, props)
}

// AddHashJoin adds a HashJoin over [build, probe] children.
func AddHashJoin(g *Graph, keys []JoinKeyPair, props Props, build, probe graph.Key) graph.Key {
	return g.Add(Node{Kind: NHashJoin, JoinKeys: keys}, props, build, probe)
}

// AddAggregation adds an Aggregation over one child.
func AddAggregation(g *Graph, groupKeys []*pcode.Program, aggs []AggSpec, props Props, child graph.Key) graph.Key {
	return g.Add(Node{Kind: NAggregation, GroupKeys: groupKeys, Aggs: aggs}, props, child)
}

// AddRepartitionWrite adds a RepartitionWrite over one child; it is always
// the root POP of its (child) stage.
func AddRepartitionWrite(g *Graph, repartKeys []*pcode.Program, cpartitions int, link stage.Link, props Props, child graph.Key) graph.Key {
	return g.Add(Node{Kind: NRepartitionWrite, RepartKeys: repartKeys, CPartitions: cpartitions, StageLink: link}, props, child)
}

// AddRepartitionRead adds a RepartitionRead leaf in the consumer stage.
func AddRepartitionRead(g *Graph, link stage.Link, props Props) graph.Key {
	return g.Add(Node{Kind: NRepartitionRead, ReadStageLink: link}, props)
}
