// Package stage implements the stage graph: the DAG of execution stages a
// compiled physical plan is sliced into at each repartition boundary.
package stage

import (
	"fmt"
	"strings"

	"github.com/juju/errors"

	"github.com/parflow/parflow/internal/graph"
)

// ID identifies a stage within a Graph.
type ID int

// Link is a shuffle edge from a producer stage to a consumer stage.
type Link struct {
	Producer ID
	Consumer ID
}

// Node holds one stage's bookkeeping: its root physical-operator key, how
// many POPs it contains, its own execution partition count, the consumer
// partition count of the RepartitionWrite at its root (zero if the stage
// ends at the query root instead), and its outbound links.
type Node struct {
	Root               graph.Key
	RootSet            bool
	PopCount           int
	ProducerPartitions int
	ConsumerPartitions int
	Outbound           []Link
	Parent             ID
	HasParent          bool
}

// Graph is the DAG of stages connected by repartition links.
type Graph struct {
	stages []Node
}

// NewGraph returns a graph with one root stage (id 0, no parent).
func NewGraph() *Graph {
	return &Graph{stages: []Node{{}}}
}

// Root is the id of the stage created up front with no parent.
const Root ID = 0

// NewStage allocates a child stage of parent and returns its id.
func (g *Graph) NewStage(parent ID) ID {
	id := ID(len(g.stages))
	g.stages = append(g.stages, Node{Parent: parent, HasParent: true})
	return id
}

// Stage returns stage id's bookkeeping node.
func (g *Graph) Stage(id ID) Node {
	return g.stages[id]
}

// SetRoot records stage id's root POP key. Calling it twice is an internal
// invariant failure.
func (g *Graph) SetRoot(id ID, root graph.Key) {
	if g.stages[id].RootSet {
		panic("stage: root already set for stage")
	}
	n := g.stages[id]
	n.Root = root
	n.RootSet = true
	g.stages[id] = n
}

// NextIndexInStage increments the stage's POP count and returns the
// position assigned to the POP just added (its index_in_stage).
func (g *Graph) NextIndexInStage(id ID) int {
	ix := g.stages[id].PopCount
	g.stages[id].PopCount++
	return ix
}

// SetProducerPartitions records the stage's own execution partition count
// (its root POP's npartitions).
func (g *Graph) SetProducerPartitions(id ID, n int) {
	node := g.stages[id]
	node.ProducerPartitions = n
	g.stages[id] = node
}

// SetConsumerPartitions records the cpartitions of the RepartitionWrite at
// the stage's root, when one exists.
func (g *Graph) SetConsumerPartitions(id ID, n int) {
	node := g.stages[id]
	node.ConsumerPartitions = n
	g.stages[id] = node
}

// AddLink records a shuffle edge and appends it to the producer's outbound
// list.
func (g *Graph) AddLink(link Link) {
	node := g.stages[link.Producer]
	node.Outbound = append(node.Outbound, link)
	g.stages[link.Producer] = node
}

// Len returns the number of stages, including the root.
func (g *Graph) Len() int { return len(g.stages) }

// Children returns the ids of the stages NewStage allocated directly under
// id: the stages whose own output feeds id's RepartitionRead(s).
func (g *Graph) Children(id ID) []ID {
	var out []ID
	for i, n := range g.stages {
		if n.HasParent && n.Parent == id {
			out = append(out, ID(i))
		}
	}
	return out
}

// TopoOrderReverse returns stage ids in producer-before-consumer order:
// leaves (stages with no unresolved outbound dependency) first, the root
// stage last. Since every link points from a higher-numbered child stage
// (allocated during the top-down compiler walk after its parent) to its
// parent, this is simply descending allocation order.
func (g *Graph) TopoOrderReverse() []ID {
	order := make([]ID, len(g.stages))
	for i := range order {
		order[i] = ID(len(g.stages) - 1 - i)
	}
	return order
}

// Validate checks the invariant that every stage's consumer partition
// count (when set) matches its consumer stage's producer partition count.
func (g *Graph) Validate() error {
	for producer, node := range g.stages {
		for _, link := range node.Outbound {
			consumer := g.stages[link.Consumer]
			if node.ConsumerPartitions != consumer.ProducerPartitions {
				return errors.Errorf(
					"stage: link %d->%d partition mismatch: producer declares %d consumer partitions, consumer stage has %d",
					producer, link.Consumer, node.ConsumerPartitions, consumer.ProducerPartitions)
			}
		}
	}
	return nil
}

// Explain renders an indented text tree of the stage graph, the in-repo
// substitute for a Graphviz dump. It walks down from Root through
// Children rather than Outbound: Outbound links point from a child stage
// to its parent (the direction AddLink records them in), so Root, which
// is never itself a producer, would otherwise look like a leaf.
func (g *Graph) Explain() string {
	var b strings.Builder
	var walk func(id ID, depth int)
	walk = func(id ID, depth int) {
		node := g.stages[id]
		fmt.Fprintf(&b, "%sstage %d: root=%s pops=%d producer_partitions=%d consumer_partitions=%d\n",
			strings.Repeat("  ", depth), id, node.Root, node.PopCount, node.ProducerPartitions, node.ConsumerPartitions)
		for _, child := range g.Children(id) {
			walk(child, depth+1)
		}
	}
	walk(Root, 0)
	return b.String()
}
