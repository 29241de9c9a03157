package pop

import (
	"fmt"
	"strings"

	"github.com/parflow/parflow/internal/graph"
	"github.com/parflow/parflow/internal/stage"
)

// Explain renders an indented text tree of the compiled plan: one block
// per stage, each listing its physical operators root to leaf. Graph is a
// generic alias (graph.Graph[Node, Props]) defined in another package, so
// this has to be a function rather than a method on Graph.
func Explain(g *Graph, sg *stage.Graph) string {
	var b strings.Builder
	var walkStage func(id stage.ID, depth int)
	walkStage = func(id stage.ID, depth int) {
		node := sg.Stage(id)
		indent := strings.Repeat("  ", depth)
		fmt.Fprintf(&b, "%sstage %d (producer_partitions=%d consumer_partitions=%d):\n",
			indent, id, node.ProducerPartitions, node.ConsumerPartitions)
		if node.RootSet {
			walkOp(g, node.Root, depth+1, &b)
		}
		for _, child := range sg.Children(id) {
			walkStage(child, depth+1)
		}
	}
	walkStage(stage.Root, 0)
	return b.String()
}

func walkOp(g *Graph, key graph.Key, depth int, b *strings.Builder) {
	node := g.Value(key)
	fmt.Fprintf(b, "%s%s\n", strings.Repeat("  ", depth), node.Kind)
	for _, child := range g.Children(key) {
		walkOp(g, child, depth+1, b)
	}
}
