// Package physop implements the physical operators a worker executes:
// the pull-based (Volcano-style) runtime for every pop.Kind, driven one
// partition at a time by the scheduler.
package physop

import (
	"fmt"

	"github.com/juju/errors"

	"github.com/parflow/parflow/internal/chunk"
	"github.com/parflow/parflow/internal/graph"
	"github.com/parflow/parflow/internal/pcode"
	"github.com/parflow/parflow/internal/pop"
)

// Operator is the pull contract every physical operator implements. A
// zero-row chunk signals end of stream; a non-nil error aborts the task.
type Operator interface {
	Next() (*chunk.Chunk, error)
}

// Context carries the per-task runtime parameters an operator tree needs:
// which flow and partition it is running as, and where spill files live.
type Context struct {
	FlowID    string
	TempDir   string
	Partition int
}

// Build recursively constructs the operator tree rooted at key, wiring
// each physical operator to its already-built children.
func Build(pg *pop.Graph, key graph.Key, ctx *Context) (Operator, error) {
	node := pg.Value(key)
	props := pg.Props(key)
	switch node.Kind {
	case pop.NCSV:
		return newCSVScan(node, props, ctx)
	case pop.NHashJoin:
		children := pg.Children(key)
		if len(children) != 2 {
			return nil, errors.Errorf("physop: HashJoin requires 2 children, got %d", len(children))
		}
		build, err := Build(pg, children[0], ctx)
		if err != nil {
			return nil, errors.Trace(err)
		}
		probe, err := Build(pg, children[1], ctx)
		if err != nil {
			return nil, errors.Trace(err)
		}
		buildProps := pg.Props(children[0])
		probeProps := pg.Props(children[1])
		return newHashJoin(node, props, build, probe, buildProps, probeProps)
	case pop.NAggregation:
		children := pg.Children(key)
		if len(children) != 1 {
			return nil, errors.Errorf("physop: Aggregation requires 1 child, got %d", len(children))
		}
		child, err := Build(pg, children[0], ctx)
		if err != nil {
			return nil, errors.Trace(err)
		}
		return newAggregation(node, child), nil
	case pop.NRepartitionWrite:
		children := pg.Children(key)
		if len(children) != 1 {
			return nil, errors.Errorf("physop: RepartitionWrite requires 1 child, got %d", len(children))
		}
		child, err := Build(pg, children[0], ctx)
		if err != nil {
			return nil, errors.Trace(err)
		}
		return newRepartitionWrite(node, child, ctx), nil
	case pop.NRepartitionRead:
		return newRepartitionRead(node, ctx), nil
	default:
		return nil, errors.Errorf("physop: unsupported physical operator kind %v", node.Kind)
	}
}

// applyCommon runs the shared per-operator tail of the pull pipeline over
// a raw chunk addressed by the operator's input projection map: residual
// predicates (filter), then virtual columns (computed and appended),
// then the final real-column selection reordered per Cols. The result's
// columns are exactly [Cols selection] ++ [VirtCols results], matching
// Props.PM's layout.
func applyCommon(raw *chunk.Chunk, props pop.Props) (*chunk.Chunk, error) {
	for _, pred := range props.Predicates {
		mask, err := pcode.Eval(pred, raw)
		if err != nil {
			return nil, errors.Trace(err)
		}
		raw, err = chunk.Filter(raw, mask)
		if err != nil {
			return nil, errors.Trace(err)
		}
	}
	virtArrays := make([]*chunk.Array, len(props.VirtCols))
	for i, prog := range props.VirtCols {
		arr, err := pcode.Eval(prog, raw)
		if err != nil {
			return nil, errors.Annotatef(err, "physop: virtual column %d", i)
		}
		virtArrays[i] = arr
	}

	cols := make([]*chunk.Array, 0, len(props.Cols)+len(virtArrays))
	fields := make([]chunk.Field, 0, cap(cols))
	for i, ix := range props.Cols {
		if ix < 0 || ix >= len(raw.Columns) {
			return nil, errors.Errorf("physop: output column %d out of range for %d-column input chunk", ix, len(raw.Columns))
		}
		name := fmt.Sprintf("c%d", i)
		if i < len(props.Schema) && props.Schema[i].Name != "" {
			name = props.Schema[i].Name
		}
		cols = append(cols, raw.Columns[ix])
		fields = append(fields, chunk.Field{Name: name, Kind: raw.Columns[ix].Kind})
	}
	for i, arr := range virtArrays {
		cols = append(cols, arr)
		fields = append(fields, chunk.Field{Name: fmt.Sprintf("virt%d", i), Kind: arr.Kind})
	}
	return chunk.New(chunk.NewSchema(fields...), cols), nil
}

// emptyChunk returns a zero-row chunk with an empty schema, the canonical
// EOF marker for operators with no natural schema of their own to reuse.
func emptyChunk() *chunk.Chunk {
	return chunk.New(chunk.NewSchema(), nil)
}
