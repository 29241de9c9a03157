package pop

import (
	"github.com/juju/errors"

	"github.com/parflow/parflow/internal/catalog"
	"github.com/parflow/parflow/internal/datum"
	"github.com/parflow/parflow/internal/expr"
	"github.com/parflow/parflow/internal/graph"
	"github.com/parflow/parflow/internal/lop"
	"github.com/parflow/parflow/internal/pcode"
	"github.com/parflow/parflow/internal/stage"
)

// defaultPartitions is used when a LOP node's partition descriptor leaves
// the partition count unset (PartAny with NPartitions == 0).
const defaultPartitions = 1

// Compile lowers a logical operator graph rooted at lopRoot into a
// physical operator graph sliced into stages, per the top-down recursive
// walk: Repartition nodes open a new child stage, compile their subtree
// into it, and emit a RepartitionWrite (the child stage's root) paired
// with a RepartitionRead in the parent stage; every other node recurses
// within the current stage and builds its projection map from the union
// of its children's output columns.
func Compile(lg *lop.Graph, lopRoot graph.Key, eg *expr.Graph, cat catalog.Catalog) (*Graph, *stage.Graph, graph.Key, error) {
	c := &compiler{lg: lg, eg: eg, cat: cat, pg: NewGraph(), sg: stage.NewGraph()}
	rootKey, err := c.compile(lopRoot, stage.Root)
	if err != nil {
		return nil, nil, 0, errors.Trace(err)
	}
	c.sg.SetRoot(stage.Root, rootKey)
	c.sg.SetProducerPartitions(stage.Root, c.pg.Props(rootKey).NPartitions)
	if err := c.sg.Validate(); err != nil {
		return nil, nil, 0, errors.Trace(err)
	}
	return c.pg, c.sg, rootKey, nil
}

type compiler struct {
	lg  *lop.Graph
	eg  *expr.Graph
	cat catalog.Catalog
	pg  *Graph
	sg  *stage.Graph
}

func (c *compiler) compile(lkey graph.Key, stageID stage.ID) (graph.Key, error) {
	node := c.lg.Value(lkey)
	switch node.Kind {
	case lop.NTableScan:
		return c.compileTableScan(lkey, node, stageID)
	case lop.NHashJoin:
		return c.compileHashJoin(lkey, node, stageID)
	case lop.NRepartition:
		return c.compileRepartition(lkey, node, stageID)
	case lop.NAggregation:
		return c.compileAggregation(lkey, node, stageID)
	default:
		return 0, errors.Errorf("pop: unsupported LOP variant %v", node.Kind)
	}
}

func (c *compiler) compileTableScan(lkey graph.Key, node lop.Node, stageID stage.ID) (graph.Key, error) {
	lprops := c.lg.Props(lkey)
	table, err := c.cat.TableDesc(node.QunID)
	if err != nil {
		return 0, errors.Trace(err)
	}

	projection := node.InputProjection
	if len(projection) == 0 {
		projection = make([]lop.ColRef, len(table.Fields))
		for i := range table.Fields {
			projection[i] = lop.ColRef{QunID: node.QunID, ColID: i}
		}
	}
	inputPM := buildPM(projection)

	popProps, err := c.buildCommonProps(lprops, inputPM)
	if err != nil {
		return 0, errors.Trace(err)
	}
	popProps.NPartitions = partitionCount(lprops)

	inputColumns := make([]int, len(projection))
	for i, cr := range projection {
		inputColumns[i] = cr.ColID
	}

	key := c.pg.Add(Node{Kind: NCSV, QunID: node.QunID, Table: table, InputColumns: inputColumns}, popProps)
	c.finishNode(key, stageID)
	return key, nil
}

func (c *compiler) compileHashJoin(lkey graph.Key, node lop.Node, stageID stage.ID) (graph.Key, error) {
	children := c.lg.Children(lkey)
	if len(children) != 2 {
		return 0, errors.Errorf("pop: HashJoin requires 2 children, got %d", len(children))
	}
	buildKey, err := c.compile(children[0], stageID)
	if err != nil {
		return 0, errors.Trace(err)
	}
	probeKey, err := c.compile(children[1], stageID)
	if err != nil {
		return 0, errors.Trace(err)
	}
	buildPropsPOP := c.pg.Props(buildKey)
	probePropsPOP := c.pg.Props(probeKey)

	joinKeys := make([]JoinKeyPair, len(node.JoinKeys))
	for i, jk := range node.JoinKeys {
		leftProg, err := pcode.Compile(c.eg, jk.Left, buildPropsPOP.PM)
		if err != nil {
			return 0, errors.Trace(err)
		}
		rightProg, err := pcode.Compile(c.eg, jk.Right, probePropsPOP.PM)
		if err != nil {
			return 0, errors.Trace(err)
		}
		if leftProg.ResultKind != rightProg.ResultKind {
			return 0, errors.Errorf("pop: HashJoin key %d type mismatch: left is %s, right is %s",
				i, leftProg.ResultKind, rightProg.ResultKind)
		}
		joinKeys[i] = JoinKeyPair{Left: leftProg, Right: rightProg}
	}

	lprops := c.lg.Props(lkey)
	buildOutCols := c.lg.Props(children[0]).Cols
	probeOutCols := c.lg.Props(children[1]).Cols
	inputPM := buildPM(append(append([]lop.ColRef{}, buildOutCols...), probeOutCols...))

	popProps, err := c.buildCommonProps(lprops, inputPM)
	if err != nil {
		return 0, errors.Trace(err)
	}
	popProps.NPartitions = buildPropsPOP.NPartitions

	key := c.pg.Add(Node{Kind: NHashJoin, JoinKeys: joinKeys}, popProps, buildKey, probeKey)
	c.finishNode(key, stageID)
	return key, nil
}

func (c *compiler) compileAggregation(lkey graph.Key, node lop.Node, stageID stage.ID) (graph.Key, error) {
	children := c.lg.Children(lkey)
	if len(children) != 1 {
		return 0, errors.Errorf("pop: Aggregation requires 1 child, got %d", len(children))
	}
	childKey, err := c.compile(children[0], stageID)
	if err != nil {
		return 0, errors.Trace(err)
	}
	childProps := c.pg.Props(childKey)
	inputPM := childProps.PM

	groupKeys := make([]*pcode.Program, len(node.GroupBy))
	for i, k := range node.GroupBy {
		prog, err := pcode.Compile(c.eg, k, inputPM)
		if err != nil {
			return 0, errors.Trace(err)
		}
		groupKeys[i] = prog
	}
	aggs := make([]AggSpec, len(node.Aggs))
	for i, k := range node.Aggs {
		prog, kind, distinct, err := pcode.CompileAggChild(c.eg, k, inputPM)
		if err != nil {
			return 0, errors.Trace(err)
		}
		aggs[i] = AggSpec{Kind: kind, Program: prog, Distinct: distinct}
	}

	lprops := c.lg.Props(lkey)
	popProps, err := c.buildCommonProps(lprops, inputPM)
	if err != nil {
		return 0, errors.Trace(err)
	}
	popProps.NPartitions = childProps.NPartitions

	key := c.pg.Add(Node{Kind: NAggregation, GroupKeys: groupKeys, Aggs: aggs}, popProps, childKey)
	c.finishNode(key, stageID)
	return key, nil
}

func (c *compiler) compileRepartition(lkey graph.Key, node lop.Node, stageID stage.ID) (graph.Key, error) {
	children := c.lg.Children(lkey)
	if len(children) != 1 {
		return 0, errors.Errorf("pop: Repartition requires 1 child, got %d", len(children))
	}
	lprops := c.lg.Props(lkey)
	if lprops.PartDesc.PartKind != lop.PartHashExpr {
		return 0, errors.Errorf("pop: Repartition requires a HashExpr partition descriptor, got %v", lprops.PartDesc.PartKind)
	}

	childStage := c.sg.NewStage(stageID)
	childKey, err := c.compile(children[0], childStage)
	if err != nil {
		return 0, errors.Trace(err)
	}
	childProps := c.pg.Props(childKey)

	cpartitions := lprops.PartDesc.NPartitions
	if cpartitions <= 0 {
		return 0, errors.Errorf("pop: Repartition target partition count must be > 0, got %d", cpartitions)
	}
	repartKeys := make([]*pcode.Program, len(lprops.PartDesc.HashKeys))
	for i, k := range lprops.PartDesc.HashKeys {
		prog, err := pcode.Compile(c.eg, k, childProps.PM)
		if err != nil {
			return 0, errors.Trace(err)
		}
		repartKeys[i] = prog
	}

	link := stage.Link{Producer: childStage, Consumer: stageID}
	writeProps := Props{Schema: childProps.Schema, PM: childProps.PM, NPartitions: childProps.NPartitions}
	writeKey := c.pg.Add(Node{Kind: NRepartitionWrite, RepartKeys: repartKeys, CPartitions: cpartitions, StageLink: link}, writeProps, childKey)
	writeProps.IndexInStage = c.sg.NextIndexInStage(childStage)
	c.pg.SetProps(writeKey, writeProps)
	c.sg.SetRoot(childStage, writeKey)
	c.sg.SetProducerPartitions(childStage, childProps.NPartitions)
	c.sg.SetConsumerPartitions(childStage, cpartitions)
	c.sg.AddLink(link)

	// A repartition boundary reshuffles rows, not columns: the read side's
	// output layout is identical to the write side's (the child's own
	// output PM), since spill files carry the child's output schema
	// verbatim (spec's "RepartitionWrite schema equals RepartitionRead
	// schema" invariant).
	readProps := Props{Schema: childProps.Schema, PM: childProps.PM, NPartitions: cpartitions}
	readKey := c.pg.Add(Node{Kind: NRepartitionRead, ReadStageLink: link}, readProps)
	c.finishNode(readKey, stageID)
	return readKey, nil
}

// finishNode assigns a POP's index_in_stage now that it has been fully
// added to the graph.
func (c *compiler) finishNode(key graph.Key, stageID stage.ID) {
	props := c.pg.Props(key)
	props.IndexInStage = c.sg.NextIndexInStage(stageID)
	c.pg.SetProps(key, props)
}

// buildCommonProps compiles a LOP node's virtual columns, predicates, and
// final real-column selection, shared by every POP variant. inputPM
// describes the columns available before this node's own virtcols/preds
// run; it is owned by the caller (often a child node's own output PM) and
// is never mutated here.
//
// At runtime the node emits, per chunk: the Cols selection (real,
// reordered/truncated) followed by the VirtCols arrays, in that order.
// The returned Props.PM mirrors that exact layout, for whichever parent
// composes its own input projection map from this node's output.
func (c *compiler) buildCommonProps(lprops lop.Props, inputPM *pcode.ProjectionMap) (Props, error) {
	virtcols, err := compilePrograms(c.eg, inputPM, lprops.VirtCols)
	if err != nil {
		return Props{}, errors.Trace(err)
	}
	preds, err := compilePrograms(c.eg, inputPM, lprops.Preds)
	if err != nil {
		return Props{}, errors.Trace(err)
	}
	cols, schema, err := buildColSources(lprops.Cols, inputPM)
	if err != nil {
		return Props{}, errors.Trace(err)
	}
	outputPM := buildOutputPM(lprops.Cols, lprops.VirtCols)
	return Props{
		Predicates: preds,
		Cols:       cols,
		VirtCols:   virtcols,
		Schema:     schema,
		PM:         outputPM,
	}, nil
}

func compilePrograms(eg *expr.Graph, pm *pcode.ProjectionMap, keys []graph.Key) ([]*pcode.Program, error) {
	progs := make([]*pcode.Program, len(keys))
	for i, k := range keys {
		prog, err := pcode.Compile(eg, k, pm)
		if err != nil {
			return nil, errors.Trace(err)
		}
		progs[i] = prog
	}
	return progs, nil
}

// buildPM builds a projection map registering every cols entry as a real
// column, in order. Used to describe the set of real columns a node's
// children expose (their Cols lists), before this node's own virtcols are
// layered in.
func buildPM(cols []lop.ColRef) *pcode.ProjectionMap {
	pm := pcode.NewProjectionMap()
	for _, c := range cols {
		pm.AddReal(c.QunID, c.ColID)
	}
	return pm
}

// buildOutputPM describes a node's own output chunk layout: its Cols
// selection as reals 0..nreal-1 (in emit order), its VirtCols as virtuals
// nreal..nreal+nvirt-1 (in emit order) — matching exactly how the runtime
// operator assembles its output chunk.
func buildOutputPM(cols []lop.ColRef, virtKeys []graph.Key) *pcode.ProjectionMap {
	pm := buildPM(cols)
	for _, k := range virtKeys {
		pm.AddVirt(k)
	}
	return pm
}

// buildColSources resolves a LOP node's final real-column selection into
// dense indices against pm, and builds a placeholder diagnostic schema
// alongside (concrete field names/types are a catalog/planner concern
// outside this compiler's contract; Explain() only needs a stable shape).
func buildColSources(cols []lop.ColRef, pm *pcode.ProjectionMap) ([]int, []catalog.Field, error) {
	out := make([]int, len(cols))
	schema := make([]catalog.Field, len(cols))
	for i, cr := range cols {
		ix, ok := pm.Lookup(pcode.QunCol(cr.QunID, cr.ColID))
		if !ok {
			return nil, nil, errors.Errorf("pop: unresolved output column qun=%d col=%d", cr.QunID, cr.ColID)
		}
		out[i] = ix
		schema[i] = catalog.Field{Name: "col", Kind: datum.Null}
	}
	return out, schema, nil
}

func partitionCount(lprops lop.Props) int {
	if lprops.PartDesc.NPartitions > 0 {
		return lprops.PartDesc.NPartitions
	}
	return defaultPartitions
}
