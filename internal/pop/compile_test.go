package pop

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parflow/parflow/internal/catalog"
	"github.com/parflow/parflow/internal/datum"
	"github.com/parflow/parflow/internal/expr"
	"github.com/parflow/parflow/internal/graph"
	"github.com/parflow/parflow/internal/lop"
	"github.com/parflow/parflow/internal/stage"
)

func empCatalog() catalog.Catalog {
	return catalog.NewStaticCatalog(map[int]catalog.TableDesc{
		0: {
			Pathname: "emp.csv",
			Fields: []catalog.Field{
				{Name: "name", Kind: datum.Str},
				{Name: "age", Kind: datum.Int},
				{Name: "dept_id", Kind: datum.Int},
			},
			Header: true, Separator: ',', Type: catalog.CSV,
		},
	})
}

func TestCompileFilterAndProject(t *testing.T) {
	eg := expr.NewGraph()
	cat := empCatalog()

	ageCID := expr.AddCID(eg, 0, 1)
	lit := expr.AddLiteral(eg, datum.NewInt(22))
	pred := expr.AddRel(eg, expr.Gt, ageCID, lit)

	lg := lop.NewGraph()
	scan := lop.AddTableScan(lg, 0, nil, lop.Props{
		Quns:  []int{0},
		Cols:  []lop.ColRef{{QunID: 0, ColID: 2}, {QunID: 0, ColID: 1}, {QunID: 0, ColID: 0}},
		Preds: []graph.Key{pred},
	})

	pg, sg, root, err := Compile(lg, scan, eg, cat)
	require.NoError(t, err)
	require.True(t, pg.Valid(root))
	assert.Equal(t, NCSV, pg.Value(root).Kind)

	props := pg.Props(root)
	require.Len(t, props.Predicates, 1)
	require.Len(t, props.Cols, 3)
	assert.Equal(t, 1, sg.Len())
}

func TestCompileGroupedAggregation(t *testing.T) {
	eg := expr.NewGraph()
	cat := empCatalog()

	deptCID := expr.AddCID(eg, 0, 2)
	ageCID := expr.AddCID(eg, 0, 1)
	countAgg := expr.AddAgg(eg, expr.Count, false, ageCID)
	sumAgg := expr.AddAgg(eg, expr.Sum, false, ageCID)

	lg := lop.NewGraph()
	scan := lop.AddTableScan(lg, 0, nil, lop.Props{
		Quns: []int{0},
		Cols: []lop.ColRef{{QunID: 0, ColID: 1}, {QunID: 0, ColID: 2}},
	})
	agg := lop.AddAggregation(lg, []graph.Key{deptCID}, []graph.Key{countAgg, sumAgg}, lop.Props{Quns: []int{0}}, scan)

	pg, _, root, err := Compile(lg, agg, eg, cat)
	require.NoError(t, err)
	node := pg.Value(root)
	assert.Equal(t, NAggregation, node.Kind)
	require.Len(t, node.GroupKeys, 1)
	require.Len(t, node.Aggs, 2)
	assert.Equal(t, expr.Count, node.Aggs[0].Kind)
	assert.Equal(t, expr.Sum, node.Aggs[1].Kind)
}

func TestCompileHashJoin(t *testing.T) {
	eg := expr.NewGraph()
	cat := catalog.NewStaticCatalog(map[int]catalog.TableDesc{
		0: {Fields: []catalog.Field{{Name: "name", Kind: datum.Str}, {Name: "dept_id", Kind: datum.Int}}, Type: catalog.CSV},
		1: {Fields: []catalog.Field{{Name: "dept_id", Kind: datum.Int}, {Name: "dname", Kind: datum.Str}}, Type: catalog.CSV},
	})

	lg := lop.NewGraph()
	left := lop.AddTableScan(lg, 0, nil, lop.Props{Quns: []int{0}, Cols: []lop.ColRef{{QunID: 0, ColID: 0}, {QunID: 0, ColID: 1}}})
	right := lop.AddTableScan(lg, 1, nil, lop.Props{Quns: []int{1}, Cols: []lop.ColRef{{QunID: 1, ColID: 0}, {QunID: 1, ColID: 1}}})

	leftKey := expr.AddCID(eg, 0, 1)
	rightKey := expr.AddCID(eg, 1, 0)
	join := lop.AddHashJoin(lg, []lop.JoinKey{{Left: leftKey, Right: rightKey}}, lop.Props{
		Quns: []int{0, 1},
		Cols: []lop.ColRef{{QunID: 0, ColID: 0}, {QunID: 1, ColID: 1}},
	}, left, right)

	pg, _, root, err := Compile(lg, join, eg, cat)
	require.NoError(t, err)
	node := pg.Value(root)
	assert.Equal(t, NHashJoin, node.Kind)
	require.Len(t, node.JoinKeys, 1)
	assert.Len(t, pg.Props(root).Cols, 2)
}

func TestCompileRepartitionCreatesStageLink(t *testing.T) {
	eg := expr.NewGraph()
	cat := empCatalog()

	deptCID := expr.AddCID(eg, 0, 2)

	lg := lop.NewGraph()
	scan := lop.AddTableScan(lg, 0, nil, lop.Props{
		Quns: []int{0},
		Cols: []lop.ColRef{{QunID: 0, ColID: 1}, {QunID: 0, ColID: 2}},
		PartDesc: lop.PartDesc{NPartitions: 4, PartKind: lop.PartAny},
	})
	rep := lop.AddRepartition(lg, lop.Props{
		Quns: []int{0},
		Cols: []lop.ColRef{{QunID: 0, ColID: 1}, {QunID: 0, ColID: 2}},
		PartDesc: lop.PartDesc{NPartitions: 3, PartKind: lop.PartHashExpr, HashKeys: []graph.Key{deptCID}},
	}, scan)

	pg, sg, root, err := Compile(lg, rep, eg, cat)
	require.NoError(t, err)
	assert.Equal(t, NRepartitionRead, pg.Value(root).Kind)
	require.Equal(t, 2, sg.Len())

	childStage := sg.Stage(stage.ID(1))
	assert.Equal(t, 4, childStage.ProducerPartitions)
	assert.Equal(t, 3, childStage.ConsumerPartitions)
	require.Len(t, childStage.Outbound, 1)
	assert.Equal(t, stage.Root, childStage.Outbound[0].Consumer)
}

func TestCompileTypeMismatchFailsFast(t *testing.T) {
	eg := expr.NewGraph()
	cat := empCatalog()

	ageCID := expr.AddCID(eg, 0, 1)
	nameCID := expr.AddCID(eg, 0, 0)
	badExpr := expr.AddBinary(eg, expr.Add, ageCID, nameCID)

	lg := lop.NewGraph()
	scan := lop.AddTableScan(lg, 0, nil, lop.Props{
		Quns:     []int{0},
		Cols:     []lop.ColRef{{QunID: 0, ColID: 1}},
		VirtCols: []graph.Key{badExpr},
	})

	_, _, _, err := Compile(lg, scan, eg, cat)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "type mismatch")
}
