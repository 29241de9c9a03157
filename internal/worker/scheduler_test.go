package worker

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pingcap/failpoint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parflow/parflow/internal/catalog"
	"github.com/parflow/parflow/internal/chunk"
	"github.com/parflow/parflow/internal/datum"
	"github.com/parflow/parflow/internal/expr"
	"github.com/parflow/parflow/internal/lop"
	"github.com/parflow/parflow/internal/pop"
	"github.com/parflow/parflow/internal/stage"
)

func writeEmpCSV(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "emp.csv")
	require.NoError(t, os.WriteFile(path, []byte("name,age\nalice,30\nbob,25\ncarol,40\n"), 0o644))
	return path
}

func TestPoolRunsTasksAndBarriers(t *testing.T) {
	p := NewPool(3, func(task Task) error {
		return nil
	})
	for i := 0; i < 10; i++ {
		require.NoError(t, p.Submit(Task{FlowID: "f", Stage: 0, Partition: i}))
	}
	require.NoError(t, p.Wait())
	p.Close()
}

func TestPoolSurfacesFirstTaskError(t *testing.T) {
	p := NewPool(2, func(task Task) error {
		if task.Partition == 1 {
			return assert.AnError
		}
		return nil
	})
	for i := 0; i < 4; i++ {
		require.NoError(t, p.Submit(Task{FlowID: "f", Stage: 0, Partition: i}))
	}
	err := p.Wait()
	p.Close()
	assert.Error(t, err)
}

func compileEmpScan(t *testing.T, path string) (*pop.Graph, *stage.Graph) {
	t.Helper()
	cat := catalog.NewStaticCatalog(map[int]catalog.TableDesc{
		0: {
			Pathname: path,
			Fields:   []catalog.Field{{Name: "name", Kind: datum.Str}, {Name: "age", Kind: datum.Int}},
			Header:   true, Separator: ',', Type: catalog.CSV,
		},
	})
	eg := expr.NewGraph()
	lg := lop.NewGraph()
	scan := lop.AddTableScan(lg, 0, nil, lop.Props{
		Quns: []int{0},
		Cols: []lop.ColRef{{QunID: 0, ColID: 0}, {QunID: 0, ColID: 1}},
	})
	pg, sg, _, err := pop.Compile(lg, scan, eg, cat)
	require.NoError(t, err)
	return pg, sg
}

func TestSchedulerRunsCSVScanToCompletion(t *testing.T) {
	path := writeEmpCSV(t)
	pg, sg := compileEmpScan(t, path)

	var totalRows int
	s := NewScheduler(pg, sg, "flow-1", t.TempDir(), 2, func(_ stage.ID, _ int, c *chunk.Chunk) {
		totalRows += c.NumRows()
	})
	require.NoError(t, s.Run())
	assert.Equal(t, 3, totalRows)
}

func TestSchedulerSurfacesInjectedFailure(t *testing.T) {
	require.NoError(t, failpoint.Enable("forceTaskError", `return("boom")`))
	defer failpoint.Disable("forceTaskError")

	path := writeEmpCSV(t)
	pg, sg := compileEmpScan(t, path)

	s := NewScheduler(pg, sg, "flow-1", t.TempDir(), 1, nil)
	err := s.Run()
	assert.Error(t, err)
}
