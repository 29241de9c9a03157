package physop

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parflow/parflow/internal/catalog"
	"github.com/parflow/parflow/internal/datum"
	"github.com/parflow/parflow/internal/pcode"
	"github.com/parflow/parflow/internal/pop"
)

func writeTempCSV(t *testing.T, rows string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "emp.csv")
	require.NoError(t, os.WriteFile(path, []byte(rows), 0o644))
	return path
}

func TestCSVScanParsesAndProjects(t *testing.T) {
	path := writeTempCSV(t, "name,age,dept_id\nalice,30,1\nbob,25,2\ncarol,40,1\n")
	table := catalog.TableDesc{
		Pathname: path,
		Fields: []catalog.Field{
			{Name: "name", Kind: datum.Str},
			{Name: "age", Kind: datum.Int},
			{Name: "dept_id", Kind: datum.Int},
		},
		Header: true, Separator: ',', Type: catalog.CSV,
	}
	node := pop.Node{Kind: pop.NCSV, Table: table, InputColumns: []int{0, 1, 2}}
	props := pop.Props{Cols: []int{0, 1}, NPartitions: 1}

	op, err := newCSVScan(node, props, &Context{Partition: 0})
	require.NoError(t, err)

	c, err := op.Next()
	require.NoError(t, err)
	require.Equal(t, 3, c.NumRows())
	assert.Equal(t, "alice", c.Columns[0].Strs[0])
	assert.Equal(t, int64(30), c.Columns[1].Ints[0])

	eof, err := op.Next()
	require.NoError(t, err)
	assert.Equal(t, 0, eof.NumRows())
}

func TestCSVScanAppliesPredicate(t *testing.T) {
	path := writeTempCSV(t, "name,age\nalice,30\nbob,25\n")
	table := catalog.TableDesc{
		Pathname: path,
		Fields:   []catalog.Field{{Name: "name", Kind: datum.Str}, {Name: "age", Kind: datum.Int}},
		Header:   true, Separator: ',', Type: catalog.CSV,
	}
	node := pop.Node{Kind: pop.NCSV, Table: table, InputColumns: []int{0, 1}}

	props := pop.Props{
		Predicates: []*pcode.Program{{
			Instrs: []pcode.Instr{
				{Op: pcode.OpPushColumn, ColIx: 1},
				{Op: pcode.OpPushLit, Lit: datum.NewInt(26)},
				{Op: pcode.OpCmp, RelOp: 4 /* Gt */},
			},
			ResultKind: datum.Bool,
		}},
		Cols: []int{0},
	}

	op, err := newCSVScan(node, props, &Context{Partition: 0})
	require.NoError(t, err)

	c, err := op.Next()
	require.NoError(t, err)
	require.Equal(t, 1, c.NumRows())
	assert.Equal(t, "alice", c.Columns[0].Strs[0])
}

func TestResolveKindsInfersFromSample(t *testing.T) {
	path := writeTempCSV(t, "name,score\nalice,10\nbob,20\n")
	table := catalog.TableDesc{
		Pathname: path,
		Fields:   []catalog.Field{{Name: "name", Kind: datum.Str}, {Name: "score", Kind: datum.Null}},
		Header:   true, Separator: ',', Type: catalog.CSV,
	}
	kinds, err := resolveKinds(table)
	require.NoError(t, err)
	assert.Equal(t, datum.Str, kinds[0])
	assert.Equal(t, datum.Int, kinds[1])
}
