package physop

import (
	"fmt"

	"github.com/juju/errors"

	"github.com/parflow/parflow/internal/chunk"
	"github.com/parflow/parflow/internal/datum"
	"github.com/parflow/parflow/internal/pcode"
	"github.com/parflow/parflow/internal/pop"
)

// hashJoin is the classic build/probe equi-join: the build (left) side
// drains fully into an in-memory hash table keyed by its compiled join
// keys, then every probe (right) row looks up its own key's hash bucket
// and verifies each candidate by value, not hash, alone.
//
// Only the real-column prefix of each side's output chunk (its own
// Cols-selected columns, dropping any of its own VirtCols) feeds the
// join's input projection map, matching how the compiler built it: a
// child operator's virtual columns are not addressable across a join
// boundary.
type hashJoin struct {
	node  pop.Node
	props pop.Props
	probe Operator

	nrealBuild, nrealProbe int

	buildCols []*chunk.Array // real-only prefix columns, concatenated across all build chunks
	buildKeys []*chunk.Array // one per join key, evaluated over buildCols
	buildHash []uint64
	index     map[uint64][]int
	probeEOF  bool
}

func newHashJoin(node pop.Node, props pop.Props, build, probe Operator, buildProps, probeProps pop.Props) (*hashJoin, error) {
	nrealBuild := buildProps.PM.NReal()
	nrealProbe := probeProps.PM.NReal()

	var buildChunks []*chunk.Chunk
	for {
		c, err := build.Next()
		if err != nil {
			return nil, errors.Trace(err)
		}
		if c.NumRows() == 0 {
			break
		}
		buildChunks = append(buildChunks, sliceColumns(c, nrealBuild))
	}
	buildCols := concatColumns(buildChunks, nrealBuild)

	keyChunk := chunk.New(chunk.NewSchema(), buildCols)
	buildKeys := make([]*chunk.Array, len(node.JoinKeys))
	for i, jk := range node.JoinKeys {
		arr, err := pcode.Eval(jk.Left, keyChunk)
		if err != nil {
			return nil, errors.Annotatef(err, "physop: hash join build key %d", i)
		}
		buildKeys[i] = arr
	}
	hashes := chunk.HashRows(buildKeys)
	index := make(map[uint64][]int, len(hashes))
	for i, h := range hashes {
		index[h] = append(index[h], i)
	}

	return &hashJoin{
		node: node, props: props, probe: probe,
		nrealBuild: nrealBuild, nrealProbe: nrealProbe,
		buildCols: buildCols, buildKeys: buildKeys, buildHash: hashes, index: index,
	}, nil
}

// sliceColumns drops every column of c beyond the first n (a child's own
// virtual columns), keeping only its real-column prefix.
func sliceColumns(c *chunk.Chunk, n int) *chunk.Chunk {
	if len(c.Columns) == n {
		return c
	}
	return chunk.New(chunk.NewSchema(c.Schema.Fields[:n]...), c.Columns[:n])
}

func concatColumns(chunks []*chunk.Chunk, ncols int) []*chunk.Array {
	cols := make([]*chunk.Array, ncols)
	total := 0
	for _, c := range chunks {
		total += c.NumRows()
	}
	for ci := 0; ci < ncols; ci++ {
		kind := datum.Str
		if len(chunks) > 0 {
			kind = chunks[0].Columns[ci].Kind
		}
		na := chunk.NewArray(kind, total)
		row := 0
		for _, c := range chunks {
			col := c.Columns[ci]
			for i := 0; i < col.Len(); i++ {
				na.Set(row, col.At(i))
				row++
			}
		}
		cols[ci] = na
	}
	return cols
}

// Next returns the next non-empty joined chunk, skipping probe chunks
// that produce no output rows. It returns zero-row chunks once the probe
// side is exhausted, not before.
func (j *hashJoin) Next() (*chunk.Chunk, error) {
	for {
		out, err := j.joinProbeChunk()
		if err != nil || out.NumRows() > 0 || j.probeEOF {
			return out, err
		}
	}
}

// joinProbeChunk pulls one probe chunk, joins it against the build-side
// hash table, and returns the resulting (filtered, projected) chunk,
// which may have zero rows when nothing in that probe chunk matched.
func (j *hashJoin) joinProbeChunk() (*chunk.Chunk, error) {
	if j.probeEOF {
		return emptyChunk(), nil
	}
	probeChunk, err := j.probe.Next()
	if err != nil {
		return nil, errors.Trace(err)
	}
	if probeChunk.NumRows() == 0 {
		j.probeEOF = true
		return emptyChunk(), nil
	}
	probeChunk = sliceColumns(probeChunk, j.nrealProbe)

	probeKeys := make([]*chunk.Array, len(j.node.JoinKeys))
	for i, jk := range j.node.JoinKeys {
		arr, err := pcode.Eval(jk.Right, probeChunk)
		if err != nil {
			return nil, errors.Annotatef(err, "physop: hash join probe key %d", i)
		}
		probeKeys[i] = arr
	}
	probeHash := chunk.HashRows(probeKeys)

	var buildRows, probeRows []int
	for pr := 0; pr < probeChunk.NumRows(); pr++ {
		for _, br := range j.index[probeHash[pr]] {
			match, err := j.keysEqual(br, probeKeys, pr)
			if err != nil {
				return nil, errors.Trace(err)
			}
			if match {
				buildRows = append(buildRows, br)
				probeRows = append(probeRows, pr)
			}
		}
	}

	out := make([]*chunk.Array, 0, j.nrealBuild+j.nrealProbe)
	fields := make([]chunk.Field, 0, cap(out))
	for c := 0; c < j.nrealBuild; c++ {
		arr := chunk.NewArray(j.buildCols[c].Kind, len(buildRows))
		for i, br := range buildRows {
			arr.Set(i, j.buildCols[c].At(br))
		}
		out = append(out, arr)
		fields = append(fields, chunk.Field{Name: fmt.Sprintf("b%d", c), Kind: arr.Kind})
	}
	for c := 0; c < j.nrealProbe; c++ {
		arr := chunk.NewArray(probeChunk.Columns[c].Kind, len(probeRows))
		for i, pr := range probeRows {
			arr.Set(i, probeChunk.Columns[c].At(pr))
		}
		out = append(out, arr)
		fields = append(fields, chunk.Field{Name: fmt.Sprintf("p%d", c), Kind: arr.Kind})
	}

	raw := chunk.New(chunk.NewSchema(fields...), out)
	return applyCommon(raw, j.props)
}

func (j *hashJoin) keysEqual(buildRow int, probeKeys []*chunk.Array, probeRow int) (bool, error) {
	for k, arr := range j.buildKeys {
		l := arr.At(buildRow)
		r := probeKeys[k].At(probeRow)
		if l.IsNull() || r.IsNull() {
			return false, nil
		}
		cmp, err := l.Compare(r)
		if err != nil {
			return false, errors.Trace(err)
		}
		if cmp != 0 {
			return false, nil
		}
	}
	return true, nil
}
