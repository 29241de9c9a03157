package physop

import (
	"sort"

	"github.com/juju/errors"

	"github.com/parflow/parflow/internal/chunk"
	"github.com/parflow/parflow/internal/datum"
	"github.com/parflow/parflow/internal/exchange"
	"github.com/parflow/parflow/internal/pcode"
	"github.com/parflow/parflow/internal/pop"
)

// repartitionWrite is the shuffle's producer side: it drains its child
// fully, hash-partitions every row by its compiled repartition keys, and
// spills each target partition's rows to its own file. It is always the
// root operator of its stage and never itself produces output rows.
type repartitionWrite struct {
	node        pop.Node
	child       Operator
	ctx         *Context
	writers     []*exchange.Writer
	writersInit bool
	done        bool
}

func newRepartitionWrite(node pop.Node, child Operator, ctx *Context) *repartitionWrite {
	return &repartitionWrite{node: node, child: child, ctx: ctx}
}

func (w *repartitionWrite) Next() (*chunk.Chunk, error) {
	if w.done {
		return emptyChunk(), nil
	}
	for {
		c, err := w.child.Next()
		if err != nil {
			return nil, errors.Trace(err)
		}
		if c.NumRows() == 0 {
			break
		}
		if err := w.writeChunk(c); err != nil {
			return nil, errors.Trace(err)
		}
	}
	if err := w.closeWriters(); err != nil {
		return nil, errors.Trace(err)
	}
	w.done = true
	return emptyChunk(), nil
}

func (w *repartitionWrite) writeChunk(c *chunk.Chunk) error {
	if !w.writersInit {
		w.writers = make([]*exchange.Writer, w.node.CPartitions)
		for p := 0; p < w.node.CPartitions; p++ {
			dir := exchange.Dir(w.ctx.TempDir, w.ctx.FlowID,
				int(w.node.StageLink.Producer), int(w.node.StageLink.Consumer), p)
			path := exchange.FilePath(dir, w.ctx.Partition)
			w.writers[p] = exchange.NewWriter(path, c.Schema)
		}
		w.writersInit = true
	}

	keyArrays := make([]*chunk.Array, len(w.node.RepartKeys))
	for i, prog := range w.node.RepartKeys {
		arr, err := pcode.Eval(prog, c)
		if err != nil {
			return errors.Annotatef(err, "physop: repartition key %d", i)
		}
		keyArrays[i] = arr
	}
	hashes := chunk.HashRows(keyArrays)

	for p := 0; p < w.node.CPartitions; p++ {
		mask := chunk.NewArray(datum.Bool, c.NumRows())
		any := false
		for r, h := range hashes {
			belongs := int(h%uint64(w.node.CPartitions)) == p
			mask.Set(r, datum.NewBool(belongs))
			any = any || belongs
		}
		if !any {
			continue
		}
		filtered, err := chunk.Filter(c, mask)
		if err != nil {
			return errors.Trace(err)
		}
		if err := w.writers[p].WriteChunk(filtered); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

func (w *repartitionWrite) closeWriters() error {
	for _, wr := range w.writers {
		if wr == nil {
			continue
		}
		if err := wr.Close(); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// repartitionRead is the shuffle's consumer side: it reads back every
// producer partition's spill file for this consumer partition, in file
// name order, concatenating their record batch streams. A producer that
// wrote nothing for this consumer simply has no file here; a producer
// stage with no spill directory at all (every producer partition empty)
// reads back as a plain empty stream, not an error.
type repartitionRead struct {
	node   pop.Node
	ctx    *Context
	files  []string
	listed bool
	fileIx int
	cur    *exchange.Reader
	done   bool
}

func newRepartitionRead(node pop.Node, ctx *Context) *repartitionRead {
	return &repartitionRead{node: node, ctx: ctx}
}

func (r *repartitionRead) ensureListed() error {
	if r.listed {
		return nil
	}
	dir := exchange.Dir(r.ctx.TempDir, r.ctx.FlowID,
		int(r.node.ReadStageLink.Producer), int(r.node.ReadStageLink.Consumer), r.ctx.Partition)
	files, err := exchange.ListProducerFiles(dir)
	if err != nil {
		return errors.Trace(err)
	}
	sort.Strings(files)
	r.files = files
	r.listed = true
	return nil
}

func (r *repartitionRead) Next() (*chunk.Chunk, error) {
	if r.done {
		return emptyChunk(), nil
	}
	if err := r.ensureListed(); err != nil {
		return nil, errors.Trace(err)
	}
	for {
		if r.cur == nil {
			if r.fileIx >= len(r.files) {
				r.done = true
				return emptyChunk(), nil
			}
			cur, err := exchange.OpenReader(r.files[r.fileIx])
			if err != nil {
				return nil, errors.Trace(err)
			}
			r.cur = cur
		}
		c, err := r.cur.Next()
		if err != nil {
			return nil, errors.Trace(err)
		}
		if c.NumRows() == 0 {
			r.cur.Close()
			r.cur = nil
			r.fileIx++
			continue
		}
		return c, nil
	}
}
