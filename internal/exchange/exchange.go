// Package exchange implements the repartition shuffle's on-disk spill
// files: a self-describing, snappy-compressed columnar record stream
// written by one producer partition and read back by one consumer
// partition, laid out under a per-flow, per-stage-link directory tree.
package exchange

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/golang/snappy"
	"github.com/juju/errors"

	"github.com/parflow/parflow/internal/chunk"
	"github.com/parflow/parflow/internal/datum"
)

var magic = [4]byte{'p', 'f', 'x', '1'}
var footerMagic = [4]byte{'p', 'f', 'x', 'e'}

// Dir returns the directory holding every producer's spill file for
// consumer partition c of the link (producerStage -> consumerStage) in
// flow flowID rooted at tempDir.
func Dir(tempDir, flowID string, producerStage, consumerStage, c int) string {
	return filepath.Join(tempDir, fmt.Sprintf("flow-%s", flowID),
		fmt.Sprintf("pipeline-%d-%d", producerStage, consumerStage),
		fmt.Sprintf("consumer-%d", c))
}

// FilePath returns the spill file path written by producer partition p
// into consumer directory dir.
func FilePath(dir string, p int) string {
	return filepath.Join(dir, fmt.Sprintf("producer-%d.pfx", p))
}

// Writer appends record batches to one spill file, lazily creating the
// file and writing its schema header on the first non-empty batch.
type Writer struct {
	path   string
	schema *chunk.Schema
	f      *os.File
	opened bool
}

// NewWriter returns a Writer that opens path lazily on the first call to
// WriteChunk with a non-empty chunk.
func NewWriter(path string, schema *chunk.Schema) *Writer {
	return &Writer{path: path, schema: schema}
}

// WriteChunk appends c as one record batch. A zero-row chunk is a no-op,
// matching the "writers open lazily on first non-empty chunk" contract.
func (w *Writer) WriteChunk(c *chunk.Chunk) error {
	if c.NumRows() == 0 {
		return nil
	}
	if !w.opened {
		if err := w.open(); err != nil {
			return errors.Trace(err)
		}
	}
	if err := writeBatch(w.f, c); err != nil {
		return errors.Annotatef(err, "exchange: write batch to %s", w.path)
	}
	return nil
}

func (w *Writer) open() error {
	if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		return errors.Annotatef(err, "exchange: mkdir for %s", w.path)
	}
	f, err := os.Create(w.path)
	if err != nil {
		return errors.Annotatef(err, "exchange: create %s", w.path)
	}
	if err := writeHeader(f, w.schema); err != nil {
		f.Close()
		return errors.Trace(err)
	}
	w.f = f
	w.opened = true
	return nil
}

// Close finalizes the file with a footer magic, if it was ever opened.
func (w *Writer) Close() error {
	if !w.opened {
		return nil
	}
	if _, err := w.f.Write(footerMagic[:]); err != nil {
		w.f.Close()
		return errors.Annotatef(err, "exchange: write footer to %s", w.path)
	}
	return errors.Trace(w.f.Close())
}

func writeHeader(w io.Writer, schema *chunk.Schema) error {
	if _, err := w.Write(magic[:]); err != nil {
		return errors.Trace(err)
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(schema.Fields))); err != nil {
		return errors.Trace(err)
	}
	for _, f := range schema.Fields {
		if err := binary.Write(w, binary.BigEndian, uint32(len(f.Name))); err != nil {
			return errors.Trace(err)
		}
		if _, err := io.WriteString(w, f.Name); err != nil {
			return errors.Trace(err)
		}
		if err := binary.Write(w, binary.BigEndian, uint8(f.Kind)); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

func readHeader(r io.Reader) (*chunk.Schema, error) {
	var got [4]byte
	if _, err := io.ReadFull(r, got[:]); err != nil {
		return nil, errors.Annotate(err, "exchange: read magic")
	}
	if got != magic {
		return nil, errors.Errorf("exchange: bad magic %x", got)
	}
	var nfields uint32
	if err := binary.Read(r, binary.BigEndian, &nfields); err != nil {
		return nil, errors.Trace(err)
	}
	fields := make([]chunk.Field, nfields)
	for i := range fields {
		var nlen uint32
		if err := binary.Read(r, binary.BigEndian, &nlen); err != nil {
			return nil, errors.Trace(err)
		}
		nameBuf := make([]byte, nlen)
		if _, err := io.ReadFull(r, nameBuf); err != nil {
			return nil, errors.Trace(err)
		}
		var kind uint8
		if err := binary.Read(r, binary.BigEndian, &kind); err != nil {
			return nil, errors.Trace(err)
		}
		fields[i] = chunk.Field{Name: string(nameBuf), Kind: datum.Kind(kind)}
	}
	return chunk.NewSchema(fields...), nil
}

// writeBatch writes one record batch: row count, then per-column
// snappy-compressed, length-prefixed payload.
func writeBatch(w io.Writer, c *chunk.Chunk) error {
	if err := binary.Write(w, binary.BigEndian, uint32(c.NumRows())); err != nil {
		return errors.Trace(err)
	}
	for _, col := range c.Columns {
		payload := encodeColumn(col)
		compressed := snappy.Encode(nil, payload)
		if err := binary.Write(w, binary.BigEndian, uint32(len(compressed))); err != nil {
			return errors.Trace(err)
		}
		if _, err := w.Write(compressed); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// encodeColumn serializes one array's validity bitmap and values into a
// flat byte payload, ahead of snappy compression.
func encodeColumn(a *chunk.Array) []byte {
	var buf []byte
	for i := 0; i < a.Len(); i++ {
		if a.Valid[i] {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
			continue
		}
		switch a.Kind {
		case datum.Int:
			var b [8]byte
			binary.BigEndian.PutUint64(b[:], uint64(a.Ints[i]))
			buf = append(buf, b[:]...)
		case datum.Bool:
			if a.Bools[i] {
				buf = append(buf, 1)
			} else {
				buf = append(buf, 0)
			}
		case datum.Str:
			var lb [4]byte
			binary.BigEndian.PutUint32(lb[:], uint32(len(a.Strs[i])))
			buf = append(buf, lb[:]...)
			buf = append(buf, a.Strs[i]...)
		}
	}
	return buf
}

func decodeColumn(kind datum.Kind, n int, payload []byte) *chunk.Array {
	a := chunk.NewArray(kind, n)
	pos := 0
	for i := 0; i < n; i++ {
		valid := payload[pos]
		pos++
		if valid == 0 {
			continue
		}
		switch kind {
		case datum.Int:
			v := int64(binary.BigEndian.Uint64(payload[pos : pos+8]))
			pos += 8
			a.Set(i, datum.NewInt(v))
		case datum.Bool:
			a.Set(i, datum.NewBool(payload[pos] == 1))
			pos++
		case datum.Str:
			l := int(binary.BigEndian.Uint32(payload[pos : pos+4]))
			pos += 4
			a.Set(i, datum.NewStr(string(payload[pos:pos+l])))
			pos += l
		}
	}
	return a
}

// Reader pulls record batches out of one spill file in order.
type Reader struct {
	f      *os.File
	schema *chunk.Schema
	done   bool
}

// OpenReader opens path and reads its schema header.
func OpenReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Annotatef(err, "exchange: open %s", path)
	}
	schema, err := readHeader(f)
	if err != nil {
		f.Close()
		return nil, errors.Trace(err)
	}
	return &Reader{f: f, schema: schema}, nil
}

// Schema returns the stream's column schema.
func (r *Reader) Schema() *chunk.Schema { return r.schema }

// Next returns the next record batch, or a zero-row chunk at the footer.
func (r *Reader) Next() (*chunk.Chunk, error) {
	if r.done {
		return chunk.New(r.schema, emptyColumns(r.schema)), nil
	}
	var peek [4]byte
	n, err := io.ReadFull(r.f, peek[:])
	if err == io.EOF || (err == io.ErrUnexpectedEOF && n == 0) {
		r.done = true
		return chunk.New(r.schema, emptyColumns(r.schema)), nil
	}
	if err != nil {
		return nil, errors.Annotatef(err, "exchange: read batch header")
	}
	if peek == footerMagic {
		r.done = true
		return chunk.New(r.schema, emptyColumns(r.schema)), nil
	}
	nrows := int(binary.BigEndian.Uint32(peek[:]))
	cols := make([]*chunk.Array, len(r.schema.Fields))
	for i, f := range r.schema.Fields {
		var clen uint32
		if err := binary.Read(r.f, binary.BigEndian, &clen); err != nil {
			return nil, errors.Trace(err)
		}
		compressed := make([]byte, clen)
		if _, err := io.ReadFull(r.f, compressed); err != nil {
			return nil, errors.Trace(err)
		}
		payload, err := snappy.Decode(nil, compressed)
		if err != nil {
			return nil, errors.Annotate(err, "exchange: snappy decode")
		}
		cols[i] = decodeColumn(f.Kind, nrows, payload)
	}
	return chunk.New(r.schema, cols), nil
}

// Close releases the underlying file.
func (r *Reader) Close() error {
	return errors.Trace(r.f.Close())
}

func emptyColumns(schema *chunk.Schema) []*chunk.Array {
	cols := make([]*chunk.Array, len(schema.Fields))
	for i, f := range schema.Fields {
		cols[i] = chunk.NewArray(f.Kind, 0)
	}
	return cols
}

// ListProducerFiles lists every producer spill file under a consumer
// directory. A missing directory is an empty (non-error) result, since a
// producer may not have written anything for this consumer partition.
func ListProducerFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Annotatef(err, "exchange: readdir %s", dir)
	}
	paths := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	return paths, nil
}
