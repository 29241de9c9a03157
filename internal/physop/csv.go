package physop

import (
	"bufio"
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/juju/errors"

	"github.com/parflow/parflow/internal/catalog"
	"github.com/parflow/parflow/internal/chunk"
	"github.com/parflow/parflow/internal/datum"
	"github.com/parflow/parflow/internal/pop"
)

// csvBatchSize bounds how many rows a single scan chunk carries.
const csvBatchSize = 2048

// inferSampleRows bounds how many data rows schema inference reads before
// committing to a column's kind.
const inferSampleRows = 200

type csvScan struct {
	node  pop.Node
	props pop.Props
	ctx   *Context

	kinds  []datum.Kind // per table.Fields index, declared or inferred
	files  []string     // this partition's assigned files, in read order
	fileIx int
	cur    *csvFileCursor
	done   bool
}

// csvFileCursor reads one file's assigned [start, end) byte range at line
// granularity: it seeks to start-1 and discards through the first newline
// (a line that began before start belongs to the prior partition; a line
// that begins exactly at start is kept), then reads whole lines until it has
// consumed at least end-start bytes, finishing the line in progress so no
// row is split across partitions.
type csvFileCursor struct {
	f      *os.File
	r      *csv.Reader
	br     *bufio.Reader
	end    int64
	header bool
}

func newCSVScan(node pop.Node, props pop.Props, ctx *Context) (*csvScan, error) {
	kinds, err := resolveKinds(node.Table)
	if err != nil {
		return nil, errors.Trace(err)
	}
	files, err := assignFiles(node.Table, props.NPartitions, ctx.Partition)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &csvScan{node: node, props: props, ctx: ctx, kinds: kinds, files: files}, nil
}

// resolveKinds returns each table column's kind, inferring any left
// unspecified (datum.Null) in the catalog by sampling the table's data.
func resolveKinds(table catalog.TableDesc) ([]datum.Kind, error) {
	kinds := make([]datum.Kind, len(table.Fields))
	needsInfer := false
	for i, f := range table.Fields {
		kinds[i] = f.Kind
		if f.Kind == datum.Null {
			needsInfer = true
		}
	}
	if !needsInfer {
		return kinds, nil
	}
	samples, err := sampleRows(table)
	if err != nil {
		return nil, errors.Trace(err)
	}
	for i := range kinds {
		if kinds[i] != datum.Null {
			continue
		}
		kinds[i] = inferColumnKind(samples, i)
	}
	return kinds, nil
}

func sampleRows(table catalog.TableDesc) ([][]string, error) {
	files, err := sourceFiles(table)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if len(files) == 0 {
		return nil, nil
	}
	f, err := os.Open(files[0])
	if err != nil {
		return nil, errors.Annotatef(err, "physop: open %s for schema inference", files[0])
	}
	defer f.Close()
	r := csv.NewReader(bufio.NewReader(f))
	r.Comma = separatorOrDefault(table.Separator)
	if table.Header {
		if _, err := r.Read(); err != nil && err != io.EOF {
			return nil, errors.Trace(err)
		}
	}
	var rows [][]string
	for i := 0; i < inferSampleRows; i++ {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Trace(err)
		}
		rows = append(rows, rec)
	}
	return rows, nil
}

// inferColumnKind applies the INT -> BOOL -> STR widening rule over every
// sampled value in column i: the narrowest kind every sample parses as.
func inferColumnKind(samples [][]string, i int) datum.Kind {
	sawAny := false
	allInt, allBool := true, true
	for _, row := range samples {
		if i >= len(row) {
			continue
		}
		v := row[i]
		if v == "" {
			continue
		}
		sawAny = true
		if _, err := strconv.ParseInt(v, 10, 64); err != nil {
			allInt = false
		}
		if v != "true" && v != "false" {
			allBool = false
		}
	}
	switch {
	case !sawAny:
		return datum.Str
	case allInt:
		return datum.Int
	case allBool:
		return datum.Bool
	default:
		return datum.Str
	}
}

func separatorOrDefault(r rune) rune {
	if r == 0 {
		return ','
	}
	return r
}

func sourceFiles(table catalog.TableDesc) ([]string, error) {
	if table.Type != catalog.CSVDir {
		return []string{table.Pathname}, nil
	}
	entries, err := os.ReadDir(table.Pathname)
	if err != nil {
		return nil, errors.Annotatef(err, "physop: read csv directory %s", table.Pathname)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		files = append(files, filepath.Join(table.Pathname, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}

// assignFiles splits a table's source files across npartitions. A plain
// CSV source is one file, split at byte-range-with-line-boundary
// granularity by csvFileCursor instead, so every partition gets that one
// path; a CSV directory source round-robins whole files across
// partitions, since each file already holds complete rows.
func assignFiles(table catalog.TableDesc, npartitions, partition int) ([]string, error) {
	files, err := sourceFiles(table)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if table.Type != catalog.CSVDir {
		return files, nil // single path; byte-range split happens in the cursor
	}
	var mine []string
	for i, f := range files {
		if i%npartitions == partition {
			mine = append(mine, f)
		}
	}
	return mine, nil
}

// Next returns the next non-empty output chunk, skipping batches whose
// rows the predicates filter out entirely. A zero-row chunk signals end
// of stream.
func (s *csvScan) Next() (*chunk.Chunk, error) {
	for {
		out, err := s.nextBatch()
		if err != nil || out.NumRows() > 0 || s.done {
			return out, err
		}
	}
}

// nextBatch pulls the next batch of up to csvBatchSize parsed rows,
// applies this scan's predicates/virtcols/column selection, and returns
// it; the result may have zero rows if every row was filtered out.
func (s *csvScan) nextBatch() (*chunk.Chunk, error) {
	if s.done {
		return emptyChunk(), nil
	}
	var rows [][]string
	for len(rows) < csvBatchSize {
		rec, err := s.nextRecord()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Trace(err)
		}
		rows = append(rows, rec)
	}
	if len(rows) == 0 {
		s.done = true
		return emptyChunk(), nil
	}
	raw, err := s.buildRawChunk(rows)
	if err != nil {
		return nil, errors.Trace(err)
	}
	out, err := applyCommon(raw, s.props)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return out, nil
}

func (s *csvScan) buildRawChunk(rows [][]string) (*chunk.Chunk, error) {
	fields := make([]chunk.Field, len(s.node.InputColumns))
	cols := make([]*chunk.Array, len(s.node.InputColumns))
	for i, tix := range s.node.InputColumns {
		kind := s.kinds[tix]
		fields[i] = chunk.Field{Name: s.node.Table.Fields[tix].Name, Kind: kind}
		cols[i] = chunk.NewArray(kind, len(rows))
	}
	for r, rec := range rows {
		for i, tix := range s.node.InputColumns {
			if tix >= len(rec) {
				continue // short row: leaves the cell NULL
			}
			d, err := parseCell(rec[tix], s.kinds[tix])
			if err != nil {
				return nil, errors.Annotatef(err, "physop: row %d column %s", r, s.node.Table.Fields[tix].Name)
			}
			cols[i].Set(r, d)
		}
	}
	return chunk.New(chunk.NewSchema(fields...), cols), nil
}

func parseCell(v string, kind datum.Kind) (datum.Datum, error) {
	if v == "" {
		return datum.NewNull(), nil
	}
	switch kind {
	case datum.Int:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return datum.Datum{}, errors.Annotatef(err, "not an INT: %q", v)
		}
		return datum.NewInt(n), nil
	case datum.Bool:
		b, err := strconv.ParseBool(v)
		if err != nil {
			return datum.Datum{}, errors.Annotatef(err, "not a BOOL: %q", v)
		}
		return datum.NewBool(b), nil
	default:
		return datum.NewStr(v), nil
	}
}

// nextRecord pulls one CSV record from the current file, opening the next
// assigned file (and, for a plain CSV source, this partition's byte
// range) once the current one is exhausted.
func (s *csvScan) nextRecord() ([]string, error) {
	for {
		if s.cur == nil {
			if s.fileIx >= len(s.files) {
				return nil, io.EOF
			}
			cur, err := s.openCursor(s.files[s.fileIx])
			if err != nil {
				return nil, errors.Trace(err)
			}
			s.cur = cur
		}
		rec, err := s.cur.read()
		if err == io.EOF {
			s.cur.close()
			s.cur = nil
			s.fileIx++
			continue
		}
		if err != nil {
			return nil, errors.Trace(err)
		}
		return rec, nil
	}
}

func (s *csvScan) openCursor(path string) (*csvFileCursor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Annotatef(err, "physop: open %s", path)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Trace(err)
	}

	start, end := int64(0), info.Size()
	if s.node.Table.Type != catalog.CSVDir {
		start, end = bytesRange(info.Size(), s.props.NPartitions, s.ctx.Partition)
	}
	if start > 0 {
		if _, err := f.Seek(start-1, io.SeekStart); err != nil {
			f.Close()
			return nil, errors.Trace(err)
		}
	}
	br := bufio.NewReader(f)
	if start > 0 {
		// reading from start-1, discard through the first newline: if
		// byte start-1 is itself a newline only it is dropped and the line
		// at start is kept; otherwise the line in progress belongs to the
		// previous partition, which reads every line beginning before end.
		if _, err := br.ReadString('\n'); err != nil && err != io.EOF {
			f.Close()
			return nil, errors.Trace(err)
		}
	}
	r := csv.NewReader(br)
	r.Comma = separatorOrDefault(s.node.Table.Separator)
	r.FieldsPerRecord = -1
	if start == 0 && s.node.Table.Header {
		if _, err := r.Read(); err != nil && err != io.EOF {
			f.Close()
			return nil, errors.Trace(err)
		}
	}
	return &csvFileCursor{f: f, r: r, br: br, end: end}, nil
}

func (c *csvFileCursor) read() ([]string, error) {
	pos, err := c.f.Seek(0, io.SeekCurrent)
	if err == nil && pos-int64(c.br.Buffered()) >= c.end {
		return nil, io.EOF
	}
	return c.r.Read()
}

func (c *csvFileCursor) close() { c.f.Close() }

// bytesRange computes partition p's [start, end) byte slice of an
// n-byte file split into npartitions roughly equal pieces.
func bytesRange(n int64, npartitions, p int) (int64, int64) {
	if npartitions <= 1 {
		return 0, n
	}
	size := n / int64(npartitions)
	start := size * int64(p)
	end := start + size
	if p == npartitions-1 {
		end = n
	}
	return start, end
}
