// Package pcode compiles expression graphs into a linear, stack-oriented
// bytecode program and evaluates that program over a chunk to produce an
// output array.
package pcode

import (
	"github.com/juju/errors"

	"github.com/parflow/parflow/internal/chunk"
	"github.com/parflow/parflow/internal/datum"
	"github.com/parflow/parflow/internal/expr"
	"github.com/parflow/parflow/internal/graph"
)

// OpCode names one bytecode instruction.
type OpCode int

const (
	OpPushColumn OpCode = iota
	OpPushLit
	OpCmp
	OpArith
	OpLog
	OpNeg
	OpNot
)

// Instr is one bytecode instruction. Only the fields relevant to Op are
// meaningful.
type Instr struct {
	Op      OpCode
	ColIx   int
	Lit     datum.Datum
	RelOp   expr.RelOp
	ArithOp expr.ArithOp
	LogOp   expr.LogOp
}

// Program is a compiled expression: a linear instruction sequence plus the
// statically determined result kind.
type Program struct {
	Instrs     []Instr
	ResultKind datum.Kind
}

// Projection identifies a logical column by its pre-compile identity: a
// real (qun_id, col_id) pair, or a virtual column keyed by its defining
// expression-graph node.
type Projection struct {
	Virt    bool
	QunID   int
	ColID   int
	VirtKey graph.Key
}

// QunCol builds a real-column projection key.
func QunCol(qunID, colID int) Projection { return Projection{QunID: qunID, ColID: colID} }

// VirtCol builds a virtual-column projection key.
func VirtCol(key graph.Key) Projection { return Projection{Virt: true, VirtKey: key} }

// ProjectionMap is the bijection from Projection to dense column index.
// Real columns occupy [0, nreal); virtual columns occupy
// [nreal, nreal+nvirt). It is built once per operator and reused for every
// PCode program compiled against that operator's input chunk.
type ProjectionMap struct {
	index map[Projection]int
	nreal int
	nvirt int
}

// NewProjectionMap returns an empty projection map.
func NewProjectionMap() *ProjectionMap {
	return &ProjectionMap{index: make(map[Projection]int)}
}

// AddReal assigns the next real dense index to (qunID, colID), or returns
// the existing index if already present. All real columns for an operator
// must be registered before any call to AddVirt, so that virtual indices
// land contiguously above them.
func (m *ProjectionMap) AddReal(qunID, colID int) int {
	p := QunCol(qunID, colID)
	if ix, ok := m.index[p]; ok {
		return ix
	}
	if m.nvirt > 0 {
		panic("pcode: AddReal called after AddVirt")
	}
	ix := m.nreal
	m.index[p] = ix
	m.nreal++
	return ix
}

// AddVirt assigns the next virtual dense index to the expression keyed by
// key, or returns the existing index if already present.
func (m *ProjectionMap) AddVirt(key graph.Key) int {
	p := VirtCol(key)
	if ix, ok := m.index[p]; ok {
		return ix
	}
	ix := m.nreal + m.nvirt
	m.index[p] = ix
	m.nvirt++
	return ix
}

// Lookup returns the dense index for p, if registered.
func (m *ProjectionMap) Lookup(p Projection) (int, bool) {
	ix, ok := m.index[p]
	return ix, ok
}

// NReal returns the number of real columns registered.
func (m *ProjectionMap) NReal() int { return m.nreal }

// NVirt returns the number of virtual columns registered.
func (m *ProjectionMap) NVirt() int { return m.nvirt }

// Bijective reports whether the map's indices are exactly [0, nreal+nvirt)
// with no collisions, the property §8 calls "projection map bijectivity".
func (m *ProjectionMap) Bijective() bool {
	seen := make([]bool, m.nreal+m.nvirt)
	for _, ix := range m.index {
		if ix < 0 || ix >= len(seen) || seen[ix] {
			return false
		}
		seen[ix] = true
	}
	for _, ok := range seen {
		if !ok {
			return false
		}
	}
	return true
}

// Compile performs a post-order traversal of the expression graph rooted at
// root, resolving CID/Column nodes through pm and type-checking arithmetic,
// comparison, and logical operators along the way. A mismatch between two
// statically known kinds (literals and operator results) is a compile-time
// error. CID/Column nodes carry no kind at compile time, so a mismatch
// involving a column reference (e.g. an INT column plus a STR column) is
// not rejected here; the evaluator reports it as a runtime error.
func Compile(g *expr.Graph, root graph.Key, pm *ProjectionMap) (*Program, error) {
	c := &compiler{g: g, pm: pm}
	kind, err := c.compile(root)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &Program{Instrs: c.instrs, ResultKind: kind}, nil
}

// CompileAggChild compiles only the child expression of an AggFunction
// node; the aggregate kind itself is retained separately by the caller
// (spec §4.1, "Aggregation compile").
func CompileAggChild(g *expr.Graph, aggKey graph.Key, pm *ProjectionMap) (*Program, expr.AggKind, bool, error) {
	node := g.Value(aggKey)
	if node.Kind != expr.NAgg {
		return nil, 0, false, errors.Errorf("pcode: expected AggFunction node, got kind %d", node.Kind)
	}
	children := g.Children(aggKey)
	if len(children) != 1 {
		return nil, 0, false, errors.Errorf("pcode: AggFunction must have exactly one child, got %d", len(children))
	}
	prog, err := Compile(g, children[0], pm)
	if err != nil {
		return nil, 0, false, errors.Trace(err)
	}
	return prog, node.AggKind, node.Distinct, nil
}

type compiler struct {
	g      *expr.Graph
	pm     *ProjectionMap
	instrs []Instr
}

func (c *compiler) emit(i Instr) { c.instrs = append(c.instrs, i) }

func (c *compiler) compile(key graph.Key) (datum.Kind, error) {
	node := c.g.Value(key)
	switch node.Kind {
	case expr.NCID:
		ix, ok := c.pm.Lookup(QunCol(node.QunID, node.ColID))
		if !ok {
			return datum.Null, errors.Errorf("pcode: unresolved column qun=%d col=%d", node.QunID, node.ColID)
		}
		c.emit(Instr{Op: OpPushColumn, ColIx: ix})
		return datum.Null, nil // real-column kind is chunk-dependent; resolved at eval time
	case expr.NColumn:
		c.emit(Instr{Op: OpPushColumn, ColIx: node.Offset})
		return datum.Null, nil
	case expr.NLiteral:
		c.emit(Instr{Op: OpPushLit, Lit: node.Lit})
		return node.Lit.Kind(), nil
	case expr.NRel:
		children := c.g.Children(key)
		if len(children) != 2 {
			return datum.Null, errors.Errorf("pcode: RelExpr requires 2 children, got %d", len(children))
		}
		lk, err := c.compile(children[0])
		if err != nil {
			return datum.Null, errors.Trace(err)
		}
		rk, err := c.compile(children[1])
		if err != nil {
			return datum.Null, errors.Trace(err)
		}
		if err := checkComparable(lk, rk); err != nil {
			return datum.Null, errors.Trace(err)
		}
		c.emit(Instr{Op: OpCmp, RelOp: node.RelOp})
		return datum.Bool, nil
	case expr.NBinary:
		children := c.g.Children(key)
		if len(children) != 2 {
			return datum.Null, errors.Errorf("pcode: BinaryExpr requires 2 children, got %d", len(children))
		}
		lk, err := c.compile(children[0])
		if err != nil {
			return datum.Null, errors.Trace(err)
		}
		rk, err := c.compile(children[1])
		if err != nil {
			return datum.Null, errors.Trace(err)
		}
		if err := checkArith(lk, rk); err != nil {
			return datum.Null, errors.Trace(err)
		}
		c.emit(Instr{Op: OpArith, ArithOp: node.ArithOp})
		return datum.Int, nil
	case expr.NLog:
		children := c.g.Children(key)
		if node.LogOp == expr.Not {
			if len(children) != 1 {
				return datum.Null, errors.Errorf("pcode: Not requires 1 child, got %d", len(children))
			}
			ck, err := c.compile(children[0])
			if err != nil {
				return datum.Null, errors.Trace(err)
			}
			if ck != datum.Bool && ck != datum.Null {
				return datum.Null, errors.Errorf("pcode: type mismatch: NOT requires BOOL operand, got %s", ck)
			}
			c.emit(Instr{Op: OpNot})
			return datum.Bool, nil
		}
		if len(children) != 2 {
			return datum.Null, errors.Errorf("pcode: LogExpr requires 2 children, got %d", len(children))
		}
		lk, err := c.compile(children[0])
		if err != nil {
			return datum.Null, errors.Trace(err)
		}
		rk, err := c.compile(children[1])
		if err != nil {
			return datum.Null, errors.Trace(err)
		}
		if (lk != datum.Bool && lk != datum.Null) || (rk != datum.Bool && rk != datum.Null) {
			return datum.Null, errors.Errorf("pcode: type mismatch: %s requires BOOL operands, got %s and %s", node.LogOp, lk, rk)
		}
		c.emit(Instr{Op: OpLog, LogOp: node.LogOp})
		return datum.Bool, nil
	case expr.NAgg:
		return datum.Null, errors.Errorf("pcode: AggFunction must be compiled via CompileAggChild, not inline")
	default:
		return datum.Null, errors.Errorf("pcode: unsupported expression node kind %d", node.Kind)
	}
}

// checkComparable rejects a mismatch only when both sides have a
// statically known, differing, non-NULL kind. Column references resolve
// their kind at evaluation time (Null here means "chunk-dependent"), so
// this is necessarily a partial check; the evaluator performs the final
// check once real kinds are known.
func checkComparable(lk, rk datum.Kind) error {
	if lk == datum.Null || rk == datum.Null {
		return nil
	}
	if lk != rk {
		return errors.Errorf("pcode: type mismatch: cannot compare %s with %s", lk, rk)
	}
	return nil
}

func checkArith(lk, rk datum.Kind) error {
	if lk == datum.Null || rk == datum.Null {
		return nil
	}
	if lk != datum.Int || rk != datum.Int {
		return errors.Errorf("pcode: type mismatch: arithmetic requires INT operands, got %s and %s", lk, rk)
	}
	return nil
}

// stackVal is one evaluator stack entry: either a full-length array or a
// scalar to be broadcast against the chunk's row count.
type stackVal struct {
	arr    *chunk.Array
	scalar *datum.Datum
}

func (v stackVal) kindAt(i int, n int) datum.Datum {
	if v.scalar != nil {
		return *v.scalar
	}
	return v.arr.At(i)
}

func (v stackVal) kind() datum.Kind {
	if v.scalar != nil {
		return v.scalar.Kind()
	}
	return v.arr.Kind
}

// Eval runs program over c, producing one output array of length
// c.NumRows(). If the program's root is boolean the result is suitable for
// chunk.Filter.
func Eval(program *Program, c *chunk.Chunk) (*chunk.Array, error) {
	n := c.NumRows()
	var stack []stackVal
	push := func(v stackVal) { stack = append(stack, v) }
	pop := func() stackVal {
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		return v
	}

	for _, instr := range program.Instrs {
		switch instr.Op {
		case OpPushColumn:
			if instr.ColIx < 0 || instr.ColIx >= len(c.Columns) {
				return nil, errors.Errorf("pcode: column index %d out of range for chunk with %d columns", instr.ColIx, len(c.Columns))
			}
			push(stackVal{arr: c.Columns[instr.ColIx]})
		case OpPushLit:
			lit := instr.Lit
			push(stackVal{scalar: &lit})
		case OpCmp:
			rhs, lhs := pop(), pop()
			out, err := evalCmp(instr.RelOp, lhs, rhs, n)
			if err != nil {
				return nil, errors.Trace(err)
			}
			push(stackVal{arr: out})
		case OpArith:
			rhs, lhs := pop(), pop()
			out, err := evalArith(instr.ArithOp, lhs, rhs, n)
			if err != nil {
				return nil, errors.Trace(err)
			}
			push(stackVal{arr: out})
		case OpLog:
			rhs, lhs := pop(), pop()
			out, err := evalLog(instr.LogOp, lhs, rhs, n)
			if err != nil {
				return nil, errors.Trace(err)
			}
			push(stackVal{arr: out})
		case OpNeg:
			v := pop()
			out, err := evalNeg(v, n)
			if err != nil {
				return nil, errors.Trace(err)
			}
			push(stackVal{arr: out})
		case OpNot:
			v := pop()
			out, err := evalNot(v, n)
			if err != nil {
				return nil, errors.Trace(err)
			}
			push(stackVal{arr: out})
		default:
			return nil, errors.Errorf("pcode: unknown opcode %d", instr.Op)
		}
	}
	if len(stack) != 1 {
		return nil, errors.Errorf("pcode: evaluator ended with %d stack entries, expected 1", len(stack))
	}
	result := stack[0]
	if result.arr != nil {
		return result.arr, nil
	}
	// a bare scalar program (e.g. a constant): broadcast to chunk length.
	out := chunk.NewArray(result.scalar.Kind(), n)
	for i := 0; i < n; i++ {
		out.Set(i, *result.scalar)
	}
	return out, nil
}

func evalCmp(op expr.RelOp, lhs, rhs stackVal, n int) (*chunk.Array, error) {
	out := chunk.NewArray(datum.Bool, n)
	for i := 0; i < n; i++ {
		l, r := lhs.kindAt(i, n), rhs.kindAt(i, n)
		if l.IsNull() || r.IsNull() {
			continue // leaves row invalid/NULL
		}
		cmp, err := l.Compare(r)
		if err != nil {
			return nil, errors.Annotatef(err, "pcode: row %d", i)
		}
		var result bool
		switch op {
		case expr.Eq:
			result = cmp == 0
		case expr.Ne:
			result = cmp != 0
		case expr.Lt:
			result = cmp < 0
		case expr.Le:
			result = cmp <= 0
		case expr.Gt:
			result = cmp > 0
		case expr.Ge:
			result = cmp >= 0
		default:
			return nil, errors.Errorf("pcode: unknown relop %d", op)
		}
		out.Set(i, datum.NewBool(result))
	}
	return out, nil
}

func evalArith(op expr.ArithOp, lhs, rhs stackVal, n int) (*chunk.Array, error) {
	out := chunk.NewArray(datum.Int, n)
	for i := 0; i < n; i++ {
		l, r := lhs.kindAt(i, n), rhs.kindAt(i, n)
		if l.IsNull() || r.IsNull() {
			continue
		}
		if l.Kind() != datum.Int || r.Kind() != datum.Int {
			return nil, errors.Errorf("pcode: type mismatch at row %d: arithmetic requires INT operands, got %s and %s", i, l.Kind(), r.Kind())
		}
		var v int64
		switch op {
		case expr.Add:
			v = l.Int() + r.Int()
		case expr.Sub:
			v = l.Int() - r.Int()
		case expr.Mul:
			v = l.Int() * r.Int()
		case expr.Div:
			if r.Int() == 0 {
				return nil, errors.Errorf("pcode: division by zero at row %d", i)
			}
			v = l.Int() / r.Int()
		default:
			return nil, errors.Errorf("pcode: unknown arithop %d", op)
		}
		out.Set(i, datum.NewInt(v))
	}
	return out, nil
}

func evalLog(op expr.LogOp, lhs, rhs stackVal, n int) (*chunk.Array, error) {
	out := chunk.NewArray(datum.Bool, n)
	for i := 0; i < n; i++ {
		l, r := lhs.kindAt(i, n), rhs.kindAt(i, n)
		if l.IsNull() || r.IsNull() {
			continue
		}
		if l.Kind() != datum.Bool || r.Kind() != datum.Bool {
			return nil, errors.Errorf("pcode: type mismatch at row %d: %s requires BOOL operands, got %s and %s", i, op, l.Kind(), r.Kind())
		}
		var v bool
		switch op {
		case expr.And:
			v = l.Bool() && r.Bool()
		case expr.Or:
			v = l.Bool() || r.Bool()
		default:
			return nil, errors.Errorf("pcode: unknown binary logop %d", op)
		}
		out.Set(i, datum.NewBool(v))
	}
	return out, nil
}

func evalNeg(v stackVal, n int) (*chunk.Array, error) {
	out := chunk.NewArray(datum.Int, n)
	for i := 0; i < n; i++ {
		d := v.kindAt(i, n)
		if d.IsNull() {
			continue
		}
		if d.Kind() != datum.Int {
			return nil, errors.Errorf("pcode: type mismatch at row %d: NEG requires INT operand, got %s", i, d.Kind())
		}
		out.Set(i, datum.NewInt(-d.Int()))
	}
	return out, nil
}

func evalNot(v stackVal, n int) (*chunk.Array, error) {
	out := chunk.NewArray(datum.Bool, n)
	for i := 0; i < n; i++ {
		d := v.kindAt(i, n)
		if d.IsNull() {
			continue
		}
		if d.Kind() != datum.Bool {
			return nil, errors.Errorf("pcode: type mismatch at row %d: NOT requires BOOL operand, got %s", i, d.Kind())
		}
		out.Set(i, datum.NewBool(!d.Bool()))
	}
	return out, nil
}
