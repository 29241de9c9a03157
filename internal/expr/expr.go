// Package expr implements the expression graph: the node variants that
// pcode.Compile walks to produce a bytecode program.
package expr

import (
	"github.com/parflow/parflow/internal/datum"
	"github.com/parflow/parflow/internal/graph"
)

// NodeKind tags an expression node's variant.
type NodeKind int

const (
	NCID NodeKind = iota
	NColumn
	NLiteral
	NRel
	NBinary
	NLog
	NAgg
)

// RelOp is a relational comparison operator.
type RelOp int

const (
	Eq RelOp = iota
	Ne
	Lt
	Le
	Gt
	Ge
)

var relOpNames = map[RelOp]string{Eq: "=", Ne: "!=", Lt: "<", Le: "<=", Gt: ">", Ge: ">="}

func (o RelOp) String() string { return relOpNames[o] }

// ArithOp is an arithmetic binary operator.
type ArithOp int

const (
	Add ArithOp = iota
	Sub
	Mul
	Div
)

var arithOpNames = map[ArithOp]string{Add: "+", Sub: "-", Mul: "*", Div: "/"}

func (o ArithOp) String() string { return arithOpNames[o] }

// LogOp is a logical connective.
type LogOp int

const (
	And LogOp = iota
	Or
	Not
)

var logOpNames = map[LogOp]string{And: "AND", Or: "OR", Not: "NOT"}

func (o LogOp) String() string { return logOpNames[o] }

// AggKind names an aggregate function family.
type AggKind int

const (
	Count AggKind = iota
	Sum
	Min
	Max
	Avg
)

var aggKindNames = map[AggKind]string{Count: "COUNT", Sum: "SUM", Min: "MIN", Max: "MAX", Avg: "AVG"}

func (k AggKind) String() string { return aggKindNames[k] }

// Node is one expression-graph variant. Only the fields relevant to Kind
// are meaningful; this mirrors a tagged union without the overhead of a Go
// interface-per-variant hierarchy, matching the closed-family dispatch the
// rest of this engine uses for LOP/POP nodes.
type Node struct {
	Kind NodeKind

	// NCID / NColumn
	QunID  int
	ColID  int
	Offset int // NColumn only: resolved chunk column index

	// NLiteral
	Lit datum.Datum

	// NRel / NBinary / NLog
	RelOp   RelOp
	ArithOp ArithOp
	LogOp   LogOp

	// NAgg
	AggKind  AggKind
	Distinct bool
}

// Props carries the type-checked result kind once a compile pass has run.
// Untyped (freshly built) nodes carry the zero value.
type Props struct {
	ResultKind datum.Kind
	Typed      bool
}

// Graph is an expression graph: an arena of Node keyed by graph.Key.
type Graph = graph.Graph[Node, Props]

// NewGraph returns an empty expression graph.
func NewGraph() *Graph {
	return graph.New[Node, Props]()
}

// AddCID adds a CID(qun_id, col_id) reference node.
func AddCID(g *Graph, qunID, colID int) graph.Key {
	return g.Add(Node{Kind: NCID, QunID: qunID, ColID: colID}, Props{})
}

// AddColumn adds a resolved Column node at a numeric chunk offset.
func AddColumn(g *Graph, qunID, colID, offset int) graph.Key {
	return g.Add(Node{Kind: NColumn, QunID: qunID, ColID: colID, Offset: offset}, Props{})
}

// AddLiteral adds a Literal(datum) node.
func AddLiteral(g *Graph, d datum.Datum) graph.Key {
	return g.Add(Node{Kind: NLiteral, Lit: d}, Props{})
}

// AddRel adds a RelExpr(op) node with children [lhs, rhs].
func AddRel(g *Graph, op RelOp, lhs, rhs graph.Key) graph.Key {
	return g.Add(Node{Kind: NRel, RelOp: op}, Props{}, lhs, rhs)
}

// AddBinary adds a BinaryExpr(op) node with children [lhs, rhs].
func AddBinary(g *Graph, op ArithOp, lhs, rhs graph.Key) graph.Key {
	return g.Add(Node{Kind: NBinary, ArithOp: op}, Props{}, lhs, rhs)
}

// AddAnd adds a LogExpr(And) node over two children.
func AddAnd(g *Graph, lhs, rhs graph.Key) graph.Key {
	return g.Add(Node{Kind: NLog, LogOp: And}, Props{}, lhs, rhs)
}

// AddOr adds a LogExpr(Or) node over two children.
func AddOr(g *Graph, lhs, rhs graph.Key) graph.Key {
	return g.Add(Node{Kind: NLog, LogOp: Or}, Props{}, lhs, rhs)
}

// AddNot adds a LogExpr(Not) node over one child.
func AddNot(g *Graph, child graph.Key) graph.Key {
	return g.Add(Node{Kind: NLog, LogOp: Not}, Props{}, child)
}

// AddAgg adds an AggFunction(kind, distinct) node over its child expression.
func AddAgg(g *Graph, kind AggKind, distinct bool, child graph.Key) graph.Key {
	return g.Add(Node{Kind: NAgg, AggKind: kind, Distinct: distinct}, Props{}, child)
}
