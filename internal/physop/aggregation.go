package physop

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/juju/errors"
	"github.com/shopspring/decimal"

	"github.com/parflow/parflow/internal/chunk"
	"github.com/parflow/parflow/internal/datum"
	"github.com/parflow/parflow/internal/expr"
	"github.com/parflow/parflow/internal/pcode"
	"github.com/parflow/parflow/internal/pop"
)

// aggDecimalScale bounds AVG's division precision; the result is carried
// as a formatted STR datum since the engine has no native decimal kind.
const aggDecimalScale = 6

// aggregation drains its child fully, keyed on the composite group-key
// tuple, then emits exactly one chunk of [group keys..., aggregates...]
// before signalling end of stream.
type aggregation struct {
	node    pop.Node
	child   Operator
	emitted bool
}

func newAggregation(node pop.Node, child Operator) *aggregation {
	return &aggregation{node: node, child: child}
}

type accState struct {
	count  int64
	sum    decimal.Decimal
	min    datum.Datum
	max    datum.Datum
	hasMin bool
	hasMax bool
}

type groupState struct {
	keys []datum.Datum
	accs []*accState
}

func (a *aggregation) Next() (*chunk.Chunk, error) {
	if a.emitted {
		return emptyChunk(), nil
	}
	a.emitted = true

	groups := map[string]*groupState{}
	var order []string
	for {
		c, err := a.child.Next()
		if err != nil {
			return nil, errors.Trace(err)
		}
		if c.NumRows() == 0 {
			break
		}
		if err := a.accumulate(c, groups, &order); err != nil {
			return nil, errors.Trace(err)
		}
	}
	return a.buildResult(groups, order)
}

func (a *aggregation) accumulate(c *chunk.Chunk, groups map[string]*groupState, order *[]string) error {
	groupKeyArrays := make([]*chunk.Array, len(a.node.GroupKeys))
	for i, prog := range a.node.GroupKeys {
		arr, err := pcode.Eval(prog, c)
		if err != nil {
			return errors.Annotatef(err, "physop: group key %d", i)
		}
		groupKeyArrays[i] = arr
	}
	aggArrays := make([]*chunk.Array, len(a.node.Aggs))
	for i, spec := range a.node.Aggs {
		arr, err := pcode.Eval(spec.Program, c)
		if err != nil {
			return errors.Annotatef(err, "physop: aggregate %d", i)
		}
		aggArrays[i] = arr
	}
	for r := 0; r < c.NumRows(); r++ {
		keys := make([]datum.Datum, len(groupKeyArrays))
		for i, arr := range groupKeyArrays {
			keys[i] = arr.At(r)
		}
		gk := groupKeyString(keys)
		g, ok := groups[gk]
		if !ok {
			g = &groupState{keys: keys, accs: make([]*accState, len(a.node.Aggs))}
			for i := range g.accs {
				g.accs[i] = &accState{}
			}
			groups[gk] = g
			*order = append(*order, gk)
		}
		for i, spec := range a.node.Aggs {
			updateAcc(g.accs[i], spec.Kind, aggArrays[i].At(r))
		}
	}
	return nil
}

func (a *aggregation) buildResult(groups map[string]*groupState, order []string) (*chunk.Chunk, error) {
	ngroup := len(a.node.GroupKeys)
	nagg := len(a.node.Aggs)
	nrows := len(order)

	cols := make([]*chunk.Array, ngroup+nagg)
	fields := make([]chunk.Field, ngroup+nagg)
	for ci := 0; ci < ngroup; ci++ {
		kind := datum.Str
		if nrows > 0 {
			kind = groups[order[0]].keys[ci].Kind()
		}
		cols[ci] = chunk.NewArray(kind, nrows)
		fields[ci] = chunk.Field{Name: fmt.Sprintf("group%d", ci), Kind: kind}
	}
	for ai, spec := range a.node.Aggs {
		kind := aggResultKind(spec.Kind, groups, order, ai)
		cols[ngroup+ai] = chunk.NewArray(kind, nrows)
		fields[ngroup+ai] = chunk.Field{Name: strings.ToLower(spec.Kind.String()), Kind: kind}
	}

	for ri, gk := range order {
		g := groups[gk]
		for ci := 0; ci < ngroup; ci++ {
			cols[ci].Set(ri, g.keys[ci])
		}
		for ai, spec := range a.node.Aggs {
			d, err := finalizeAcc(g.accs[ai], spec.Kind)
			if err != nil {
				return nil, errors.Trace(err)
			}
			cols[ngroup+ai].Set(ri, d)
		}
	}
	return chunk.New(chunk.NewSchema(fields...), cols), nil
}

func aggResultKind(kind expr.AggKind, groups map[string]*groupState, order []string, ai int) datum.Kind {
	switch kind {
	case expr.Count, expr.Sum:
		return datum.Int
	case expr.Avg:
		return datum.Str
	case expr.Min, expr.Max:
		for _, gk := range order {
			acc := groups[gk].accs[ai]
			if acc.hasMin {
				return acc.min.Kind()
			}
			if acc.hasMax {
				return acc.max.Kind()
			}
		}
		return datum.Int
	default:
		return datum.Int
	}
}

func updateAcc(acc *accState, kind expr.AggKind, v datum.Datum) {
	switch kind {
	case expr.Count:
		if !v.IsNull() {
			acc.count++
		}
	case expr.Sum, expr.Avg:
		if v.IsNull() {
			return
		}
		acc.sum = acc.sum.Add(decimal.NewFromInt(v.Int()))
		acc.count++
	case expr.Min:
		if v.IsNull() {
			return
		}
		if !acc.hasMin {
			acc.min, acc.hasMin = v, true
			return
		}
		if cmp, err := v.Compare(acc.min); err == nil && cmp < 0 {
			acc.min = v
		}
	case expr.Max:
		if v.IsNull() {
			return
		}
		if !acc.hasMax {
			acc.max, acc.hasMax = v, true
			return
		}
		if cmp, err := v.Compare(acc.max); err == nil && cmp > 0 {
			acc.max = v
		}
	}
}

func finalizeAcc(acc *accState, kind expr.AggKind) (datum.Datum, error) {
	switch kind {
	case expr.Count:
		return datum.NewInt(acc.count), nil
	case expr.Sum:
		return datum.NewInt(acc.sum.IntPart()), nil
	case expr.Avg:
		if acc.count == 0 {
			return datum.NewNull(), nil
		}
		avg := acc.sum.DivRound(decimal.NewFromInt(acc.count), aggDecimalScale)
		return datum.NewStr(avg.String()), nil
	case expr.Min:
		if !acc.hasMin {
			return datum.NewNull(), nil
		}
		return acc.min, nil
	case expr.Max:
		if !acc.hasMax {
			return datum.NewNull(), nil
		}
		return acc.max, nil
	default:
		return datum.Datum{}, errors.Errorf("physop: unknown aggregate kind %v", kind)
	}
}

// groupKeyString builds a deterministic composite-key string from a
// group's key datums, tagged by kind so values of different kinds never
// collide (e.g. INT 1 vs STR "1").
func groupKeyString(keys []datum.Datum) string {
	var b strings.Builder
	for _, k := range keys {
		b.WriteByte(byte(k.Kind()))
		b.WriteByte(0)
		if !k.IsNull() {
			b.WriteString(strconv.Quote(k.String()))
		}
		b.WriteByte(0)
	}
	return b.String()
}
