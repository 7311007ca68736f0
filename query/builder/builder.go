// Package builder provides the fluent query API.
//
// A Query accumulates predicates, ordering, pagination, a result shape
// and a transform pipeline, then compiles through sqlgen and runs
// against an injected Executor. Compilation is available without
// execution for inspection and subquery embedding.
package builder

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/modelq/modelq/query/executor"
	"github.com/modelq/modelq/query/filter"
	"github.com/modelq/modelq/query/sqlgen"
)

var ErrNoExecutor = errors.New("no executor attached")

// Shape selects how Execute materializes its result.
type Shape int

const (
	Rows  Shape = iota // []any of wrapped rows
	IDs                // []int64 from the id column
	First              // single wrapped row or nil
	Count              // int64, or bool when a target comparison is set
)

type cmpOp int

const (
	cmpNone cmpOp = iota
	cmpEq
	cmpLt
	cmpLte
	cmpGt
	cmpGte
)

// WrapFunc converts a raw row into the caller's representation. The
// runtime installs entity construction here.
type WrapFunc func(row map[string]any) any

// Query is a mutable fluent builder bound to one table.
type Query struct {
	exec    executor.Executor
	table   string
	columns []string
	where   []filter.Node
	orderBy []filter.OrderBy
	limit   int
	offset  int

	shape    Shape
	cmp      cmpOp
	target   int64
	nothing  bool
	skipNext bool
	wrap     WrapFunc
	pipeline []stage
}

// New creates a query builder for a table.
func New(exec executor.Executor, table string) *Query {
	return &Query{exec: exec, table: table}
}

// Wrap installs the row wrapper applied to Rows and First results.
func (q *Query) Wrap(fn WrapFunc) *Query {
	q.wrap = fn
	return q
}

// Condition arms a one-shot skip: when v is falsy the next single
// chained call is a no-op. The flag is consumed by that call either way.
func (q *Query) Condition(v any) *Query {
	if q.consumeSkip() {
		return q
	}
	q.skipNext = !truthy(v)
	return q
}

func (q *Query) consumeSkip() bool {
	skip := q.skipNext
	q.skipNext = false
	return skip
}

func truthy(v any) bool {
	switch value := v.(type) {
	case nil:
		return false
	case bool:
		return value
	case int:
		return value != 0
	case int64:
		return value != 0
	case float64:
		return value != 0
	case string:
		return value != ""
	default:
		return true
	}
}

// Where adds an AND group of comparisons from a column→value map.
// Values may be filter.Cond to select an operator; plain values mean
// equality. Keys apply in sorted order so placeholder binding is
// deterministic.
func (q *Query) Where(conds map[string]any) *Query {
	if q.consumeSkip() {
		return q
	}

	keys := make([]string, 0, len(conds))
	for k := range conds {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	children := make([]filter.Node, 0, len(keys))
	for _, col := range keys {
		children = append(children, comparison(col, conds[col]))
	}
	q.where = append(q.where, filter.Group{Op: filter.And, Children: children})
	return q
}

func comparison(col string, v any) filter.Node {
	if cond, ok := v.(filter.Cond); ok {
		return filter.Comparison{Column: col, Op: cond.Op, Operand: cond.Operand}
	}
	return filter.Comparison{Column: col, Op: filter.Eq, Operand: v}
}

// WhereAll adds an AND group of raw filter nodes.
func (q *Query) WhereAll(nodes ...filter.Node) *Query {
	if q.consumeSkip() {
		return q
	}
	q.where = append(q.where, filter.Group{Op: filter.And, Children: nodes})
	return q
}

// WhereSome adds an OR group of raw filter nodes.
func (q *Query) WhereSome(nodes ...filter.Node) *Query {
	if q.consumeSkip() {
		return q
	}
	q.where = append(q.where, filter.Group{Op: filter.Or, Children: nodes})
	return q
}

// WhereNode adds one raw filter node.
func (q *Query) WhereNode(n filter.Node) *Query {
	if q.consumeSkip() {
		return q
	}
	q.where = append(q.where, n)
	return q
}

// WhereOp adds a single comparison.
func (q *Query) WhereOp(col string, op filter.Op, operand any) *Query {
	if q.consumeSkip() {
		return q
	}
	q.where = append(q.where, filter.Comparison{Column: col, Op: op, Operand: operand})
	return q
}

// Columns restricts the selected columns.
func (q *Query) Columns(cols ...string) *Query {
	if q.consumeSkip() {
		return q
	}
	q.columns = cols
	return q
}

// Sort adds an ascending sort key.
func (q *Query) Sort(key string) *Query {
	if q.consumeSkip() {
		return q
	}
	q.orderBy = append(q.orderBy, filter.OrderBy{Key: key})
	return q
}

// SortDesc adds a descending sort key.
func (q *Query) SortDesc(key string) *Query {
	if q.consumeSkip() {
		return q
	}
	q.orderBy = append(q.orderBy, filter.OrderBy{Key: key, Desc: true})
	return q
}

// SortRandom orders results randomly.
func (q *Query) SortRandom() *Query {
	if q.consumeSkip() {
		return q
	}
	q.orderBy = append(q.orderBy, filter.OrderBy{Key: filter.RandomKey})
	return q
}

// Limit caps the number of returned rows.
func (q *Query) Limit(n int) *Query {
	if q.consumeSkip() {
		return q
	}
	q.limit = n
	return q
}

// Offset skips the first n rows.
func (q *Query) Offset(n int) *Query {
	if q.consumeSkip() {
		return q
	}
	q.offset = n
	return q
}

// FindNothing short-circuits Execute to an empty result without a
// database round trip.
func (q *Query) FindNothing() *Query {
	if q.consumeSkip() {
		return q
	}
	q.nothing = true
	return q
}

// OnlyIDs returns bare ids instead of wrapped rows.
func (q *Query) OnlyIDs() *Query {
	if q.consumeSkip() {
		return q
	}
	q.shape = IDs
	return q
}

// OnlyFirst returns a single row or nil.
func (q *Query) OnlyFirst() *Query {
	if q.consumeSkip() {
		return q
	}
	q.shape = First
	q.limit = 1
	return q
}

// CountOnly returns the matching row count.
func (q *Query) CountOnly() *Query {
	if q.consumeSkip() {
		return q
	}
	q.shape = Count
	return q
}

func (q *Query) countCompare(op cmpOp, target int64) *Query {
	if q.consumeSkip() {
		return q
	}
	q.shape = Count
	q.cmp = op
	q.target = target
	return q
}

// CountExactly makes Execute return count == target.
func (q *Query) CountExactly(target int64) *Query { return q.countCompare(cmpEq, target) }

// CountAtLeast makes Execute return count >= target.
func (q *Query) CountAtLeast(target int64) *Query { return q.countCompare(cmpGte, target) }

// CountAtMost makes Execute return count <= target.
func (q *Query) CountAtMost(target int64) *Query { return q.countCompare(cmpLte, target) }

// CountOver makes Execute return count > target.
func (q *Query) CountOver(target int64) *Query { return q.countCompare(cmpGt, target) }

// CountUnder makes Execute return count < target.
func (q *Query) CountUnder(target int64) *Query { return q.countCompare(cmpLt, target) }

// Shape reports the current result shape.
func (q *Query) Shape() Shape { return q.shape }

// Table reports the bound table.
func (q *Query) Table() string { return q.table }

// GetQuery compiles the current state without executing it.
func (q *Query) GetQuery() (*sqlgen.Query, error) {
	return q.compile()
}

// Subquery implements filter.Subquery so a builder can embed directly
// as a membership operand.
func (q *Query) Subquery() (string, []any, error) {
	compiled, err := q.compile()
	if err != nil {
		return "", nil, err
	}
	return compiled.SQL, compiled.Args, nil
}

func (q *Query) compile() (*sqlgen.Query, error) {
	columns := q.columns
	if q.shape == IDs {
		columns = []string{"id"}
	}
	return sqlgen.Select(sqlgen.SelectOptions{
		Table:   q.table,
		Columns: columns,
		Where:   q.where,
		OrderBy: q.orderBy,
		Limit:   q.limit,
		Offset:  q.offset,
		Count:   q.shape == Count,
	})
}

// Execute compiles and runs the query.
//
// Count shapes return int64, or bool when a target comparison was
// registered. IDs returns []int64. First returns a single wrapped row
// or nil. Rows returns []any. Transform stages run after
// materialization, in registration order.
func (q *Query) Execute(ctx context.Context) (any, error) {
	if q.exec == nil {
		return nil, ErrNoExecutor
	}

	if q.shape == Count {
		return q.executeCount(ctx)
	}

	items := []any{}
	if !q.nothing {
		compiled, err := q.compile()
		if err != nil {
			return nil, err
		}
		rows, err := q.exec.Query(ctx, compiled.SQL, compiled.Args)
		if err != nil {
			return nil, err
		}

		if q.shape == First && len(rows) > 1 {
			rows = rows[:1]
		}

		for _, row := range rows {
			if q.shape == IDs {
				id, err := toInt64(row["id"])
				if err != nil {
					return nil, fmt.Errorf("id column: %w", err)
				}
				items = append(items, id)
				continue
			}
			if q.wrap != nil {
				items = append(items, q.wrap(row))
			} else {
				items = append(items, row)
			}
		}
	}

	result, err := q.applyPipeline(ctx, items)
	if err != nil {
		return nil, err
	}

	switch q.shape {
	case First:
		if slice, ok := result.([]any); ok {
			if len(slice) == 0 {
				return nil, nil
			}
			return slice[0], nil
		}
		return result, nil
	case IDs:
		if slice, ok := result.([]any); ok {
			ids := make([]int64, len(slice))
			for i, v := range slice {
				id, err := toInt64(v)
				if err != nil {
					return nil, fmt.Errorf("id result: %w", err)
				}
				ids[i] = id
			}
			return ids, nil
		}
		return result, nil
	default:
		return result, nil
	}
}

func (q *Query) executeCount(ctx context.Context) (any, error) {
	compiled, err := q.compile()
	if err != nil {
		return nil, err
	}
	rows, err := q.exec.Query(ctx, compiled.SQL, compiled.Args)
	if err != nil {
		return nil, err
	}

	var count int64
	if len(rows) > 0 {
		count, err = toInt64(rows[0]["count"])
		if err != nil {
			return nil, fmt.Errorf("count column: %w", err)
		}
	}

	switch q.cmp {
	case cmpEq:
		return count == q.target, nil
	case cmpLt:
		return count < q.target, nil
	case cmpLte:
		return count <= q.target, nil
	case cmpGt:
		return count > q.target, nil
	case cmpGte:
		return count >= q.target, nil
	default:
		return count, nil
	}
}

func toInt64(v any) (int64, error) {
	switch value := v.(type) {
	case int64:
		return value, nil
	case int:
		return int64(value), nil
	case int32:
		return int64(value), nil
	case uint64:
		return int64(value), nil
	case float64:
		return int64(value), nil
	case string:
		var n int64
		_, err := fmt.Sscanf(value, "%d", &n)
		return n, err
	default:
		return 0, fmt.Errorf("cannot read %T as integer", v)
	}
}
