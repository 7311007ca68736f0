// Package sqlgen compiles filter trees into parameterized SQL.
//
// The generator targets the MySQL placeholder dialect: identifiers are
// backtick-quoted and values bind to `?` markers. The Nth `?` in the
// generated SQL (left to right) always binds the Nth entry of Args,
// including across recursively embedded subqueries.
package sqlgen

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/modelq/modelq/query/filter"
)

// Query represents a SQL query with arguments
type Query struct {
	SQL  string
	Args []any
}

// MySQL requires a limit when an offset is present; this is the
// dialect's "no limit" value.
const noLimit = "18446744073709551615"

// SelectOptions describes one SELECT compilation.
type SelectOptions struct {
	Table   string
	Columns []string
	Where   []filter.Node // implicitly ANDed
	OrderBy []filter.OrderBy
	Limit   int
	Offset  int
	Count   bool // select COUNT(*) AS `count` instead of columns
}

// Select compiles a SELECT statement from the given options.
func Select(opts SelectOptions) (*Query, error) {
	if opts.Table == "" {
		return nil, ErrNoTable
	}

	var parts []string
	var args []any

	cols, err := selectColumns(opts)
	if err != nil {
		return nil, err
	}
	parts = append(parts, "SELECT "+cols)
	parts = append(parts, "FROM "+quoteIdent(opts.Table))

	whereSQL, err := Where(opts.Where, &args)
	if err != nil {
		return nil, err
	}
	if whereSQL != "" {
		parts = append(parts, "WHERE "+whereSQL)
	}

	orderSQL, err := orderBy(opts.OrderBy)
	if err != nil {
		return nil, err
	}
	if orderSQL != "" {
		parts = append(parts, "ORDER BY "+orderSQL)
	}

	if limitSQL := limit(opts.Limit, opts.Offset); limitSQL != "" {
		parts = append(parts, limitSQL)
	}

	return &Query{SQL: strings.Join(parts, " "), Args: args}, nil
}

// Where compiles a node list into one predicate string, joining the
// nodes with AND. Nodes that compile to nothing are dropped; an empty
// result means no WHERE clause at all.
func Where(nodes []filter.Node, args *[]any) (string, error) {
	var conditions []string
	for _, n := range nodes {
		sql, err := compileNode(n, args)
		if err != nil {
			return "", err
		}
		if sql != "" {
			conditions = append(conditions, sql)
		}
	}
	return strings.Join(conditions, " AND "), nil
}

func compileNode(n filter.Node, args *[]any) (string, error) {
	switch node := n.(type) {
	case filter.Comparison:
		return compileComparison(node, args)
	case *filter.Comparison:
		return compileComparison(*node, args)
	case filter.Group:
		return compileGroup(node, args)
	case *filter.Group:
		return compileGroup(*node, args)
	default:
		return "", fmt.Errorf("unsupported filter node type: %T", n)
	}
}

func compileGroup(g filter.Group, args *[]any) (string, error) {
	joiner := " AND "
	if g.Op == filter.Or || g.Op == filter.Nor {
		joiner = " OR "
	}

	var children []string
	for _, child := range g.Children {
		sql, err := compileNode(child, args)
		if err != nil {
			return "", err
		}
		if sql != "" {
			children = append(children, sql)
		}
	}
	if len(children) == 0 {
		return "", nil
	}

	sql := "(" + strings.Join(children, joiner) + ")"
	if g.Op == filter.Nand || g.Op == filter.Nor {
		sql = "NOT " + sql
	}
	return sql, nil
}

func compileComparison(c filter.Comparison, args *[]any) (string, error) {
	if err := validIdent(c.Column); err != nil {
		return "", err
	}
	col := quoteIdent(c.Column)

	switch c.Op {
	case filter.Eq, filter.Ne, filter.Lt, filter.Lte, filter.Gt, filter.Gte:
		operand, err := writeOperand(c.Operand, args)
		if err != nil {
			return "", err
		}
		return col + " " + cmpToken(c.Op) + " " + operand, nil

	case filter.EqFold, filter.NeFold:
		operand, err := writeOperand(c.Operand, args)
		if err != nil {
			return "", err
		}
		token := "="
		if c.Op == filter.NeFold {
			token = "!="
		}
		return fmt.Sprintf("LOWER(%s) %s LOWER(%s)", col, token, operand), nil

	case filter.Like, filter.NotLike:
		operand, err := writeOperand(c.Operand, args)
		if err != nil {
			return "", err
		}
		if c.Op == filter.NotLike {
			return col + " NOT LIKE " + operand, nil
		}
		return col + " LIKE " + operand, nil

	case filter.Contains, filter.NotContains:
		operand, err := writeOperand(c.Operand, args)
		if err != nil {
			return "", err
		}
		pattern := fmt.Sprintf("CONCAT('%%', %s, '%%')", operand)
		if c.Op == filter.NotContains {
			return col + " NOT LIKE " + pattern, nil
		}
		return col + " LIKE " + pattern, nil

	case filter.Regexp, filter.NotRegexp:
		operand, err := writeOperand(c.Operand, args)
		if err != nil {
			return "", err
		}
		if c.Op == filter.NotRegexp {
			return col + " NOT REGEXP " + operand, nil
		}
		return col + " REGEXP " + operand, nil

	case filter.HashEq:
		operand, err := writeOperand(c.Operand, args)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("MD5(%s) = %s", col, operand), nil

	case filter.Null:
		return col + " IS NULL", nil
	case filter.NotNull:
		return col + " IS NOT NULL", nil

	case filter.In, filter.NotIn:
		return compileMembership(col, c.Op, c.Operand, args)

	default:
		return "", fmt.Errorf("%w: %v", ErrUnknownOperator, c.Op)
	}
}

func cmpToken(op filter.Op) string {
	switch op {
	case filter.Ne:
		return "!="
	case filter.Lt:
		return "<"
	case filter.Lte:
		return "<="
	case filter.Gt:
		return ">"
	case filter.Gte:
		return ">="
	default:
		return "="
	}
}

// compileMembership handles In/NotIn over a value list or a subquery.
//
// In over an empty list matches nothing and compiles to FALSE. NotIn
// over an empty list contributes no predicate at all: not-in-nothing
// matches everything. Both halves are pinned by tests.
func compileMembership(col string, op filter.Op, operand any, args *[]any) (string, error) {
	token := "IN"
	if op == filter.NotIn {
		token = "NOT IN"
	}

	if sub, ok := operand.(filter.Subquery); ok {
		sql, subArgs, err := sub.Subquery()
		if err != nil {
			return "", fmt.Errorf("compile subquery: %w", err)
		}
		*args = append(*args, subArgs...)
		return fmt.Sprintf("%s %s (%s)", col, token, sql), nil
	}

	values := toSlice(operand)
	if len(values) == 0 {
		if op == filter.NotIn {
			return "", nil
		}
		return "FALSE", nil
	}

	placeholders := make([]string, 0, len(values))
	for _, v := range values {
		operandSQL, err := writeOperand(v, args)
		if err != nil {
			return "", err
		}
		placeholders = append(placeholders, operandSQL)
	}
	return fmt.Sprintf("%s %s (%s)", col, token, strings.Join(placeholders, ", ")), nil
}

// writeOperand renders one operand, appending bound args as needed.
// Column sentinels become raw quoted identifiers, booleans become 1/0
// literals, entity references resolve to their id, subqueries embed
// parenthesized with their args spliced in, and everything else binds
// through a placeholder.
func writeOperand(v any, args *[]any) (string, error) {
	switch operand := v.(type) {
	case filter.Column:
		if err := validIdent(string(operand)); err != nil {
			return "", err
		}
		return quoteIdent(string(operand)), nil
	case bool:
		if operand {
			return "1", nil
		}
		return "0", nil
	case filter.Reference:
		id, ok := operand.ReferenceID()
		if !ok {
			return "", fmt.Errorf("operand entity has no id")
		}
		*args = append(*args, id)
		return "?", nil
	case filter.Subquery:
		sql, subArgs, err := operand.Subquery()
		if err != nil {
			return "", fmt.Errorf("compile subquery: %w", err)
		}
		*args = append(*args, subArgs...)
		return "(" + sql + ")", nil
	default:
		*args = append(*args, v)
		return "?", nil
	}
}

func selectColumns(opts SelectOptions) (string, error) {
	if opts.Count {
		return "COUNT(*) AS `count`", nil
	}
	if len(opts.Columns) == 0 {
		return "*", nil
	}

	quoted := make([]string, len(opts.Columns))
	for i, col := range opts.Columns {
		// Columns with spaces or backticks (and the wildcard) pass
		// through as raw SQL.
		if col == "*" || strings.ContainsAny(col, " `") {
			quoted[i] = col
			continue
		}
		if err := validIdent(col); err != nil {
			return "", err
		}
		quoted[i] = quoteIdent(col)
	}
	return strings.Join(quoted, ", "), nil
}

func orderBy(entries []filter.OrderBy) (string, error) {
	if len(entries) == 0 {
		return "", nil
	}
	parts := make([]string, len(entries))
	for i, entry := range entries {
		if entry.Key == filter.RandomKey {
			parts[i] = "RAND()"
			continue
		}
		if err := validIdent(entry.Key); err != nil {
			return "", err
		}
		parts[i] = quoteIdent(entry.Key)
		if entry.Desc {
			parts[i] += " DESC"
		}
	}
	return strings.Join(parts, ", "), nil
}

func limit(limit, offset int) string {
	if limit <= 0 && offset <= 0 {
		return ""
	}
	limitText := noLimit
	if limit > 0 {
		limitText = fmt.Sprintf("%d", limit)
	}
	if offset > 0 {
		return fmt.Sprintf("LIMIT %d, %s", offset, limitText)
	}
	return "LIMIT " + limitText
}

func validIdent(name string) error {
	if name == "" {
		return ErrEmptyIdentifier
	}
	if strings.ContainsRune(name, '?') {
		return fmt.Errorf("%w: %q", ErrReservedRune, name)
	}
	return nil
}

// quoteIdent quotes an identifier for MySQL
func quoteIdent(name string) string {
	return "`" + name + "`"
}

// toSlice normalizes a membership operand to []any. Non-slice operands
// are treated as a single-element list.
func toSlice(v any) []any {
	if v == nil {
		return nil
	}
	if vs, ok := v.([]any); ok {
		return vs
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return []any{v}
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out
}
