// Package filter defines the predicate AST compiled by sqlgen.
package filter

// Op identifies a comparison operator. The set is closed: the compiler
// matches exhaustively and rejects anything it does not know.
type Op int

const (
	Eq Op = iota
	Ne
	EqFold // case-insensitive equals
	NeFold // case-insensitive not-equals
	Lt
	Lte
	Gt
	Gte
	Like
	NotLike
	Contains
	NotContains
	Regexp
	NotRegexp
	In
	NotIn
	Null
	NotNull
	HashEq // MD5(column) = value
)

var opNames = map[Op]string{
	Eq:          "eq",
	Ne:          "ne",
	EqFold:      "eqFold",
	NeFold:      "neFold",
	Lt:          "lt",
	Lte:         "lte",
	Gt:          "gt",
	Gte:         "gte",
	Like:        "like",
	NotLike:     "notLike",
	Contains:    "contains",
	NotContains: "notContains",
	Regexp:      "regexp",
	NotRegexp:   "notRegexp",
	In:          "in",
	NotIn:       "notIn",
	Null:        "null",
	NotNull:     "notNull",
	HashEq:      "hashEq",
}

func (op Op) String() string {
	if name, ok := opNames[op]; ok {
		return name
	}
	return "unknown"
}

// GroupOp identifies a logical combinator.
type GroupOp int

const (
	And GroupOp = iota
	Or
	Nand
	Nor
)

// Node is one node of a predicate tree: either a Comparison leaf or a
// Group of child nodes.
type Node interface {
	node()
}

// Comparison is a single column predicate.
type Comparison struct {
	Column  string
	Op      Op
	Operand any
}

func (Comparison) node() {}

// Group combines child predicates with a logical operator. A Group with
// no effective children contributes nothing to the compiled SQL.
type Group struct {
	Op       GroupOp
	Children []Node
}

func (Group) node() {}

// Column marks an operand as a raw column identifier. The compiler emits
// it as a quoted identifier instead of a bound placeholder.
type Column string

// Reference is implemented by entity values used as operands. The
// compiler resolves the reference to its identifier and binds that.
type Reference interface {
	ReferenceID() (int64, bool)
}

// Subquery is implemented by queries embeddable as operands. The
// returned SQL is parenthesized and its args spliced in positionally.
type Subquery interface {
	Subquery() (sql string, args []any, err error)
}

// Cond pairs an operator with its operand, for use as a map value in
// builder Where maps: Where(map[string]any{"age": filter.GtVal(21)}).
type Cond struct {
	Op      Op
	Operand any
}

// Comparison shorthands for Where maps.

func NotEq(v any) Cond      { return Cond{Ne, v} }
func GtVal(v any) Cond      { return Cond{Gt, v} }
func GteVal(v any) Cond     { return Cond{Gte, v} }
func LtVal(v any) Cond      { return Cond{Lt, v} }
func LteVal(v any) Cond     { return Cond{Lte, v} }
func LikeVal(p string) Cond { return Cond{Like, p} }
func ContainsVal(s any) Cond {
	return Cond{Contains, s}
}
func InList(vs ...any) Cond    { return Cond{In, vs} }
func NotInList(vs ...any) Cond { return Cond{NotIn, vs} }
func IsNull() Cond             { return Cond{Null, nil} }
func IsNotNull() Cond          { return Cond{NotNull, nil} }

// OrderBy is one sort directive. A Key equal to RandomKey compiles to a
// randomizing function call instead of an identifier.
type OrderBy struct {
	Key  string
	Desc bool
}

// RandomKey is the sort key sentinel for random ordering.
const RandomKey = "$random"
