package sqlgen

import (
	"fmt"
	"sort"
	"strings"

	"github.com/modelq/modelq/query/filter"
)

// Insert compiles an INSERT statement. Column order is sorted for
// deterministic placeholder binding.
func Insert(table string, values map[string]any) (*Query, error) {
	if table == "" {
		return nil, ErrNoTable
	}

	var parts []string
	var args []any

	parts = append(parts, "INSERT INTO "+quoteIdent(table))

	cols := sortedKeys(values)
	quoted := make([]string, len(cols))
	placeholders := make([]string, len(cols))
	for i, col := range cols {
		if err := validIdent(col); err != nil {
			return nil, err
		}
		quoted[i] = quoteIdent(col)
		placeholders[i] = "?"
		args = append(args, values[col])
	}
	if len(cols) > 0 {
		parts = append(parts, fmt.Sprintf("(%s)", strings.Join(quoted, ", ")))
		parts = append(parts, fmt.Sprintf("VALUES (%s)", strings.Join(placeholders, ", ")))
	} else {
		parts = append(parts, "() VALUES ()")
	}

	return &Query{SQL: strings.Join(parts, " "), Args: args}, nil
}

// Update compiles an UPDATE statement with sorted SET columns.
func Update(table string, set map[string]any, where []filter.Node) (*Query, error) {
	if table == "" {
		return nil, ErrNoTable
	}

	var parts []string
	var args []any

	parts = append(parts, "UPDATE "+quoteIdent(table))

	cols := sortedKeys(set)
	setParts := make([]string, len(cols))
	for i, col := range cols {
		if err := validIdent(col); err != nil {
			return nil, err
		}
		setParts[i] = quoteIdent(col) + " = ?"
		args = append(args, set[col])
	}
	parts = append(parts, "SET "+strings.Join(setParts, ", "))

	whereSQL, err := Where(where, &args)
	if err != nil {
		return nil, err
	}
	if whereSQL != "" {
		parts = append(parts, "WHERE "+whereSQL)
	}

	return &Query{SQL: strings.Join(parts, " "), Args: args}, nil
}

// Delete compiles a DELETE statement.
func Delete(table string, where []filter.Node) (*Query, error) {
	if table == "" {
		return nil, ErrNoTable
	}

	var parts []string
	var args []any

	parts = append(parts, "DELETE FROM "+quoteIdent(table))

	whereSQL, err := Where(where, &args)
	if err != nil {
		return nil, err
	}
	if whereSQL != "" {
		parts = append(parts, "WHERE "+whereSQL)
	} else {
		// Safety: require WHERE clause for DELETE
		parts = append(parts, "WHERE 1=0")
	}

	return &Query{SQL: strings.Join(parts, " "), Args: args}, nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
