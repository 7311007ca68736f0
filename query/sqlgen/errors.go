package sqlgen

import "errors"

var (
	ErrEmptyIdentifier = errors.New("empty identifier")
	ErrReservedRune    = errors.New("identifier contains placeholder rune")
	ErrUnknownOperator = errors.New("unknown comparison operator")
	ErrNoTable         = errors.New("no table specified")
)
