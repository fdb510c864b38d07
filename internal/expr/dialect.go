package expr

import (
	"fmt"
	"strings"
)

// Dialect selects how an expression string is evaluated.
type Dialect int

const (
	// DialectSimple is the C-flavored convenience syntax, preprocessed
	// and run on the script host.
	DialectSimple Dialect = iota
	// DialectLua is a raw script-host chunk.
	DialectLua
	// DialectNative is the backend's own expression language.
	DialectNative
)

// String returns the configuration name of the dialect.
func (d Dialect) String() string {
	switch d {
	case DialectSimple:
		return "simple"
	case DialectLua:
		return "lua"
	case DialectNative:
		return "native"
	default:
		return "unknown"
	}
}

// ParseDialect parses a configuration value into a Dialect.
func ParseDialect(s string) (Dialect, error) {
	switch s {
	case "simple":
		return DialectSimple, nil
	case "lua":
		return DialectLua, nil
	case "native":
		return DialectNative, nil
	default:
		return DialectSimple, fmt.Errorf("unknown expression dialect %q", s)
	}
}

// Dialect prefixes. The prefix includes the trailing space; anything else
// is part of the expression.
const (
	prefixNative = "/nat "
	prefixLua    = "/lua "
	prefixSimple = "/se "
)

// Classify splits an expression into its dialect and body. Expressions
// without an explicit prefix use the session default.
func Classify(expr string, dflt Dialect) (Dialect, string) {
	switch {
	case strings.HasPrefix(expr, prefixNative):
		return DialectNative, expr[len(prefixNative):]
	case strings.HasPrefix(expr, prefixLua):
		return DialectLua, expr[len(prefixLua):]
	case strings.HasPrefix(expr, prefixSimple):
		return DialectSimple, expr[len(prefixSimple):]
	default:
		return dflt, expr
	}
}
