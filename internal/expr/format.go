package expr

import (
	"strings"

	"github.com/spyglass-dap/spyglass/internal/backend"
)

// formatSuffixes maps the one-letter display suffix to its format.
var formatSuffixes = map[byte]backend.Format{
	'x': backend.FormatHex,
	'h': backend.FormatHex,
	'd': backend.FormatDecimal,
	'o': backend.FormatOctal,
	'b': backend.FormatBinary,
	'f': backend.FormatFloat,
	'p': backend.FormatPointer,
	'u': backend.FormatUnsigned,
	's': backend.FormatCString,
	'y': backend.FormatBytes,
	'Y': backend.FormatBytesWithASCII,
}

// SplitFormatSuffix strips a trailing ",x"-style display suffix from an
// expression. The suffix overrides the display format for one evaluation;
// anything not matching a known suffix stays part of the expression.
func SplitFormatSuffix(expr string) (string, backend.Format, bool) {
	if len(expr) < 3 || expr[len(expr)-2] != ',' {
		return expr, backend.FormatDefault, false
	}
	f, ok := formatSuffixes[expr[len(expr)-1]]
	if !ok {
		return expr, backend.FormatDefault, false
	}
	return strings.TrimRight(expr[:len(expr)-2], " "), f, true
}

// ParseFormat parses a display-settings format name.
func ParseFormat(s string) (backend.Format, bool) {
	switch s {
	case "auto", "":
		return backend.FormatDefault, true
	case "hex":
		return backend.FormatHex, true
	case "decimal":
		return backend.FormatDecimal, true
	case "binary":
		return backend.FormatBinary, true
	default:
		return backend.FormatDefault, false
	}
}
