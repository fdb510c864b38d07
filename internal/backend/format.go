package backend

// Format selects how a scalar value is rendered.
type Format int

const (
	FormatDefault Format = iota
	FormatHex
	FormatDecimal
	FormatOctal
	FormatBinary
	FormatFloat
	FormatPointer
	FormatUnsigned
	FormatCString
	FormatBytes
	FormatBytesWithASCII
)

// String returns a string representation of the format.
func (f Format) String() string {
	switch f {
	case FormatDefault:
		return "default"
	case FormatHex:
		return "hex"
	case FormatDecimal:
		return "decimal"
	case FormatOctal:
		return "octal"
	case FormatBinary:
		return "binary"
	case FormatFloat:
		return "float"
	case FormatPointer:
		return "pointer"
	case FormatUnsigned:
		return "unsigned"
	case FormatCString:
		return "c-string"
	case FormatBytes:
		return "bytes"
	case FormatBytesWithASCII:
		return "bytes-with-ascii"
	default:
		return "unknown"
	}
}
