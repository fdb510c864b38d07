package expr

import "strings"

// Preprocess translates the simple dialect's C-flavored operators into
// script-host syntax. String literals pass through untouched; everything
// else gets `->` as member access and C logical/comparison operators.
func Preprocess(src string) string {
	var b strings.Builder
	b.Grow(len(src) + 8)

	i := 0
	for i < len(src) {
		c := src[i]

		// Skip string literals verbatim.
		if c == '"' || c == '\'' {
			quote := c
			b.WriteByte(c)
			i++
			for i < len(src) {
				b.WriteByte(src[i])
				if src[i] == '\\' && i+1 < len(src) {
					i++
					b.WriteByte(src[i])
					i++
					continue
				}
				if src[i] == quote {
					i++
					break
				}
				i++
			}
			continue
		}

		switch {
		case c == '-' && i+1 < len(src) && src[i+1] == '>':
			b.WriteByte('.')
			i += 2
		case c == '!' && i+1 < len(src) && src[i+1] == '=':
			b.WriteString("~=")
			i += 2
		case c == '!':
			b.WriteString(" not ")
			i++
		case c == '&' && i+1 < len(src) && src[i+1] == '&':
			b.WriteString(" and ")
			i += 2
		case c == '|' && i+1 < len(src) && src[i+1] == '|':
			b.WriteString(" or ")
			i += 2
		default:
			b.WriteByte(c)
			i++
		}
	}

	return b.String()
}
