package fusion

import (
	"strconv"
	"strings"
)

// RenameEntry replaces every identifier token equal to entry with
// entry_<ordinal>. Comments, string and character literals are left alone,
// as are identifiers that merely contain entry.
func RenameEntry(src, entry string, ordinal int) string {
	return replaceIdent(src, entry, entry+"_"+strconv.Itoa(ordinal))
}

// StripSuffix reverses RenameEntry.
func StripSuffix(src, entry string, ordinal int) string {
	return replaceIdent(src, entry+"_"+strconv.Itoa(ordinal), entry)
}

func isIdentByte(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
}

// replaceIdent rewrites identifier tokens equal to from. It understands
// enough C++ lexing to skip comments and literals, including raw strings.
func replaceIdent(src, from, to string) string {
	var b strings.Builder
	b.Grow(len(src))
	n := len(src)
	for i := 0; i < n; {
		c := src[i]
		switch {
		case c == '/' && i+1 < n && src[i+1] == '/':
			j := strings.IndexByte(src[i:], '\n')
			if j < 0 {
				j = n - i
			}
			b.WriteString(src[i : i+j])
			i += j
		case c == '/' && i+1 < n && src[i+1] == '*':
			j := strings.Index(src[i+2:], "*/")
			end := n
			if j >= 0 {
				end = i + 2 + j + 2
			}
			b.WriteString(src[i:end])
			i = end
		case c == '"' || c == '\'':
			end := skipQuoted(src, i)
			b.WriteString(src[i:end])
			i = end
		case isIdentByte(c):
			j := i
			for j < n && isIdentByte(src[j]) {
				j++
			}
			tok := src[i:j]
			if j < n && src[j] == '"' && isRawPrefix(tok) {
				end := skipRaw(src, j)
				b.WriteString(src[i:end])
				i = end
				continue
			}
			if tok == from {
				b.WriteString(to)
			} else {
				b.WriteString(tok)
			}
			i = j
		default:
			b.WriteByte(c)
			i++
		}
	}
	return b.String()
}

// skipQuoted returns the index just past the literal opening at i.
func skipQuoted(src string, i int) int {
	q := src[i]
	for j := i + 1; j < len(src); j++ {
		switch src[j] {
		case '\\':
			j++
		case q:
			return j + 1
		case '\n':
			return j
		}
	}
	return len(src)
}

// isRawPrefix reports whether tok is an encoding prefix ending in R.
func isRawPrefix(tok string) bool {
	switch tok {
	case "R", "LR", "uR", "UR", "u8R":
		return true
	}
	return false
}

// skipRaw returns the index just past the raw string whose quote is at i.
func skipRaw(src string, i int) int {
	open := strings.IndexByte(src[i:], '(')
	if open < 0 {
		return len(src)
	}
	delim := src[i+1 : i+open]
	end := strings.Index(src[i+open:], ")"+delim+"\"")
	if end < 0 {
		return len(src)
	}
	return i + open + end + len(delim) + 2
}
