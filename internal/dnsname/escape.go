package dnsname

import (
	"fmt"
	"strings"

	"github.com/ldapdns/zonesync/internal/direrr"
)

// safe reports whether b can be copied verbatim into a directory escape
// string without ambiguity: [A-Za-z0-9._-].
func safe(b byte) bool {
	switch {
	case b >= 'a' && b <= 'z':
		return true
	case b >= 'A' && b <= 'Z':
		return true
	case b >= '0' && b <= '9':
		return true
	case b == '.' || b == '_' || b == '-':
		return true
	default:
		return false
	}
}

// EscapeToDirectory converts a master-file text label (as produced by
// dns_name_tostring/miekg's RR text form) into the directory's \HH hex
// escape form.
//
// WARNING: this mangles network-controlled input used to build DNs. Any
// ambiguity here can enable directory injection. Every byte outside
// [A-Za-z0-9._-] is emitted as \HH; a malformed master-file escape
// (a lone trailing backslash, or \DDD with out-of-range digits) is fatal.
func EscapeToDirectory(masterText string) (string, error) {
	var out strings.Builder
	out.Grow(len(masterText))

	runFirst := -1
	n := len(masterText)
	i := 0
	flushRun := func(end int) {
		if runFirst != -1 {
			out.WriteString(masterText[runFirst:end])
			runFirst = -1
		}
	}

	for i < n {
		c := masterText[i]
		if safe(c) {
			if runFirst == -1 {
				runFirst = i
			}
			i++
			continue
		}

		flushRun(i)

		var val byte
		if c != '\\' {
			val = c
			i++
		} else {
			if i+1 >= n {
				return "", fmt.Errorf("escaping %q: %w", masterText, direrr.ErrBadEscape)
			}
			if masterText[i+1] >= '0' && masterText[i+1] <= '9' {
				if i+3 >= n {
					return "", fmt.Errorf("escaping %q: %w", masterText, direrr.ErrBadEscape)
				}
				d1, d2, d3 := masterText[i+1], masterText[i+2], masterText[i+3]
				if d1 > '9' || d2 < '0' || d2 > '9' || d3 < '0' || d3 > '9' {
					return "", fmt.Errorf("escaping %q: %w", masterText, direrr.ErrBadEscape)
				}
				num := 100*int(d1-'0') + 10*int(d2-'0') + int(d3-'0')
				if num > 255 {
					return "", fmt.Errorf("escaping %q: %w", masterText, direrr.ErrBadEscape)
				}
				val = byte(num)
				i += 4
			} else {
				val = masterText[i+1]
				i += 2
			}
		}
		fmt.Fprintf(&out, "\\%02x", val)
	}
	flushRun(n)

	return out.String(), nil
}

// UnescapeFromDirectory is the inverse of EscapeToDirectory: it turns a
// directory \HH escaped string back into raw bytes (master-file text
// form, always re-escaping as \DDD).
//
// EscapeToDirectory only ever hex-escapes a byte that either was already
// unsafe, or arrived as an explicit master-file escape (\. or \DDD) on a
// byte that is otherwise safe, such as a literal dot meant to stay part
// of a label's text rather than be read as a label separator. Every \HH
// this function sees therefore came from one of those two cases, and
// both must round-trip back to an explicit escape — copying a decoded
// "safe" byte out verbatim would silently turn an escaped-dot-in-a-label
// back into an unescaped label separator, changing how the name splits.
func UnescapeFromDirectory(ldapEscaped string) (string, error) {
	var out strings.Builder
	n := len(ldapEscaped)
	for i := 0; i < n; {
		c := ldapEscaped[i]
		if c != '\\' {
			out.WriteByte(c)
			i++
			continue
		}
		if i+2 >= n {
			return "", fmt.Errorf("unescaping %q: %w", ldapEscaped, direrr.ErrBadEscape)
		}
		hi, lo := ldapEscaped[i+1], ldapEscaped[i+2]
		v, err := hexByte(hi, lo)
		if err != nil {
			return "", fmt.Errorf("unescaping %q: %w", ldapEscaped, direrr.ErrBadEscape)
		}
		fmt.Fprintf(&out, "\\%03d", v)
		i += 3
	}
	return out.String(), nil
}

func hexByte(hi, lo byte) (byte, error) {
	h, err := hexNibble(hi)
	if err != nil {
		return 0, err
	}
	l, err := hexNibble(lo)
	if err != nil {
		return 0, err
	}
	return h<<4 | l, nil
}

func hexNibble(b byte) (byte, error) {
	switch {
	case b >= '0' && b <= '9':
		return b - '0', nil
	case b >= 'a' && b <= 'f':
		return b - 'a' + 10, nil
	case b >= 'A' && b <= 'F':
		return b - 'A' + 10, nil
	default:
		return 0, fmt.Errorf("invalid hex digit %q", b)
	}
}
