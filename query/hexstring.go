package query

import (
	"fmt"
	"strings"

	"github.com/sourcegraph/ursa"
)

// parseHexString parses the contents of a "{ ... }" hex wildcard pattern
// (spec §6): a whitespace-separated sequence of hexbytes, where a hexbyte is
// two hex digits, a half-wildcard ("H?" or "?H"), a full wildcard ("??"), or
// a parenthesized alternation of hexbytes ("(11|22|?3)").
func parseHexString(inner string) (ursa.QString, error) {
	r := []rune(inner)
	pos := 0
	skipSpace := func() {
		for pos < len(r) && (r[pos] == ' ' || r[pos] == '\t' || r[pos] == '\n' || r[pos] == '\r') {
			pos++
		}
	}

	var out ursa.QString
	for {
		skipSpace()
		if pos >= len(r) {
			break
		}
		if r[pos] == '(' {
			pos++
			var values []byte
			for {
				skipSpace()
				start := pos
				for pos < len(r) && r[pos] != '|' && r[pos] != ')' {
					pos++
				}
				tok, err := parseHexByte(strings.TrimSpace(string(r[start:pos])))
				if err != nil {
					return nil, err
				}
				values = append(values, tok.PossibleValues()...)
				if pos < len(r) && r[pos] == '|' {
					pos++
					continue
				}
				break
			}
			if pos >= len(r) || r[pos] != ')' {
				return nil, fmt.Errorf("ursa/query: unterminated alternation group in hex string")
			}
			pos++
			out = append(out, ursa.AlternativeToken(values))
			continue
		}

		start := pos
		for pos < len(r) && r[pos] != ' ' && r[pos] != '\t' && r[pos] != '\n' && r[pos] != '\r' && r[pos] != '(' {
			pos++
		}
		tok, err := parseHexByte(string(r[start:pos]))
		if err != nil {
			return nil, err
		}
		out = append(out, tok)
	}
	return out, nil
}

// parseHexByte parses one two-character hexbyte: "HH", "H?", "?H", or "??".
func parseHexByte(s string) (ursa.QToken, error) {
	if len(s) != 2 {
		return ursa.QToken{}, fmt.Errorf("ursa/query: malformed hexbyte %q", s)
	}
	hi, loOK := s[0], s[1]

	hiWild := hi == '?'
	loWild := loOK == '?'

	switch {
	case hiWild && loWild:
		return ursa.FullWildcardToken(), nil
	case hiWild && !loWild:
		lo, err := hexDigit(loOK)
		if err != nil {
			return ursa.QToken{}, err
		}
		return ursa.HighWildcardToken(lo), nil
	case !hiWild && loWild:
		h, err := hexDigit(hi)
		if err != nil {
			return ursa.QToken{}, err
		}
		return ursa.LowWildcardToken(h << 4), nil
	default:
		h, err := hexDigit(hi)
		if err != nil {
			return ursa.QToken{}, err
		}
		l, err := hexDigit(loOK)
		if err != nil {
			return ursa.QToken{}, err
		}
		return ursa.SingleByteToken(h<<4 | l), nil
	}
}

func hexDigit(c byte) (byte, error) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', nil
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, nil
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, nil
	default:
		return 0, fmt.Errorf("ursa/query: invalid hex digit %q", c)
	}
}
