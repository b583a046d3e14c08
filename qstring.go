package ursa

// QToken is one position in a QString: the set of concrete byte values a
// literal, hex wildcard, or alternative group could take at that position
// (spec §4.5). Values are kept sorted ascending so two tokens with the same
// option set compare equal.
type QToken struct {
	values []byte
}

// SingleByteToken matches exactly one byte value.
func SingleByteToken(v byte) QToken {
	return QToken{values: []byte{v}}
}

// LowWildcardToken matches the hex pattern "H?": high nibble fixed to the
// high nibble of base, low nibble arbitrary. base's low nibble must be 0.
func LowWildcardToken(base byte) QToken {
	opts := make([]byte, 16)
	for i := range opts {
		opts[i] = base | byte(i)
	}
	return QToken{values: opts}
}

// HighWildcardToken matches the hex pattern "?H": low nibble fixed to
// base's low nibble, high nibble arbitrary. base's high nibble must be 0.
func HighWildcardToken(base byte) QToken {
	opts := make([]byte, 16)
	for i := range opts {
		opts[i] = byte(i<<4) | base
	}
	return QToken{values: opts}
}

// FullWildcardToken matches the hex pattern "??": any byte value.
func FullWildcardToken() QToken {
	opts := make([]byte, 256)
	for i := range opts {
		opts[i] = byte(i)
	}
	return QToken{values: opts}
}

// AlternativeToken matches an explicit hex wildcard alternative group such
// as "(11|22|33)". values need not be pre-sorted.
func AlternativeToken(values []byte) QToken {
	cp := append([]byte(nil), values...)
	for i := 1; i < len(cp); i++ {
		for j := i; j > 0 && cp[j] < cp[j-1]; j-- {
			cp[j], cp[j-1] = cp[j-1], cp[j]
		}
	}
	return QToken{values: cp}
}

// PossibleValues returns the byte values this token can take, ascending.
func (t QToken) PossibleValues() []byte { return t.values }

// NumPossibleValues is len(PossibleValues()); used by the MAX_EDGE/MAX_NGRAM
// heuristics in BuildQueryGraph.
func (t QToken) NumPossibleValues() int { return len(t.values) }

// QString is a parsed query literal: a sequence of QTokens, one per byte
// position, possibly carrying wildcards or alternatives (spec §4.5).
type QString []QToken

// PlaintextQString builds a QString of single-valued tokens from literal
// bytes, the form any non-wildcard term in the grammar produces.
func PlaintextQString(data []byte) QString {
	out := make(QString, len(data))
	for i, b := range data {
		out[i] = SingleByteToken(b)
	}
	return out
}
