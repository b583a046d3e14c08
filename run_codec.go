package ursa

import "fmt"

// writeDeltaVarints encodes a strictly ascending list of FileIds as the
// varint-delta stream described in spec §3: the first value is biased by
// +1 (0 is an unused sentinel), every subsequent value is the delta from
// its predecessor, and each resulting integer is base-128 varint encoded,
// most-significant 7-bit group first (continuation bit in the MSB; see
// appendVarint).
//
// spec.md S2: writeDeltaVarints([1, 2, 5, 8, 265]) == 02 01 03 03 82 01.
func writeDeltaVarints(ids []FileId) []byte {
	if len(ids) == 0 {
		return nil
	}
	buf := make([]byte, 0, len(ids)*2)
	buf = appendVarint(buf, uint64(ids[0])+1)
	prev := ids[0]
	for _, id := range ids[1:] {
		buf = appendVarint(buf, uint64(id-prev))
		prev = id
	}
	return buf
}

// appendVarint appends v to buf as a base-128 varint: 7 bits of payload per
// byte, most-significant group first, continuation bit (MSB) set on every
// byte but the last (which carries the least-significant group). This
// matches spec.md S2 byte-for-byte: 257 encodes as 82 01, not 81 02 (the
// more common LSB-group-first convention).
func appendVarint(buf []byte, v uint64) []byte {
	var groups [10]byte // 64 bits / 7 bits per group, rounded up
	n := 0
	groups[0] = byte(v & 0x7f)
	v >>= 7
	n++
	for v > 0 {
		groups[n] = byte(v & 0x7f)
		v >>= 7
		n++
	}
	for i := n - 1; i >= 0; i-- {
		b := groups[i]
		if i != 0 {
			b |= 0x80
		}
		buf = append(buf, b)
	}
	return buf
}

// readDeltaVarints decodes the stream written by writeDeltaVarints back
// into the original strictly ascending FileId list (spec §8 property 1:
// read(write(v)) == v for any such v).
func readDeltaVarints(data []byte) ([]FileId, error) {
	var out []FileId
	var prev FileId
	first := true
	for len(data) > 0 {
		v, n, err := getVarint(data)
		if err != nil {
			return nil, err
		}
		data = data[n:]
		if first {
			if v == 0 {
				return nil, fmt.Errorf("ursa: run codec: leading value must be biased by +1, got sentinel 0")
			}
			prev = FileId(v - 1)
			first = false
		} else {
			prev = prev + FileId(v)
		}
		out = append(out, prev)
	}
	return out, nil
}

// getVarint decodes one base-128 varint (most-significant group first, see
// appendVarint) from the front of data, returning the value and the number
// of bytes consumed.
func getVarint(data []byte) (uint64, int, error) {
	var v uint64
	for i, b := range data {
		if i >= 10 {
			return 0, 0, fmt.Errorf("ursa: run codec: varint too long")
		}
		v = v<<7 | uint64(b&0x7f)
		if b&0x80 == 0 {
			return v, i + 1, nil
		}
	}
	return 0, 0, fmt.Errorf("ursa: run codec: truncated varint")
}
