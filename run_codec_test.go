package ursa

import (
	"bytes"
	"testing"
	"testing/quick"
)

// TestWriteDeltaVarintsWorkedExample reproduces spec.md's S2 example
// byte-for-byte: write([1, 2, 5, 8, 265]) == 02 01 03 03 82 01.
func TestWriteDeltaVarintsWorkedExample(t *testing.T) {
	ids := []FileId{1, 2, 5, 8, 265}
	got := writeDeltaVarints(ids)
	want := []byte{0x02, 0x01, 0x03, 0x03, 0x82, 0x01}
	if !bytes.Equal(got, want) {
		t.Fatalf("writeDeltaVarints(%v) = % x, want % x", ids, got, want)
	}
}

func TestReadDeltaVarintsWorkedExample(t *testing.T) {
	data := []byte{0x02, 0x01, 0x03, 0x03, 0x82, 0x01}
	got, err := readDeltaVarints(data)
	if err != nil {
		t.Fatalf("readDeltaVarints: %v", err)
	}
	want := []FileId{1, 2, 5, 8, 265}
	if len(got) != len(want) {
		t.Fatalf("readDeltaVarints = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("id[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestRunCodecRoundTrip(t *testing.T) {
	f := func(deltas []uint16) bool {
		var ids []FileId
		var cur FileId
		for _, d := range deltas {
			cur += FileId(d) + 1 // keep strictly ascending
			ids = append(ids, cur)
		}
		encoded := writeDeltaVarints(ids)
		decoded, err := readDeltaVarints(encoded)
		if err != nil {
			t.Fatalf("readDeltaVarints(%x): %v", encoded, err)
		}
		if len(decoded) != len(ids) {
			return false
		}
		for i := range ids {
			if decoded[i] != ids[i] {
				return false
			}
		}
		return true
	}
	if err := quick.Check(f, nil); err != nil {
		t.Error(err)
	}
}

func TestWriteDeltaVarintsEmpty(t *testing.T) {
	if got := writeDeltaVarints(nil); got != nil {
		t.Errorf("writeDeltaVarints(nil) = % x, want nil", got)
	}
}

func TestGetVarintTruncated(t *testing.T) {
	if _, _, err := getVarint([]byte{0x82}); err == nil {
		t.Error("getVarint on truncated input succeeded, want error")
	}
}
