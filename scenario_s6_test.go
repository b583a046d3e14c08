package ursa

import "testing"

// TestScenarioS6HexWildcards reproduces spec.md's S6 scenario: nibble
// wildcards in the middle position of a 3-byte pattern, evaluated over a
// GRAM3 index of single-trigram payloads.
func TestScenarioS6HexWildcards(t *testing.T) {
	payloads := map[FileId]string{
		0: "MSM",     // 4D 53 4D
		1: "M\x00M",  // 4D 00 4D
		2: "MxM",     // 4D 78 4D
		3: "M\x13Mz", // 4D 13 4D: low nibble 3, high nibble 1
	}

	runs := make(map[TriGram][]FileId)
	for fid := FileId(0); fid < FileId(len(payloads)); fid++ {
		genGram3([]byte(payloads[fid]), func(g TriGram) {
			ids := runs[g]
			if len(ids) == 0 || ids[len(ids)-1] != fid {
				runs[g] = append(ids, fid)
			}
		})
	}

	mf := buildMemIndex(t, GRAM3, runs)
	ix, err := OpenOnDiskIndex(mf)
	if err != nil {
		t.Fatalf("OpenOnDiskIndex: %v", err)
	}
	defer ix.Close()

	query := func(middle QToken) []FileId {
		qstr := QString{SingleByteToken(0x4D), middle, SingleByteToken(0x4D)}
		res, err := ix.QueryString(qstr)
		if err != nil {
			t.Fatalf("QueryString: %v", err)
		}
		if res.IsEverything() {
			t.Fatal("QueryString returned everything for a fully constrained pattern")
		}
		return mustDecodeRun(res.Run())
	}

	// { 4D ?? 4D }: any middle byte; every payload matches.
	if got := query(FullWildcardToken()); !equalIds(got, ids(0, 1, 2, 3)) {
		t.Errorf("{4D ?? 4D} = %v, want [0 1 2 3]", got)
	}

	// { 4D 5? 4D }: high nibble fixed to 5; only "MSM" (0x53) matches.
	if got := query(LowWildcardToken(0x50)); !equalIds(got, ids(0)) {
		t.Errorf("{4D 5? 4D} = %v, want [0]", got)
	}

	// { 4D ?3 4D }: low nibble fixed to 3, high nibble arbitrary; both
	// 0x13 ("M\x13M") and 0x53 ('S', "MSM") match.
	if got := query(HighWildcardToken(0x03)); !equalIds(got, ids(0, 3)) {
		t.Errorf("{4D ?3 4D} = %v, want [0 3]", got)
	}

	// An explicit alternative set behaves like a small wildcard.
	if got := query(AlternativeToken([]byte{0x00, 0x78})); !equalIds(got, ids(1, 2)) {
		t.Errorf("{4D (00|78) 4D} = %v, want [1 2]", got)
	}
}
