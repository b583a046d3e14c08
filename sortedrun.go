package ursa

import "fmt"

// SortedRun is a sorted, strictly increasing sequence of FileIds, held
// either as a decoded slice or as a varint-delta encoded byte block (spec
// §4.1). Operations decompress lazily on first use; their output is always
// an uncompressed SortedRun.
type SortedRun struct {
	decoded    []FileId
	compressed []byte
}

// NewSortedRun wraps an already-decoded, strictly ascending slice of
// FileIds. The slice is not copied; callers must not mutate it afterwards.
func NewSortedRun(ids []FileId) SortedRun {
	return SortedRun{decoded: ids}
}

// newCompressedSortedRun wraps a varint-delta encoded byte block, decoded
// lazily by Decode.
func newCompressedSortedRun(data []byte) SortedRun {
	return SortedRun{compressed: data}
}

// Decode returns the slice of FileIds this run holds, decompressing once if
// necessary.
func (r *SortedRun) Decode() ([]FileId, error) {
	if r.decoded != nil || r.compressed == nil {
		return r.decoded, nil
	}
	ids, err := readDeltaVarints(r.compressed)
	if err != nil {
		return nil, err
	}
	r.decoded = ids
	r.compressed = nil
	return r.decoded, nil
}

// MustDecode is Decode but panics on error; used where the bytes are known
// to come from a just-validated OnDiskIndex.
func (r *SortedRun) MustDecode() []FileId {
	ids, err := r.Decode()
	if err != nil {
		panic(err)
	}
	return ids
}

// Len reports the number of FileIds in the run, decompressing if needed.
func (r SortedRun) Len() int {
	return len(r.MustDecode())
}

// validate checks the invariants spec §4.1 requires on operation entry:
// values strictly ascending, no duplicates, and at most one of the two
// backing representations populated (an empty run has neither).
func (r SortedRun) validate() error {
	if r.decoded != nil && r.compressed != nil {
		return fmt.Errorf("ursa: SortedRun has both decoded and compressed representations")
	}
	for i := 1; i < len(r.decoded); i++ {
		if r.decoded[i] <= r.decoded[i-1] {
			return fmt.Errorf("ursa: SortedRun not strictly ascending at index %d: %d <= %d", i, r.decoded[i], r.decoded[i-1])
		}
	}
	return nil
}

// Union returns the set union of a and b (spec §4.1), commutative,
// associative and idempotent.
func Union(a, b SortedRun) SortedRun {
	av, bv := a.MustDecode(), b.MustDecode()
	out := make([]FileId, 0, len(av)+len(bv))
	i, j := 0, 0
	for i < len(av) && j < len(bv) {
		switch {
		case av[i] < bv[j]:
			out = append(out, av[i])
			i++
		case av[i] > bv[j]:
			out = append(out, bv[j])
			j++
		default:
			out = append(out, av[i])
			i++
			j++
		}
	}
	out = append(out, av[i:]...)
	out = append(out, bv[j:]...)
	return NewSortedRun(out)
}

// Intersect returns the set intersection of a and b (spec §4.1).
func Intersect(a, b SortedRun) SortedRun {
	av, bv := a.MustDecode(), b.MustDecode()
	out := make([]FileId, 0, minInt(len(av), len(bv)))
	i, j := 0, 0
	for i < len(av) && j < len(bv) {
		switch {
		case av[i] < bv[j]:
			i++
		case av[i] > bv[j]:
			j++
		default:
			out = append(out, av[i])
			i++
			j++
		}
	}
	return NewSortedRun(out)
}

// PickCommon returns the FileIds that appear in at least k of sources (spec
// §4.1). It sweeps all sources in parallel, repeatedly taking the minimum
// current head, counting how many heads equal it, and emitting the value
// iff that count is >= k. It short-circuits once fewer than k sources
// remain (the remaining sources collectively can no longer reach the
// threshold).
//
// PickCommon(1, xs) == Union of xs; PickCommon(len(xs), xs) == Intersect of
// all of xs; PickCommon is monotonically non-increasing in k.
func PickCommon(k int, sources []SortedRun) SortedRun {
	if k <= 0 {
		panic("ursa: PickCommon requires k >= 1")
	}
	decoded := make([][]FileId, len(sources))
	pos := make([]int, len(sources))
	remaining := 0
	for i := range sources {
		decoded[i] = sources[i].MustDecode()
		if len(decoded[i]) > 0 {
			remaining++
		}
	}

	var out []FileId
	for remaining >= k {
		// Find the minimum head among sources that still have elements.
		haveMin := false
		var min FileId
		for i := range decoded {
			if pos[i] >= len(decoded[i]) {
				continue
			}
			v := decoded[i][pos[i]]
			if !haveMin || v < min {
				min = v
				haveMin = true
			}
		}
		if !haveMin {
			break
		}

		count := 0
		for i := range decoded {
			if pos[i] < len(decoded[i]) && decoded[i][pos[i]] == min {
				pos[i]++
				count++
				if pos[i] == len(decoded[i]) {
					remaining--
				}
			}
		}
		if count >= k {
			out = append(out, min)
		}
	}
	return NewSortedRun(out)
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
