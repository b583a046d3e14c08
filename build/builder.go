// Package build implements the two in-memory index builders ursa's indexer
// drives while walking a corpus (spec §4.3): a packed-vector FlatIndexBuilder
// for the common case, and a dense-bitmap BitmapIndexBuilder for individual
// files too large for the flat representation's memory profile to stay
// cheap. Both emit the same ursa.OnDiskIndex binary format.
package build

import (
	"fmt"
	"sort"

	"github.com/RoaringBitmap/roaring"
	"github.com/sourcegraph/ursa"
)

// IndexBuilder is the common interface ursa.Indexer drives regardless of
// which concrete strategy is backing a given IndexType (spec §4.3/§9 "two
// concrete implementations behind a small trait").
type IndexBuilder interface {
	// AddFile folds data's n-grams (under this builder's IndexType) into the
	// builder's in-memory state under FileId fid. fid must be the next
	// unused FileId for this builder (dense, starting at 0).
	AddFile(fid ursa.FileId, data []byte) error

	// CanStillAdd reports whether the builder can accept approximately
	// addBytes more raw file content without exceeding its spill threshold.
	CanStillAdd(addBytes int64) bool

	// Save serializes the builder's accumulated state to dir/name.
	Save(dir, name string) error

	// Empty reports whether AddFile has been called since the last Clear.
	Empty() bool

	// Clear discards all accumulated state, readying the builder for reuse.
	Clear()

	// Type is the IndexType this builder produces postings for.
	Type() ursa.IndexType
}

// flatSpillEntries bounds a FlatIndexBuilder's accumulated entries: spec
// §4.3 "~10^8 entries (≈ 762 MiB)" — each packed entry is one uint64.
const flatSpillEntries = 100_000_000

// FlatIndexBuilder packs (TriGram<<40 | FileId) into a flat []uint64, radix
// sorts it on Save, and emits varint-delta runs — the builder of choice for
// small and medium files, where per-file memory cost scales with the
// content's n-gram count rather than with a fixed per-trigram allocation
// (spec §4.3).
type FlatIndexBuilder struct {
	typ     ursa.IndexType
	entries []uint64
	maxFid  ursa.FileId
	sawAny  bool
}

// NewFlatIndexBuilder constructs an empty FlatIndexBuilder for typ.
func NewFlatIndexBuilder(typ ursa.IndexType) *FlatIndexBuilder {
	return &FlatIndexBuilder{typ: typ}
}

func (b *FlatIndexBuilder) Type() ursa.IndexType { return b.typ }

func (b *FlatIndexBuilder) AddFile(fid ursa.FileId, data []byte) error {
	gen := ursa.GeneratorFor(b.typ)
	gen(data, func(t ursa.TriGram) {
		b.entries = append(b.entries, uint64(t)<<40|uint64(fid))
	})
	if !b.sawAny || fid > b.maxFid {
		b.maxFid = fid
	}
	b.sawAny = true
	return nil
}

// CanStillAdd estimates the worst case: one n-gram emitted per byte of
// addBytes (the densest possible generator, GRAM3, emits len(data)-2 grams
// per file). This is deliberately conservative; it is cheaper to spill a
// little early than to overshoot the documented ~762 MiB budget.
func (b *FlatIndexBuilder) CanStillAdd(addBytes int64) bool {
	return int64(len(b.entries))+addBytes <= flatSpillEntries
}

func (b *FlatIndexBuilder) Empty() bool { return !b.sawAny }

func (b *FlatIndexBuilder) Clear() {
	b.entries = nil
	b.maxFid = 0
	b.sawAny = false
}

// radixSort sorts entries by their full 64-bit value using an 8-pass LSD
// radix sort, skipping any pass whose byte is provably zero across every
// entry — true for the upper bytes of the 40-bit FileId field whenever
// maxFid fits in fewer than 5 bytes, which is the common case (spec §4.3).
// The three TriGram passes always run.
func radixSort(entries []uint64, maxFid ursa.FileId) []uint64 {
	if len(entries) == 0 {
		return entries
	}
	src := entries
	dst := make([]uint64, len(entries))
	var counts [256]int

	for pass := 0; pass < 8; pass++ {
		shift := uint(pass * 8)
		if pass < 5 && uint64(maxFid)>>shift == 0 {
			continue
		}
		for i := range counts {
			counts[i] = 0
		}
		for _, v := range src {
			counts[byte(v>>shift)]++
		}
		sum := 0
		for i := range counts {
			c := counts[i]
			counts[i] = sum
			sum += c
		}
		for _, v := range src {
			b := byte(v >> shift)
			dst[counts[b]] = v
			counts[b]++
		}
		src, dst = dst, src
	}
	return src
}

// Save radix-sorts the accumulated entries, stably dedups them, and streams
// the resulting trigram-ordered runs through ursa.WriteOnDiskIndex (spec
// §4.3).
func (b *FlatIndexBuilder) Save(dir, name string) error {
	sorted := radixSort(b.entries, b.maxFid)

	path := dir + "/" + pathJoinName(b.typ, name)
	return ursa.WriteOnDiskIndex(path, b.typ, func(yield func(ursa.TriGram, []ursa.FileId) error) error {
		i := 0
		for i < len(sorted) {
			t := ursa.TriGram(sorted[i] >> 40)
			j := i
			var ids []ursa.FileId
			var lastFid ursa.FileId
			sawFid := false
			for j < len(sorted) && ursa.TriGram(sorted[j]>>40) == t {
				fid := ursa.FileId(sorted[j] & 0xFFFFFFFFFF)
				if !sawFid || fid != lastFid {
					ids = append(ids, fid)
					lastFid = fid
					sawFid = true
				}
				j++
			}
			if err := yield(t, ids); err != nil {
				return err
			}
			i = j
		}
		return nil
	})
}

func pathJoinName(t ursa.IndexType, name string) string {
	return t.String() + "." + name
}

// bitmapMaxFiles bounds how many files one BitmapIndexBuilder spill may
// hold: spec §4.3 "up to 64 files per spill" — the posting bit-width is
// fixed at instantiation (file_run_size = 64/8 bytes per trigram), so a
// 65th file has nowhere to set a bit.
const bitmapMaxFiles = 64

// bitmapFileSizeThreshold is the per-file size (spec §4.3 "~20 MiB") above
// which ursa.build's Indexer routes a file to the bitmap builder instead of
// the flat one.
const bitmapFileSizeThreshold = 20 << 20

// BitmapIndexBuilder holds one roaring.Bitmap per TriGram, each bit
// representing "file i (0..63) produced this trigram" — memory cost is
// independent of file content size, which matters when files may be
// individually huge (spec §4.3). Backed by github.com/RoaringBitmap/roaring
// rather than a hand-rolled byte array, per SPEC_FULL.md §4.11.
type BitmapIndexBuilder struct {
	typ     ursa.IndexType
	bitmaps map[ursa.TriGram]*roaring.Bitmap
	nFiles  int
}

// NewBitmapIndexBuilder constructs an empty BitmapIndexBuilder for typ.
func NewBitmapIndexBuilder(typ ursa.IndexType) *BitmapIndexBuilder {
	return &BitmapIndexBuilder{typ: typ, bitmaps: make(map[ursa.TriGram]*roaring.Bitmap)}
}

func (b *BitmapIndexBuilder) Type() ursa.IndexType { return b.typ }

func (b *BitmapIndexBuilder) AddFile(fid ursa.FileId, data []byte) error {
	if int(fid) >= bitmapMaxFiles {
		return fmt.Errorf("ursa/build: bitmap builder file id %d exceeds max %d files per spill", fid, bitmapMaxFiles)
	}
	gen := ursa.GeneratorFor(b.typ)
	gen(data, func(t ursa.TriGram) {
		bm, ok := b.bitmaps[t]
		if !ok {
			bm = roaring.NewBitmap()
			b.bitmaps[t] = bm
		}
		bm.Add(uint32(fid))
	})
	if int(fid)+1 > b.nFiles {
		b.nFiles = int(fid) + 1
	}
	return nil
}

// CanStillAdd reports whether this builder has room for one more file.
// Resolves spec.md §9 Open Question 1: rather than erroring when the
// BitmapIndexBuilder max-files is exceeded mid-add, the indexer checks
// CanStillAdd before calling AddFile and spills pre-emptively.
func (b *BitmapIndexBuilder) CanStillAdd(addBytes int64) bool {
	return b.nFiles < bitmapMaxFiles
}

func (b *BitmapIndexBuilder) Empty() bool { return b.nFiles == 0 }

func (b *BitmapIndexBuilder) Clear() {
	b.bitmaps = make(map[ursa.TriGram]*roaring.Bitmap)
	b.nFiles = 0
}

// Save iterates trigrams in ascending order, enumerating each bitmap's set
// bits into a sorted FileId list before handing it to the same
// varint-delta writer the flat builder uses (spec §4.3).
func (b *BitmapIndexBuilder) Save(dir, name string) error {
	trigrams := make([]ursa.TriGram, 0, len(b.bitmaps))
	for t := range b.bitmaps {
		trigrams = append(trigrams, t)
	}
	sort.Slice(trigrams, func(i, j int) bool { return trigrams[i] < trigrams[j] })

	path := dir + "/" + pathJoinName(b.typ, name)
	return ursa.WriteOnDiskIndex(path, b.typ, func(yield func(ursa.TriGram, []ursa.FileId) error) error {
		for _, t := range trigrams {
			arr := b.bitmaps[t].ToArray()
			ids := make([]ursa.FileId, len(arr))
			for i, v := range arr {
				ids[i] = ursa.FileId(v)
			}
			if err := yield(t, ids); err != nil {
				return err
			}
		}
		return nil
	})
}
