// Copyright 2016 Google Inc. All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ursa implements a content-addressed n-gram search engine over raw
// byte corpora: on-disk posting indexes keyed by 24-bit "trigrams", the
// sorted-set arithmetic over their postings, and the query-graph evaluator
// that turns a byte pattern with wildcards into a safe over-approximation of
// the files that could contain it.
package ursa

import "fmt"

// NumTrigrams is the size of the trigram namespace shared by every index
// type: 2^24 possible 24-bit keys, regardless of how many raw bytes a given
// generator folds into one.
const NumTrigrams = 1 << 24

// TrigramMask keeps only the low 24 bits of a packed gram.
const TrigramMask = NumTrigrams - 1

// FileId is a dataset-local, dense identifier assigned at index time
// starting from 0. It is stable for the lifetime of the dataset that
// produced it.
type FileId uint32

// TriGram is a 24-bit posting-list key. Different IndexTypes pack 3, 4, or 8
// raw bytes into those 24 bits via different generators (see gram3, text4,
// hash4, wide8 below).
type TriGram uint32

// IndexType selects the byte-window-to-TriGram mapping used by one posting
// file within a dataset.
type IndexType uint32

const (
	// GRAM3 packs 3 consecutive bytes big-endian into 24 bits with no
	// character filter.
	GRAM3 IndexType = 1
	// TEXT4 packs 4 consecutive bytes restricted to a 64-symbol
	// base64-like alphabet, 6 bits each.
	TEXT4 IndexType = 2
	// HASH4 XOR-folds two overlapping GRAM3 windows from a 4-byte span.
	HASH4 IndexType = 3
	// WIDE8 reads 4 alphabet symbols interleaved with NUL bytes, as in
	// ASCII encoded UTF-16LE.
	WIDE8 IndexType = 4
)

func (t IndexType) String() string {
	switch t {
	case GRAM3:
		return "gram3"
	case TEXT4:
		return "text4"
	case HASH4:
		return "hash4"
	case WIDE8:
		return "wide8"
	default:
		return fmt.Sprintf("indextype(%d)", uint32(t))
	}
}

// ParseIndexType maps a grammar keyword (spec §6 "gram3 | text4 | hash4 |
// wide8") to its IndexType.
func ParseIndexType(s string) (IndexType, error) {
	switch s {
	case "gram3":
		return GRAM3, nil
	case "text4":
		return TEXT4, nil
	case "hash4":
		return HASH4, nil
	case "wide8":
		return WIDE8, nil
	default:
		return 0, fmt.Errorf("unknown index type %q", s)
	}
}

// AllIndexTypes is the canonical order IndexTypes are iterated and stored
// in manifests.
var AllIndexTypes = []IndexType{GRAM3, TEXT4, HASH4, WIDE8}

// WindowSize returns the number of raw bytes a generator of this type folds
// into one TriGram.
func (t IndexType) WindowSize() int {
	switch t {
	case GRAM3:
		return 3
	case TEXT4, HASH4:
		return 4
	case WIDE8:
		return 8
	default:
		return 0
	}
}

// gram3Pack packs 3 bytes big-endian into the low 24 bits of a TriGram, as
// in spec.md S1: gram3Pack(0xAA,0xBB,0xCC) == 0xAABBCC.
func gram3Pack(a, b, c byte) TriGram {
	return TriGram(a)<<16 | TriGram(b)<<8 | TriGram(c)
}

// text4Code maps each byte of the 64-symbol charset TEXT4 windows are
// restricted to, [A-Za-z0-9 \n], to its 6-bit code so 4 bytes pack into 24
// bits; every other byte maps to -1.
var text4Code [256]int8

func init() {
	for i := range text4Code {
		text4Code[i] = -1
	}
	idx := int8(0)
	assign := func(b byte) {
		text4Code[b] = idx
		idx++
	}
	for c := byte('A'); c <= 'Z'; c++ {
		assign(c)
	}
	for c := byte('a'); c <= 'z'; c++ {
		assign(c)
	}
	for c := byte('0'); c <= '9'; c++ {
		assign(c)
	}
	assign(' ')
	assign('\n')
}

// text4Valid reports whether b is a member of the TEXT4 alphabet.
func text4Valid(b byte) bool {
	return text4Code[b] >= 0
}

// text4Pack packs 4 alphabet bytes into 24 bits, 6 bits each, most
// significant symbol first. Caller must have validated all 4 bytes.
func text4Pack(a, b, c, d byte) TriGram {
	return TriGram(text4Code[a])<<18 | TriGram(text4Code[b])<<12 |
		TriGram(text4Code[c])<<6 | TriGram(text4Code[d])
}

// hash4Pack XOR-folds two overlapping 3-byte windows of a 4-byte span, per
// spec §3: gram3(a,b,c) XOR gram3(b,c,d).
func hash4Pack(a, b, c, d byte) TriGram {
	return gram3Pack(a, b, c) ^ gram3Pack(b, c, d)
}

// Generator streams the TriGrams a byte buffer produces under one
// IndexType, calling emit once per window (duplicates are not
// deduplicated here; that is the builder's job, spec §4.1/§4.3).
type Generator func(data []byte, emit func(TriGram))

// GeneratorFor returns the n-gram generator for t.
func GeneratorFor(t IndexType) Generator {
	switch t {
	case GRAM3:
		return genGram3
	case TEXT4:
		return genText4
	case HASH4:
		return genHash4
	case WIDE8:
		return genWide8
	default:
		panic(fmt.Sprintf("ursa: no generator for %v", t))
	}
}

func genGram3(data []byte, emit func(TriGram)) {
	if len(data) < 3 {
		return
	}
	for i := 0; i+3 <= len(data); i++ {
		emit(gram3Pack(data[i], data[i+1], data[i+2]))
	}
}

func genText4(data []byte, emit func(TriGram)) {
	if len(data) < 4 {
		return
	}
	run := 0
	for i := 0; i < len(data); i++ {
		if text4Valid(data[i]) {
			run++
		} else {
			run = 0
		}
		if run >= 4 {
			emit(text4Pack(data[i-3], data[i-2], data[i-1], data[i]))
		}
	}
}

func genHash4(data []byte, emit func(TriGram)) {
	if len(data) < 4 {
		return
	}
	for i := 0; i+4 <= len(data); i++ {
		emit(hash4Pack(data[i], data[i+1], data[i+2], data[i+3]))
	}
}

// genWide8 reads 8 bytes as 4 alphabet symbols interleaved with NUL bytes
// (ASCII text encoded as UTF-16LE); any mismatch means that window produces
// no gram, per spec §3. Unlike genText4 this does not need to track
// a running validity streak: each 8-byte window is independently checked,
// since a byte that is a valid symbol at an even offset is simply not part
// of the alphabet check at an odd offset.
func genWide8(data []byte, emit func(TriGram)) {
	if len(data) < 8 {
		return
	}
	for i := 0; i+8 <= len(data); i++ {
		if data[i+1] != 0 || data[i+3] != 0 || data[i+5] != 0 || data[i+7] != 0 {
			continue
		}
		if !text4Valid(data[i]) || !text4Valid(data[i+2]) || !text4Valid(data[i+4]) || !text4Valid(data[i+6]) {
			continue
		}
		emit(text4Pack(data[i], data[i+2], data[i+4], data[i+6]))
	}
}
