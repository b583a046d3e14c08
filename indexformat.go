package ursa

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"
)

const (
	indexMagic    uint32 = 0x0CA7DA7A
	indexVersion  uint32 = 6
	indexHdrSize         = 16
	offsetEntries        = NumTrigrams + 1
	offsetsSize          = int64(offsetEntries) * 8

	// mergeBatchBudget bounds how many compressed run bytes, summed across
	// all inputs, are staged in memory for one batch of the streaming merge
	// (spec §4.2).
	mergeBatchBudget = 128 << 20
)

// OnDiskIndex is a memory-mapped, read-only view of one posting file: the
// concatenated varint-delta runs for every TriGram under one IndexType,
// trailed by a run_offsets[NUM_TRIGRAMS+1] lookup table (spec §3/§4.2).
type OnDiskIndex struct {
	file         RandomAccessFile
	typ          IndexType
	offsetsStart int64
}

func validateIndexHeader(hdr []byte) (IndexType, error) {
	if len(hdr) < indexHdrSize {
		return 0, fmt.Errorf("ursa: index header truncated")
	}
	if magic := binary.LittleEndian.Uint32(hdr[0:4]); magic != indexMagic {
		return 0, fmt.Errorf("ursa: bad index magic %#x", magic)
	}
	if version := binary.LittleEndian.Uint32(hdr[4:8]); version != indexVersion {
		return 0, fmt.Errorf("ursa: unsupported index version %d", version)
	}
	typ := IndexType(binary.LittleEndian.Uint32(hdr[8:12]))
	switch typ {
	case GRAM3, TEXT4, HASH4, WIDE8:
	default:
		return 0, fmt.Errorf("ursa: unknown index type %d", typ)
	}
	if reserved := binary.LittleEndian.Uint32(hdr[12:16]); reserved != 0 {
		return 0, fmt.Errorf("ursa: nonzero reserved header field %d", reserved)
	}
	return typ, nil
}

// OpenOnDiskIndex validates f's header and wraps it for run lookups. f must
// stay open and mapped for the lifetime of the returned *OnDiskIndex.
func OpenOnDiskIndex(f RandomAccessFile) (*OnDiskIndex, error) {
	hdr, err := f.ReadAt(0, indexHdrSize)
	if err != nil {
		return nil, fmt.Errorf("ursa: reading index header from %s: %w", f.Name(), err)
	}
	typ, err := validateIndexHeader(hdr)
	if err != nil {
		return nil, fmt.Errorf("ursa: %s: %w", f.Name(), err)
	}
	start := f.Size() - offsetsSize
	if start < indexHdrSize {
		return nil, fmt.Errorf("ursa: %s: too small to hold a run_offsets table", f.Name())
	}
	return &OnDiskIndex{file: f, typ: typ, offsetsStart: start}, nil
}

// Type reports the IndexType this file was built with.
func (ix *OnDiskIndex) Type() IndexType { return ix.typ }

// Close releases the underlying mapping.
func (ix *OnDiskIndex) Close() error { return ix.file.Close() }

// RunOffsets reads the two run_offsets(t) entries bracketing t's posting
// run: [start, end) in the body of the file (spec §4.2).
func (ix *OnDiskIndex) RunOffsets(t TriGram) (start, end uint64, err error) {
	if uint32(t) >= NumTrigrams {
		return 0, 0, fmt.Errorf("ursa: trigram %d out of range", t)
	}
	buf, err := ix.file.ReadAt(ix.offsetsStart+int64(t)*8, 16)
	if err != nil {
		return 0, 0, err
	}
	start = binary.LittleEndian.Uint64(buf[0:8])
	end = binary.LittleEndian.Uint64(buf[8:16])
	if end < start {
		return 0, 0, fmt.Errorf("ursa: corrupt run_offsets at trigram %d: end %d < start %d", t, end, start)
	}
	return start, end, nil
}

// Run returns the posting list for t, decoding it lazily.
func (ix *OnDiskIndex) Run(t TriGram) (SortedRun, error) {
	start, end, err := ix.RunOffsets(t)
	if err != nil {
		return SortedRun{}, err
	}
	if end == start {
		return NewSortedRun(nil), nil
	}
	data, err := ix.file.ReadAt(int64(start), int64(end-start))
	if err != nil {
		return SortedRun{}, err
	}
	return newCompressedSortedRun(data), nil
}

// QueryString evaluates str against this index by expanding it into a
// QueryGraph over ix.typ's window size and sweeping it with an oracle
// backed by Run/ConvertGram (spec §4.2's `query` operation).
func (ix *OnDiskIndex) QueryString(str QString) (QueryResult, error) {
	graph := BuildQueryGraph(str, ix.typ.WindowSize())

	var runErr error
	oracle := func(gram uint32) QueryResult {
		tg, ok := ConvertGram(ix.typ, gram)
		if !ok {
			return EverythingResult()
		}
		run, err := ix.Run(tg)
		if err != nil {
			if runErr == nil {
				runErr = err
			}
			return EverythingResult()
		}
		return ResultFromRun(run)
	}

	result := graph.Run(oracle)
	if runErr != nil {
		return QueryResult{}, runErr
	}
	return result, nil
}

func loadRunOffsets(f RandomAccessFile) ([]uint64, error) {
	start := f.Size() - offsetsSize
	if start < indexHdrSize {
		return nil, fmt.Errorf("ursa: %s: too small to hold a run_offsets table", f.Name())
	}
	buf, err := f.ReadAt(start, offsetsSize)
	if err != nil {
		return nil, err
	}
	out := make([]uint64, offsetEntries)
	for i := range out {
		out[i] = binary.LittleEndian.Uint64(buf[i*8 : i*8+8])
	}
	return out, nil
}

// RunSource streams posting runs in strictly ascending TriGram order for the
// write path below; gaps (unseen trigrams) are implied by skipping them.
type RunSource func(yield func(t TriGram, ids []FileId) error) error

// WriteOnDiskIndex writes a new OnDiskIndex file at path by draining src,
// following the teacher's write-temp-then-rename convention for crash
// safety. src must yield strictly increasing TriGrams.
func WriteOnDiskIndex(path string, typ IndexType, src RunSource) (err error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".ursa-index-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			os.Remove(tmpName)
		}
	}()

	w := bufio.NewWriterSize(tmp, 1<<20)
	var hdr [indexHdrSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], indexMagic)
	binary.LittleEndian.PutUint32(hdr[4:8], indexVersion)
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(typ))
	binary.LittleEndian.PutUint32(hdr[12:16], 0)
	if _, err = w.Write(hdr[:]); err != nil {
		tmp.Close()
		return err
	}

	offsets := make([]uint64, offsetEntries)
	offset := uint64(indexHdrSize)
	last := TriGram(0)
	seenAny := false

	walkErr := src(func(t TriGram, ids []FileId) error {
		if uint32(t) >= NumTrigrams {
			return fmt.Errorf("ursa: trigram %d out of range", t)
		}
		if seenAny && t <= last {
			return fmt.Errorf("ursa: run source not strictly ascending: %d after %d", t, last)
		}
		from := TriGram(0)
		if seenAny {
			from = last + 1
		}
		for g := from; g < t; g++ {
			offsets[g] = offset
		}
		encoded := writeDeltaVarints(ids)
		if _, werr := w.Write(encoded); werr != nil {
			return werr
		}
		offsets[t] = offset
		offset += uint64(len(encoded))
		last = t
		seenAny = true
		return nil
	})
	if walkErr != nil {
		tmp.Close()
		return walkErr
	}

	from := TriGram(0)
	if seenAny {
		from = last + 1
	}
	for g := from; g < NumTrigrams; g++ {
		offsets[g] = offset
	}
	offsets[NumTrigrams] = offset

	var obuf [8]byte
	for _, o := range offsets {
		binary.LittleEndian.PutUint64(obuf[:], o)
		if _, err = w.Write(obuf[:]); err != nil {
			tmp.Close()
			return err
		}
	}
	if err = w.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// remapRun rebases one input's varint-delta run for the merged output:
// only the first varint is rewritten, from the input-local `f0 + 1` bias
// into the delta from prevWritten — the last FileId already written to the
// merged run for this trigram, or -1 if none has been written yet. The
// remaining bytes are deltas between adjacent FileIds, which rebasing by a
// constant does not change, so they are copied verbatim; they are only
// scanned (not re-encoded) to learn the run's last absolute FileId, which
// becomes prevWritten for whichever input contributes next.
func remapRun(raw []byte, base FileId, prevWritten int64) (encoded []byte, lastAbs int64, err error) {
	if len(raw) == 0 {
		return nil, prevWritten, nil
	}
	v, n, err := getVarint(raw)
	if err != nil {
		return nil, 0, err
	}
	if v == 0 {
		return nil, 0, fmt.Errorf("ursa: run codec: leading value must be biased by +1, got sentinel 0")
	}
	first := int64(base) + int64(v-1)
	rest := raw[n:]

	last := first
	for tail := rest; len(tail) > 0; {
		d, dn, derr := getVarint(tail)
		if derr != nil {
			return nil, 0, derr
		}
		last += int64(d)
		tail = tail[dn:]
	}

	out := make([]byte, 0, len(raw)+2)
	out = appendVarint(out, uint64(first-prevWritten))
	out = append(out, rest...)
	return out, last, nil
}

// MergeOnDiskIndexes streams k same-typed OnDiskIndex files into one, per
// spec §4.2: FileIds from input i are rebased by the sum of file counts of
// inputs 0..i-1, batching up to mergeBatchBudget compressed bytes in total
// across all inputs at a time so the whole merge stays bounded memory regardless of dataset
// size. fileCounts[i] is the number of files indexed by inputs[i].
func MergeOnDiskIndexes(destPath string, inputs []RandomAccessFile, fileCounts []FileId) (err error) {
	if len(inputs) == 0 {
		return fmt.Errorf("ursa: merge requires at least one input")
	}
	if len(inputs) != len(fileCounts) {
		return fmt.Errorf("ursa: merge: %d inputs but %d file counts", len(inputs), len(fileCounts))
	}

	type mergeInput struct {
		file    RandomAccessFile
		offsets []uint64
		base    FileId
	}
	ins := make([]mergeInput, len(inputs))
	var typ IndexType
	base := FileId(0)
	for i, f := range inputs {
		hdr, herr := f.ReadAt(0, indexHdrSize)
		if herr != nil {
			return herr
		}
		t, verr := validateIndexHeader(hdr)
		if verr != nil {
			return fmt.Errorf("ursa: merge input %d (%s): %w", i, f.Name(), verr)
		}
		if i == 0 {
			typ = t
		} else if t != typ {
			return fmt.Errorf("ursa: merge: index type mismatch: %v (input 0) vs %v (input %d)", typ, t, i)
		}
		offs, oerr := loadRunOffsets(f)
		if oerr != nil {
			return oerr
		}
		ins[i] = mergeInput{file: f, offsets: offs, base: base}
		base += fileCounts[i]
	}

	dir := filepath.Dir(destPath)
	tmp, err := os.CreateTemp(dir, ".ursa-index-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			os.Remove(tmpName)
		}
	}()

	w := bufio.NewWriterSize(tmp, 1<<20)
	var hdr [indexHdrSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], indexMagic)
	binary.LittleEndian.PutUint32(hdr[4:8], indexVersion)
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(typ))
	if _, err = w.Write(hdr[:]); err != nil {
		tmp.Close()
		return err
	}

	outOffsets := make([]uint64, offsetEntries)
	outOffset := uint64(indexHdrSize)

	t := TriGram(0)
	for t < NumTrigrams {
		end := t
		var batchTotal uint64
		for end < NumTrigrams {
			var step uint64
			for i := range ins {
				step += ins[i].offsets[end+1] - ins[i].offsets[end]
			}
			if end > t && batchTotal+step > mergeBatchBudget {
				break
			}
			batchTotal += step
			end++
		}

		// Stage this batch's bytes from every input concurrently; the reads
		// are independent files so there is no ordering to preserve here,
		// only the per-trigram emission order below.
		staged := make([][]byte, len(ins))
		var g errgroup.Group
		for i := range ins {
			i := i
			s, e := ins[i].offsets[t], ins[i].offsets[end]
			if e <= s {
				continue
			}
			g.Go(func() error {
				buf, rerr := ins[i].file.ReadAt(int64(s), int64(e-s))
				if rerr != nil {
					return rerr
				}
				staged[i] = buf
				return nil
			})
		}
		if gerr := g.Wait(); gerr != nil {
			tmp.Close()
			return gerr
		}

		for cur := t; cur < end; cur++ {
			outOffsets[cur] = outOffset
			prevWritten := int64(-1)
			for i := range ins {
				s := ins[i].offsets[cur] - ins[i].offsets[t]
				e := ins[i].offsets[cur+1] - ins[i].offsets[t]
				if e <= s {
					continue
				}
				encoded, last, rerr := remapRun(staged[i][s:e], ins[i].base, prevWritten)
				if rerr != nil {
					tmp.Close()
					return rerr
				}
				if _, werr := w.Write(encoded); werr != nil {
					tmp.Close()
					return werr
				}
				outOffset += uint64(len(encoded))
				prevWritten = last
			}
		}
		t = end
	}
	outOffsets[NumTrigrams] = outOffset

	var obuf [8]byte
	for _, o := range outOffsets {
		binary.LittleEndian.PutUint64(obuf[:], o)
		if _, err = w.Write(obuf[:]); err != nil {
			tmp.Close()
			return err
		}
	}
	if err = w.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, destPath)
}
