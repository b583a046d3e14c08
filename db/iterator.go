package db

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// IteratorMeta is the persisted state of one paginated `select into
// iterator` result (spec §3 Iterator): how far a client has popped into the
// frozen backing file, and how many file names the backing file holds.
type IteratorMeta struct {
	ByteOffset     uint64 `json:"byte_offset"`
	FileOffset     uint64 `json:"file_offset"`
	TotalFiles     uint64 `json:"total_files"`
	BackingStorage string `json:"backing_storage"`
}

func metaPath(dir, dbName, id string) string {
	return filepath.Join(dir, fmt.Sprintf("itermeta.%s.%s", id, dbName))
}

func backingPath(dir, dbName, id string) string {
	return filepath.Join(dir, fmt.Sprintf("iterator.%s.%s", id, dbName))
}

// CreateIterator freezes names as a new iterator's backing file and writes
// its initial metadata (spec §3/§4.9 `select into iterator`).
func CreateIterator(dir, dbName, id string, names []string) (*IteratorMeta, error) {
	backing := backingPath(dir, dbName, id)
	if err := writeLines(backing, names); err != nil {
		return nil, err
	}
	meta := &IteratorMeta{TotalFiles: uint64(len(names)), BackingStorage: filepath.Base(backing)}
	if err := saveIteratorMeta(metaPath(dir, dbName, id), meta); err != nil {
		return nil, err
	}
	return meta, nil
}

func writeLines(path string, lines []string) (err error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".ursa-iter-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			os.Remove(tmpName)
		}
	}()
	w := bufio.NewWriter(tmp)
	for _, l := range lines {
		if _, err = w.WriteString(l); err != nil {
			tmp.Close()
			return err
		}
		if err = w.WriteByte('\n'); err != nil {
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

func saveIteratorMeta(path string, m *IteratorMeta) (err error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".ursa-itermeta-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			os.Remove(tmpName)
		}
	}()
	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

func loadIteratorMeta(path string) (*IteratorMeta, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m IteratorMeta
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("ursa/db: parsing iterator metadata %s: %w", path, err)
	}
	return &m, nil
}

// Pop reads up to n lines starting at meta's current offsets from the
// backing file at dir/meta.BackingStorage, returning the popped lines and
// the meta's new state. Consecutive pops read disjoint contiguous slices
// (spec §8 property 6); popping past the end clamps to the remaining lines.
func Pop(dir string, meta *IteratorMeta, n uint64) (lines []string, next IteratorMeta, err error) {
	f, err := os.Open(filepath.Join(dir, meta.BackingStorage))
	if err != nil {
		return nil, IteratorMeta{}, err
	}
	defer f.Close()

	if _, err := f.Seek(int64(meta.ByteOffset), 0); err != nil {
		return nil, IteratorMeta{}, err
	}
	r := bufio.NewReader(f)

	next = *meta
	for uint64(len(lines)) < n && next.FileOffset < next.TotalFiles {
		line, rerr := r.ReadString('\n')
		if len(line) > 0 {
			if line[len(line)-1] == '\n' {
				line = line[:len(line)-1]
			}
			lines = append(lines, line)
			next.ByteOffset += uint64(len(line)) + 1
			next.FileOffset++
		}
		if rerr != nil {
			break
		}
	}
	return lines, next, nil
}

// Exhausted reports whether every file in the iterator's frozen result has
// been popped — the point at which the iterator should be dropped (spec
// §4.8 UpdateIterator "if advancing past the end, drop the iterator").
func (m IteratorMeta) Exhausted() bool { return m.FileOffset >= m.TotalFiles }

// Drop removes an iterator's on-disk metadata and backing file.
func Drop(dir, dbName, id string, meta *IteratorMeta) error {
	if err := os.Remove(metaPath(dir, dbName, id)); err != nil && !os.IsNotExist(err) {
		return err
	}
	if meta != nil {
		if err := os.Remove(filepath.Join(dir, meta.BackingStorage)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}
