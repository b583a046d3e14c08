package ursa

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// OnDiskFileIndex is the `files.<name>` / `namecache.<name>` pair (spec
// §3): a flat newline-delimited list of filenames plus a derived
// u64[file_count+1] table of cumulative byte offsets, letting Name(fid) do
// one pread instead of a linear scan.
type OnDiskFileIndex struct {
	names   RandomAccessFile
	offsets []uint64 // length fileCount+1; offsets[i] is the start of name i
}

// OpenOnDiskFileIndex builds the in-memory offsets table for names, either
// by reading it from cache (if non-nil) or by scanning names for '\n'
// delimiters. The scanned form is what "generated lazily on load if
// missing" (spec §3) means in practice.
func OpenOnDiskFileIndex(names RandomAccessFile, cache RandomAccessFile) (*OnDiskFileIndex, error) {
	if cache != nil {
		offsets, err := readNameCache(cache)
		if err != nil {
			return nil, fmt.Errorf("ursa: reading name cache %s: %w", cache.Name(), err)
		}
		return &OnDiskFileIndex{names: names, offsets: offsets}, nil
	}
	offsets, err := scanNameOffsets(names)
	if err != nil {
		return nil, fmt.Errorf("ursa: scanning %s: %w", names.Name(), err)
	}
	return &OnDiskFileIndex{names: names, offsets: offsets}, nil
}

func readNameCache(cache RandomAccessFile) ([]uint64, error) {
	sz := cache.Size()
	if sz%8 != 0 || sz < 8 {
		return nil, fmt.Errorf("malformed name cache: size %d not a positive multiple of 8", sz)
	}
	buf, err := cache.ReadAt(0, sz)
	if err != nil {
		return nil, err
	}
	out := make([]uint64, sz/8)
	for i := range out {
		out[i] = binary.LittleEndian.Uint64(buf[i*8 : i*8+8])
	}
	return out, nil
}

func scanNameOffsets(names RandomAccessFile) ([]uint64, error) {
	sz := names.Size()
	data, err := names.ReadAt(0, sz)
	if err != nil {
		return nil, err
	}
	offsets := []uint64{0}
	for i, b := range data {
		if b == '\n' {
			offsets = append(offsets, uint64(i+1))
		}
	}
	if len(data) > 0 && data[len(data)-1] != '\n' {
		offsets = append(offsets, uint64(len(data)))
	}
	return offsets, nil
}

// BuildNameCache writes the namecache.<name> file for names at destPath,
// using the same write-temp-then-rename convention as every other manifest
// write in ursa.
func BuildNameCache(destPath string, names RandomAccessFile) error {
	offsets, err := scanNameOffsets(names)
	if err != nil {
		return err
	}
	dir := filepath.Dir(destPath)
	tmp, err := os.CreateTemp(dir, ".ursa-namecache-*")
	if err != nil {
		return err
	}
	w := bufio.NewWriter(tmp)
	var buf [8]byte
	for _, o := range offsets {
		binary.LittleEndian.PutUint64(buf[:], o)
		if _, err := w.Write(buf[:]); err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			return err
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), destPath)
}

// Close releases the backing filename file.
func (fx *OnDiskFileIndex) Close() error { return fx.names.Close() }

// FileCount is the number of filenames indexed.
func (fx *OnDiskFileIndex) FileCount() int {
	if len(fx.offsets) == 0 {
		return 0
	}
	return len(fx.offsets) - 1
}

// Name returns the filename for fid, trimming the trailing '\n' delimiter
// that separates it from the next entry (the final entry may lack one).
func (fx *OnDiskFileIndex) Name(fid FileId) (string, error) {
	i := int(fid)
	if i < 0 || i >= fx.FileCount() {
		return "", fmt.Errorf("ursa: file id %d out of range [0,%d)", fid, fx.FileCount())
	}
	start, end := fx.offsets[i], fx.offsets[i+1]
	raw, err := fx.names.ReadAt(int64(start), int64(end-start))
	if err != nil {
		return "", err
	}
	if len(raw) > 0 && raw[len(raw)-1] == '\n' {
		raw = raw[:len(raw)-1]
	}
	return string(raw), nil
}

// DatasetManifest is the JSON-serialized form of an OnDiskDataset (spec
// §3): which index files it has, where its filename list and name cache
// live, and its taint labels.
type DatasetManifest struct {
	Indices       []string `json:"indices"`
	Files         string   `json:"files"`
	FilenameCache string   `json:"filename_cache,omitempty"`
	Taints        []string `json:"taints"`
}

// LoadDatasetManifest reads and parses the manifest at path.
func LoadDatasetManifest(path string) (*DatasetManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m DatasetManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("ursa: parsing dataset manifest %s: %w", path, err)
	}
	return &m, nil
}

// Save writes m to path using write-temp-then-rename, the convention every
// manifest write in ursa follows for crash safety.
func (m *DatasetManifest) Save(path string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".ursa-manifest-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// indexManifestType parses the "<type>.<name>" entries a DatasetManifest
// stores in Indices.
func indexManifestType(entry string) (IndexType, error) {
	for _, t := range AllIndexTypes {
		if len(entry) > len(t.String())+1 && entry[:len(t.String())] == t.String() && entry[len(t.String())] == '.' {
			return t, nil
		}
	}
	return 0, fmt.Errorf("ursa: cannot parse index type from manifest entry %q", entry)
}

// OnDiskDataset is one immutable, content-addressed shard: one OnDiskIndex
// per IndexType it carries, one OnDiskFileIndex, and a set of taint labels
// (spec §3/§4.4).
type OnDiskDataset struct {
	name    string
	indices map[IndexType]*OnDiskIndex
	files   *OnDiskFileIndex
	taints  map[string]struct{}
}

// OpenOnDiskDataset opens every component a DatasetManifest references.
// openFile is the caller's file-opening strategy (mmap in production, an
// in-memory fake in tests).
func OpenOnDiskDataset(name string, m *DatasetManifest, openFile func(relPath string) (RandomAccessFile, error)) (*OnDiskDataset, error) {
	ds := &OnDiskDataset{
		name:    name,
		indices: make(map[IndexType]*OnDiskIndex, len(m.Indices)),
		taints:  make(map[string]struct{}, len(m.Taints)),
	}
	for _, entry := range m.Indices {
		t, err := indexManifestType(entry)
		if err != nil {
			return nil, err
		}
		f, err := openFile(entry)
		if err != nil {
			return nil, fmt.Errorf("ursa: opening index %q: %w", entry, err)
		}
		ix, err := OpenOnDiskIndex(f)
		if err != nil {
			return nil, err
		}
		ds.indices[t] = ix
	}

	namesFile, err := openFile(m.Files)
	if err != nil {
		return nil, fmt.Errorf("ursa: opening file list %q: %w", m.Files, err)
	}
	var cacheFile RandomAccessFile
	if m.FilenameCache != "" {
		cacheFile, err = openFile(m.FilenameCache)
		if err != nil {
			cacheFile = nil // regenerate in memory; caller may persist later
		}
	}
	ds.files, err = OpenOnDiskFileIndex(namesFile, cacheFile)
	if cacheFile != nil {
		// The offsets table is copied out during the read above; the cache
		// mapping itself is not retained.
		cacheFile.Close()
	}
	if err != nil {
		return nil, err
	}

	for _, tag := range m.Taints {
		ds.taints[tag] = struct{}{}
	}
	return ds, nil
}

// Name is the dataset's manifest filename.
func (d *OnDiskDataset) Name() string { return d.name }

// FileCount is the number of files every index in this dataset covers,
// per the invariant that all of a dataset's indices share one FileId space.
func (d *OnDiskDataset) FileCount() FileId { return FileId(d.files.FileCount()) }

// Filename resolves fid to its original path.
func (d *OnDiskDataset) Filename(fid FileId) (string, error) { return d.files.Name(fid) }

// Index returns the OnDiskIndex for t, if this dataset carries one.
func (d *OnDiskDataset) Index(t IndexType) (*OnDiskIndex, bool) {
	ix, ok := d.indices[t]
	return ix, ok
}

// IndexTypes lists the index types this dataset carries, sorted.
func (d *OnDiskDataset) IndexTypes() []IndexType {
	out := make([]IndexType, 0, len(d.indices))
	for t := range d.indices {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// HasTaint reports whether tag is among this dataset's taints.
func (d *OnDiskDataset) HasTaint(tag string) bool {
	_, ok := d.taints[tag]
	return ok
}

// Taints returns the dataset's taint labels, sorted.
func (d *OnDiskDataset) Taints() []string {
	out := make([]string, 0, len(d.taints))
	for t := range d.taints {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// DropFiles removes every on-disk component m references, plus the manifest
// file itself at manifestPath (spec §4.4 `drop`). Missing files are not an
// error: drop is idempotent so a retried drop after a partial failure
// succeeds.
func DropFiles(dir, manifestPath string, m *DatasetManifest) error {
	remove := func(name string) error {
		if name == "" {
			return nil
		}
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}
	for _, entry := range m.Indices {
		if err := remove(entry); err != nil {
			return err
		}
	}
	if err := remove(m.Files); err != nil {
		return err
	}
	if err := remove(m.FilenameCache); err != nil {
		return err
	}
	if err := os.Remove(manifestPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Close releases every mapped index and the file list.
func (d *OnDiskDataset) Close() error {
	var firstErr error
	for _, ix := range d.indices {
		if err := ix.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := d.files.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// TaintCompatible reports whether a and b have exactly the same taint set,
// a precondition for merging them (spec §3).
func TaintCompatible(a, b *OnDiskDataset) bool {
	if len(a.taints) != len(b.taints) {
		return false
	}
	for t := range a.taints {
		if _, ok := b.taints[t]; !ok {
			return false
		}
	}
	return true
}

// Mergeable reports whether a and b can be streamed into one dataset:
// taint-compatible and carrying exactly the same set of index types.
func Mergeable(a, b *OnDiskDataset) bool {
	if !TaintCompatible(a, b) {
		return false
	}
	at, bt := a.IndexTypes(), b.IndexTypes()
	if len(at) != len(bt) {
		return false
	}
	for i := range at {
		if at[i] != bt[i] {
			return false
		}
	}
	return true
}
