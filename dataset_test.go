package ursa

import (
	"path/filepath"
	"testing"
)

func TestOnDiskFileIndexScanAndLookup(t *testing.T) {
	names := &memRandomAccessFile{name: "files.x", data: []byte("a.txt\nb/c.bin\nd\n")}
	fx, err := OpenOnDiskFileIndex(names, nil)
	if err != nil {
		t.Fatalf("OpenOnDiskFileIndex: %v", err)
	}
	if fx.FileCount() != 3 {
		t.Fatalf("FileCount() = %d, want 3", fx.FileCount())
	}
	for i, want := range []string{"a.txt", "b/c.bin", "d"} {
		got, err := fx.Name(FileId(i))
		if err != nil {
			t.Fatalf("Name(%d): %v", i, err)
		}
		if got != want {
			t.Errorf("Name(%d) = %q, want %q", i, got, want)
		}
	}
	if _, err := fx.Name(3); err == nil {
		t.Error("Name(3) succeeded, want out-of-range error")
	}
}

func TestOnDiskFileIndexNoTrailingNewline(t *testing.T) {
	names := &memRandomAccessFile{name: "files.x", data: []byte("only")}
	fx, err := OpenOnDiskFileIndex(names, nil)
	if err != nil {
		t.Fatalf("OpenOnDiskFileIndex: %v", err)
	}
	if fx.FileCount() != 1 {
		t.Fatalf("FileCount() = %d, want 1", fx.FileCount())
	}
	got, err := fx.Name(0)
	if err != nil || got != "only" {
		t.Fatalf("Name(0) = %q, %v, want \"only\", nil", got, err)
	}
}

func TestBuildNameCacheRoundTrip(t *testing.T) {
	dir := t.TempDir()
	names := &memRandomAccessFile{name: "files.x", data: []byte("one\ntwo\nthree\n")}
	cachePath := filepath.Join(dir, "namecache.x")
	if err := BuildNameCache(cachePath, names); err != nil {
		t.Fatalf("BuildNameCache: %v", err)
	}
	data, err := readFile(cachePath)
	if err != nil {
		t.Fatalf("reading built cache: %v", err)
	}
	cache := &memRandomAccessFile{name: cachePath, data: data}

	fx, err := OpenOnDiskFileIndex(names, cache)
	if err != nil {
		t.Fatalf("OpenOnDiskFileIndex with cache: %v", err)
	}
	if fx.FileCount() != 3 {
		t.Fatalf("FileCount() = %d, want 3", fx.FileCount())
	}
	got, err := fx.Name(1)
	if err != nil || got != "two" {
		t.Fatalf("Name(1) = %q, %v, want \"two\", nil", got, err)
	}
}

func TestDatasetManifestSaveLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mydataset")
	m := &DatasetManifest{
		Indices:       []string{"gram3.mydataset", "text4.mydataset"},
		Files:         "files.mydataset",
		FilenameCache: "namecache.mydataset",
		Taints:        []string{"malware", "pe"},
	}
	if err := m.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := LoadDatasetManifest(path)
	if err != nil {
		t.Fatalf("LoadDatasetManifest: %v", err)
	}
	if len(loaded.Indices) != 2 || loaded.Files != m.Files || len(loaded.Taints) != 2 {
		t.Errorf("LoadDatasetManifest round-trip mismatch: %+v", loaded)
	}
}

func TestOpenOnDiskDatasetAndMergeability(t *testing.T) {
	openFile := func(data map[string][]byte) func(string) (RandomAccessFile, error) {
		return func(rel string) (RandomAccessFile, error) {
			d, ok := data[rel]
			if !ok {
				return nil, errMissingFixture(rel)
			}
			return &memRandomAccessFile{name: rel, data: d}, nil
		}
	}

	gramIndex := buildMemIndex(t, GRAM3, map[TriGram][]FileId{1: ids(0, 1)})

	filesA := map[string][]byte{
		"gram3.a": gramIndex.data,
		"files.a": []byte("x.bin\ny.bin\n"),
	}
	mA := &DatasetManifest{Indices: []string{"gram3.a"}, Files: "files.a", Taints: []string{"clean"}}
	dsA, err := OpenOnDiskDataset("a", mA, openFile(filesA))
	if err != nil {
		t.Fatalf("OpenOnDiskDataset(a): %v", err)
	}
	defer dsA.Close()

	filesB := map[string][]byte{
		"gram3.b": gramIndex.data,
		"files.b": []byte("z.bin\n"),
	}
	mB := &DatasetManifest{Indices: []string{"gram3.b"}, Files: "files.b", Taints: []string{"clean"}}
	dsB, err := OpenOnDiskDataset("b", mB, openFile(filesB))
	if err != nil {
		t.Fatalf("OpenOnDiskDataset(b): %v", err)
	}
	defer dsB.Close()

	if !Mergeable(dsA, dsB) {
		t.Error("Mergeable(a, b) = false, want true (same taints, same index types)")
	}

	mC := &DatasetManifest{Indices: []string{"gram3.b"}, Files: "files.b", Taints: []string{"tainted"}}
	dsC, err := OpenOnDiskDataset("c", mC, openFile(filesB))
	if err != nil {
		t.Fatalf("OpenOnDiskDataset(c): %v", err)
	}
	defer dsC.Close()

	if Mergeable(dsA, dsC) {
		t.Error("Mergeable(a, c) = true, want false (taint mismatch)")
	}
	if dsA.FileCount() != 2 {
		t.Errorf("dsA.FileCount() = %d, want 2", dsA.FileCount())
	}
}

type errMissingFixture string

func (e errMissingFixture) Error() string { return "missing fixture: " + string(e) }
