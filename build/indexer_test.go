package build

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sourcegraph/ursa"
)

func writeTempFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return p
}

func TestIndexerFinalizeProducesDataset(t *testing.T) {
	storeDir := t.TempDir()
	corpusDir := t.TempDir()

	ix := NewIndexer(Options{Dir: storeDir, Types: []ursa.IndexType{ursa.GRAM3}})

	p1 := writeTempFile(t, corpusDir, "a.txt", []byte("hello world"))
	p2 := writeTempFile(t, corpusDir, "b.txt", []byte("goodbye world"))

	if err := ix.Index(p1); err != nil {
		t.Fatalf("Index(a): %v", err)
	}
	if err := ix.Index(p2); err != nil {
		t.Fatalf("Index(b): %v", err)
	}

	created, err := ix.Finalize()
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if len(created) != 1 {
		t.Fatalf("Finalize created %d datasets, want 1", len(created))
	}
	cd := created[0]
	if cd.FileCount != 2 {
		t.Fatalf("FileCount = %d, want 2", cd.FileCount)
	}

	ds, err := ursa.OpenOnDiskDataset(cd.Name, cd.Manifest, func(rel string) (ursa.RandomAccessFile, error) {
		f, err := os.Open(filepath.Join(storeDir, rel))
		if err != nil {
			return nil, err
		}
		return ursa.OpenMmapFile(f)
	})
	if err != nil {
		t.Fatalf("OpenOnDiskDataset: %v", err)
	}
	defer ds.Close()

	if ds.FileCount() != 2 {
		t.Fatalf("dataset FileCount() = %d, want 2", ds.FileCount())
	}
	name0, err := ds.Filename(0)
	if err != nil || name0 != p1 {
		t.Fatalf("Filename(0) = %q, %v, want %q", name0, err, p1)
	}
}

func TestIndexerSkipsEmptyAndInvalidNames(t *testing.T) {
	storeDir := t.TempDir()
	corpusDir := t.TempDir()
	ix := NewIndexer(Options{Dir: storeDir, Types: []ursa.IndexType{ursa.GRAM3}})

	empty := writeTempFile(t, corpusDir, "empty.txt", nil)
	if err := ix.Index(empty); err != nil {
		t.Fatalf("Index(empty): %v", err)
	}
	if err := ix.Index("bad\nname.txt"); err != nil {
		t.Fatalf("Index(invalid name): %v", err)
	}

	created, err := ix.Finalize()
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if len(created) != 0 {
		t.Fatalf("Finalize created %d datasets, want 0 (nothing valid was indexed)", len(created))
	}
}
