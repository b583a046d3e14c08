package build

import (
	"os"
	"testing"

	"github.com/sourcegraph/ursa"
)

func openTestIndex(t *testing.T, path string) *ursa.OnDiskIndex {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	raf, err := ursa.OpenMmapFile(f)
	if err != nil {
		t.Fatalf("mmap %s: %v", path, err)
	}
	ix, err := ursa.OpenOnDiskIndex(raf)
	if err != nil {
		t.Fatalf("OpenOnDiskIndex %s: %v", path, err)
	}
	return ix
}

func TestFlatIndexBuilderRoundTrip(t *testing.T) {
	dir := t.TempDir()
	b := NewFlatIndexBuilder(ursa.GRAM3)
	if !b.Empty() {
		t.Fatal("new builder should be empty")
	}
	files := [][]byte{
		[]byte("abcdef"),
		[]byte("xbcdefg"),
		[]byte("zzzzzz"),
	}
	for i, data := range files {
		if err := b.AddFile(ursa.FileId(i), data); err != nil {
			t.Fatalf("AddFile(%d): %v", i, err)
		}
	}
	if b.Empty() {
		t.Fatal("builder should not be empty after AddFile")
	}
	if err := b.Save(dir, "t1"); err != nil {
		t.Fatalf("Save: %v", err)
	}

	ix := openTestIndex(t, dir+"/gram3.t1")
	defer ix.Close()

	// "bcd" appears in files 0 and 1.
	run, err := ix.Run(gram3(t, 'b', 'c', 'd'))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	ids, _ := run.Decode()
	if len(ids) != 2 || ids[0] != 0 || ids[1] != 1 {
		t.Fatalf("Run(bcd) = %v, want [0 1]", ids)
	}
}

func TestBitmapIndexBuilderRoundTrip(t *testing.T) {
	dir := t.TempDir()
	b := NewBitmapIndexBuilder(ursa.GRAM3)
	for i, data := range [][]byte{[]byte("abcdef"), []byte("xbcdefg")} {
		if err := b.AddFile(ursa.FileId(i), data); err != nil {
			t.Fatalf("AddFile(%d): %v", i, err)
		}
	}
	if err := b.Save(dir, "t2"); err != nil {
		t.Fatalf("Save: %v", err)
	}
	ix := openTestIndex(t, dir+"/gram3.t2")
	defer ix.Close()

	run, err := ix.Run(gram3(t, 'b', 'c', 'd'))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	ids, _ := run.Decode()
	if len(ids) != 2 {
		t.Fatalf("Run(bcd) = %v, want 2 entries", ids)
	}
}

func TestBitmapIndexBuilderRejectsOverflow(t *testing.T) {
	b := NewBitmapIndexBuilder(ursa.GRAM3)
	for i := 0; i < bitmapMaxFiles; i++ {
		if !b.CanStillAdd(1) {
			t.Fatalf("CanStillAdd should allow file %d", i)
		}
		if err := b.AddFile(ursa.FileId(i), []byte("abc")); err != nil {
			t.Fatalf("AddFile(%d): %v", i, err)
		}
	}
	if b.CanStillAdd(1) {
		t.Fatal("CanStillAdd should refuse a 65th file")
	}
}

func benchmarkCorpus(n, size int) [][]byte {
	corpus := make([][]byte, n)
	seed := uint64(0x9E3779B97F4A7C15)
	for i := range corpus {
		data := make([]byte, size)
		for j := range data {
			seed = seed*6364136223846793005 + 1442695040888963407
			data[j] = byte(seed >> 33)
		}
		corpus[i] = data
	}
	return corpus
}

func BenchmarkIndexFlat(b *testing.B) {
	corpus := benchmarkCorpus(16, 32<<10)
	dir := b.TempDir()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		bl := NewFlatIndexBuilder(ursa.GRAM3)
		for fid, data := range corpus {
			if err := bl.AddFile(ursa.FileId(fid), data); err != nil {
				b.Fatal(err)
			}
		}
		if err := bl.Save(dir, "bench-flat"); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkIndexBitmap(b *testing.B) {
	corpus := benchmarkCorpus(16, 32<<10)
	dir := b.TempDir()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		bl := NewBitmapIndexBuilder(ursa.GRAM3)
		for fid, data := range corpus {
			if err := bl.AddFile(ursa.FileId(fid), data); err != nil {
				b.Fatal(err)
			}
		}
		if err := bl.Save(dir, "bench-bitmap"); err != nil {
			b.Fatal(err)
		}
	}
}

func gram3(t *testing.T, a, b, c byte) ursa.TriGram {
	t.Helper()
	var out ursa.TriGram
	found := false
	ursa.GeneratorFor(ursa.GRAM3)([]byte{a, b, c}, func(tg ursa.TriGram) {
		if !found {
			out = tg
			found = true
		}
	})
	if !found {
		t.Fatalf("no trigram for %c%c%c", a, b, c)
	}
	return out
}
