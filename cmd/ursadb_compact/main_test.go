package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sourcegraph/ursa"
)

func TestCountFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "files.ds-x")
	if err := os.WriteFile(path, []byte("a.txt\nb.txt\nc.txt\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	n, err := countFiles(path)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("countFiles = %d, want 3", n)
	}
}

func TestCountFilesEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "files.ds-empty")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	n, err := countFiles(path)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("countFiles = %d, want 0", n)
	}
}

func TestManifestIndexTypes(t *testing.T) {
	m := &ursa.DatasetManifest{Indices: []string{"gram3.ds-x", "text4.ds-x"}}
	types := manifestIndexTypes(m)
	if len(types) != 2 || types[0] != ursa.GRAM3 || types[1] != ursa.TEXT4 {
		t.Fatalf("manifestIndexTypes = %v", types)
	}
}

func TestHasComponentPrefix(t *testing.T) {
	cases := map[string]bool{
		"gram3.ds-x":  true,
		"files.ds-x":  true,
		"ds-x":        false,
		"db.ursa":     false,
		"iterator.ab": true,
	}
	for name, want := range cases {
		if got := hasComponentPrefix(name); got != want {
			t.Errorf("hasComponentPrefix(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestListDatasetManifests(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write("db.ursa", `{"datasets":[]}`)
	write("ds-a", `{"indices":["gram3.ds-a"],"files":"files.ds-a","taints":[]}`)
	write("gram3.ds-a", "binary-index-data")
	write("files.ds-a", "a.txt\n")

	names, err := listDatasetManifests(dir, "db.ursa")
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 1 || names[0] != "ds-a" {
		t.Fatalf("listDatasetManifests = %v, want [ds-a]", names)
	}
}
