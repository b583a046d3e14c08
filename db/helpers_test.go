package db

import (
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/sourcegraph/ursa"
	"github.com/sourcegraph/ursa/build"
)

// buildTestDataset writes contents as real files under a scratch source
// directory, indexes them with a real build.Indexer into dir, and returns
// the name of the single resulting dataset (forcing a compact so tests
// always see exactly one).
func buildTestDataset(t *testing.T, dir, label string, contents [][]byte) string {
	t.Helper()
	srcDir := filepath.Join(dir, "src-"+label)
	if err := os.Mkdir(srcDir, 0o755); err != nil {
		t.Fatal(err)
	}

	ix := build.NewIndexer(build.Options{
		Dir:    dir,
		Types:  ursa.AllIndexTypes,
		Logger: zap.NewNop(),
	})
	for i, c := range contents {
		p := filepath.Join(srcDir, filepathName(i))
		if err := os.WriteFile(p, c, 0o644); err != nil {
			t.Fatal(err)
		}
		if err := ix.Index(p); err != nil {
			t.Fatalf("Index(%s): %v", p, err)
		}
	}
	created, err := ix.ForceCompact()
	if err != nil {
		t.Fatalf("ForceCompact: %v", err)
	}
	return created.Name
}

func filepathName(i int) string {
	return "file" + string(rune('a'+i)) + ".bin"
}
