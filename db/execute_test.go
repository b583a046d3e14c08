package db

import (
	"path/filepath"
	"sort"
	"testing"

	"go.uber.org/zap"
)

// TestDispatchBooleanComposition reproduces spec.md's S5 scenario: "&"
// intersects the per-term FileId sets, and "min N of" keeps files matching
// at least N of the terms.
func TestDispatchBooleanComposition(t *testing.T) {
	dir := t.TempDir()
	d, err := New(dir, "test.db", zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	paths := writeCorpus(t, dir, map[string]string{
		"a.txt": "footing in the door",
		"b.txt": "foot soldier",
		"c.txt": "facing the wind",
		"d.txt": "wingless bird",
		"e.txt": "tool shed",
		"f.txt": "toolless wing",
	})
	indexCmd := "index"
	for _, p := range paths {
		indexCmd += " " + quoted(p)
	}
	resp := runCommand(t, d, indexCmd+";")
	if resp.Type != "ok" {
		t.Fatalf("index response = %q (%v)", resp.Type, resp.Error)
	}

	baseNames := func(resp *Response) []string {
		var out []string
		for _, f := range resultFiles(t, resp) {
			out = append(out, filepath.Base(f))
		}
		sort.Strings(out)
		return out
	}

	resp = runCommand(t, d, `select "foot" & "ing";`)
	if got, want := baseNames(resp), []string{"a.txt"}; !equalStrings(got, want) {
		t.Errorf(`select "foot" & "ing" = %v, want %v`, got, want)
	}

	resp = runCommand(t, d, `select min 2 of ("wing", "tool", "less");`)
	if got, want := baseNames(resp), []string{"d.txt", "f.txt"}; !equalStrings(got, want) {
		t.Errorf(`select min 2 of (...) = %v, want %v`, got, want)
	}

	resp = runCommand(t, d, `select "foot" | "less";`)
	if got, want := baseNames(resp), []string{"a.txt", "b.txt", "d.txt", "f.txt"}; !equalStrings(got, want) {
		t.Errorf(`select "foot" | "less" = %v, want %v`, got, want)
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
