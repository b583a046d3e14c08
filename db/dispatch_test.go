package db

import (
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"

	"github.com/sourcegraph/ursa/query"
)

// runCommand parses cmdText, derives its locks against the database's
// current snapshot, allocates a task, dispatches, and commits the result —
// the same sequence ursa/wire's coordinator performs per request (spec
// §4.9/§5).
func runCommand(t *testing.T, d *Database, cmdText string) *Response {
	t.Helper()
	cmd, err := query.Parse(cmdText)
	if err != nil {
		t.Fatalf("Parse(%q): %v", cmdText, err)
	}
	snap := d.Snapshot()
	defer snap.Release()

	locks, err := DeriveLocks(cmd, snap)
	if err != nil {
		t.Fatalf("DeriveLocks: %v", err)
	}
	task, err := d.AllocateTask("test-conn", cmdText, 0, locks)
	if err != nil {
		t.Fatalf("AllocateTask: %v", err)
	}
	resp, err := Dispatch(cmd, task, snap)
	if err != nil {
		t.Fatalf("Dispatch(%q): %v", cmdText, err)
	}
	if err := d.CommitTask(task); err != nil {
		t.Fatalf("CommitTask: %v", err)
	}
	return resp
}

func writeCorpus(t *testing.T, dir string, files map[string]string) []string {
	t.Helper()
	var paths []string
	for name, content := range files {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

func resultFiles(t *testing.T, resp *Response) []string {
	t.Helper()
	m, ok := resp.Result.(map[string]interface{})
	if !ok {
		t.Fatalf("result is %T, want map[string]interface{}", resp.Result)
	}
	raw, ok := m["files"]
	if !ok {
		t.Fatalf("result has no \"files\" key: %v", m)
	}
	list, ok := raw.([]string)
	if !ok {
		t.Fatalf("files is %T, want []string", raw)
	}
	return list
}

func TestDispatchIndexThenSelect(t *testing.T) {
	dir := t.TempDir()
	d, err := New(dir, "test.db", zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	paths := writeCorpus(t, dir, map[string]string{
		"alpha.txt": "hello world",
		"beta.txt":  "goodbye world",
		"gamma.txt": "nothing in common",
	})

	indexCmd := "index"
	for _, p := range paths {
		indexCmd += " " + quoted(p)
	}
	indexCmd += ";"
	resp := runCommand(t, d, indexCmd)
	if resp.Type != "ok" {
		t.Fatalf("index response type = %q, want ok (%v)", resp.Type, resp.Error)
	}

	resp = runCommand(t, d, `select "world";`)
	if resp.Type != "select" {
		t.Fatalf("select response type = %q, want select (%v)", resp.Type, resp.Error)
	}
	files := resultFiles(t, resp)
	sort.Strings(files)
	want := []string{"alpha.txt", "beta.txt"}
	var got []string
	for _, f := range files {
		got = append(got, filepath.Base(f))
	}
	sort.Strings(got)
	if len(got) != len(want) {
		t.Fatalf("select \"world\" = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("select \"world\" = %v, want %v", got, want)
		}
	}
}

func TestDispatchSelectIntoIteratorAndPop(t *testing.T) {
	dir := t.TempDir()
	d, err := New(dir, "test.db", zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	paths := writeCorpus(t, dir, map[string]string{
		"a.txt": "marker text one",
		"b.txt": "marker text two",
	})
	indexCmd := "index " + quoted(paths[0]) + " " + quoted(paths[1]) + ";"
	runCommand(t, d, indexCmd)

	resp := runCommand(t, d, `select into iterator "marker";`)
	if resp.Type != "select" {
		t.Fatalf("select-into-iterator response type = %q (%v)", resp.Type, resp.Error)
	}
	m := resp.Result.(map[string]interface{})
	id, ok := m["iterator"].(string)
	if !ok || id == "" {
		t.Fatalf("missing iterator id in %v", m)
	}
	total, _ := m["total_files"].(int)
	if total != 2 {
		t.Fatalf("total_files = %v, want 2", total)
	}

	popResp := runCommand(t, d, `iterator `+quoted(id)+` pop 1;`)
	if popResp.Type != "select" {
		t.Fatalf("iterator pop response type = %q (%v)", popResp.Type, popResp.Error)
	}
	popped := resultFiles(t, popResp)
	if len(popped) != 1 {
		t.Fatalf("first pop returned %d files, want 1", len(popped))
	}

	second := runCommand(t, d, `iterator `+quoted(id)+` pop 5;`)
	if second.Type != "select" {
		t.Fatalf("second pop response type = %q (%v)", second.Type, second.Error)
	}
	rest := resultFiles(t, second)
	if len(rest) != 1 {
		t.Fatalf("second pop should drain the remaining file, got %d", len(rest))
	}
}

func quoted(s string) string {
	return `"` + escapeForQuery(s) + `"`
}

func escapeForQuery(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '"' || c == '\\' {
			out = append(out, '\\')
		}
		out = append(out, c)
	}
	return string(out)
}

func TestDispatchDatasetTaintAndCompact(t *testing.T) {
	dir := t.TempDir()
	d, err := New(dir, "test.db", zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	ds1 := buildTestDataset(t, dir, "one", [][]byte{[]byte("small file one")})
	ds2 := buildTestDataset(t, dir, "two", [][]byte{[]byte("small file two")})

	for _, name := range []string{ds1, ds2} {
		task, err := d.AllocateTask("c", "index;", 0, nil)
		if err != nil {
			t.Fatal(err)
		}
		task.AddChange(Change{Kind: ChangeInsert, Dataset: name})
		if err := d.CommitTask(task); err != nil {
			t.Fatal(err)
		}
	}

	resp := runCommand(t, d, `dataset `+quoted(ds1)+` taint "interesting";`)
	if resp.Type != "ok" {
		t.Fatalf("taint response = %q (%v)", resp.Type, resp.Error)
	}
	snap := d.Snapshot()
	got, ok := snap.Dataset(ds1)
	if !ok || !got.HasTaint("interesting") {
		t.Fatalf("dataset %q should carry taint after dispatch", ds1)
	}
	snap.Release()

	resp = runCommand(t, d, "compact all;")
	if resp.Type != "ok" {
		t.Fatalf("compact response = %q (%v)", resp.Type, resp.Error)
	}
}

func TestDispatchConfigGetSet(t *testing.T) {
	dir := t.TempDir()
	d, err := New(dir, "test.db", zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	resp := runCommand(t, d, `config set "merge_max_datasets" 7;`)
	if resp.Type != "config" {
		t.Fatalf("config set response = %q (%v)", resp.Type, resp.Error)
	}
	resp = runCommand(t, d, `config get "merge_max_datasets";`)
	m := resp.Result.(map[string]int64)
	if m["merge_max_datasets"] != 7 {
		t.Fatalf("config get merge_max_datasets = %v, want 7", m)
	}
}

func TestDispatchTopology(t *testing.T) {
	dir := t.TempDir()
	d, err := New(dir, "test.db", zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	ds := buildTestDataset(t, dir, "topo", [][]byte{[]byte("one"), []byte("two")})
	task, err := d.AllocateTask("c", "index;", 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	task.AddChange(Change{Kind: ChangeInsert, Dataset: ds})
	if err := d.CommitTask(task); err != nil {
		t.Fatal(err)
	}

	resp := runCommand(t, d, "topology;")
	if resp.Type != "topology" {
		t.Fatalf("topology response type = %q (%v)", resp.Type, resp.Error)
	}
	got, ok := resp.Result.([]datasetTopology)
	if !ok {
		t.Fatalf("result is %T, want []datasetTopology", resp.Result)
	}
	want := []datasetTopology{{
		Name:      ds,
		FileCount: 2,
		Taints:    []string{},
		Types:     []string{"gram3", "text4", "hash4", "wide8"},
	}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("topology mismatch (-want +got):\n%s", diff)
	}
}

func TestDispatchPingAndStatus(t *testing.T) {
	dir := t.TempDir()
	d, err := New(dir, "test.db", zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	resp := runCommand(t, d, "ping;")
	if resp.Type != "ping" || resp.Result != "pong" {
		t.Fatalf("ping = %+v", resp)
	}
	resp = runCommand(t, d, "status;")
	if resp.Type != "status" {
		t.Fatalf("status response type = %q (%v)", resp.Type, resp.Error)
	}
}
