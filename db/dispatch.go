package db

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/sourcegraph/ursa"
	"github.com/sourcegraph/ursa/build"
	"github.com/sourcegraph/ursa/query"
)

// Response is the wire-protocol reply to one dispatched command (spec §6):
// a top-level type tag plus either a result payload or an error message.
// Retry is set when the command was refused for lock contention so the
// client knows to resend rather than treat it as a hard failure.
type Response struct {
	Type   string      `json:"type"`
	Result interface{} `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
	Retry  bool        `json:"retry,omitempty"`
}

func errorResponse(err error) *Response {
	return &Response{Type: "error", Error: err.Error(), Retry: errors.Is(err, ErrRetry)}
}

// DeriveLocks computes the lock set a command requires before the
// coordinator allocates its task (spec §5 "Lock derivation from commands",
// bit-exact). compact's candidate set is computed from snap, the same
// Snapshot dispatchCompact selects from at dispatch time, so the locks taken at admission
// match the datasets actually merged.
func DeriveLocks(cmd query.Command, snap *Snapshot) (LockSet, error) {
	switch c := cmd.(type) {
	case *query.SelectCommand:
		return nil, nil
	case *query.IteratorCommand:
		return LockSet{IteratorLock(c.ID)}, nil
	case *query.IndexCommand:
		return nil, nil
	case *query.ReindexCommand:
		return LockSet{DatasetLock(c.Dataset)}, nil
	case *query.CompactCommand:
		names, err := compactionCandidates(snap, c.Mode)
		if err != nil {
			return nil, err
		}
		locks := make(LockSet, len(names))
		for i, n := range names {
			locks[i] = DatasetLock(n)
		}
		return locks, nil
	case *query.DatasetCommand:
		return LockSet{DatasetLock(c.Dataset)}, nil
	case *query.ConfigCommand, *query.StatusCommand, *query.TopologyCommand, *query.PingCommand:
		return nil, nil
	default:
		return nil, fmt.Errorf("ursa/db: unsupported command %T", cmd)
	}
}

// Dispatch pattern-matches cmd and performs its core behaviour against snap,
// recording any resulting mutation as a deferred Change on task (spec §4.9
// dispatch_command). It never mutates the Database directly — only
// CommitTask, run by the coordinator, does that.
func Dispatch(cmd query.Command, task *Task, snap *Snapshot) (*Response, error) {
	switch c := cmd.(type) {
	case *query.SelectCommand:
		return dispatchSelect(c, task, snap)
	case *query.IndexCommand:
		return dispatchIndex(c, task, snap)
	case *query.ReindexCommand:
		return dispatchReindex(c, task, snap)
	case *query.IteratorCommand:
		return dispatchIteratorPop(c, task, snap)
	case *query.CompactCommand:
		return dispatchCompact(c, task, snap)
	case *query.DatasetCommand:
		return dispatchDataset(c, task, snap)
	case *query.ConfigCommand:
		return dispatchConfig(c, task, snap)
	case *query.StatusCommand:
		return dispatchStatus(task, snap)
	case *query.TopologyCommand:
		return dispatchTopology(snap)
	case *query.PingCommand:
		return &Response{Type: "ping", Result: "pong"}, nil
	default:
		return nil, fmt.Errorf("ursa/db: unsupported command %T", cmd)
	}
}

func selectDatasets(c *query.SelectCommand, snap *Snapshot) []*ursa.OnDiskDataset {
	wanted := make(map[string]bool, len(c.Datasets))
	for _, n := range c.Datasets {
		wanted[n] = true
	}
	var out []*ursa.OnDiskDataset
	for _, d := range snap.Datasets() {
		if len(wanted) > 0 && !wanted[d.Name()] {
			continue
		}
		if len(c.Taints) > 0 && !hasAnyTaint(d, c.Taints) {
			continue
		}
		out = append(out, d)
	}
	return out
}

func hasAnyTaint(d *ursa.OnDiskDataset, taints []string) bool {
	for _, t := range taints {
		if d.HasTaint(t) {
			return true
		}
	}
	return false
}

func dispatchSelect(c *query.SelectCommand, task *Task, snap *Snapshot) (*Response, error) {
	var names []string
	for _, d := range selectDatasets(c, snap) {
		result, err := EvalExpr(d, c.Expr)
		if err != nil {
			return nil, fmt.Errorf("ursa/db: evaluating select against dataset %q: %w", d.Name(), err)
		}
		if err := d.Execute(result, func(name string) error {
			names = append(names, name)
			return nil
		}); err != nil {
			return nil, fmt.Errorf("ursa/db: streaming select results from %q: %w", d.Name(), err)
		}
	}

	if !c.IntoIterator {
		return &Response{Type: "select", Result: map[string]interface{}{"files": names}}, nil
	}

	id := uuid.NewString()
	if _, err := CreateIterator(snap.db.dir, snap.db.name, id, names); err != nil {
		return nil, fmt.Errorf("ursa/db: creating iterator: %w", err)
	}
	task.AddChange(Change{Kind: ChangeNewIterator, Iterator: id})
	return &Response{Type: "select", Result: map[string]interface{}{"iterator": id, "total_files": len(names)}}, nil
}

func dispatchIteratorPop(c *query.IteratorCommand, task *Task, snap *Snapshot) (*Response, error) {
	meta, ok := snap.Iterator(c.ID)
	if !ok {
		return errorResponse(fmt.Errorf("ursa/db: unknown iterator %q", c.ID)), nil
	}
	lines, next, err := Pop(snap.db.dir, &meta, uint64(c.Pop))
	if err != nil {
		return nil, fmt.Errorf("ursa/db: popping iterator %q: %w", c.ID, err)
	}
	task.AddChange(Change{
		Kind:       ChangeUpdateIterator,
		Iterator:   c.ID,
		ByteOffset: next.ByteOffset,
		FileOffset: next.FileOffset,
	})
	return &Response{Type: "select", Result: map[string]interface{}{
		"files": lines,
		"done":  next.Exhausted(),
	}}, nil
}

func dispatchIndex(c *query.IndexCommand, task *Task, snap *Snapshot) (*Response, error) {
	paths := c.Paths
	if c.FromList != "" {
		data, err := os.ReadFile(c.FromList)
		if err != nil {
			return nil, fmt.Errorf("ursa/db: reading file list %q: %w", c.FromList, err)
		}
		for _, line := range strings.Split(string(data), "\n") {
			line = strings.TrimRight(line, "\r")
			if line != "" {
				paths = append(paths, line)
			}
		}
	}

	types := c.Types
	if len(types) == 0 {
		types = ursa.AllIndexTypes
	}

	ix := build.NewIndexer(build.Options{
		Dir:           snap.db.dir,
		Types:         types,
		MaxFileSizeMB: snap.Config().GetOrDefault(ConfigMaxFileSizeMB, 0),
		Logger:        snap.db.log,
	})
	task.SetEstimatedWork(uint64(len(paths)))
	for _, p := range paths {
		if err := ix.Index(p); err != nil {
			return nil, fmt.Errorf("ursa/db: indexing %q: %w", p, err)
		}
		task.AddDoneWork(1)
	}
	created, err := ix.Finalize()
	if err != nil {
		return nil, fmt.Errorf("ursa/db: finalizing index: %w", err)
	}

	names := make([]string, len(created))
	for i, cd := range created {
		task.AddChange(Change{Kind: ChangeInsert, Dataset: cd.Name})
		names[i] = cd.Name
	}
	return &Response{Type: "ok", Result: map[string]interface{}{"datasets": names}}, nil
}

// dispatchReindex rebuilds a dataset's index files from the same backing
// files under a different set of IndexTypes (spec §4.7 `reindex`): since a
// dataset stores only filenames, not file content (spec §3), this re-reads
// every file at its stored path; a file that has since moved or been
// deleted is logged and left out of the new dataset.
func dispatchReindex(c *query.ReindexCommand, task *Task, snap *Snapshot) (*Response, error) {
	d, ok := snap.Dataset(c.Dataset)
	if !ok {
		return errorResponse(fmt.Errorf("ursa/db: unknown dataset %q", c.Dataset)), nil
	}
	types := c.Types
	if len(types) == 0 {
		types = ursa.AllIndexTypes
	}

	ix := build.NewIndexer(build.Options{
		Dir:           snap.db.dir,
		Types:         types,
		MaxFileSizeMB: snap.Config().GetOrDefault(ConfigMaxFileSizeMB, 0),
		Logger:        snap.db.log,
	})
	task.SetEstimatedWork(uint64(d.FileCount()))
	var walkErr error
	if err := d.ForEachFilename(func(_ ursa.FileId, name string) error {
		if err := ix.Index(name); err != nil {
			walkErr = err
			return err
		}
		task.AddDoneWork(1)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("ursa/db: reindexing %q: %w", c.Dataset, walkErr)
	}

	replacement, err := ix.ForceCompact()
	if err != nil {
		return nil, fmt.Errorf("ursa/db: reindexing %q: %w", c.Dataset, err)
	}

	// Insert before drop (spec.md §9 Open Question 2 resolution): the new
	// dataset is live before the old one disappears, so a reader racing the
	// commit never sees neither.
	task.AddChange(Change{Kind: ChangeInsert, Dataset: replacement.Name})
	task.AddChange(Change{Kind: ChangeDrop, Dataset: c.Dataset})
	return &Response{Type: "ok", Result: map[string]interface{}{"dataset": replacement.Name}}, nil
}

// compactionCandidates computes the dataset names a compact command would
// merge, from datasets visible in snap (spec §5 "compact smart/all:
// DatasetLock for each candidate, computed from the current Snapshot").
func compactionCandidates(snap *Snapshot, mode query.CompactMode) ([]string, error) {
	var infos []build.DatasetInfo
	for _, d := range snap.Datasets() {
		m, _ := snap.Manifest(d.Name())
		infos = append(infos, build.DatasetInfo{
			Name:      d.Name(),
			SizeBytes: datasetSizeBytes(snap.db.dir, m),
			FileCount: int(d.FileCount()),
			Taints:    d.Taints(),
			Types:     d.IndexTypes(),
		})
	}
	bmode := build.CompactSmart
	if mode == query.CompactAll {
		bmode = build.CompactFull
	}
	maxDatasets := int(snap.Config().GetOrDefault(ConfigMergeMaxDatasets, 0))
	maxFiles := int(snap.Config().GetOrDefault(ConfigMergeMaxFiles, 0))
	return build.SelectCompactionCandidates(infos, bmode, maxDatasets, maxFiles), nil
}

func datasetSizeBytes(dir string, m *ursa.DatasetManifest) int64 {
	if m == nil {
		return 0
	}
	var total int64
	for _, entry := range m.Indices {
		if fi, err := os.Stat(filepath.Join(dir, entry)); err == nil {
			total += fi.Size()
		}
	}
	if fi, err := os.Stat(filepath.Join(dir, m.Files)); err == nil {
		total += fi.Size()
	}
	return total
}

func dispatchCompact(c *query.CompactCommand, task *Task, snap *Snapshot) (*Response, error) {
	names, err := compactionCandidates(snap, c.Mode)
	if err != nil {
		return nil, err
	}
	if len(names) < 2 {
		return &Response{Type: "ok", Result: map[string]interface{}{"merged": []string{}}}, nil
	}

	datasets := make([]*ursa.OnDiskDataset, len(names))
	manifests := make([]*ursa.DatasetManifest, len(names))
	for i, n := range names {
		d, ok := snap.Dataset(n)
		if !ok {
			return nil, fmt.Errorf("ursa/db: compact: dataset %q vanished from snapshot", n)
		}
		m, _ := snap.Manifest(n)
		datasets[i] = d
		manifests[i] = m
	}

	task.SetEstimatedWork(uint64(len(names)))
	destName := "ds-" + uuid.NewString()
	merged, err := ursa.MergeDatasets(snap.db.dir, destName, datasets, manifests, func(entry string) string {
		return filepath.Join(snap.db.dir, entry)
	})
	if err != nil {
		return nil, fmt.Errorf("ursa/db: merging %v: %w", names, err)
	}
	task.AddDoneWork(uint64(len(names)))
	manifestPath := filepath.Join(snap.db.dir, destName)
	if err := merged.Save(manifestPath); err != nil {
		return nil, fmt.Errorf("ursa/db: saving merged manifest: %w", err)
	}

	task.AddChange(Change{Kind: ChangeInsert, Dataset: destName})
	for _, n := range names {
		task.AddChange(Change{Kind: ChangeDrop, Dataset: n})
	}
	return &Response{Type: "ok", Result: map[string]interface{}{"merged": names, "into": destName}}, nil
}

func dispatchDataset(c *query.DatasetCommand, task *Task, snap *Snapshot) (*Response, error) {
	if _, ok := snap.Dataset(c.Dataset); !ok {
		return errorResponse(fmt.Errorf("ursa/db: unknown dataset %q", c.Dataset)), nil
	}
	switch c.Action {
	case query.DatasetTaint:
		task.AddChange(Change{Kind: ChangeToggleTaint, Dataset: c.Dataset, Taint: c.Taint, TaintAdd: true})
	case query.DatasetUntaint:
		task.AddChange(Change{Kind: ChangeToggleTaint, Dataset: c.Dataset, Taint: c.Taint, TaintAdd: false})
	case query.DatasetDrop:
		task.AddChange(Change{Kind: ChangeDrop, Dataset: c.Dataset})
	}
	return &Response{Type: "ok"}, nil
}

func dispatchConfig(c *query.ConfigCommand, task *Task, snap *Snapshot) (*Response, error) {
	if c.IsSet {
		task.AddChange(Change{Kind: ChangeConfig, ConfigKey: c.SetKey, ConfigValue: c.SetValue})
		return &Response{Type: "config", Result: map[string]int64{c.SetKey: c.SetValue}}, nil
	}
	keys := c.Get
	if len(keys) == 0 {
		keys = snap.Config().Keys()
	}
	out := make(map[string]int64, len(keys))
	for _, k := range keys {
		out[k] = snap.Config().GetOrDefault(k, 0)
	}
	return &Response{Type: "config", Result: out}, nil
}

func dispatchStatus(_ *Task, snap *Snapshot) (*Response, error) {
	return &Response{Type: "status", Result: map[string]interface{}{
		"datasets": len(snap.Datasets()),
		"tasks":    snap.db.TaskInfos(),
	}}, nil
}

// datasetTopology is one dataset's entry in the topology response.
type datasetTopology struct {
	Name      string   `json:"name"`
	FileCount int      `json:"file_count"`
	Taints    []string `json:"taints"`
	Types     []string `json:"types"`
}

func dispatchTopology(snap *Snapshot) (*Response, error) {
	var out []datasetTopology
	for _, d := range snap.Datasets() {
		types := make([]string, 0, len(d.IndexTypes()))
		for _, t := range d.IndexTypes() {
			types = append(types, t.String())
		}
		out = append(out, datasetTopology{
			Name:      d.Name(),
			FileCount: int(d.FileCount()),
			Taints:    d.Taints(),
			Types:     types,
		})
	}
	return &Response{Type: "topology", Result: out}, nil
}
