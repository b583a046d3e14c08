package db

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/sourcegraph/ursa"
)

// ErrRetry marks an error as lock contention: the coordinator refused to
// admit a task because one of its locks overlaps a currently-live task's
// (spec §5). Dispatch uses errors.Is(err, ErrRetry) to set the wire
// response's `retry: true` flag without string matching (SPEC_FULL.md
// §4.10).
var ErrRetry = errors.New("ursa/db: lock contention, retry")

// currentManifestVersion is the Database manifest version this build
// writes. Load migrates anything older (SPEC_FULL.md §4.13 db.Upgrade).
const currentManifestVersion = "2"

// rawManifest is the on-the-wire JSON shape of a Database manifest (spec §3
// "list of dataset names, map of iterators (id -> filename), version
// string, config key/value map").
type rawManifest struct {
	Datasets  []string          `json:"datasets"`
	Iterators map[string]string `json:"iterators"`
	Version   string            `json:"version"`
	Config    map[string]int64  `json:"config"`
}

// migration upgrades a rawManifest in place from one version to the next.
type migration struct {
	from  string
	apply func(*rawManifest)
}

// migrations is the linear chain db.Load walks before use (SPEC_FULL.md
// §4.13, grounded on original_source/DatabaseUpgrader.h's migration-step
// intent). Today it holds two steps: from the oldest (unversioned) format,
// the config map, absent there, is made non-nil so later code never
// special-cases a nil map; from version "1", only the version string is
// bumped. Neither step touches taints, which live on dataset manifests, not
// the database manifest.
var migrations = []migration{
	{from: "", apply: func(m *rawManifest) {
		if m.Config == nil {
			m.Config = make(map[string]int64)
		}
		m.Version = "1"
	}},
	{from: "1", apply: func(m *rawManifest) {
		m.Version = currentManifestVersion
	}},
}

// Upgrade runs m through every migration step starting at m.Version,
// returning the number of steps applied.
func Upgrade(m *rawManifest) int {
	applied := 0
	for {
		found := false
		for _, step := range migrations {
			if step.from == m.Version {
				step.apply(m)
				found = true
				applied++
				break
			}
		}
		if !found {
			break
		}
	}
	return applied
}

// The coordinator's prometheus instruments, mirroring shards/shards.go's
// metricShardsLoaded family one-for-one in role (SPEC_FULL.md §4.11).
// Package-level so multiple Database instances in one process (tests, the
// ursadb_new CLI) share the same registration.
var (
	metricDatasetsLoaded = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ursa_datasets_loaded",
		Help: "Number of datasets currently loaded into the database.",
	})
	metricTasksInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ursa_tasks_in_flight",
		Help: "Number of tasks currently allocated and not yet committed.",
	})
	metricTasksCommitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ursa_tasks_committed_total",
		Help: "Total number of tasks committed.",
	})
	metricTasksRetried = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ursa_tasks_retried_total",
		Help: "Total number of tasks rejected for lock contention.",
	})
)

// datasetEntry is one loaded dataset plus the refcount of outstanding
// Snapshots referencing it — the bookkeeping CollectGarbage needs to know
// when a dropped dataset's files can actually be removed (spec §4.8
// "datasets produced by a merge become garbage after their parents are
// swapped in and any snapshot still referring to them has been released").
type datasetEntry struct {
	manifest *ursa.DatasetManifest
	ds       *ursa.OnDiskDataset
	refs     int
	dropped  bool
}

// Database owns the mutable catalog of datasets, iterators, and live tasks
// (spec §3/§4.8). Its methods may be called from many goroutines (ursa/wire
// calls them from each connection's handler); mu serializes every state
// transition.
type Database struct {
	mu sync.Mutex

	dir  string
	name string // manifest filename, relative to dir

	datasets  map[string]*datasetEntry
	iterators map[string]*IteratorMeta
	tasks     map[uint64]*Task
	nextTask  uint64

	config *Config
	log    *zap.Logger
}

// New creates an empty Database manifest at dir/name (spec §4.7's `ursadb_new`
// CLI use case).
func New(dir, name string, log *zap.Logger) (*Database, error) {
	if log == nil {
		log = zap.NewNop()
	}
	d := &Database{
		dir:       dir,
		name:      name,
		datasets:  make(map[string]*datasetEntry),
		iterators: make(map[string]*IteratorMeta),
		tasks:     make(map[uint64]*Task),
		config:    NewConfig(nil),
		log:       log.Named("db"),
	}
	if err := d.save(); err != nil {
		return nil, err
	}
	return d, nil
}

// Load reads and opens the Database manifest at dir/name, migrating an
// older version first, and opens every referenced dataset and iterator
// (spec §4.8, SPEC_FULL.md §4.13).
func Load(dir, name string, log *zap.Logger) (*Database, error) {
	if log == nil {
		log = zap.NewNop()
	}
	path := filepath.Join(dir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw rawManifest
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("ursa/db: parsing database manifest %s: %w", path, err)
	}
	migrated := Upgrade(&raw) > 0
	if migrated {
		log.Info("migrated database manifest", zap.String("path", path))
	}

	d := &Database{
		dir:       dir,
		name:      name,
		datasets:  make(map[string]*datasetEntry),
		iterators: make(map[string]*IteratorMeta),
		tasks:     make(map[uint64]*Task),
		config:    NewConfig(raw.Config),
		log:       log.Named("db"),
	}

	for _, dsName := range raw.Datasets {
		if err := d.loadDataset(dsName); err != nil {
			return nil, err
		}
	}
	for id, backing := range raw.Iterators {
		meta, err := loadIteratorMeta(metaPath(dir, name, id))
		if err != nil {
			return nil, fmt.Errorf("ursa/db: loading iterator %q: %w", id, err)
		}
		if meta.BackingStorage == "" {
			meta.BackingStorage = backing
		}
		d.iterators[id] = meta
	}

	if migrated {
		if err := d.save(); err != nil {
			return nil, err
		}
	}
	metricDatasetsLoaded.Set(float64(len(d.datasets)))
	return d, nil
}

func (d *Database) loadDataset(name string) error {
	manifestPath := filepath.Join(d.dir, name)
	manifest, err := ursa.LoadDatasetManifest(manifestPath)
	if err != nil {
		return fmt.Errorf("ursa/db: loading dataset %q: %w", name, err)
	}
	ds, err := ursa.OpenOnDiskDataset(name, manifest, d.openRel)
	if err != nil {
		return fmt.Errorf("ursa/db: opening dataset %q: %w", name, err)
	}
	d.datasets[name] = &datasetEntry{manifest: manifest, ds: ds}
	return nil
}

func (d *Database) openRel(rel string) (ursa.RandomAccessFile, error) {
	f, err := os.Open(filepath.Join(d.dir, rel))
	if err != nil {
		return nil, err
	}
	return ursa.OpenMmapFile(f)
}

// save persists the Database manifest using write-temp-then-rename.
func (d *Database) save() error {
	raw := rawManifest{
		Version:   currentManifestVersion,
		Config:    d.config.Raw(),
		Iterators: make(map[string]string, len(d.iterators)),
	}
	for name, entry := range d.datasets {
		if !entry.dropped {
			raw.Datasets = append(raw.Datasets, name)
		}
	}
	sort.Strings(raw.Datasets)
	for id, meta := range d.iterators {
		raw.Iterators[id] = meta.BackingStorage
	}

	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(d.dir, d.name)
	tmp, err := os.CreateTemp(d.dir, ".ursa-db-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

// Snapshot is an immutable view of the Database's catalog (spec §4.8): a
// frozen set of dataset/iterator handles and the config in effect when it
// was taken. All read-only operations (select, iterator pop, compaction
// candidate selection) run against a Snapshot rather than the Database
// directly, so they never observe a partial commit.
type Snapshot struct {
	db        *Database
	datasets  map[string]*ursa.OnDiskDataset
	manifests map[string]*ursa.DatasetManifest
	iterators map[string]IteratorMeta
	config    *Config
	released  bool
}

// Snapshot freezes the Database's current catalog state. The caller must
// call Release when done so CollectGarbage can eventually reclaim any
// dataset dropped since.
func (d *Database) Snapshot() *Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := &Snapshot{
		db:        d,
		datasets:  make(map[string]*ursa.OnDiskDataset, len(d.datasets)),
		manifests: make(map[string]*ursa.DatasetManifest, len(d.datasets)),
		iterators: make(map[string]IteratorMeta, len(d.iterators)),
		config:    d.config,
	}
	for name, entry := range d.datasets {
		if entry.dropped {
			continue
		}
		entry.refs++
		s.datasets[name] = entry.ds
		s.manifests[name] = entry.manifest
	}
	for id, meta := range d.iterators {
		s.iterators[id] = *meta
	}
	return s
}

// Release drops this snapshot's references to its datasets, making any
// already-dropped dataset with no other outstanding reference eligible for
// CollectGarbage.
func (s *Snapshot) Release() {
	if s.released {
		return
	}
	s.released = true
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	for name := range s.datasets {
		if entry, ok := s.db.datasets[name]; ok {
			entry.refs--
		}
	}
}

// Datasets returns every dataset in the snapshot, sorted by name.
func (s *Snapshot) Datasets() []*ursa.OnDiskDataset {
	names := make([]string, 0, len(s.datasets))
	for n := range s.datasets {
		names = append(names, n)
	}
	sort.Strings(names)
	out := make([]*ursa.OnDiskDataset, len(names))
	for i, n := range names {
		out[i] = s.datasets[n]
	}
	return out
}

// Dataset looks up one dataset by name.
func (s *Snapshot) Dataset(name string) (*ursa.OnDiskDataset, bool) {
	ds, ok := s.datasets[name]
	return ds, ok
}

// Manifest returns the raw manifest backing a dataset, used by compaction
// candidate selection (which needs taints/index-types without re-deriving
// them from the open dataset).
func (s *Snapshot) Manifest(name string) (*ursa.DatasetManifest, bool) {
	m, ok := s.manifests[name]
	return m, ok
}

// Iterator looks up one iterator's metadata by id.
func (s *Snapshot) Iterator(id string) (IteratorMeta, bool) {
	m, ok := s.iterators[id]
	return m, ok
}

// Config is the database configuration in effect at the time this snapshot
// was taken.
func (s *Snapshot) Config() *Config { return s.config }

// LiveLocks returns the union of every currently-allocated task's locks
// (spec §5 lock admission test).
func (d *Database) LiveLocks() LockSet {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out LockSet
	for _, t := range d.tasks {
		out = append(out, t.Locks...)
	}
	return out
}

// AllocateTask admits a new Task if none of locks overlaps any currently
// live task's locks (spec §5 "the coordinator grants the task only if no
// currently-live task holds an overlapping lock"). On conflict it returns
// ErrRetry, a sentinel dispatch converts into a wire response with
// retry=true.
func (d *Database) AllocateTask(connID, requestText string, epochMs int64, locks LockSet) (*Task, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, t := range d.tasks {
		if t.Locks.OverlapsAny(locks) {
			metricTasksRetried.Inc()
			return nil, ErrRetry
		}
	}
	d.nextTask++
	task := NewTask(d.nextTask, connID, requestText, epochMs, locks)
	d.tasks[task.ID] = task
	metricTasksInFlight.Set(float64(len(d.tasks)))
	return task, nil
}

// CommitTask applies task's changes in emission order (spec §4.8
// commit_task), releases its locks, and persists the database manifest if
// the catalog changed. Across tasks the coordinator commits in completion
// order, not allocation order (spec §5) — CommitTask itself does not
// enforce that ordering; it is the caller's (ursa/wire's per-command
// handler) responsibility to call CommitTask only as each task finishes.
func (d *Database) CommitTask(task *Task) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	dirty := false
	for _, c := range task.Changes() {
		if err := d.applyChange(c); err != nil {
			delete(d.tasks, task.ID)
			return err
		}
		dirty = true
	}
	delete(d.tasks, task.ID)
	metricTasksInFlight.Set(float64(len(d.tasks)))
	metricTasksCommitted.Inc()
	metricDatasetsLoaded.Set(float64(d.liveDatasetCountLocked()))

	if !dirty {
		return nil
	}
	return d.save()
}

// AbortTask discards task without applying any of its changes, releasing
// its locks (spec §7 "A failed task's changes are discarded").
func (d *Database) AbortTask(task *Task) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.tasks, task.ID)
	metricTasksInFlight.Set(float64(len(d.tasks)))
}

// TaskInfo is a read-only view of one in-flight task, served by the status
// command (spec §5 "the coordinator reads them lock-free for status
// queries").
type TaskInfo struct {
	ID            uint64 `json:"id"`
	ConnID        string `json:"connection_id"`
	Request       string `json:"request"`
	EpochMs       int64  `json:"epoch_ms"`
	WorkDone      uint64 `json:"work_done"`
	WorkEstimated uint64 `json:"work_estimated"`
}

// TaskInfos lists every currently allocated task, sorted by id. Progress
// counters are read atomically; the task list itself is guarded by the
// catalog mutex.
func (d *Database) TaskInfos() []TaskInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]TaskInfo, 0, len(d.tasks))
	for _, t := range d.tasks {
		done, estimated := t.Progress()
		out = append(out, TaskInfo{
			ID:            t.ID,
			ConnID:        t.ConnID,
			Request:       t.RequestText,
			EpochMs:       t.EpochMs,
			WorkDone:      done,
			WorkEstimated: estimated,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (d *Database) liveDatasetCountLocked() int {
	n := 0
	for _, e := range d.datasets {
		if !e.dropped {
			n++
		}
	}
	return n
}

func (d *Database) applyChange(c Change) error {
	switch c.Kind {
	case ChangeInsert:
		return d.loadDataset(c.Dataset)

	case ChangeDrop:
		entry, ok := d.datasets[c.Dataset]
		if !ok {
			return fmt.Errorf("ursa/db: drop: unknown dataset %q", c.Dataset)
		}
		entry.dropped = true

	case ChangeReload:
		if entry, ok := d.datasets[c.Dataset]; ok {
			entry.ds.Close()
			delete(d.datasets, c.Dataset)
		}
		return d.loadDataset(c.Dataset)

	case ChangeToggleTaint:
		entry, ok := d.datasets[c.Dataset]
		if !ok {
			return fmt.Errorf("ursa/db: toggle taint: unknown dataset %q", c.Dataset)
		}
		m := *entry.manifest
		m.Taints = toggleTaint(entry.manifest.Taints, c.Taint, c.TaintAdd)
		manifestPath := filepath.Join(d.dir, c.Dataset)
		if err := m.Save(manifestPath); err != nil {
			return err
		}
		entry.ds.Close()
		delete(d.datasets, c.Dataset)
		return d.loadDataset(c.Dataset)

	case ChangeNewIterator:
		meta, err := loadIteratorMeta(metaPath(d.dir, d.name, c.Iterator))
		if err != nil {
			return err
		}
		d.iterators[c.Iterator] = meta

	case ChangeUpdateIterator:
		meta, ok := d.iterators[c.Iterator]
		if !ok {
			return fmt.Errorf("ursa/db: update iterator: unknown iterator %q", c.Iterator)
		}
		next := *meta
		next.ByteOffset = c.ByteOffset
		next.FileOffset = c.FileOffset
		if next.Exhausted() {
			if err := Drop(d.dir, d.name, c.Iterator, &next); err != nil {
				return err
			}
			delete(d.iterators, c.Iterator)
			return nil
		}
		if err := saveIteratorMeta(metaPath(d.dir, d.name, c.Iterator), &next); err != nil {
			return err
		}
		d.iterators[c.Iterator] = &next

	case ChangeConfig:
		d.config = d.config.Set(c.ConfigKey, c.ConfigValue)

	default:
		return fmt.Errorf("ursa/db: unknown change kind %d", c.Kind)
	}
	return nil
}

func toggleTaint(taints []string, tag string, add bool) []string {
	out := make([]string, 0, len(taints)+1)
	found := false
	for _, t := range taints {
		if t == tag {
			found = true
			if !add {
				continue
			}
		}
		out = append(out, t)
	}
	if add && !found {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

// CollectGarbage permanently deletes the on-disk files of every dataset
// marked dropped that no live Snapshot still references (spec §4.8
// collect_garbage). It is safe to call concurrently with ongoing requests:
// it only ever removes entries with a zero refcount, and refcounts only
// decrease via Snapshot.Release (never observed mid-use).
func (d *Database) CollectGarbage() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for name, entry := range d.datasets {
		if !entry.dropped || entry.refs > 0 {
			continue
		}
		manifestPath := filepath.Join(d.dir, name)
		if err := ursa.DropFiles(d.dir, manifestPath, entry.manifest); err != nil {
			return fmt.Errorf("ursa/db: collecting garbage for %q: %w", name, err)
		}
		entry.ds.Close()
		delete(d.datasets, name)
	}
	return nil
}

// Dir is the base directory every dataset and iterator file lives under.
func (d *Database) Dir() string { return d.dir }

// Name is the database manifest's filename.
func (d *Database) Name() string { return d.name }

// Config returns the database's current configuration.
func (d *Database) Config() *Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.config
}

// TaskCount is the number of currently allocated (uncommitted) tasks.
func (d *Database) TaskCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tasks)
}
