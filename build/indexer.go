package build

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sourcegraph/ursa"
)

// indexerCompactThreshold bounds how many datasets one Indexer's own spills
// may accumulate before it self-merges them (spec §4.7
// INDEXER_COMPACT_THRESHOLD = 20), keeping dataset count bounded during a
// large import.
const indexerCompactThreshold = 20

// builderGroup is one (flat or bitmap) family of per-IndexType builders
// sharing a FileId space: every index in a dataset must cover exactly the
// same ordered set of FileIds (spec §3), so all builders in a group are fed
// the same fid for the same file and spilled together.
type builderGroup struct {
	builders map[ursa.IndexType]IndexBuilder
	names    []string
	nextFid  ursa.FileId
}

func newBuilderGroup(types []ursa.IndexType, bitmap bool) *builderGroup {
	g := &builderGroup{builders: make(map[ursa.IndexType]IndexBuilder, len(types))}
	for _, t := range types {
		if bitmap {
			g.builders[t] = NewBitmapIndexBuilder(t)
		} else {
			g.builders[t] = NewFlatIndexBuilder(t)
		}
	}
	return g
}

func (g *builderGroup) empty() bool {
	for _, b := range g.builders {
		return b.Empty()
	}
	return true
}

func (g *builderGroup) canStillAdd(bytes int64) bool {
	for _, b := range g.builders {
		if !b.CanStillAdd(bytes) {
			return false
		}
	}
	return true
}

func (g *builderGroup) clear() {
	for _, b := range g.builders {
		b.Clear()
	}
	g.names = nil
	g.nextFid = 0
}

// Indexer owns one flat and one bitmap builderGroup and the list of
// OnDiskDatasets it has produced so far (spec §4.7). It is driven by a
// sequence of Index(path) calls followed by Finalize.
type Indexer struct {
	dir           string
	types         []ursa.IndexType
	maxFileSizeMB int64 // 0 = unbounded; resolves spec.md §9 Open Question 3
	log           *zap.Logger

	flat   *builderGroup
	bitmap *builderGroup

	created []CreatedDataset
}

// CreatedDataset is one dataset this Indexer wrote to disk, named so the
// caller (ursa/db) can register it via a DBChange without re-deriving the
// manifest path.
type CreatedDataset struct {
	Name         string
	ManifestPath string
	Manifest     *ursa.DatasetManifest
	FileCount    ursa.FileId
}

// Options configures an Indexer.
type Options struct {
	Dir           string
	Types         []ursa.IndexType
	MaxFileSizeMB int64 // spec.md §9 Open Question 3: configurable, not hard-coded
	Logger        *zap.Logger
}

// NewIndexer constructs an Indexer writing new datasets under opts.Dir.
func NewIndexer(opts Options) *Indexer {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Indexer{
		dir:           opts.Dir,
		types:         opts.Types,
		maxFileSizeMB: opts.MaxFileSizeMB,
		log:           log.Named("indexer"),
		flat:          newBuilderGroup(opts.Types, false),
		bitmap:        newBuilderGroup(opts.Types, true),
	}
}

// Index reads target and routes it to the flat or bitmap builder group
// depending on size (spec §4.7):
//  1. stat the file; skip (with a log line) if empty, unreadable, or its
//     name contains '\r'/'\n' (spec §4.4 invariant on filenames);
//  2. if it exceeds the configured per-file cap, skip it;
//  3. route to bitmap if it exceeds bitmapFileSizeThreshold, else flat;
//  4. spill that group first if it cannot accept the file;
//  5. AddFile into every builder in the chosen group under one shared fid.
func (ix *Indexer) Index(target string) error {
	if strings.ContainsAny(target, "\r\n") {
		ix.log.Warn("skipping file with invalid name", zap.String("path", target))
		return nil
	}
	fi, err := os.Stat(target)
	if err != nil {
		ix.log.Warn("skipping unreadable file", zap.String("path", target), zap.Error(err))
		return nil
	}
	if fi.Size() == 0 {
		ix.log.Debug("skipping empty file", zap.String("path", target))
		return nil
	}
	if ix.maxFileSizeMB > 0 && fi.Size() > ix.maxFileSizeMB<<20 {
		ix.log.Warn("skipping file exceeding max_file_size_mb", zap.String("path", target), zap.Int64("size", fi.Size()))
		return nil
	}

	data, err := os.ReadFile(target)
	if err != nil {
		ix.log.Warn("skipping unreadable file", zap.String("path", target), zap.Error(err))
		return nil
	}

	group := ix.flat
	if fi.Size() > bitmapFileSizeThreshold {
		group = ix.bitmap
	}
	if !group.canStillAdd(int64(len(data))) {
		if err := ix.spill(group); err != nil {
			return err
		}
	}

	fid := group.nextFid
	for _, t := range ix.types {
		if err := group.builders[t].AddFile(fid, data); err != nil {
			ix.log.Warn("skipping file", zap.String("path", target), zap.Error(err))
			return nil
		}
	}
	group.names = append(group.names, target)
	group.nextFid++
	return nil
}

// spill saves group's accumulated state as a new OnDiskDataset, registers
// it, and — if the indexer's own dataset count has reached
// indexerCompactThreshold — merges its own datasets down to one so the
// count stays bounded during a large import (spec §4.7 step 3).
func (ix *Indexer) spill(group *builderGroup) error {
	if group.empty() {
		return nil
	}
	name := newDatasetName()
	manifest := &ursa.DatasetManifest{}
	for _, t := range ix.types {
		if err := group.builders[t].Save(ix.dir, name); err != nil {
			return fmt.Errorf("ursa/build: saving %s index for dataset %s: %w", t, name, err)
		}
		manifest.Indices = append(manifest.Indices, t.String()+"."+name)
	}

	filesName := "files." + name
	if err := writeNamesFile(filepath.Join(ix.dir, filesName), group.names); err != nil {
		return err
	}
	manifest.Files = filesName

	// The name cache is derivable, so failing to write it is not fatal:
	// OpenOnDiskFileIndex rebuilds the offsets by scanning the files list.
	cacheName := "namecache." + name
	if nf, err := ix.openRel(filesName); err == nil {
		if err := ursa.BuildNameCache(filepath.Join(ix.dir, cacheName), nf); err == nil {
			manifest.FilenameCache = cacheName
		} else {
			ix.log.Warn("could not write name cache", zap.String("dataset", name), zap.Error(err))
		}
		nf.Close()
	}

	manifestPath := filepath.Join(ix.dir, name)
	if err := manifest.Save(manifestPath); err != nil {
		return err
	}

	ix.created = append(ix.created, CreatedDataset{
		Name:         name,
		ManifestPath: manifestPath,
		Manifest:     manifest,
		FileCount:    group.nextFid,
	})
	group.clear()

	if len(ix.created) >= indexerCompactThreshold {
		if err := ix.selfCompact(); err != nil {
			return err
		}
	}
	return nil
}

// selfCompact merges every dataset this Indexer has created so far into
// one, keeping the running dataset count bounded during a large import
// (spec §4.7 step 3). It is not the general compactor (see compactor.go);
// it always merges the indexer's own full set, since they all share empty
// taints and identical index-type sets by construction.
func (ix *Indexer) selfCompact() error {
	merged, err := ix.mergeCreated(ix.created)
	if err != nil {
		return err
	}
	ix.created = []CreatedDataset{merged}
	return nil
}

func (ix *Indexer) mergeCreated(datasets []CreatedDataset) (CreatedDataset, error) {
	if len(datasets) == 1 {
		return datasets[0], nil
	}
	opened := make([]*ursa.OnDiskDataset, len(datasets))
	manifests := make([]*ursa.DatasetManifest, len(datasets))
	for i, cd := range datasets {
		manifests[i] = cd.Manifest
		ds, err := ursa.OpenOnDiskDataset(cd.Name, cd.Manifest, ix.openRel)
		if err != nil {
			return CreatedDataset{}, err
		}
		opened[i] = ds
	}
	defer func() {
		for _, ds := range opened {
			ds.Close()
		}
	}()

	destName := newDatasetName()
	manifest, err := ursa.MergeDatasets(ix.dir, destName, opened, manifests, func(entry string) string {
		return filepath.Join(ix.dir, entry)
	})
	if err != nil {
		return CreatedDataset{}, err
	}
	manifestPath := filepath.Join(ix.dir, destName)
	if err := manifest.Save(manifestPath); err != nil {
		return CreatedDataset{}, err
	}

	var total ursa.FileId
	for _, cd := range datasets {
		total += cd.FileCount
	}
	for _, cd := range datasets {
		if err := ursa.DropFiles(ix.dir, cd.ManifestPath, cd.Manifest); err != nil {
			return CreatedDataset{}, err
		}
	}

	return CreatedDataset{Name: destName, ManifestPath: manifestPath, Manifest: manifest, FileCount: total}, nil
}

func (ix *Indexer) openRel(rel string) (ursa.RandomAccessFile, error) {
	f, err := os.Open(filepath.Join(ix.dir, rel))
	if err != nil {
		return nil, err
	}
	return ursa.OpenMmapFile(f)
}

// Finalize spills any residual builder state and returns every dataset this
// Indexer created (spec §4.7 `finalize`).
func (ix *Indexer) Finalize() ([]CreatedDataset, error) {
	if err := ix.spill(ix.flat); err != nil {
		return nil, err
	}
	if err := ix.spill(ix.bitmap); err != nil {
		return nil, err
	}
	return ix.created, nil
}

// ForceCompact spills residuals and, if more than one dataset remains,
// merges them all into a single dataset (spec §4.7 `force_compact`).
func (ix *Indexer) ForceCompact() (CreatedDataset, error) {
	created, err := ix.Finalize()
	if err != nil {
		return CreatedDataset{}, err
	}
	if len(created) == 0 {
		return CreatedDataset{}, fmt.Errorf("ursa/build: force_compact: nothing was indexed")
	}
	merged, err := ix.mergeCreated(created)
	if err != nil {
		return CreatedDataset{}, err
	}
	ix.created = []CreatedDataset{merged}
	return merged, nil
}

func writeNamesFile(path string, names []string) (err error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".ursa-files-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			os.Remove(tmpName)
		}
	}()
	w := bufio.NewWriter(tmp)
	for _, n := range names {
		if _, err = w.WriteString(n); err != nil {
			tmp.Close()
			return err
		}
		if err = w.WriteByte('\n'); err != nil {
			tmp.Close()
			return err
		}
	}
	if err = w.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// newDatasetName allocates a collision-resistant dataset name (spec §4.7
// "fresh unique dataset name"), backed by github.com/google/uuid rather
// than a hand-rolled random-hex generator (SPEC_FULL.md §4.11).
func newDatasetName() string {
	return "ds-" + uuid.NewString()
}
