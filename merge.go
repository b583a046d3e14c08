package ursa

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ForEachFilename streams every filename in fx, in FileId order, to cb. This
// is the "everything" fast path: when a query cannot narrow a dataset at
// all, the caller emits every name this way rather than paying for a
// decode-and-lookup per FileId (spec §4.4).
func (fx *OnDiskFileIndex) ForEachFilename(cb func(FileId, string) error) error {
	for i := 0; i < fx.FileCount(); i++ {
		name, err := fx.Name(FileId(i))
		if err != nil {
			return err
		}
		if err := cb(FileId(i), name); err != nil {
			return err
		}
	}
	return nil
}

// ForEachFilename streams every filename in d, in FileId order, to cb (spec
// §4.4; used directly by reindex, which needs every backing path without an
// index narrowing the set first).
func (d *OnDiskDataset) ForEachFilename(cb func(FileId, string) error) error {
	return d.files.ForEachFilename(cb)
}

// ExecuteGraphs evaluates one QueryGraph per IndexType against d, intersecting
// the per-type results (spec §4.2 `query`, §4.5 "AND compiles each child
// against each index type and intersects their QueryResults"). Only index
// types d actually carries are consulted; a graph with no corresponding
// index contributes nothing (its absence is not a constraint). If d carries
// none of the requested types at all, the result is EverythingResult() —
// this dataset's indices simply have nothing to say about the query, so it
// cannot be pruned.
func (d *OnDiskDataset) ExecuteGraphs(graphs map[IndexType]*QueryGraph) (QueryResult, error) {
	result := EverythingResult()
	for _, t := range d.IndexTypes() {
		graph, ok := graphs[t]
		if !ok {
			continue
		}
		ix := d.indices[t]
		var runErr error
		oracle := func(gram uint32) QueryResult {
			tg, ok := ConvertGram(t, gram)
			if !ok {
				return EverythingResult()
			}
			run, err := ix.Run(tg)
			if err != nil {
				if runErr == nil {
					runErr = err
				}
				return EverythingResult()
			}
			return ResultFromRun(run)
		}
		r := graph.Run(oracle)
		if runErr != nil {
			return QueryResult{}, runErr
		}
		result = result.And(r)
	}
	return result, nil
}

// FullResult is the QueryResult matching every FileId d carries: the
// identity a MIN_OF/compound evaluator substitutes for EverythingResult()
// when it needs a concrete SortedRun to sweep over (spec §4.1 pick_common
// operates on concrete runs, not the "everything" sentinel).
func (d *OnDiskDataset) FullResult() QueryResult {
	ids := make([]FileId, d.FileCount())
	for i := range ids {
		ids[i] = FileId(i)
	}
	return ResultFromRun(NewSortedRun(ids))
}

// Execute streams the filenames matching result: every name, if result is
// EverythingResult() (the index could not prune this dataset at all), or
// just the names of result's decoded FileIds otherwise (spec §4.4 execute).
func (d *OnDiskDataset) Execute(result QueryResult, emit func(string) error) error {
	if result.IsEverything() {
		return d.files.ForEachFilename(func(_ FileId, name string) error {
			return emit(name)
		})
	}
	run := result.Run()
	ids, err := run.Decode()
	if err != nil {
		return err
	}
	for _, id := range ids {
		name, err := d.Filename(id)
		if err != nil {
			return err
		}
		if err := emit(name); err != nil {
			return err
		}
	}
	return nil
}

// MergeDatasets verifies the §3/§4.4 merge preconditions (taint-compatible,
// identical index-type sets) and streams datasets into one new dataset at
// destDir/destName: one streaming OnDiskIndex merge per shared index type,
// then a concatenation of filename files in FileId order, then a manifest
// whose taints are inherited from the (identical) input taint sets.
//
// fileOf maps a manifest entry (e.g. "gram3.abcd1234.mydb") to the path of
// that component's backing file on disk, so the merge can reopen inputs
// without needing every index already memory-mapped by the caller.
func MergeDatasets(destDir, destName string, datasets []*OnDiskDataset, manifests []*DatasetManifest, fileOf func(entry string) string) (*DatasetManifest, error) {
	if len(datasets) == 0 {
		return nil, fmt.Errorf("ursa: merge requires at least one dataset")
	}
	for i := 1; i < len(datasets); i++ {
		if !Mergeable(datasets[0], datasets[i]) {
			return nil, fmt.Errorf("ursa: dataset %q is not mergeable with %q (taint or index-type mismatch)", datasets[i].Name(), datasets[0].Name())
		}
	}

	types := datasets[0].IndexTypes()
	fileCounts := make([]FileId, len(datasets))
	for i, ds := range datasets {
		fileCounts[i] = ds.FileCount()
	}

	manifest := &DatasetManifest{Taints: datasets[0].Taints()}

	for _, t := range types {
		inputs := make([]RandomAccessFile, len(manifests))
		for i, m := range manifests {
			entry, err := indexEntryForType(m, t)
			if err != nil {
				return nil, err
			}
			f, err := os.Open(fileOf(entry))
			if err != nil {
				return nil, fmt.Errorf("ursa: merge: opening %s: %w", entry, err)
			}
			raf, err := OpenMmapFile(f)
			if err != nil {
				return nil, err
			}
			inputs[i] = raf
		}

		outName := fmt.Sprintf("%s.%s.%s", t.String(), shortID(destName), destName)
		outPath := filepath.Join(destDir, outName)
		if err := MergeOnDiskIndexes(outPath, inputs, fileCounts); err != nil {
			for _, in := range inputs {
				in.Close()
			}
			return nil, err
		}
		for _, in := range inputs {
			in.Close()
		}
		manifest.Indices = append(manifest.Indices, outName)
	}

	filesName := fmt.Sprintf("files.%s.%s", shortID(destName), destName)
	filesPath := filepath.Join(destDir, filesName)
	if err := concatFilenames(filesPath, manifests, fileOf); err != nil {
		return nil, err
	}
	manifest.Files = filesName

	// The name cache is derivable on load, so its write failing does not
	// fail the merge.
	cacheName := fmt.Sprintf("namecache.%s.%s", shortID(destName), destName)
	if nf, err := os.Open(filesPath); err == nil {
		if raf, err := OpenMmapFile(nf); err == nil {
			if err := BuildNameCache(filepath.Join(destDir, cacheName), raf); err == nil {
				manifest.FilenameCache = cacheName
			}
			raf.Close()
		}
	}

	return manifest, nil
}

func indexEntryForType(m *DatasetManifest, t IndexType) (string, error) {
	for _, entry := range m.Indices {
		et, err := indexManifestType(entry)
		if err == nil && et == t {
			return entry, nil
		}
	}
	return "", fmt.Errorf("ursa: manifest has no %s index entry", t)
}

// concatFilenames writes dest as the newline-terminated concatenation of
// every manifest's files entry, in order — the merged dataset's FileId
// space is exactly the concatenation of its inputs' (spec §4.4).
func concatFilenames(dest string, manifests []*DatasetManifest, fileOf func(entry string) string) (err error) {
	dir := filepath.Dir(dest)
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
	for _, m := range manifests {
		src, oerr := os.Open(fileOf(m.Files))
		if oerr != nil {
			tmp.Close()
			return oerr
		}
		if _, cerr := io.Copy(w, bufio.NewReader(src)); cerr != nil {
			src.Close()
			tmp.Close()
			return cerr
		}
		src.Close()
	}
	if err = w.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, dest)
}

// shortID is a short, filename-safe discriminator derived from destName, used
// to keep component filenames distinct from any stale file left by a prior
// failed merge of the same dataset name.
func shortID(destName string) string {
	h := fnv32(destName)
	return fmt.Sprintf("%08x", h)
}

func fnv32(s string) uint32 {
	const (
		offset32 = 2166136261
		prime32  = 16777619
	)
	h := uint32(offset32)
	for i := 0; i < len(s); i++ {
		h *= prime32
		h ^= uint32(s[i])
	}
	return h
}
