// Command ursadb_compact merges a database's datasets without a running
// coordinator (spec §4.7 compact; SPEC_FULL.md §2 CLIs).
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/sourcegraph/ursa"
	"github.com/sourcegraph/ursa/build"
	"github.com/sourcegraph/ursa/internal/ursalog"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("ursadb_compact", flag.ContinueOnError)
	dbName := fs.String("name", "db.ursa", "manifest filename, relative to <base-dir>")
	mode := fs.String("mode", "smart", "compaction mode: \"smart\" or \"all\"")
	maxDatasets := fs.Int("max-datasets", 0, "cap on datasets merged in one pass (0 = unbounded)")
	maxFiles := fs.Int("max-files", 0, "cap on total files merged in one pass (0 = unbounded)")
	devLog := fs.Bool("dev-log", false, "use a human-readable console log encoder instead of JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: ursadb_compact [flags] <base-dir>")
		return 1
	}
	dir := fs.Arg(0)

	ursalog.Init(*devLog)
	log := ursalog.Scoped("ursadb_compact")

	compactMode := build.CompactSmart
	switch *mode {
	case "smart":
	case "all":
		compactMode = build.CompactFull
	default:
		fmt.Fprintf(os.Stderr, "ursadb_compact: unknown -mode %q (want \"smart\" or \"all\")\n", *mode)
		return 1
	}

	manifestNames, err := listDatasetManifests(dir, *dbName)
	if err != nil {
		fmt.Fprintln(os.Stderr, "ursadb_compact:", err)
		return 1
	}

	var infos []build.DatasetInfo
	manifests := make(map[string]*ursa.DatasetManifest, len(manifestNames))
	for _, name := range manifestNames {
		m, err := ursa.LoadDatasetManifest(filepath.Join(dir, name))
		if err != nil {
			fmt.Fprintln(os.Stderr, "ursadb_compact:", err)
			return 1
		}
		manifests[name] = m
		var size int64
		for _, entry := range m.Indices {
			if fi, err := os.Stat(filepath.Join(dir, entry)); err == nil {
				size += fi.Size()
			}
		}
		fileCount, err := countFiles(filepath.Join(dir, m.Files))
		if err != nil {
			fmt.Fprintln(os.Stderr, "ursadb_compact:", err)
			return 1
		}
		infos = append(infos, build.DatasetInfo{
			Name:      name,
			SizeBytes: size,
			FileCount: fileCount,
			Taints:    m.Taints,
			Types:     manifestIndexTypes(m),
		})
	}

	candidates := build.SelectCompactionCandidates(infos, compactMode, *maxDatasets, *maxFiles)
	if len(candidates) < 2 {
		log.Sugar().Infof("no compaction candidates found among %d dataset(s)", len(infos))
		return 0
	}

	datasets := make([]*ursa.OnDiskDataset, len(candidates))
	mlist := make([]*ursa.DatasetManifest, len(candidates))
	for i, name := range candidates {
		m := manifests[name]
		ds, err := ursa.OpenOnDiskDataset(name, m, func(rel string) (ursa.RandomAccessFile, error) {
			f, err := os.Open(filepath.Join(dir, rel))
			if err != nil {
				return nil, err
			}
			return ursa.OpenMmapFile(f)
		})
		if err != nil {
			fmt.Fprintln(os.Stderr, "ursadb_compact:", err)
			return 1
		}
		defer ds.Close()
		datasets[i] = ds
		mlist[i] = m
	}

	destName := "ds-" + uuid.NewString()
	merged, err := ursa.MergeDatasets(dir, destName, datasets, mlist, func(entry string) string {
		return filepath.Join(dir, entry)
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "ursadb_compact:", err)
		return 1
	}
	if err := merged.Save(filepath.Join(dir, destName)); err != nil {
		fmt.Fprintln(os.Stderr, "ursadb_compact:", err)
		return 1
	}
	for _, name := range candidates {
		if err := ursa.DropFiles(dir, filepath.Join(dir, name), manifests[name]); err != nil {
			fmt.Fprintln(os.Stderr, "ursadb_compact:", err)
			return 1
		}
	}

	log.Sugar().Infof("merged %v into %s", candidates, destName)
	fmt.Println(destName)
	return 0
}

func manifestIndexTypes(m *ursa.DatasetManifest) []ursa.IndexType {
	var out []ursa.IndexType
	for _, entry := range m.Indices {
		for _, t := range ursa.AllIndexTypes {
			if len(entry) > len(t.String()) && entry[:len(t.String())] == t.String() && entry[len(t.String())] == '.' {
				out = append(out, t)
				break
			}
		}
	}
	return out
}

func countFiles(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	if len(data) == 0 {
		return 0, nil
	}
	n := 1
	for _, b := range data {
		if b == '\n' {
			n++
		}
	}
	if data[len(data)-1] == '\n' {
		n--
	}
	return n, nil
}

// listDatasetManifests finds every dataset manifest file in dir: any
// regular file that isn't the database manifest itself, an index/files/
// namecache/iterator component, or a dotfile. Dataset manifest names are
// opaque ids (spec §6 "<kind>.<8-hex-id>.<dbname>" for components; bare
// ids for the manifest itself), so this recognizes them by exclusion.
func listDatasetManifests(dir, dbName string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || e.Name() == dbName {
			continue
		}
		if hasComponentPrefix(e.Name()) {
			continue
		}
		if len(e.Name()) > 0 && e.Name()[0] == '.' {
			continue
		}
		if _, err := ursa.LoadDatasetManifest(filepath.Join(dir, e.Name())); err == nil {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

func hasComponentPrefix(name string) bool {
	for _, prefix := range []string{"gram3.", "text4.", "hash4.", "wide8.", "files.", "namecache.", "itermeta.", "iterator."} {
		if len(name) >= len(prefix) && name[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}
