// Command ursadb_trim sweeps a database's base directory for component
// files no current dataset or iterator manifest references — the ones a
// crash between a merge's writes and its commit_task, or between a drop's
// commit and its next GC tick, can leave behind (spec §4.8 collect_garbage;
// SPEC_FULL.md §2 CLIs; a standalone GC for operators who would
// rather cron this offline sweep than rely on the running daemon's
// background ticker, which only reclaims datasets it watched get dropped
// during its own lifetime).
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sourcegraph/ursa"
)

type rawManifest struct {
	Datasets  []string          `json:"datasets"`
	Iterators map[string]string `json:"iterators"`
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("ursadb_trim", flag.ContinueOnError)
	dbName := fs.String("name", "db.ursa", "manifest filename, relative to <base-dir>")
	dryRun := fs.Bool("dry-run", false, "list files that would be removed without removing them")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: ursadb_trim [flags] <base-dir>")
		return 1
	}
	dir := fs.Arg(0)

	removed, err := trim(dir, *dbName, *dryRun)
	if err != nil {
		fmt.Fprintln(os.Stderr, "ursadb_trim:", err)
		return 1
	}
	for _, name := range removed {
		fmt.Println(name)
	}
	return 0
}

// trim returns the names (relative to dir) of every file it removed (or
// would remove, under dryRun).
func trim(dir, dbName string, dryRun bool) ([]string, error) {
	raw, err := loadRawManifest(filepath.Join(dir, dbName))
	if err != nil {
		return nil, err
	}

	keep := map[string]bool{dbName: true}
	for _, dsName := range raw.Datasets {
		keep[dsName] = true
		m, err := ursa.LoadDatasetManifest(filepath.Join(dir, dsName))
		if err != nil {
			// A manifest the database references but cannot parse is a
			// live inconsistency, not orphaned garbage: leave the
			// directory alone rather than guess.
			return nil, fmt.Errorf("dataset %q: %w", dsName, err)
		}
		for _, entry := range m.Indices {
			keep[entry] = true
		}
		if m.Files != "" {
			keep[m.Files] = true
		}
		if m.FilenameCache != "" {
			keep[m.FilenameCache] = true
		}
	}
	for id, backing := range raw.Iterators {
		keep[fmt.Sprintf("itermeta.%s.%s", id, dbName)] = true
		if backing != "" {
			keep[backing] = true
		} else {
			keep[fmt.Sprintf("iterator.%s.%s", id, dbName)] = true
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var removed []string
	for _, e := range entries {
		if e.IsDir() || keep[e.Name()] {
			continue
		}
		name := e.Name()
		if len(name) > 0 && name[0] == '.' {
			continue // write-temp-then-rename staging files, not ours to guess about
		}
		if !hasComponentPrefix(name) {
			// Not a recognizable component file (gram3./text4./.../
			// itermeta./iterator.) and not a live dataset manifest — could
			// be an unrelated file sharing the directory; skip it.
			if _, err := ursa.LoadDatasetManifest(filepath.Join(dir, name)); err != nil {
				continue
			}
		}
		if !dryRun {
			if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
				return removed, fmt.Errorf("removing %q: %w", name, err)
			}
		}
		removed = append(removed, name)
	}
	return removed, nil
}

func hasComponentPrefix(name string) bool {
	for _, prefix := range []string{"gram3.", "text4.", "hash4.", "wide8.", "files.", "namecache.", "itermeta.", "iterator."} {
		if len(name) >= len(prefix) && name[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}

func loadRawManifest(path string) (*rawManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m rawManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing database manifest %s: %w", path, err)
	}
	return &m, nil
}
