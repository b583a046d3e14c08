// Command ursadb_index walks a list of paths and indexes them into a fresh
// set of datasets under a database's base directory, without going through
// the wire protocol (spec §6 CLIs; SPEC_FULL.md §2).
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bmatcuk/doublestar"
	humanize "github.com/dustin/go-humanize"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/sourcegraph/ursa"
	"github.com/sourcegraph/ursa/build"
	"github.com/sourcegraph/ursa/internal/ursalog"
)

type stringList []string

func (s *stringList) String() string     { return strings.Join(*s, ",") }
func (s *stringList) Set(v string) error { *s = append(*s, v); return nil }

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs_ := flag.NewFlagSet("ursadb_index", flag.ContinueOnError)
	dir := fs_.String("dir", "", "database base directory to write new datasets into (required)")
	typesFlag := fs_.String("types", "gram3,text4,hash4,wide8", "comma-separated index types to build")
	fromList := fs_.String("from-list", "", "read paths to index from this file, one per line, instead of walking positional args")
	maxFileSizeMB := fs_.Int64("max-file-size-mb", 0, "skip files larger than this many megabytes (0 = unbounded)")
	var ignores stringList
	fs_.Var(&ignores, "ignore", "doublestar glob pattern to skip (repeatable)")
	devLog := fs_.Bool("dev-log", false, "use a human-readable console log encoder instead of JSON")
	if err := fs_.Parse(args); err != nil {
		return 1
	}
	if *dir == "" {
		fmt.Fprintln(os.Stderr, "ursadb_index: -dir is required")
		return 1
	}

	ursalog.Init(*devLog)
	log := ursalog.Scoped("ursadb_index")
	_, _ = maxprocs.Set()

	types, err := parseTypes(*typesFlag)
	if err != nil {
		fmt.Fprintln(os.Stderr, "ursadb_index:", err)
		return 1
	}

	var paths []string
	if *fromList != "" {
		paths, err = readList(*fromList)
	} else {
		paths, err = walkPaths(fs_.Args(), ignores)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "ursadb_index:", err)
		return 1
	}
	if len(paths) == 0 {
		fmt.Fprintln(os.Stderr, "ursadb_index: nothing to index")
		return 1
	}

	ix := build.NewIndexer(build.Options{
		Dir:           *dir,
		Types:         types,
		MaxFileSizeMB: *maxFileSizeMB,
		Logger:        log,
	})

	start := time.Now()
	var totalBytes atomic.Int64
	report := time.NewTicker(2 * time.Second)
	defer report.Stop()
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case <-report.C:
				log.Sugar().Infof("indexed %s so far, %s elapsed", humanize.Bytes(uint64(totalBytes.Load())), time.Since(start).Round(time.Second))
			}
		}
	}()

	for i, p := range paths {
		if fi, err := os.Stat(p); err == nil {
			totalBytes.Add(fi.Size())
		}
		if err := ix.Index(p); err != nil {
			close(done)
			fmt.Fprintf(os.Stderr, "ursadb_index: indexing %q: %v\n", p, err)
			return 1
		}
		if i%1000 == 0 {
			log.Sugar().Debugf("indexed %d/%d files", i, len(paths))
		}
	}
	close(done)

	created, err := ix.Finalize()
	if err != nil {
		fmt.Fprintln(os.Stderr, "ursadb_index:", err)
		return 1
	}

	for _, cd := range created {
		fmt.Println(cd.Name)
	}
	log.Sugar().Infof("created %d dataset(s) from %d file(s) in %s", len(created), len(paths), time.Since(start).Round(time.Second))
	return 0
}

func parseTypes(s string) ([]ursa.IndexType, error) {
	var out []ursa.IndexType
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		t, err := ursa.ParseIndexType(part)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no index types given")
	}
	return out, nil
}

func readList(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []string
	s := bufio.NewScanner(f)
	s.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line != "" {
			out = append(out, line)
		}
	}
	return out, s.Err()
}

// walkPaths expands roots into a flat file list, skipping any path matching
// one of ignores via doublestar's glob matching — the same library and role
// the teacher's own indexer uses for its ignore-file patterns.
func walkPaths(roots []string, ignores []string) ([]string, error) {
	var out []string
	for _, root := range roots {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			for _, pattern := range ignores {
				if ok, _ := doublestar.PathMatch(pattern, path); ok {
					return nil
				}
			}
			out = append(out, path)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}
