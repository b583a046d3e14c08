// Command ursadb_new creates an empty ursa database manifest at a given
// path (spec §6 CLIs; SPEC_FULL.md §2).
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sourcegraph/ursa/db"
	"github.com/sourcegraph/ursa/internal/ursalog"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("ursadb_new", flag.ContinueOnError)
	dbName := fs.String("name", "db.ursa", "manifest filename to create, relative to <base-dir>")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: ursadb_new [-name db.ursa] <base-dir>")
		return 1
	}
	dir := fs.Arg(0)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		fmt.Fprintln(os.Stderr, "ursadb_new:", err)
		return 1
	}

	log := ursalog.Scoped("ursadb_new")
	if _, err := db.New(dir, *dbName, log); err != nil {
		fmt.Fprintln(os.Stderr, "ursadb_new:", err)
		return 1
	}
	fmt.Println(filepath.Join(dir, *dbName))
	return 0
}
