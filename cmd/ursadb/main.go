// Command ursadb runs the ursa coordinator daemon: it loads a database
// manifest and serves the wire protocol over TCP (spec §5/§6).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"

	"github.com/sourcegraph/ursa/db"
	"github.com/sourcegraph/ursa/internal/ursalog"
	"github.com/sourcegraph/ursa/wire"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("ursadb", flag.ContinueOnError)
	addr := fs.String("addr", wire.DefaultAddr, "TCP address to listen on")
	dbName := fs.String("name", "db.ursa", "manifest filename, relative to <base-dir>")
	workers := fs.Int64("workers", 16, "maximum number of commands dispatched concurrently")
	gcInterval := fs.Duration("gc-interval", 30*time.Second, "how often to sweep dropped, unreferenced datasets")
	devLog := fs.Bool("dev-log", false, "use a human-readable console log encoder instead of JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: ursadb [flags] <base-dir>")
		return 1
	}
	dir := fs.Arg(0)

	ursalog.Init(*devLog)
	log := ursalog.Scoped("ursadb")

	// Tune GOMAXPROCS to match any container CPU quota.
	if _, err := maxprocs.Set(); err != nil {
		log.Warn("failed to set GOMAXPROCS", zap.Error(err))
	}
	raiseFileLimit(log)

	database, err := db.Load(dir, *dbName, log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "ursadb:", err)
		return 1
	}

	listener, err := newListener(*addr)
	if err != nil {
		fmt.Fprintln(os.Stderr, "ursadb:", err)
		return 1
	}

	srv := wire.NewServer(listener, database, wire.Options{
		MaxWorkers: *workers,
		GCInterval: *gcInterval,
		Logger:     log,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Info("ursadb listening", zap.String("addr", *addr), zap.String("dir", dir))
	if err := srv.Serve(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "ursadb:", err)
		return 1
	}
	return 0
}
