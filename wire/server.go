package wire

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/sourcegraph/ursa/db"
	"github.com/sourcegraph/ursa/query"
)

// DefaultAddr is the default bind address (spec §6 "tcp://127.0.0.1:9281",
// minus the ZeroMQ transport prefix — see DESIGN.md for why this server
// speaks plain TCP instead of ROUTER/DEALER).
const DefaultAddr = "127.0.0.1:9281"

// Options configures a Server.
type Options struct {
	// MaxWorkers bounds how many commands may be dispatched concurrently,
	// the "fixed pool of worker threads" spec §5 describes. 0 means a
	// reasonable default (16).
	MaxWorkers int64
	// GCInterval is how often the coordinator sweeps dropped datasets with
	// no live Snapshot reference (spec §4.8 collect_garbage). 0 disables
	// the background sweep.
	GCInterval time.Duration
	Logger     *zap.Logger
}

// Server is ursa's coordinator: it owns the Database and accepts
// connections speaking the line-based command protocol (spec §5/§6).
// Database's own mutex is the serialization point spec §5 calls "one
// coordinator thread" — every AllocateTask/CommitTask/CollectGarbage call
// already takes that lock, so workers calling them directly from their own
// goroutines is equivalent to routing through a single actor goroutine,
// without the extra channel indirection (mirrors shards/shards.go's
// mutex-plus-atomic.Value pattern rather than introducing a message-passing
// actor the teacher itself doesn't use).
type Server struct {
	ln       net.Listener
	database *db.Database
	sem      *semaphore.Weighted
	log      *zap.Logger
	gcEvery  time.Duration

	nextConn uint64
}

// NewServer wraps ln as an ursa wire server fronting database.
func NewServer(ln net.Listener, database *db.Database, opts Options) *Server {
	workers := opts.MaxWorkers
	if workers <= 0 {
		workers = 16
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		ln:       ln,
		database: database,
		sem:      semaphore.NewWeighted(workers),
		log:      log.Named("wire"),
		gcEvery:  opts.GCInterval,
	}
}

// Serve accepts connections until ctx is cancelled or the listener errors.
func (s *Server) Serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-ctx.Done()
		return s.ln.Close()
	})

	if s.gcEvery > 0 {
		g.Go(func() error {
			return s.runGC(ctx)
		})
	}

	g.Go(func() error {
		for {
			conn, err := s.ln.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			connID := strconv.FormatUint(atomic.AddUint64(&s.nextConn, 1), 10)
			go s.handleConn(ctx, connID, conn)
		}
	})

	return g.Wait()
}

func (s *Server) runGC(ctx context.Context) error {
	t := time.NewTicker(s.gcEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if err := s.database.CollectGarbage(); err != nil {
				s.log.Warn("garbage collection failed", zap.Error(err))
			}
		}
	}
}

func (s *Server) handleConn(ctx context.Context, connID string, conn net.Conn) {
	defer conn.Close()
	log := s.log.With(zap.String("conn", connID))

	scanner := newCommandScanner(bufio.NewReader(conn))
	enc := json.NewEncoder(conn)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		resp := s.handleCommand(ctx, connID, line, log)
		if err := enc.Encode(resp); err != nil {
			log.Warn("writing response failed", zap.Error(err))
			return
		}
	}
	if err := scanner.Err(); err != nil {
		log.Warn("connection scan failed", zap.Error(err))
	}
}

// handleCommand parses and dispatches a single command, acquiring a worker
// slot for the duration of the dispatch (spec §5 "a fixed pool of worker
// threads"), allocating and committing its Task, and releasing its
// Snapshot when done.
func (s *Server) handleCommand(ctx context.Context, connID, line string, log *zap.Logger) *db.Response {
	cmd, err := query.Parse(line)
	if err != nil {
		return &db.Response{Type: "error", Error: err.Error()}
	}

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return &db.Response{Type: "error", Error: "server shutting down"}
	}
	defer s.sem.Release(1)

	snap := s.database.Snapshot()
	defer snap.Release()

	locks, err := db.DeriveLocks(cmd, snap)
	if err != nil {
		return &db.Response{Type: "error", Error: err.Error()}
	}

	task, err := s.database.AllocateTask(connID, line, time.Now().UnixMilli(), locks)
	if err != nil {
		if errors.Is(err, db.ErrRetry) {
			return &db.Response{Type: "error", Error: err.Error(), Retry: true}
		}
		return &db.Response{Type: "error", Error: err.Error()}
	}

	resp, err := db.Dispatch(cmd, task, snap)
	if err != nil {
		// A failed task's changes are discarded, never committed.
		s.database.AbortTask(task)
		return &db.Response{Type: "error", Error: fmt.Sprintf("ursa/wire: %s", err)}
	}

	if commitErr := s.database.CommitTask(task); commitErr != nil {
		log.Error("commit_task failed", zap.Error(commitErr))
		return &db.Response{Type: "error", Error: commitErr.Error()}
	}
	return resp
}
