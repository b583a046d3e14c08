package db

import "sync/atomic"

// ChangeKind tags the variant of a Change (spec §3 "Insert/Drop/Reload/
// ToggleTaint/NewIterator/UpdateIterator/ConfigChange").
type ChangeKind int

const (
	ChangeInsert ChangeKind = iota
	ChangeDrop
	ChangeReload
	ChangeToggleTaint
	ChangeNewIterator
	ChangeUpdateIterator
	ChangeConfig
)

// Change is one deferred mutation to the Database's catalog, recorded by a
// worker against its Task and applied only when the coordinator runs
// CommitTask (spec §3 Task "DB Changes", §4.8 commit_task). It is a closed
// tagged union realized as one struct, matching the dispatch shell's own
// single-match idiom (spec §9).
type Change struct {
	Kind ChangeKind

	// Insert, Drop, Reload, ToggleTaint: the dataset name.
	Dataset string

	// ToggleTaint: the label and whether it is being added (true) or
	// removed (false).
	Taint    string
	TaintAdd bool

	// NewIterator, UpdateIterator: the iterator id.
	Iterator string
	// UpdateIterator: the new cumulative offsets, spec §4.8
	// `UpdateIterator(name, "bytes:files")`.
	ByteOffset uint64
	FileOffset uint64

	// ConfigChange.
	ConfigKey   string
	ConfigValue int64
}

// Task is a shared, reference-counted unit of server-side work (spec §3):
// an immutable specification plus two atomically updated progress counters
// and a thread-local list of pending Changes that take effect only once the
// coordinator commits the task.
type Task struct {
	ID          uint64
	ConnID      string
	RequestText string
	EpochMs     int64
	Locks       LockSet

	workEstimated uint64
	workDone      uint64

	changes []Change
}

// NewTask constructs a Task with the given immutable specification.
func NewTask(id uint64, connID, requestText string, epochMs int64, locks LockSet) *Task {
	return &Task{ID: id, ConnID: connID, RequestText: requestText, EpochMs: epochMs, Locks: locks}
}

// SetEstimatedWork records the total amount of work this task expects to
// do, read lock-free by status queries (spec §5).
func (t *Task) SetEstimatedWork(n uint64) { atomic.StoreUint64(&t.workEstimated, n) }

// AddDoneWork atomically advances the task's completed-work counter.
func (t *Task) AddDoneWork(n uint64) { atomic.AddUint64(&t.workDone, n) }

// Progress returns (done, estimated), both read lock-free (spec §5,
// SPEC_FULL.md §4.13 progress reporting).
func (t *Task) Progress() (done, estimated uint64) {
	return atomic.LoadUint64(&t.workDone), atomic.LoadUint64(&t.workEstimated)
}

// AddChange appends one deferred Change to this task's change list. Changes
// apply in the order they were added (spec §5 "within one task, DB changes
// apply in emission order").
func (t *Task) AddChange(c Change) { t.changes = append(t.changes, c) }

// Changes returns the task's pending change list, in emission order.
func (t *Task) Changes() []Change { return t.changes }
