package db

import "fmt"

// LockKind distinguishes the two lockable resource kinds (spec §3 "A
// tagged handle DatasetLock(id) | IteratorLock(id)").
type LockKind int

const (
	DatasetLockKind LockKind = iota
	IteratorLockKind
)

// Lock is one exclusive claim a Task holds over a dataset or iterator for
// the duration of its request (spec §3/§5).
type Lock struct {
	Kind LockKind
	ID   string
}

// DatasetLock builds a lock over the dataset named id.
func DatasetLock(id string) Lock { return Lock{Kind: DatasetLockKind, ID: id} }

// IteratorLock builds a lock over the iterator named id.
func IteratorLock(id string) Lock { return Lock{Kind: IteratorLockKind, ID: id} }

func (l Lock) String() string {
	if l.Kind == IteratorLockKind {
		return fmt.Sprintf("IteratorLock(%s)", l.ID)
	}
	return fmt.Sprintf("DatasetLock(%s)", l.ID)
}

// Overlaps reports whether a and b claim the same resource.
func (l Lock) Overlaps(other Lock) bool {
	return l.Kind == other.Kind && l.ID == other.ID
}

// LockSet is an unordered collection of Locks a single Task holds.
type LockSet []Lock

// OverlapsAny reports whether any lock in s conflicts with any lock in
// other — the coordinator's admission test (spec §5 "the coordinator
// grants the task only if no currently-live task holds an overlapping
// lock").
func (s LockSet) OverlapsAny(other LockSet) bool {
	for _, a := range s {
		for _, b := range other {
			if a.Overlaps(b) {
				return true
			}
		}
	}
	return false
}
