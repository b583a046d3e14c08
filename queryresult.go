package ursa

// QueryResult is either "everything" — the identity element for AND and the
// absorbing element for OR, meaning the index could not narrow the search
// at all — or a concrete SortedRun of FileIds (spec §4.5/§4.6).
type QueryResult struct {
	everything bool
	run        SortedRun
}

// EverythingResult is the unconstrained QueryResult.
func EverythingResult() QueryResult { return QueryResult{everything: true} }

// EmptyResult is the QueryResult matching no files.
func EmptyResult() QueryResult { return QueryResult{run: NewSortedRun(nil)} }

// ResultFromRun wraps a concrete SortedRun as a QueryResult.
func ResultFromRun(r SortedRun) QueryResult { return QueryResult{run: r} }

// IsEverything reports whether this result carries no constraint.
func (r QueryResult) IsEverything() bool { return r.everything }

// Run returns the underlying SortedRun; only meaningful when !IsEverything().
func (r QueryResult) Run() SortedRun { return r.run }

// And returns the intersection of r and other; r itself is not modified.
// everything is the identity of AND.
func (r QueryResult) And(other QueryResult) QueryResult {
	switch {
	case r.everything:
		return other
	case other.everything:
		return r
	default:
		return ResultFromRun(Intersect(r.run, other.run))
	}
}

// Or unions r with other. everything is the absorbing element of OR: once
// any operand is unconstrained, the whole expression is.
func (r QueryResult) Or(other QueryResult) QueryResult {
	switch {
	case r.everything, other.everything:
		return EverythingResult()
	default:
		return ResultFromRun(Union(r.run, other.run))
	}
}
