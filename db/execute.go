package db

import (
	"fmt"

	"github.com/sourcegraph/ursa"
	"github.com/sourcegraph/ursa/query"
)

// graphsFor builds one QueryGraph per index type d carries, all decomposing
// the same QString at that type's native window size (spec §4.2/§4.5: a
// Primitive term is evaluated once per index type, since GRAM3/TEXT4/HASH4/
// WIDE8 each fold a different number of raw bytes into their 24-bit keys).
func graphsFor(d *ursa.OnDiskDataset, str ursa.QString) map[ursa.IndexType]*ursa.QueryGraph {
	out := make(map[ursa.IndexType]*ursa.QueryGraph, len(d.IndexTypes()))
	for _, t := range d.IndexTypes() {
		out[t] = ursa.BuildQueryGraph(str, t.WindowSize())
	}
	return out
}

// EvalExpr evaluates a parsed query.Expr against one dataset, returning the
// QueryResult it narrows to (spec §4.5). And/Or apply QueryResult's own
// AND/OR lattice semantics (everything is AND's identity, OR's absorber);
// MinOf materializes "everything" to a concrete FullResult() before handing
// its children's runs to ursa.PickCommon, since pick_common operates on
// concrete SortedRuns rather than the sentinel (spec §4.1), and stops
// evaluating children as soon as fewer than Count of them can still
// contribute a match.
func EvalExpr(d *ursa.OnDiskDataset, e query.Expr) (ursa.QueryResult, error) {
	switch n := e.(type) {
	case *query.Primitive:
		graphs := graphsFor(d, n.Value)
		return d.ExecuteGraphs(graphs)

	case *query.And:
		result := ursa.EverythingResult()
		for _, c := range n.Children {
			r, err := EvalExpr(d, c)
			if err != nil {
				return ursa.QueryResult{}, err
			}
			result = result.And(r)
		}
		return result, nil

	case *query.Or:
		result := ursa.EmptyResult()
		for i, c := range n.Children {
			r, err := EvalExpr(d, c)
			if err != nil {
				return ursa.QueryResult{}, err
			}
			if i == 0 {
				result = r
				continue
			}
			result = result.Or(r)
		}
		return result, nil

	case *query.MinOf:
		if n.Count > len(n.Children) {
			return ursa.ResultFromRun(ursa.NewSortedRun(nil)), nil
		}
		runs := make([]ursa.SortedRun, 0, len(n.Children))
		nonEmpty := 0
		for i, c := range n.Children {
			r, err := EvalExpr(d, c)
			if err != nil {
				return ursa.QueryResult{}, err
			}
			if r.IsEverything() {
				r = d.FullResult()
			}
			run := r.Run()
			if run.Len() > 0 {
				nonEmpty++
			}
			runs = append(runs, run)
			// Short-circuit once fewer than Count children can still
			// contribute: no file can reach the threshold.
			if remaining := len(n.Children) - i - 1; nonEmpty+remaining < n.Count {
				return ursa.ResultFromRun(ursa.NewSortedRun(nil)), nil
			}
		}
		return ursa.ResultFromRun(ursa.PickCommon(n.Count, runs)), nil

	default:
		return ursa.QueryResult{}, fmt.Errorf("ursa/db: unsupported expression type %T", e)
	}
}
