package build

import (
	"sort"
	"strings"

	"github.com/sourcegraph/ursa"
)

// DatasetInfo is the subset of a dataset's identity the compaction-candidate
// heuristic needs, decoupled from an open ursa.OnDiskDataset so callers
// (ursa/db's compact-smart/compact-all dispatch and ursa/build's own
// self-compaction) can drive it from manifest metadata alone.
type DatasetInfo struct {
	Name      string
	SizeBytes int64
	FileCount int
	Taints    []string
	Types     []ursa.IndexType
}

// CompactionMode selects which candidate-selection rule applies (spec §4.7
// step 4).
type CompactionMode int

const (
	// CompactSmart clusters similarly-sized datasets and merges only the
	// single best-ranked cluster, skipping the whole pass if no cluster has
	// more than one dataset.
	CompactSmart CompactionMode = iota
	// CompactFull treats every taint-and-type-compatible class with at
	// least two datasets as a candidate, ignoring the size-clustering
	// heuristic, and merges only the single best-ranked class per pass.
	CompactFull
)

func classKey(taints []string, types []ursa.IndexType) string {
	t := append([]string(nil), taints...)
	sort.Strings(t)
	ts := make([]string, len(types))
	for i, x := range types {
		ts[i] = x.String()
	}
	sort.Strings(ts)
	return strings.Join(t, ",") + "|" + strings.Join(ts, ",")
}

// partitionClasses groups infos into taint-and-type-compatible classes
// (spec §4.7 step 1), preserving a stable order by first appearance so
// selection is deterministic for a fixed input order.
func partitionClasses(infos []DatasetInfo) [][]DatasetInfo {
	order := make([]string, 0)
	classes := make(map[string][]DatasetInfo)
	for _, info := range infos {
		key := classKey(info.Taints, info.Types)
		if _, ok := classes[key]; !ok {
			order = append(order, key)
		}
		classes[key] = append(classes[key], info)
	}
	out := make([][]DatasetInfo, 0, len(order))
	for _, key := range order {
		out = append(out, classes[key])
	}
	return out
}

// sizeCluster sorts a class by on-disk size and grows a single cluster
// anchored at the smallest dataset, appending the next larger dataset while
// the running cluster total is more than half its size; growth stops for
// good at the first failure of that condition (spec §4.7 step 2). Each
// class yields at most this one cluster of similarly-sized small datasets —
// the leftover larger datasets are not regrouped into further clusters.
func sizeCluster(class []DatasetInfo) []DatasetInfo {
	if len(class) == 0 {
		return nil
	}
	sorted := append([]DatasetInfo(nil), class...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].SizeBytes < sorted[j].SizeBytes })

	cluster := sorted[:1]
	total := sorted[0].SizeBytes
	for _, ds := range sorted[1:] {
		if total*2 <= ds.SizeBytes {
			break
		}
		cluster = append(cluster, ds)
		total += ds.SizeBytes
	}
	return cluster
}

// rank implements spec §4.7 step 3: |cluster| - average_file_count.
func rank(cluster []DatasetInfo) float64 {
	if len(cluster) == 0 {
		return 0
	}
	var totalFiles int
	for _, ds := range cluster {
		totalFiles += ds.FileCount
	}
	avg := float64(totalFiles) / float64(len(cluster))
	return float64(len(cluster)) - avg
}

// capCluster trims cluster (already size-ascending) to at most maxDatasets
// entries and a cumulative file count of at most maxFiles, preferring to
// keep the smallest datasets — the ones a merge amortizes best.
func capCluster(cluster []DatasetInfo, maxDatasets, maxFiles int) []DatasetInfo {
	if maxDatasets <= 0 && maxFiles <= 0 {
		return cluster
	}
	out := make([]DatasetInfo, 0, len(cluster))
	var files int
	for _, ds := range cluster {
		if maxDatasets > 0 && len(out) >= maxDatasets {
			break
		}
		if maxFiles > 0 && len(out) > 0 && files+ds.FileCount > maxFiles {
			break
		}
		out = append(out, ds)
		files += ds.FileCount
	}
	return out
}

// SelectCompactionCandidates implements spec §4.7's compaction-candidate
// heuristic, used by the `compact smart`/`compact all` commands and by
// cmd/ursadb_compact. Indexer.selfCompact does not call it: it merges every
// dataset the Indexer has created. It returns the names of the datasets to merge, or
// nil if no candidate qualifies (e.g. every class has only one dataset).
func SelectCompactionCandidates(infos []DatasetInfo, mode CompactionMode, maxDatasets, maxFiles int) []string {
	classes := partitionClasses(infos)

	if mode == CompactFull {
		// Full mode skips the size-clustering heuristic (each whole class is
		// its candidate cluster) but ranks candidates with the same
		// |cluster| - average_file_count score as smart mode; the modes
		// differ only in the step-4 filter.
		var best []DatasetInfo
		bestRank := 0.0
		haveBest := false
		for _, class := range classes {
			if len(class) < 2 {
				continue
			}
			r := rank(class)
			if !haveBest || r > bestRank {
				best = class
				bestRank = r
				haveBest = true
			}
		}
		if !haveBest {
			return nil
		}
		sort.Slice(best, func(i, j int) bool { return best[i].SizeBytes < best[j].SizeBytes })
		best = capCluster(best, maxDatasets, maxFiles)
		if len(best) < 2 {
			return nil
		}
		return names(best)
	}

	var bestCluster []DatasetInfo
	bestRank := 0.0
	haveBest := false
	for _, class := range classes {
		cluster := sizeCluster(class)
		if len(cluster) <= 1 {
			continue
		}
		r := rank(cluster)
		if !haveBest || r > bestRank {
			bestCluster = cluster
			bestRank = r
			haveBest = true
		}
	}
	if !haveBest {
		return nil
	}
	bestCluster = capCluster(bestCluster, maxDatasets, maxFiles)
	if len(bestCluster) <= 1 {
		return nil
	}
	return names(bestCluster)
}

func names(infos []DatasetInfo) []string {
	out := make([]string, len(infos))
	for i, d := range infos {
		out[i] = d.Name
	}
	return out
}
