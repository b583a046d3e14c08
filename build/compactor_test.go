package build

import (
	"reflect"
	"testing"

	"github.com/sourcegraph/ursa"
)

func TestSelectCompactionCandidatesClustersSimilarSizes(t *testing.T) {
	gram3 := []ursa.IndexType{ursa.GRAM3}
	infos := []DatasetInfo{
		{Name: "a", SizeBytes: 10, FileCount: 5, Types: gram3},
		{Name: "b", SizeBytes: 12, FileCount: 5, Types: gram3},
		{Name: "c", SizeBytes: 14, FileCount: 5, Types: gram3},
		{Name: "huge", SizeBytes: 10_000, FileCount: 5, Types: gram3},
	}
	got := SelectCompactionCandidates(infos, CompactSmart, 0, 0)
	want := []string{"a", "b", "c"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("SelectCompactionCandidates = %v, want %v", got, want)
	}
}

func TestSelectCompactionCandidatesNoneWhenAllSingleton(t *testing.T) {
	infos := []DatasetInfo{
		{Name: "a", SizeBytes: 10, FileCount: 5, Types: []ursa.IndexType{ursa.GRAM3}},
		{Name: "b", SizeBytes: 10, FileCount: 5, Taints: []string{"tainted"}, Types: []ursa.IndexType{ursa.GRAM3}},
	}
	got := SelectCompactionCandidates(infos, CompactSmart, 0, 0)
	if got != nil {
		t.Fatalf("SelectCompactionCandidates = %v, want nil (every class is a singleton)", got)
	}
}

func TestSelectCompactionCandidatesFullMergesWholeClass(t *testing.T) {
	gram3 := []ursa.IndexType{ursa.GRAM3}
	infos := []DatasetInfo{
		{Name: "a", SizeBytes: 10, FileCount: 5, Types: gram3},
		{Name: "b", SizeBytes: 1000, FileCount: 5, Types: gram3},
	}
	got := SelectCompactionCandidates(infos, CompactFull, 0, 0)
	want := []string{"a", "b"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("SelectCompactionCandidates(full) = %v, want %v", got, want)
	}
}

func TestSelectCompactionCandidatesRespectsMaxDatasetsCap(t *testing.T) {
	gram3 := []ursa.IndexType{ursa.GRAM3}
	infos := []DatasetInfo{
		{Name: "a", SizeBytes: 10, FileCount: 5, Types: gram3},
		{Name: "b", SizeBytes: 12, FileCount: 5, Types: gram3},
		{Name: "c", SizeBytes: 14, FileCount: 5, Types: gram3},
	}
	got := SelectCompactionCandidates(infos, CompactSmart, 2, 0)
	want := []string{"a", "b"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("SelectCompactionCandidates(cap=2) = %v, want %v", got, want)
	}
}
