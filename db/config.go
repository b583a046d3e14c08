// Package db implements ursa's mutable catalog (spec §3/§4.8): the
// Database of datasets and iterators, the immutable Snapshots workers query
// against, the Task/Lock model that serializes mutating operations, and the
// dispatch shell that turns a parsed query.Command into a Response plus a
// list of deferred Changes.
package db

import "sort"

// Config is the Database manifest's persistent key/value map (spec §3
// "config key/value map", §6 "config get|set"), typed as string -> int64
// per the grammar's `config set <key> N`.
type Config struct {
	values map[string]int64
}

// NewConfig wraps an existing key/value map (e.g. freshly unmarshaled from
// a manifest); a nil map is treated as empty.
func NewConfig(values map[string]int64) *Config {
	if values == nil {
		values = make(map[string]int64)
	}
	return &Config{values: values}
}

// Get returns the value for key and whether it was set.
func (c *Config) Get(key string) (int64, bool) {
	v, ok := c.values[key]
	return v, ok
}

// GetOrDefault returns the value for key, or def if unset.
func (c *Config) GetOrDefault(key string, def int64) int64 {
	if v, ok := c.values[key]; ok {
		return v
	}
	return def
}

// Set stores value under key, returning a copy of Config with the update
// applied (the caller installs the copy as a DBChange, keeping the mutation
// inside ordinary task-commit semantics rather than mutating shared state
// in place).
func (c *Config) Set(key string, value int64) *Config {
	out := make(map[string]int64, len(c.values)+1)
	for k, v := range c.values {
		out[k] = v
	}
	out[key] = value
	return &Config{values: out}
}

// Keys returns every configured key, sorted.
func (c *Config) Keys() []string {
	out := make([]string, 0, len(c.values))
	for k := range c.values {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Raw exposes the underlying map for manifest serialization.
func (c *Config) Raw() map[string]int64 { return c.values }

// Well-known configuration keys (spec.md §9 Open Question 3 and §4.7).
const (
	// ConfigMaxFileSizeMB bounds the size of a single file the indexer will
	// accept, in megabytes; 0 or unset means unbounded. Resolves spec.md
	// §9 Open Question 3: the source's hard-coded 128 MiB cap becomes a
	// configurable value here instead.
	ConfigMaxFileSizeMB = "max_file_size_mb"
	// ConfigMergeMaxDatasets caps how many datasets one compaction merge
	// may combine (spec §4.7 step 3).
	ConfigMergeMaxDatasets = "merge_max_datasets"
	// ConfigMergeMaxFiles caps the total file count a compaction merge may
	// combine (spec §4.7 step 3).
	ConfigMergeMaxFiles = "merge_max_files"
)
