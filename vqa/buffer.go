package vqa

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// FeatureBuffer memoizes loaded image feature records per (path, topk) key so
// that train and valid splits backed by the same image source are read once
// per process. Entries are never evicted; the buffer is expected to live for
// the duration of a training session.
//
// Unlike the usual global-cache pattern, the buffer is an explicit object:
// the session that creates it owns its lifetime.
type FeatureBuffer struct {
	dataDir string
	pattern string // e.g. "%s_patches_32x32.safetensors"

	mu       sync.Mutex
	key2data map[uint64][]*ImageFeature
}

// NewFeatureBuffer creates a feature buffer rooted at dataDir. pattern is the
// split-to-filename template with a single %s for the split name.
func NewFeatureBuffer(dataDir, pattern string) *FeatureBuffer {
	return &FeatureBuffer{
		dataDir:  dataDir,
		pattern:  pattern,
		key2data: make(map[uint64][]*ImageFeature),
	}
}

// splitPath maps a logical split to its on-disk feature file. Everything that
// is not a held-out split reads from the train export, mirroring the way the
// extraction pipeline shards its output.
func (b *FeatureBuffer) splitPath(name string) string {
	file := name
	switch name {
	case "testdev", "test", "valid":
	default:
		file = "train"
	}
	return filepath.Join(b.dataDir, fmt.Sprintf(b.pattern, file))
}

// cacheKey distinguishes (path, topk) pairs; a "load all" (-1) request must
// not be served from a bounded top-k entry or vice versa.
func cacheKey(path string, topk int) uint64 {
	return xxhash.Sum64String(fmt.Sprintf("%s_%d", path, topk))
}

// Load returns the feature records for the given split, reading the backing
// file on the first request for a (path, topk) key and reusing the records
// thereafter. The returned slice and records are shared: treat as read-only.
func (b *FeatureBuffer) Load(split string, topk int) ([]*ImageFeature, error) {
	path := b.splitPath(split)
	key := cacheKey(path, topk)

	b.mu.Lock()
	defer b.mu.Unlock()
	if data, ok := b.key2data[key]; ok {
		return data, nil
	}

	data, err := ReadPatches(path, topk)
	if err != nil {
		return nil, fmt.Errorf("split %q: %w", split, err)
	}
	b.key2data[key] = data
	return data, nil
}

// Len returns the number of cached (path, topk) entries.
func (b *FeatureBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.key2data)
}
