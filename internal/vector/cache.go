package vector

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"os"
	"sync"
)

// Fingerprint returns a short stable fingerprint of a text, used as the
// embedding-cache key and as the per-file content hash.
func Fingerprint(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:8])
}

// embeddingCache maps text fingerprints to embedding vectors. It persists
// separately from the chunk store so re-chunking can reuse computed
// embeddings.
type embeddingCache struct {
	mu      sync.RWMutex
	entries map[string][]float32
	path    string
	dirty   bool
}

func newEmbeddingCache(path string) *embeddingCache {
	c := &embeddingCache{
		entries: make(map[string][]float32),
		path:    path,
	}
	c.load()
	return c
}

func (c *embeddingCache) get(fp string) ([]float32, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.entries[fp]
	return v, ok
}

func (c *embeddingCache) put(fp string, vec []float32) {
	c.mu.Lock()
	c.entries[fp] = vec
	c.dirty = true
	c.mu.Unlock()
}

func (c *embeddingCache) clear() {
	c.mu.Lock()
	c.entries = make(map[string][]float32)
	c.dirty = true
	c.mu.Unlock()
}

// load tolerates a missing or corrupt cache file by resetting to empty.
func (c *embeddingCache) load() {
	if c.path == "" {
		return
	}
	data, err := os.ReadFile(c.path)
	if err != nil {
		return
	}
	entries := make(map[string][]float32)
	if err := json.Unmarshal(data, &entries); err != nil {
		slog.Warn("vector: dropped corrupt embedding cache", "path", c.path, "error", err)
		return
	}
	c.entries = entries
}

func (c *embeddingCache) save() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.path == "" || !c.dirty {
		return nil
	}
	data, err := json.Marshal(c.entries)
	if err != nil {
		return err
	}
	if err := os.WriteFile(c.path, data, 0o644); err != nil {
		return err
	}
	c.dirty = false
	return nil
}
