package vector

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/nextlevelbuilder/automate/internal/providers"
)

const (
	// indexVersion guards the on-disk format; a mismatch discards the index.
	indexVersion = 1
	// embedBatchSize bounds texts per embeddings request.
	embedBatchSize = 20

	IndexFileName = ".vector-index.json"
	CacheFileName = ".embedding-cache.json"
)

// Result is one search hit.
type Result struct {
	File  string  `json:"file"`
	Text  string  `json:"text"`
	Score float64 `json:"score"`
	Chunk Chunk   `json:"-"`
}

// Options configures an Index.
type Options struct {
	Dir          string // directory holding the two persistence files
	ChunkSize    int
	ChunkOverlap int
	VectorWeight float64
	BM25Weight   float64
	Embedder     providers.Embedder // nil disables dense search
}

// Index is the hybrid semantic index: dense-vector cosine similarity
// combined with BM25 lexical scoring over chunked documents.
type Index struct {
	mu         sync.RWMutex
	chunks     []Chunk
	fileHashes map[string]string
	dirty      bool

	dir          string
	chunkSize    int
	overlap      int
	vectorWeight float64
	bm25Weight   float64

	embedder providers.Embedder
	cache    *embeddingCache

	corruptDropped int
}

// indexDocument is the on-disk form of the chunk store.
type indexDocument struct {
	Version    int               `json:"version"`
	Chunks     []Chunk           `json:"chunks"`
	FileHashes map[string]string `json:"fileHashes"`
}

// New creates an index rooted at opts.Dir, loading any persisted state.
// Missing or corrupt files reset to empty.
func New(opts Options) *Index {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 1200
	}
	if opts.VectorWeight <= 0 {
		opts.VectorWeight = 0.6
	}
	if opts.BM25Weight <= 0 {
		opts.BM25Weight = 0.4
	}
	idx := &Index{
		fileHashes:   make(map[string]string),
		dir:          opts.Dir,
		chunkSize:    opts.ChunkSize,
		overlap:      opts.ChunkOverlap,
		vectorWeight: opts.VectorWeight,
		bm25Weight:   opts.BM25Weight,
		embedder:     opts.Embedder,
	}
	cachePath := ""
	if opts.Dir != "" {
		cachePath = filepath.Join(opts.Dir, CacheFileName)
	}
	idx.cache = newEmbeddingCache(cachePath)
	idx.load()
	return idx
}

// Size returns the number of chunks currently indexed.
func (x *Index) Size() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.chunks)
}

// IndexedFiles returns the set of file keys with stored content hashes.
func (x *Index) IndexedFiles() []string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	files := make([]string, 0, len(x.fileHashes))
	for f := range x.fileHashes {
		files = append(files, f)
	}
	sort.Strings(files)
	return files
}

// NeedsReindex reports whether the stored fingerprint for file differs from
// the fingerprint of content.
func (x *Index) NeedsReindex(file, content string) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.fileHashes[file] != Fingerprint(content)
}

// IndexFile (re-)indexes one file. Unchanged content is a no-op. All chunks
// of the file are replaced; embeddings are fetched through the cache in
// batches.
func (x *Index) IndexFile(ctx context.Context, file, content string) error {
	fp := Fingerprint(content)

	x.mu.Lock()
	if x.fileHashes[file] == fp {
		x.mu.Unlock()
		return nil
	}
	x.mu.Unlock()

	chunks := ChunkText(content, x.chunkSize, x.overlap)
	texts := make([]string, len(chunks))
	for i := range chunks {
		chunks[i].ID = chunkID(file, i)
		chunks[i].File = file
		texts[i] = chunks[i].Text
	}

	// Embeddings are optional: with no embedder (or on endpoint failure the
	// caller handles) the chunks still serve BM25-only search.
	if x.embedder != nil && len(texts) > 0 {
		vectors, err := x.GetEmbeddings(ctx, texts)
		if err != nil {
			return fmt.Errorf("vector: embed %s: %w", file, err)
		}
		for i := range chunks {
			chunks[i].Embedding = vectors[i]
		}
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	x.removeFileLocked(file)
	x.chunks = append(x.chunks, chunks...)
	x.fileHashes[file] = fp
	x.dirty = true
	return nil
}

// IndexFileText indexes without embeddings regardless of the embedder,
// used by the BM25-only degradation path.
func (x *Index) IndexFileText(file, content string) {
	fp := Fingerprint(content)
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.fileHashes[file] == fp {
		return
	}
	chunks := ChunkText(content, x.chunkSize, x.overlap)
	for i := range chunks {
		chunks[i].ID = chunkID(file, i)
		chunks[i].File = file
	}
	x.removeFileLocked(file)
	x.chunks = append(x.chunks, chunks...)
	x.fileHashes[file] = fp
	x.dirty = true
}

// MarkPending clears the stored fingerprint for file so the next
// IndexFile call reprocesses it even when the content is unchanged. Used
// after a text-only degradation to get the dense side retried.
func (x *Index) MarkPending(file string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	delete(x.fileHashes, file)
	x.dirty = true
}

// RemoveFile drops all chunks sourced from file.
func (x *Index) RemoveFile(file string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.removeFileLocked(file)
	delete(x.fileHashes, file)
	x.dirty = true
}

func (x *Index) removeFileLocked(file string) {
	kept := x.chunks[:0]
	for _, c := range x.chunks {
		if c.File != file {
			kept = append(kept, c)
		}
	}
	x.chunks = kept
}

// Clear drops every chunk, file hash, and cached embedding.
func (x *Index) Clear() {
	x.mu.Lock()
	x.chunks = nil
	x.fileHashes = make(map[string]string)
	x.dirty = true
	x.mu.Unlock()
	x.cache.clear()
}

// GetEmbeddings resolves embeddings for texts, serving cache hits directly
// and batching misses to the endpoint. All fetched vectors are stored back.
func (x *Index) GetEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	if x.embedder == nil {
		return nil, fmt.Errorf("vector: no embedder configured")
	}

	out := make([][]float32, len(texts))
	var missIdx []int
	var missTexts []string
	for i, t := range texts {
		if vec, ok := x.cache.get(Fingerprint(t)); ok {
			out[i] = vec
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, t)
	}

	for start := 0; start < len(missTexts); start += embedBatchSize {
		end := start + embedBatchSize
		if end > len(missTexts) {
			end = len(missTexts)
		}
		vectors, err := x.embedder.Embed(ctx, missTexts[start:end])
		if err != nil {
			return nil, err
		}
		for j, vec := range vectors {
			i := missIdx[start+j]
			out[i] = vec
			x.cache.put(Fingerprint(texts[i]), vec)
		}
	}
	return out, nil
}

// Search runs the hybrid query: normalized cosine and BM25 scores combined
// by the configured weights, deduplicated by (file, first 100 chars),
// descending by score, first topK returned.
func (x *Index) Search(ctx context.Context, query string, topK int) ([]Result, error) {
	queryVec, err := x.GetEmbeddings(ctx, []string{query})
	if err != nil {
		return nil, err
	}

	x.mu.RLock()
	chunks := make([]Chunk, len(x.chunks))
	copy(chunks, x.chunks)
	x.mu.RUnlock()
	if len(chunks) == 0 {
		return nil, nil
	}

	cosines := make([]float64, len(chunks))
	for i, c := range chunks {
		cosines[i] = CosineSimilarity(queryVec[0], c.Embedding)
	}

	queryTokens := Tokenize(query)
	docs := make([][]string, len(chunks))
	for i, c := range chunks {
		docs[i] = Tokenize(c.Text)
	}
	bm25 := BM25Scores(queryTokens, docs)

	normCos := normalizeMax(cosines)
	normBM := normalizeMax(bm25)

	results := make([]Result, len(chunks))
	for i, c := range chunks {
		results[i] = Result{
			File:  c.File,
			Text:  c.Text,
			Score: x.vectorWeight*normCos[i] + x.bm25Weight*normBM[i],
			Chunk: c,
		}
	}
	return topResults(results, topK), nil
}

// VectorSearch ranks by cosine similarity only.
func (x *Index) VectorSearch(ctx context.Context, query string, topK int) ([]Result, error) {
	queryVec, err := x.GetEmbeddings(ctx, []string{query})
	if err != nil {
		return nil, err
	}

	x.mu.RLock()
	chunks := make([]Chunk, len(x.chunks))
	copy(chunks, x.chunks)
	x.mu.RUnlock()

	results := make([]Result, len(chunks))
	for i, c := range chunks {
		results[i] = Result{File: c.File, Text: c.Text, Score: CosineSimilarity(queryVec[0], c.Embedding), Chunk: c}
	}
	return topResults(results, topK), nil
}

// TextSearch ranks by BM25 only and needs no network.
func (x *Index) TextSearch(query string, topK int) []Result {
	x.mu.RLock()
	chunks := make([]Chunk, len(x.chunks))
	copy(chunks, x.chunks)
	x.mu.RUnlock()
	if len(chunks) == 0 {
		return nil
	}

	queryTokens := Tokenize(query)
	docs := make([][]string, len(chunks))
	for i, c := range chunks {
		docs[i] = Tokenize(c.Text)
	}
	bm25 := BM25Scores(queryTokens, docs)

	results := make([]Result, len(chunks))
	for i, c := range chunks {
		results[i] = Result{File: c.File, Text: c.Text, Score: bm25[i], Chunk: c}
	}
	return topResults(results, topK)
}

// topResults sorts descending, deduplicates by (file, first 100 chars of
// text), and keeps the first topK.
func topResults(results []Result, topK int) []Result {
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })

	seen := make(map[string]struct{}, len(results))
	out := make([]Result, 0, topK)
	for _, r := range results {
		prefix := r.Text
		if len(prefix) > 100 {
			prefix = prefix[:100]
		}
		key := r.File + "\x00" + prefix
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, r)
		if topK > 0 && len(out) >= topK {
			break
		}
	}
	return out
}

// Save flushes the chunk store and the embedding cache to their files.
func (x *Index) Save() error {
	if x.dir == "" {
		return nil
	}

	x.mu.Lock()
	doc := indexDocument{Version: indexVersion, Chunks: x.chunks, FileHashes: x.fileHashes}
	dirty := x.dirty
	x.dirty = false
	x.mu.Unlock()

	if dirty {
		data, err := json.Marshal(doc)
		if err == nil {
			err = os.WriteFile(filepath.Join(x.dir, IndexFileName), data, 0o644)
		}
		if err != nil {
			// The write never landed; keep the dirty bit so the next Save
			// retries instead of skipping the chunk store.
			x.mu.Lock()
			x.dirty = true
			x.mu.Unlock()
			return err
		}
	}
	return x.cache.save()
}

// load reads the persisted index, resetting to empty on a missing file,
// corrupt content, or version mismatch.
func (x *Index) load() {
	if x.dir == "" {
		return
	}
	data, err := os.ReadFile(filepath.Join(x.dir, IndexFileName))
	if err != nil {
		return
	}
	var doc indexDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		x.corruptDropped++
		slog.Warn("vector: dropped corrupt index file", "dir", x.dir, "error", err)
		return
	}
	if doc.Version != indexVersion {
		slog.Warn("vector: index version mismatch, discarding", "found", doc.Version, "want", indexVersion)
		return
	}
	x.chunks = doc.Chunks
	if doc.FileHashes != nil {
		x.fileHashes = doc.FileHashes
	}
}
