package memory

import (
	"context"
	"embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/automate/internal/vector"
)

//go:embed templates/*.md
var templateFS embed.FS

// Identity file names recognized by the manager.
const (
	PersonalityFile = "PERSONALITY.md"
	BootstrapFile   = "BOOTSTRAP.md"
	IdentityFile    = "IDENTITY.md"
	UserFile        = "USER.md"
	AgentsFile      = "AGENTS.md"
	HeartbeatFile   = "HEARTBEAT.md"
	ToolsFile       = "TOOLS.md"
	MemoryFile      = "MEMORY.md"
)

// identityFiles is the closed set of recognized identity files, in seed order.
var identityFiles = []string{
	PersonalityFile,
	BootstrapFile,
	IdentityFile,
	UserFile,
	AgentsFile,
	HeartbeatFile,
	ToolsFile,
	MemoryFile,
}

// SearchResult is one memory search hit. Source distinguishes the ranking
// path that produced it (hybrid, bm25, legacy).
type SearchResult struct {
	File   string  `json:"file"`
	Text   string  `json:"text"`
	Score  float64 `json:"score"`
	Source string  `json:"source"`
}

// IndexReport summarizes one IndexAll pass.
type IndexReport struct {
	FilesIndexed  int `json:"filesIndexed"`
	ChunksIndexed int `json:"chunksIndexed"`
	FilesSkipped  int `json:"filesSkipped"`
}

// Manager owns the memory directory of one agent: identity files, curated
// long-term memory, daily logs, and the vector index built over all of them.
type Manager struct {
	dir       string
	sharedDir string
	index     *vector.Index

	mu              sync.RWMutex
	indexingEnabled bool
}

// NewManager creates a memory manager rooted at dir, seeding any missing
// identity files from the bundled defaults. The index is exclusively owned.
func NewManager(dir, sharedDir string, index *vector.Index) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("memory: create directory: %w", err)
	}
	if sharedDir != "" {
		if err := os.MkdirAll(sharedDir, 0o755); err != nil {
			return nil, fmt.Errorf("memory: create shared directory: %w", err)
		}
	}
	m := &Manager{dir: dir, sharedDir: sharedDir, index: index, indexingEnabled: true}
	m.seedDefaults()
	return m, nil
}

// Dir returns the memory directory path.
func (m *Manager) Dir() string { return m.dir }

// seedDefaults copies bundled templates for any missing identity file.
// Existing files are never overwritten (O_EXCL).
func (m *Manager) seedDefaults() {
	for _, name := range identityFiles {
		dst := filepath.Join(m.dir, name)
		f, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err != nil {
			if os.IsExist(err) {
				continue
			}
			slog.Warn("memory: failed to seed identity file", "file", name, "error", err)
			continue
		}
		content, err := templateFS.ReadFile("templates/" + name)
		if err != nil {
			f.Close()
			os.Remove(dst)
			slog.Warn("memory: missing bundled template", "file", name, "error", err)
			continue
		}
		if _, err := f.Write(content); err != nil {
			slog.Warn("memory: failed to write identity file", "file", name, "error", err)
		}
		f.Close()
	}
}

// isIdentityFile reports membership in the closed identity set.
func isIdentityFile(name string) bool {
	for _, f := range identityFiles {
		if f == name {
			return true
		}
	}
	return false
}

// GetIdentityFile returns the content of a recognized identity file, or
// ("", false) when the name is unknown or the file is missing.
func (m *Manager) GetIdentityFile(name string) (string, bool) {
	if !isIdentityFile(name) {
		return "", false
	}
	data, err := os.ReadFile(filepath.Join(m.dir, name))
	if err != nil {
		return "", false
	}
	return string(data), true
}

// SaveIdentityFile writes a recognized identity file.
func (m *Manager) SaveIdentityFile(name, content string) error {
	if !isIdentityFile(name) {
		return fmt.Errorf("memory: unknown identity file %q", name)
	}
	return os.WriteFile(filepath.Join(m.dir, name), []byte(content), 0o644)
}

// GetMemory returns the curated long-term memory document.
func (m *Manager) GetMemory() string {
	content, _ := m.GetIdentityFile(MemoryFile)
	return content
}

// SaveMemory replaces the curated long-term memory document.
func (m *Manager) SaveMemory(content string) error {
	return m.SaveIdentityFile(MemoryFile, content)
}

// AppendMemory appends an entry to the long-term memory document.
func (m *Manager) AppendMemory(entry string) error {
	existing := m.GetMemory()
	if existing != "" && !strings.HasSuffix(existing, "\n") {
		existing += "\n"
	}
	return m.SaveMemory(existing + entry + "\n")
}

// HasBootstrap reports whether BOOTSTRAP.md still exists.
func (m *Manager) HasBootstrap() bool {
	_, err := os.Stat(filepath.Join(m.dir, BootstrapFile))
	return err == nil
}

// DeleteBootstrap removes BOOTSTRAP.md after first-run setup completes.
func (m *Manager) DeleteBootstrap() error {
	err := os.Remove(filepath.Join(m.dir, BootstrapFile))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// dailyLogPath returns the dated log file for a day.
func (m *Manager) dailyLogPath(date time.Time) string {
	return filepath.Join(m.dir, date.Format("2006-01-02")+".md")
}

// AppendDailyLog appends a timestamped entry to today's log.
func (m *Manager) AppendDailyLog(entry string) error {
	path := m.dailyLogPath(time.Now())
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = fmt.Fprintf(f, "- %s %s\n", time.Now().Format("15:04"), entry)
	return err
}

// GetDailyLog returns the log for a specific date, or ("", false).
func (m *Manager) GetDailyLog(date time.Time) (string, bool) {
	data, err := os.ReadFile(m.dailyLogPath(date))
	if err != nil {
		return "", false
	}
	return string(data), true
}

// GetRecentDailyLogs returns yesterday's and today's logs.
func (m *Manager) GetRecentDailyLogs() (yesterday, today string) {
	now := time.Now()
	yesterday, _ = m.GetDailyLog(now.AddDate(0, 0, -1))
	today, _ = m.GetDailyLog(now)
	return yesterday, today
}

// FactoryReset removes every markdown file in the memory directory, clears
// the index, and reseeds the bundled defaults.
func (m *Manager) FactoryReset() error {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if filepath.Ext(name) != ".md" && name != vector.IndexFileName && name != vector.CacheFileName {
			continue
		}
		if err := os.Remove(filepath.Join(m.dir, name)); err != nil {
			slog.Warn("memory: factory reset failed to remove file", "file", name, "error", err)
		}
	}
	if m.index != nil {
		m.index.Clear()
		if err := m.index.Save(); err != nil {
			slog.Warn("memory: factory reset failed to save index", "error", err)
		}
	}
	m.seedDefaults()
	return nil
}

// EnableIndexing turns semantic indexing on.
func (m *Manager) EnableIndexing() {
	m.mu.Lock()
	m.indexingEnabled = true
	m.mu.Unlock()
}

// DisableIndexing turns semantic indexing off; search degrades to the
// legacy substring scan.
func (m *Manager) DisableIndexing() {
	m.mu.Lock()
	m.indexingEnabled = false
	m.mu.Unlock()
}

func (m *Manager) indexingOn() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.indexingEnabled
}

// ClearIndex drops every chunk and cached embedding.
func (m *Manager) ClearIndex() error {
	if m.index == nil {
		return nil
	}
	m.index.Clear()
	return m.index.Save()
}

// IndexAll indexes every markdown file under the memory directory,
// skipping files whose content fingerprint is unchanged.
func (m *Manager) IndexAll(ctx context.Context) (IndexReport, error) {
	var report IndexReport
	if m.index == nil || !m.indexingOn() {
		return report, nil
	}

	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return report, err
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".md" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(m.dir, e.Name()))
		if err != nil {
			slog.Warn("memory: failed to read file for indexing", "file", e.Name(), "error", err)
			continue
		}
		content := string(data)
		if !m.index.NeedsReindex(e.Name(), content) {
			report.FilesSkipped++
			continue
		}
		before := m.index.Size()
		if err := m.index.IndexFile(ctx, e.Name(), content); err != nil {
			// Embedding endpoint down: keep the lexical side usable but
			// leave the file pending so the next pass retries the dense side.
			slog.Warn("memory: embedding failed, indexing text only", "file", e.Name(), "error", err)
			m.index.IndexFileText(e.Name(), content)
			m.index.MarkPending(e.Name())
		}
		report.FilesIndexed++
		report.ChunksIndexed += m.index.Size() - before
	}

	if err := m.index.Save(); err != nil {
		return report, fmt.Errorf("memory: save index: %w", err)
	}
	return report, nil
}

// SemanticSearch runs the fallback chain: hybrid index search, then
// BM25-only over existing chunks, then the legacy substring scan over the
// memory directory.
func (m *Manager) SemanticSearch(ctx context.Context, query string, limit int) []SearchResult {
	if limit <= 0 {
		limit = 5
	}

	if m.index != nil && m.indexingOn() && m.index.Size() > 0 {
		hits, err := m.index.Search(ctx, query, limit)
		if err == nil {
			return toSearchResults(hits, "hybrid")
		}
		slog.Warn("memory: hybrid search failed, falling back to BM25", "error", err)
		if bm := m.index.TextSearch(query, limit); len(bm) > 0 {
			return toSearchResults(bm, "bm25")
		}
	}

	return m.legacySearch(query, limit)
}

func toSearchResults(hits []vector.Result, source string) []SearchResult {
	out := make([]SearchResult, len(hits))
	for i, h := range hits {
		out[i] = SearchResult{File: h.File, Text: h.Text, Score: h.Score, Source: source}
	}
	return out
}

// legacySearch is the no-index degradation: case-insensitive substring
// match over markdown files, synthetic neutral score.
func (m *Manager) legacySearch(query string, limit int) []SearchResult {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil
	}
	needle := strings.ToLower(query)
	var out []SearchResult
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".md" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(m.dir, e.Name()))
		if err != nil {
			continue
		}
		for _, para := range strings.Split(string(data), "\n\n") {
			if strings.Contains(strings.ToLower(para), needle) {
				out = append(out, SearchResult{
					File:   e.Name(),
					Text:   strings.TrimSpace(para),
					Score:  0.5,
					Source: "legacy",
				})
				if len(out) >= limit {
					return out
				}
			}
		}
	}
	return out
}

var (
	namePattern  = regexp.MustCompile(`(?m)^\*\*Name:\*\*\s*(.+)$`)
	emojiPattern = regexp.MustCompile(`(?m)^\*\*Emoji:\*\*\s*(.+)$`)
)

// AgentName extracts the configured agent name from IDENTITY.md. Returns
// ("", false) when unset or still a placeholder.
func (m *Manager) AgentName() (string, bool) {
	return m.extractIdentityValue(namePattern)
}

// AgentEmoji extracts the configured agent emoji from IDENTITY.md.
func (m *Manager) AgentEmoji() (string, bool) {
	return m.extractIdentityValue(emojiPattern)
}

func (m *Manager) extractIdentityValue(pattern *regexp.Regexp) (string, bool) {
	content, ok := m.GetIdentityFile(IdentityFile)
	if !ok {
		return "", false
	}
	match := pattern.FindStringSubmatch(content)
	if match == nil {
		return "", false
	}
	value := strings.TrimSpace(match[1])
	if value == "" || value[0] == '_' || value[0] == '(' {
		return "", false
	}
	lower := strings.ToLower(value)
	if strings.Contains(lower, "pick something") || strings.Contains(lower, "pick one") {
		return "", false
	}
	return value, true
}

var sharedKeyPattern = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// SanitizeSharedKey maps a shared-memory key to its file-safe form:
// characters outside [A-Za-z0-9._-] become "-".
func SanitizeSharedKey(key string) string {
	return sharedKeyPattern.ReplaceAllString(key, "-")
}

// GetShared reads a shared-memory document by key.
func (m *Manager) GetShared(key string) (string, bool) {
	if m.sharedDir == "" {
		return "", false
	}
	data, err := os.ReadFile(filepath.Join(m.sharedDir, SanitizeSharedKey(key)+".md"))
	if err != nil {
		return "", false
	}
	return string(data), true
}

// SaveShared writes a shared-memory document. Last writer wins.
func (m *Manager) SaveShared(key, content string) error {
	if m.sharedDir == "" {
		return fmt.Errorf("memory: no shared directory configured")
	}
	return os.WriteFile(filepath.Join(m.sharedDir, SanitizeSharedKey(key)+".md"), []byte(content), 0o644)
}
