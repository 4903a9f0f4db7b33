package memory

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/automate/internal/vector"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(t.TempDir(), "", nil)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestNewManager_SeedsTemplates(t *testing.T) {
	m := newTestManager(t)
	for _, name := range identityFiles {
		if _, ok := m.GetIdentityFile(name); !ok {
			t.Errorf("template %s not seeded", name)
		}
	}
}

func TestSeedDefaults_NeverOverwrites(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.SaveIdentityFile(IdentityFile, "**Name:** Nova\n"); err != nil {
		t.Fatal(err)
	}

	// A second manager on the same directory must leave the edit intact.
	m2, err := NewManager(dir, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	content, _ := m2.GetIdentityFile(IdentityFile)
	if !strings.Contains(content, "Nova") {
		t.Error("reseeding overwrote an existing identity file")
	}
}

func TestIdentityFile_UnknownNameRejected(t *testing.T) {
	m := newTestManager(t)
	if _, ok := m.GetIdentityFile("PASSWD"); ok {
		t.Error("unknown identity file name accepted")
	}
	if err := m.SaveIdentityFile("../escape.md", "x"); err == nil {
		t.Error("path-escaping name accepted")
	}
}

func TestAppendMemory(t *testing.T) {
	m := newTestManager(t)
	if err := m.SaveMemory("first entry"); err != nil {
		t.Fatal(err)
	}
	if err := m.AppendMemory("second entry"); err != nil {
		t.Fatal(err)
	}
	mem := m.GetMemory()
	if !strings.Contains(mem, "first entry\nsecond entry\n") {
		t.Errorf("memory = %q", mem)
	}
}

func TestBootstrapLifecycle(t *testing.T) {
	m := newTestManager(t)
	if !m.HasBootstrap() {
		t.Fatal("fresh manager should carry the bootstrap file")
	}
	if err := m.DeleteBootstrap(); err != nil {
		t.Fatal(err)
	}
	if m.HasBootstrap() {
		t.Error("bootstrap survives deletion")
	}
	// Deleting again is not an error.
	if err := m.DeleteBootstrap(); err != nil {
		t.Errorf("second delete: %v", err)
	}
}

func TestDailyLog(t *testing.T) {
	m := newTestManager(t)
	if err := m.AppendDailyLog("reviewed the release notes"); err != nil {
		t.Fatal(err)
	}
	today, ok := m.GetDailyLog(time.Now())
	if !ok || !strings.Contains(today, "reviewed the release notes") {
		t.Errorf("today's log = %q", today)
	}

	yPath := m.dailyLogPath(time.Now().AddDate(0, 0, -1))
	os.WriteFile(yPath, []byte("- 09:00 older entry\n"), 0o644)

	y, tod := m.GetRecentDailyLogs()
	if !strings.Contains(y, "older entry") || !strings.Contains(tod, "release notes") {
		t.Errorf("recent logs = (%q, %q)", y, tod)
	}
}

func TestGetPromptInjection_SectionOrder(t *testing.T) {
	m := newTestManager(t)
	m.SaveIdentityFile(AgentsFile, "operating rules")
	m.SaveIdentityFile(PersonalityFile, "personality text")
	m.SaveIdentityFile(IdentityFile, "**Name:** Nova")
	m.SaveIdentityFile(UserFile, "about the user")
	m.SaveIdentityFile(ToolsFile, "tool notes")
	m.SaveMemory("remembered fact")
	m.AppendDailyLog("log line")

	inj := m.GetPromptInjection()
	if !strings.HasPrefix(inj, "\n\n# Agent Memory & Identity") {
		t.Fatalf("injection header wrong: %q", inj[:60])
	}

	order := []string{
		"## FIRST RUN",
		"## " + AgentsFile,
		"## " + PersonalityFile,
		"## " + IdentityFile,
		"## " + UserFile,
		"## " + ToolsFile,
		"## Long-term Memory",
		"## Recent Daily Log",
		"### Today",
	}
	last := -1
	for _, marker := range order {
		idx := strings.Index(inj, marker)
		if idx < 0 {
			t.Fatalf("injection missing section %q", marker)
		}
		if idx < last {
			t.Errorf("section %q out of order", marker)
		}
		last = idx
	}
}

func TestGetPromptInjection_NoBootstrapAfterDelete(t *testing.T) {
	m := newTestManager(t)
	m.DeleteBootstrap()
	if strings.Contains(m.GetPromptInjection(), "## FIRST RUN") {
		t.Error("FIRST RUN section present after bootstrap removal")
	}
}

func TestGetPromptInjection_Truncation(t *testing.T) {
	m := newTestManager(t)
	m.SaveIdentityFile(UserFile, strings.Repeat("u", identityInjectLimit+500))
	m.SaveMemory(strings.Repeat("m", memoryInjectLimit+500))

	inj := m.GetPromptInjection()
	if !strings.Contains(inj, "[...truncated]") {
		t.Error("oversized identity file not truncated")
	}
	if !strings.Contains(inj, "[...truncated, use memory search for older entries]") {
		t.Error("oversized memory not truncated")
	}
}

func TestGetPromptInjection_YesterdayTail(t *testing.T) {
	m := newTestManager(t)
	y := "HEADMARK" + strings.Repeat("y", yesterdayTailLimit+1000) + "TAILMARK"
	os.WriteFile(m.dailyLogPath(time.Now().AddDate(0, 0, -1)), []byte(y), 0o644)

	inj := m.GetPromptInjection()
	if !strings.Contains(inj, "TAILMARK") {
		t.Error("yesterday's tail missing")
	}
	if strings.Contains(inj, "HEADMARK") {
		t.Error("yesterday's log not trimmed to its tail")
	}
}

func TestGetPromptInjection_EmptyWhenNoFiles(t *testing.T) {
	m := newTestManager(t)
	entries, _ := os.ReadDir(m.Dir())
	for _, e := range entries {
		os.Remove(filepath.Join(m.Dir(), e.Name()))
	}
	if inj := m.GetPromptInjection(); inj != "" {
		t.Errorf("injection = %q, want empty", inj)
	}
}

func TestAgentNameAndEmoji(t *testing.T) {
	tests := []struct {
		name     string
		identity string
		want     string
		wantOK   bool
	}{
		{"configured", "**Name:** Nova\n**Emoji:** robot\n", "Nova", true},
		{"underscore placeholder", "**Name:** _(pick something you like)_\n", "", false},
		{"paren placeholder", "**Name:** (pick one)\n", "", false},
		{"pick-something text", "**Name:** please pick something\n", "", false},
		{"missing line", "just prose\n", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestManager(t)
			m.SaveIdentityFile(IdentityFile, tt.identity)
			got, ok := m.AgentName()
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("AgentName = (%q, %v), want (%q, %v)", got, ok, tt.want, tt.wantOK)
			}
		})
	}

	m := newTestManager(t)
	m.SaveIdentityFile(IdentityFile, "**Name:** Nova\n**Emoji:** sparkles\n")
	if emoji, ok := m.AgentEmoji(); !ok || emoji != "sparkles" {
		t.Errorf("AgentEmoji = (%q, %v)", emoji, ok)
	}
}

func TestSanitizeSharedKey(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"plain", "plain"},
		{"with space", "with-space"},
		{"a/b\\c", "a-b-c"},
		{"dots.and_dashes-ok", "dots.and_dashes-ok"},
		{"émoji!", "-moji-"},
	}
	for _, tt := range tests {
		if got := SanitizeSharedKey(tt.in); got != tt.want {
			t.Errorf("SanitizeSharedKey(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSharedMemory(t *testing.T) {
	m, err := NewManager(t.TempDir(), t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.SaveShared("team/roster", "alice, bob"); err != nil {
		t.Fatal(err)
	}
	// The sanitized key reads back the same document.
	got, ok := m.GetShared("team/roster")
	if !ok || got != "alice, bob" {
		t.Errorf("GetShared = (%q, %v)", got, ok)
	}

	noShared := newTestManager(t)
	if err := noShared.SaveShared("k", "v"); err == nil {
		t.Error("save without shared directory accepted")
	}
	if _, ok := noShared.GetShared("k"); ok {
		t.Error("read without shared directory succeeded")
	}
}

func TestSemanticSearch_LegacyFallback(t *testing.T) {
	m := newTestManager(t)
	m.SaveMemory("The deployment pipeline runs on Fridays.\n\nUnrelated paragraph about lunch.\n")

	results := m.SemanticSearch(context.Background(), "DEPLOYMENT", 5)
	if len(results) == 0 {
		t.Fatal("no legacy results")
	}
	if results[0].Source != "legacy" {
		t.Errorf("source = %q, want legacy", results[0].Source)
	}
	if !strings.Contains(results[0].Text, "deployment pipeline") {
		t.Errorf("text = %q", results[0].Text)
	}
	for _, r := range results {
		if strings.Contains(r.Text, "lunch") {
			t.Error("non-matching paragraph returned")
		}
	}
}

func TestSemanticSearch_LimitRespected(t *testing.T) {
	m := newTestManager(t)
	var b strings.Builder
	for i := 0; i < 10; i++ {
		b.WriteString("widget paragraph\n\n")
	}
	m.SaveMemory(b.String())

	results := m.SemanticSearch(context.Background(), "widget", 3)
	if len(results) != 3 {
		t.Errorf("got %d results, want 3", len(results))
	}
}

func TestFactoryReset(t *testing.T) {
	m := newTestManager(t)
	m.SaveIdentityFile(IdentityFile, "**Name:** Nova\n")
	m.AppendDailyLog("something happened")

	if err := m.FactoryReset(); err != nil {
		t.Fatal(err)
	}

	content, ok := m.GetIdentityFile(IdentityFile)
	if !ok {
		t.Fatal("identity file not reseeded")
	}
	if strings.Contains(content, "Nova") {
		t.Error("customized identity survived factory reset")
	}
	if _, ok := m.GetDailyLog(time.Now()); ok {
		t.Error("daily log survived factory reset")
	}
	if !m.HasBootstrap() {
		t.Error("bootstrap not reseeded")
	}
}

// flakyEmbedder fails while fail is set, then serves a constant vector.
type flakyEmbedder struct {
	mu   sync.Mutex
	fail bool
}

func (f *flakyEmbedder) setFail(v bool) {
	f.mu.Lock()
	f.fail = v
	f.mu.Unlock()
}

func (f *flakyEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, errors.New("endpoint down")
	}
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func TestIndexAll_RetriesEmbeddingAfterRecovery(t *testing.T) {
	dir := t.TempDir()
	emb := &flakyEmbedder{fail: true}
	idx := vector.New(vector.Options{Dir: dir, ChunkSize: 150, Embedder: emb})
	m, err := NewManager(dir, "", idx)
	if err != nil {
		t.Fatal(err)
	}
	content := "The deploy runbook lives in the infra repo.\n"
	if err := os.WriteFile(filepath.Join(dir, "notes.md"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	// Endpoint down: lexical chunks land, but the file stays pending.
	if _, err := m.IndexAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	if idx.Size() == 0 {
		t.Fatal("no text-only chunks indexed while the endpoint is down")
	}
	if !idx.NeedsReindex("notes.md", content) {
		t.Fatal("failed embedding must leave the file pending")
	}

	// Endpoint back: the next pass re-embeds instead of skipping.
	emb.setFail(false)
	report, err := m.IndexAll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.FilesIndexed == 0 {
		t.Error("recovered pass indexed nothing")
	}
	if idx.NeedsReindex("notes.md", content) {
		t.Error("recovered pass did not record the fingerprint")
	}

	// Steady state: unchanged content is skipped again.
	report, err = m.IndexAll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.FilesIndexed != 0 {
		t.Errorf("steady-state pass indexed %d files, want 0", report.FilesIndexed)
	}
}

func TestIndexingToggle_Concurrent(t *testing.T) {
	dir := t.TempDir()
	idx := vector.New(vector.Options{Dir: dir, ChunkSize: 150})
	m, err := NewManager(dir, "", idx)
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				m.DisableIndexing()
				m.EnableIndexing()
			}
		}()
	}
	for i := 0; i < 200; i++ {
		m.SemanticSearch(context.Background(), "runbook", 1)
	}
	wg.Wait()
}
