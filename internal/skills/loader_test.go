package skills

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeSkill(t *testing.T, root, name, content string) string {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "SKILL.md"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestParseSkillFile(t *testing.T) {
	t.Run("no frontmatter", func(t *testing.T) {
		meta, body := parseSkillFile("# My Skill\nJust a body.\n")
		if meta.Emoji != "" || !strings.Contains(body, "My Skill") {
			t.Errorf("meta=%+v body=%q", meta, body)
		}
	})

	t.Run("simple keys", func(t *testing.T) {
		raw := "---\nemoji: X\nhomepage: https://example.com\nalways: true\n---\nbody here\n"
		meta, body := parseSkillFile(raw)
		if meta.Emoji != "X" || meta.Homepage != "https://example.com" || !meta.Always {
			t.Errorf("meta = %+v", meta)
		}
		if strings.TrimSpace(body) != "body here" {
			t.Errorf("body = %q", body)
		}
	})

	t.Run("inline json5 metadata", func(t *testing.T) {
		raw := "---\nmetadata: {\n  emoji: \"Y\",\n  os: [\"linux\", \"darwin\"],\n  requires: { bins: [\"git\", \"jq\"], env: [\"API_KEY\"] },\n}\n---\nbody\n"
		meta, _ := parseSkillFile(raw)
		if meta.Emoji != "Y" {
			t.Errorf("emoji = %q", meta.Emoji)
		}
		if len(meta.OS) != 2 || meta.OS[0] != "linux" {
			t.Errorf("os = %v", meta.OS)
		}
		if len(meta.Requires.Bins) != 2 || meta.Requires.Bins[1] != "jq" {
			t.Errorf("bins = %v", meta.Requires.Bins)
		}
		if len(meta.Requires.Env) != 1 || meta.Requires.Env[0] != "API_KEY" {
			t.Errorf("env = %v", meta.Requires.Env)
		}
	})

	t.Run("legacy flat keys", func(t *testing.T) {
		raw := "---\nrequires_bins: git, curl\nrequires_env: HOME\nos: linux\n---\nbody\n"
		meta, _ := parseSkillFile(raw)
		if len(meta.Requires.Bins) != 2 || meta.Requires.Bins[0] != "git" || meta.Requires.Bins[1] != "curl" {
			t.Errorf("bins = %v", meta.Requires.Bins)
		}
		if len(meta.Requires.Env) != 1 || meta.Requires.Env[0] != "HOME" {
			t.Errorf("env = %v", meta.Requires.Env)
		}
		if len(meta.OS) != 1 || meta.OS[0] != "linux" {
			t.Errorf("os = %v", meta.OS)
		}
	})

	t.Run("unterminated frontmatter is body", func(t *testing.T) {
		raw := "---\nemoji: Z\nno terminator"
		meta, body := parseSkillFile(raw)
		if meta.Emoji != "" {
			t.Error("unterminated frontmatter parsed as metadata")
		}
		if !strings.Contains(body, "no terminator") {
			t.Errorf("body = %q", body)
		}
	})
}

func TestLoadAll_GatingByEnv(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "gated", "---\nmetadata: { requires: { env: [\"DEFINITELY_UNSET_VAR_12345\"] } }\n---\nbody\n")
	writeSkill(t, root, "open", "just a body\n")

	loader := NewLoader(root)
	loaded := loader.LoadAll()
	if len(loaded) != 1 || loaded[0].Name != "open" {
		t.Fatalf("loaded = %+v, want only open", loaded)
	}

	skipped := loader.ListSkippedSkills()
	if len(skipped) != 1 || skipped[0].Name != "gated" {
		t.Fatalf("skipped = %+v", skipped)
	}
	if !strings.Contains(skipped[0].Reasons[0], "DEFINITELY_UNSET_VAR_12345") {
		t.Errorf("reason = %q", skipped[0].Reasons[0])
	}
}

func TestLoadAll_GatingByMissingBinary(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "needs-bin", "---\nrequires_bins: definitely-not-a-real-binary-xyz\n---\nbody\n")

	loader := NewLoader(root)
	if loaded := loader.LoadAll(); len(loaded) != 0 {
		t.Fatalf("loaded = %+v, want none", loaded)
	}
	skipped := loader.ListSkippedSkills()
	if len(skipped) != 1 || !strings.Contains(skipped[0].Reasons[0], "missing binary") {
		t.Errorf("skipped = %+v", skipped)
	}
}

func TestLoadAll_AlwaysSkipsGating(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "forced", "---\nalways: true\nrequires_bins: definitely-not-a-real-binary-xyz\n---\nbody\n")

	loader := NewLoader(root)
	if loaded := loader.LoadAll(); len(loaded) != 1 {
		t.Fatalf("always skill not loaded: %+v", loaded)
	}
}

func TestLoadAll_MainDirOverridesExtra(t *testing.T) {
	extra := t.TempDir()
	main := t.TempDir()
	writeSkill(t, extra, "notes", "# Extra version\n")
	writeSkill(t, main, "notes", "# Main version\n")
	writeSkill(t, extra, "extra-only", "# Only here\n")

	loader := NewLoader(main, extra)
	loaded := loader.LoadAll()
	if len(loaded) != 2 {
		t.Fatalf("loaded %d skills, want 2", len(loaded))
	}
	byName := map[string]Skill{}
	for _, s := range loaded {
		byName[s.Name] = s
	}
	if !strings.Contains(byName["notes"].Content, "Main version") {
		t.Errorf("main dir should win: %q", byName["notes"].Content)
	}
	if _, ok := byName["extra-only"]; !ok {
		t.Error("extra-only skill missing")
	}
}

func TestGetSystemPromptInjection(t *testing.T) {
	root := t.TempDir()
	dir := writeSkill(t, root, "weather", "---\nemoji: W\n---\nFetch forecasts with the weather tool.\n")
	refDir := filepath.Join(dir, "references")
	if err := os.MkdirAll(refDir, 0o755); err != nil {
		t.Fatal(err)
	}
	os.WriteFile(filepath.Join(refDir, "api.md"), []byte("API notes."), 0o644)

	loader := NewLoader(root)
	loader.LoadAll()
	inj := loader.GetSystemPromptInjection()

	for _, want := range []string{"# Active Skills", "## W Skill: weather", "Fetch forecasts", "API notes."} {
		if !strings.Contains(inj, want) {
			t.Errorf("injection missing %q\n%s", want, inj)
		}
	}
}

func TestGetSystemPromptInjection_EmptyWhenNoSkills(t *testing.T) {
	loader := NewLoader(t.TempDir())
	loader.LoadAll()
	if inj := loader.GetSystemPromptInjection(); inj != "" {
		t.Errorf("injection = %q, want empty", inj)
	}
}

func TestReloadIfChanged(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "first", "body one\n")

	loader := NewLoader(root)
	loader.LoadAll()
	if loader.ReloadIfChanged() {
		t.Error("reload reported without changes")
	}

	if err := loader.StartWatching(); err != nil {
		t.Fatal(err)
	}
	defer loader.StopWatching()

	writeSkill(t, root, "second", "body two\n")

	// The watcher marks the loader dirty; poll until the reload lands.
	reloaded := false
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if loader.ReloadIfChanged() {
			reloaded = true
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if !reloaded {
		t.Fatal("watcher never picked up the new skill")
	}
	if len(loader.ListSkills()) != 2 {
		t.Errorf("loaded %d skills after reload, want 2", len(loader.ListSkills()))
	}
}
