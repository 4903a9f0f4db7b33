package skills

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

const skillFileName = "SKILL.md"

// Loader discovers skills under one main directory plus optional extra
// directories, gates them on the host environment, and renders the system
// prompt injection.
type Loader struct {
	mu      sync.Mutex
	mainDir string
	extra   []string

	loaded  []Skill
	skipped []SkippedSkill

	watcher *fsnotify.Watcher
	dirty   bool
	done    chan struct{}
}

// NewLoader creates a loader. Extra directories are scanned before the main
// one so the main directory wins on duplicate skill names.
func NewLoader(mainDir string, extraDirs ...string) *Loader {
	return &Loader{mainDir: mainDir, extra: extraDirs}
}

// LoadAll rescans every directory and returns the loaded skills.
func (l *Loader) LoadAll() []Skill {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.loadLocked()
	return append([]Skill(nil), l.loaded...)
}

// ListSkills returns the currently loaded skills.
func (l *Loader) ListSkills() []Skill {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Skill(nil), l.loaded...)
}

// ListSkippedSkills returns skills that failed gating, with reasons.
func (l *Loader) ListSkippedSkills() []SkippedSkill {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]SkippedSkill(nil), l.skipped...)
}

// ReloadIfChanged rescans when a watcher event arrived since the last load.
// Reports whether a reload happened.
func (l *Loader) ReloadIfChanged() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.dirty {
		return false
	}
	l.loadLocked()
	return true
}

// loadLocked performs the scan. Caller holds the lock.
func (l *Loader) loadLocked() {
	byName := make(map[string]Skill)
	var order []string
	var skipped []SkippedSkill

	bins := &binCache{known: make(map[string]bool)}

	dirs := append(append([]string(nil), l.extra...), l.mainDir)
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			skillDir := filepath.Join(dir, e.Name())
			skill, skip, ok := l.loadOne(skillDir, e.Name(), bins)
			if !ok {
				continue
			}
			if skip != nil {
				skipped = append(skipped, *skip)
				continue
			}
			if _, seen := byName[skill.Name]; !seen {
				order = append(order, skill.Name)
			}
			byName[skill.Name] = skill
		}
	}

	loaded := make([]Skill, 0, len(order))
	for _, name := range order {
		loaded = append(loaded, byName[name])
	}
	l.loaded = loaded
	l.skipped = skipped
	l.dirty = false
}

// loadOne parses and gates a single skill directory. Returns (skill, nil,
// true) when loaded, (zero, skip, true) when gated out, and ok=false when
// the directory holds no SKILL.md.
func (l *Loader) loadOne(dir, name string, bins *binCache) (Skill, *SkippedSkill, bool) {
	raw, err := os.ReadFile(filepath.Join(dir, skillFileName))
	if err != nil {
		return Skill{}, nil, false
	}
	meta, body := parseSkillFile(string(raw))

	if !meta.Always {
		if reasons := gate(meta, bins); len(reasons) > 0 {
			return Skill{}, &SkippedSkill{
				Name:    name,
				Dir:     dir,
				Reasons: reasons,
				Install: installHints(meta),
			}, true
		}
	}

	return Skill{
		Name:       name,
		Dir:        dir,
		Content:    strings.TrimSpace(body),
		References: loadReferences(dir),
		Meta:       meta,
	}, nil, true
}

// gate evaluates the environment requirements and returns skip reasons.
func gate(meta Metadata, bins *binCache) []string {
	var reasons []string

	if len(meta.OS) > 0 {
		supported := false
		for _, osName := range meta.OS {
			if strings.EqualFold(osName, runtime.GOOS) {
				supported = true
				break
			}
		}
		if !supported {
			reasons = append(reasons, fmt.Sprintf("unsupported OS %s (needs %s)", runtime.GOOS, strings.Join(meta.OS, "/")))
		}
	}

	for _, bin := range meta.Requires.Bins {
		if !bins.has(bin) {
			reasons = append(reasons, "missing binary: "+bin)
		}
	}

	if len(meta.Requires.AnyBins) > 0 {
		found := false
		for _, bin := range meta.Requires.AnyBins {
			if bins.has(bin) {
				found = true
				break
			}
		}
		if !found {
			reasons = append(reasons, "none of the alternative binaries found: "+strings.Join(meta.Requires.AnyBins, ", "))
		}
	}

	for _, env := range meta.Requires.Env {
		if os.Getenv(env) == "" {
			reasons = append(reasons, "missing env var: "+env)
		}
	}

	return reasons
}

// installHints formats the metadata install entries for skip reporting.
func installHints(meta Metadata) []string {
	var hints []string
	for _, h := range meta.Install {
		var parts []string
		if h.Bin != "" {
			parts = append(parts, h.Bin+":")
		}
		if h.Cmd != "" {
			parts = append(parts, h.Cmd)
		}
		if h.Note != "" {
			parts = append(parts, "("+h.Note+")")
		}
		if len(parts) > 0 {
			hints = append(hints, strings.Join(parts, " "))
		}
	}
	return hints
}

// loadReferences reads references/*.md in name order.
func loadReferences(dir string) []string {
	refDir := filepath.Join(dir, "references")
	entries, err := os.ReadDir(refDir)
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".md" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	var refs []string
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(refDir, name))
		if err != nil {
			continue
		}
		refs = append(refs, strings.TrimSpace(string(data)))
	}
	return refs
}

// GetSystemPromptInjection renders the loaded skills as a prompt block.
// Returns "" when no skill is loaded.
func (l *Loader) GetSystemPromptInjection() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.loaded) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("# Active Skills\n")
	for _, s := range l.loaded {
		b.WriteString("\n## ")
		if s.Meta.Emoji != "" {
			b.WriteString(s.Meta.Emoji + " ")
		}
		b.WriteString("Skill: " + s.Name + "\n")
		b.WriteString(s.Content + "\n")
		for _, ref := range s.References {
			b.WriteString("\n" + ref + "\n")
		}
	}
	return b.String()
}

// StartWatching installs filesystem watchers on every skill directory.
// Events only mark the loader dirty; callers pick changes up through
// ReloadIfChanged.
func (l *Loader) StartWatching() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.watcher != nil {
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("skills: create watcher: %w", err)
	}

	dirs := append(append([]string(nil), l.extra...), l.mainDir)
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := w.Add(dir); err != nil {
			slog.Warn("skills: failed to watch directory", "dir", dir, "error", err)
			continue
		}
		// Watch one level down so SKILL.md edits are seen, not just
		// directory creation.
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() {
				if err := w.Add(filepath.Join(dir, e.Name())); err != nil {
					slog.Warn("skills: failed to watch skill", "dir", e.Name(), "error", err)
				}
			}
		}
	}

	l.watcher = w
	l.done = make(chan struct{})
	go l.watchLoop(w, l.done)
	return nil
}

func (l *Loader) watchLoop(w *fsnotify.Watcher, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			l.mu.Lock()
			l.dirty = true
			l.mu.Unlock()
			// New skill directories need their own watch.
			if ev.Op.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := w.Add(ev.Name); err != nil {
						slog.Warn("skills: failed to watch new directory", "dir", ev.Name, "error", err)
					}
				}
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			slog.Warn("skills: watcher error", "error", err)
		}
	}
}

// StopWatching removes the watchers. Idempotent.
func (l *Loader) StopWatching() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.watcher == nil {
		return
	}
	close(l.done)
	l.watcher.Close()
	l.watcher = nil
	l.done = nil
}

// binCache memoizes PATH lookups for one load pass.
type binCache struct {
	known map[string]bool
}

func (c *binCache) has(bin string) bool {
	if v, ok := c.known[bin]; ok {
		return v
	}
	_, err := exec.LookPath(bin)
	c.known[bin] = err == nil
	return err == nil
}
