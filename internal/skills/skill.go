package skills

import (
	"strings"

	"github.com/titanous/json5"
)

// Requirements gates a skill on the host environment.
type Requirements struct {
	Bins    []string `json:"bins,omitempty"`    // all must be on PATH
	AnyBins []string `json:"anyBins,omitempty"` // at least one must be on PATH
	Env     []string `json:"env,omitempty"`     // all must be set
}

// InstallHint is surfaced when gating fails, telling the user how to get
// a missing binary.
type InstallHint struct {
	OS   string `json:"os,omitempty"`
	Bin  string `json:"bin,omitempty"`
	Cmd  string `json:"cmd,omitempty"`
	Note string `json:"note,omitempty"`
}

// Metadata is the structured block a SKILL.md frontmatter may carry.
type Metadata struct {
	Emoji    string        `json:"emoji,omitempty"`
	Homepage string        `json:"homepage,omitempty"`
	Always   bool          `json:"always,omitempty"` // skip gating entirely
	OS       []string      `json:"os,omitempty"`
	Requires Requirements  `json:"requires,omitempty"`
	Install  []InstallHint `json:"install,omitempty"`
}

// Skill is one loaded skill directory.
type Skill struct {
	Name       string   `json:"name"`
	Dir        string   `json:"dir"`
	Content    string   `json:"-"` // SKILL.md body without frontmatter
	References []string `json:"-"` // references/*.md contents
	Meta       Metadata `json:"metadata"`
}

// SkippedSkill records why a skill did not load.
type SkippedSkill struct {
	Name    string   `json:"name"`
	Dir     string   `json:"dir"`
	Reasons []string `json:"reasons"`
	Install []string `json:"install,omitempty"`
}

// parseSkillFile splits a SKILL.md into frontmatter metadata and body. A
// frontmatter block is optional and delimited by `---` lines at the top of
// the file.
func parseSkillFile(raw string) (Metadata, string) {
	var meta Metadata

	content := strings.ReplaceAll(raw, "\r\n", "\n")
	if !strings.HasPrefix(content, "---\n") {
		return meta, content
	}
	rest := content[len("---\n"):]
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return meta, content
	}
	front := rest[:end]
	body := rest[end+len("\n---"):]
	body = strings.TrimPrefix(body, "\n")

	parseFrontmatter(front, &meta)
	return meta, body
}

// parseFrontmatter handles the simple `key: value` lines, the inline JSON5
// metadata block, and the legacy flat requirement keys.
func parseFrontmatter(front string, meta *Metadata) {
	lines := strings.Split(front, "\n")
	for i := 0; i < len(lines); i++ {
		line := lines[i]
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		key, value, ok := strings.Cut(trimmed, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch key {
		case "metadata":
			// The value is an inline JSON5 object, possibly spanning
			// multiple lines; consume until the braces balance.
			block, consumed := collectJSONBlock(value, lines[i+1:])
			i += consumed
			if block != "" {
				if err := json5.Unmarshal([]byte(block), meta); err == nil {
					continue
				}
			}
		case "emoji":
			meta.Emoji = value
		case "homepage":
			meta.Homepage = value
		case "always":
			meta.Always = value == "true" || value == "yes"
		case "os":
			meta.OS = splitList(value)
		case "requires_bins":
			meta.Requires.Bins = splitList(value)
		case "requires_any_bins":
			meta.Requires.AnyBins = splitList(value)
		case "requires_env":
			meta.Requires.Env = splitList(value)
		}
	}
}

// collectJSONBlock gathers a brace-balanced object starting at first and
// continuing through following lines. Returns the block and the number of
// extra lines consumed.
func collectJSONBlock(first string, following []string) (string, int) {
	if !strings.Contains(first, "{") {
		return "", 0
	}
	var b strings.Builder
	b.WriteString(first)
	depth := braceDelta(first)
	consumed := 0
	for depth > 0 && consumed < len(following) {
		line := following[consumed]
		b.WriteString("\n")
		b.WriteString(line)
		depth += braceDelta(line)
		consumed++
	}
	if depth != 0 {
		return "", consumed
	}
	return b.String(), consumed
}

func braceDelta(s string) int {
	d := 0
	for _, r := range s {
		switch r {
		case '{':
			d++
		case '}':
			d--
		}
	}
	return d
}

// splitList parses the legacy comma-separated value form.
func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
