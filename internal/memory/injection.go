package memory

import (
	"strings"
)

const (
	identityInjectLimit = 5000
	memoryInjectLimit   = 8000
	yesterdayTailLimit  = 2000
)

// injectedFiles are the identity files appearing in the prompt injection
// after the bootstrap section, in order.
var injectedFiles = []string{AgentsFile, PersonalityFile, IdentityFile, UserFile, ToolsFile}

// GetPromptInjection builds the memory block appended to the system prompt:
// first-run bootstrap, identity files, curated long-term memory, and the
// recent daily logs.
func (m *Manager) GetPromptInjection() string {
	var sections []string

	if bootstrap, ok := m.GetIdentityFile(BootstrapFile); ok {
		sections = append(sections, "## FIRST RUN\n\n"+strings.TrimSpace(bootstrap))
	}

	for _, name := range injectedFiles {
		content, ok := m.GetIdentityFile(name)
		if !ok || strings.TrimSpace(content) == "" {
			continue
		}
		body := strings.TrimSpace(content)
		if len(body) > identityInjectLimit {
			body = body[:identityInjectLimit] + "\n\n[...truncated]"
		}
		sections = append(sections, "## "+name+"\n\n"+body)
	}

	if mem := strings.TrimSpace(m.GetMemory()); mem != "" {
		if len(mem) > memoryInjectLimit {
			mem = mem[:memoryInjectLimit] + "\n\n[...truncated, use memory search for older entries]"
		}
		sections = append(sections, "## Long-term Memory\n\n"+mem)
	}

	yesterday, today := m.GetRecentDailyLogs()
	if yesterday != "" || today != "" {
		var log strings.Builder
		log.WriteString("## Recent Daily Log\n")
		if y := strings.TrimSpace(yesterday); y != "" {
			if len(y) > yesterdayTailLimit {
				y = y[len(y)-yesterdayTailLimit:]
			}
			log.WriteString("\n### Yesterday\n" + y + "\n")
		}
		if t := strings.TrimSpace(today); t != "" {
			log.WriteString("\n### Today\n" + t + "\n")
		}
		sections = append(sections, strings.TrimRight(log.String(), "\n"))
	}

	if len(sections) == 0 {
		return ""
	}
	return "\n\n# Agent Memory & Identity\n\n" + strings.Join(sections, "\n\n---\n\n")
}
