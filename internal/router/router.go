package router

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/automate/internal/config"
)

// Router owns the set of managed agents and picks the right one for each
// incoming session key.
type Router struct {
	mu          sync.RWMutex
	agents      map[string]*ManagedAgent
	order       []string
	defaultName string

	cfg    *config.Config
	driver Driver
}

// New creates a router. Agents are registered through InitAgents.
func New(cfg *config.Config, driver Driver) *Router {
	return &Router{
		agents: make(map[string]*ManagedAgent),
		cfg:    cfg,
		driver: driver,
	}
}

// InitAgents instantiates one managed agent per profile, in definition
// order. With no profiles a single "main" agent matching everything is
// created. The first profile is the default.
func (r *Router) InitAgents(profiles []config.AgentProfile) error {
	if len(profiles) == 0 {
		// Standalone mode: one agent over the top-level state directories.
		profiles = []config.AgentProfile{{
			Name:        "main",
			MemoryDir:   r.cfg.Memory.Directory,
			SessionsDir: r.cfg.Sessions.Directory,
			SkillsDir:   r.cfg.Skills.Directory,
			Channels:    []string{"*"},
			AllowFrom:   []string{"*"},
		}}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range profiles {
		if p.Name == "" {
			return fmt.Errorf("router: agent profile needs a name")
		}
		if _, dup := r.agents[p.Name]; dup {
			return fmt.Errorf("router: duplicate agent name %q", p.Name)
		}
		agent, err := newManagedAgent(r.cfg, p, r.driver)
		if err != nil {
			return fmt.Errorf("router: init agent %s: %w", p.Name, err)
		}
		r.agents[p.Name] = agent
		r.order = append(r.order, p.Name)
		if agent.Scheduler != nil {
			agent.Scheduler.Start()
		}
		slog.Info("agent registered", "name", p.Name, "channels", p.Channels)
	}
	if r.defaultName == "" {
		r.defaultName = r.order[0]
	}
	return nil
}

// Route selects the agent for a session key. Agents are checked in
// definition order; the first whose channel patterns match and whose
// allowFrom admits the user wins. No match falls back to the default.
func (r *Router) Route(sessionID, userID string) *ManagedAgent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, name := range r.order {
		a := r.agents[name]
		if !matchesAny(a.Profile.Channels, sessionID) {
			continue
		}
		if !allows(a.Profile.AllowFrom, userID) {
			continue
		}
		return a
	}
	return r.agents[r.defaultName]
}

// matchesAny reports whether sessionID matches any pattern. "*" matches
// everything; otherwise the pattern is a glob with `*`→`.*`, `?`→`.`,
// anchored on both ends.
func matchesAny(patterns []string, sessionID string) bool {
	for _, p := range patterns {
		if p == "*" {
			return true
		}
		if re, err := compileGlob(p); err == nil && re.MatchString(sessionID) {
			return true
		}
	}
	return false
}

func compileGlob(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}

// allows checks the allowFrom list. "*" admits everyone; an empty userID is
// only admitted by "*".
func allows(allowFrom []string, userID string) bool {
	for _, a := range allowFrom {
		if a == "*" || (userID != "" && a == userID) {
			return true
		}
	}
	return false
}

// GetAgent returns a registered agent by name.
func (r *Router) GetAgent(name string) (*ManagedAgent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[name]
	return a, ok
}

// GetAll returns all agents in definition order.
func (r *Router) GetAll() []*ManagedAgent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ManagedAgent, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.agents[name])
	}
	return out
}

// GetDefault returns the current default agent.
func (r *Router) GetDefault() *ManagedAgent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.agents[r.defaultName]
}

// ProcessMessage routes and runs one message. Messages starting with
// "/agents" are handled as router commands.
func (r *Router) ProcessMessage(ctx context.Context, sessionID, message string, onChunk func(string), userID string) (string, error) {
	if strings.HasPrefix(strings.TrimSpace(message), "/agents") {
		return r.HandleCommand(sessionID, strings.TrimSpace(message), userID)
	}

	agent := r.Route(sessionID, userID)
	if agent == nil {
		return "", fmt.Errorf("router: no agent available for session %s", sessionID)
	}
	return agent.ProcessMessage(ctx, sessionID, message, onChunk)
}

// HandleCommand executes /agents subcommands: list, switch <name>.
func (r *Router) HandleCommand(sessionID, command, userID string) (string, error) {
	fields := strings.Fields(command)
	if len(fields) == 0 || fields[0] != "/agents" {
		return "", fmt.Errorf("router: unknown command %q", command)
	}

	sub := "list"
	if len(fields) > 1 {
		sub = fields[1]
	}

	switch sub {
	case "list":
		r.mu.RLock()
		defer r.mu.RUnlock()
		var b strings.Builder
		b.WriteString("Registered agents:\n")
		for _, name := range r.order {
			a := r.agents[name]
			marker := " "
			if name == r.defaultName {
				marker = "*"
			}
			fmt.Fprintf(&b, "%s %s  channels=%s\n", marker, name, strings.Join(a.Profile.Channels, ","))
		}
		return b.String(), nil

	case "switch":
		if len(fields) < 3 {
			return "", fmt.Errorf("router: usage: /agents switch <name>")
		}
		name := fields[2]
		r.mu.Lock()
		defer r.mu.Unlock()
		if _, ok := r.agents[name]; !ok {
			return "", fmt.Errorf("router: unknown agent %q", name)
		}
		r.defaultName = name
		return "Default agent switched to " + name, nil

	default:
		return "", fmt.Errorf("router: unknown subcommand %q", sub)
	}
}

// Shutdown stops every scheduler and skill watcher and flushes every
// session store. All agents shut down concurrently; the first error wins.
func (r *Router) Shutdown() error {
	r.mu.RLock()
	agents := make([]*ManagedAgent, 0, len(r.order))
	for _, name := range r.order {
		agents = append(agents, r.agents[name])
	}
	r.mu.RUnlock()

	var g errgroup.Group
	for _, a := range agents {
		g.Go(a.shutdown)
	}
	return g.Wait()
}
