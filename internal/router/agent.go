package router

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/nextlevelbuilder/automate/internal/config"
	"github.com/nextlevelbuilder/automate/internal/cron"
	"github.com/nextlevelbuilder/automate/internal/heartbeat"
	"github.com/nextlevelbuilder/automate/internal/memory"
	"github.com/nextlevelbuilder/automate/internal/providers"
	"github.com/nextlevelbuilder/automate/internal/sessions"
	"github.com/nextlevelbuilder/automate/internal/skills"
	"github.com/nextlevelbuilder/automate/internal/vector"
)

// Driver is the external LLM seam: given an agent and a session, run one
// user message to completion, streaming chunks through onChunk.
type Driver interface {
	Complete(ctx context.Context, agent *ManagedAgent, sessionID, message string, onChunk func(string)) (string, error)
}

// ManagedAgent is a live agent instance: one session store, one memory
// manager, one skill loader, and at most one scheduler, all exclusively
// owned.
type ManagedAgent struct {
	Profile config.AgentProfile
	Agent   config.AgentConfig // effective settings after overlay

	Sessions  *sessions.Store
	Memory    *memory.Manager
	Skills    *skills.Loader
	Scheduler *cron.Scheduler
	Heartbeat *heartbeat.Controller

	driver Driver
}

// newManagedAgent instantiates an agent from a profile overlaid on the base
// configuration. Directories default to <home>/.automate/agents/<name>/.
func newManagedAgent(cfg *config.Config, profile config.AgentProfile, driver Driver) (*ManagedAgent, error) {
	effective := cfg.Agent
	if profile.Model != "" {
		effective.Model = profile.Model
	}
	if profile.APIBase != "" {
		effective.APIBase = profile.APIBase
	}
	if profile.APIKey != "" {
		effective.APIKey = profile.APIKey
	}
	if profile.MaxTokens > 0 {
		effective.MaxTokens = profile.MaxTokens
	}
	if profile.Temperature > 0 {
		effective.Temperature = profile.Temperature
	}

	agentRoot := config.AgentDir(profile.Name)
	memDir := profile.MemoryDir
	if memDir == "" {
		memDir = filepath.Join(agentRoot, "memory")
	}
	sessDir := profile.SessionsDir
	if sessDir == "" {
		sessDir = filepath.Join(agentRoot, "sessions")
	}
	skillsDir := profile.SkillsDir
	if skillsDir == "" {
		skillsDir = filepath.Join(agentRoot, "skills")
	}

	var embedder providers.Embedder
	if cfg.Memory.Embedding.IsEnabled() {
		embedder = providers.NewEmbeddingClient(
			cfg.Memory.Embedding.Model,
			cfg.Memory.Embedding.APIKey,
			cfg.Memory.Embedding.APIBase,
		)
	}
	index := vector.New(vector.Options{
		Dir:          memDir,
		ChunkSize:    cfg.Memory.Embedding.ChunkSize,
		ChunkOverlap: cfg.Memory.Embedding.ChunkOverlap,
		VectorWeight: cfg.Memory.Embedding.VectorWeight,
		BM25Weight:   cfg.Memory.Embedding.BM25Weight,
		Embedder:     embedder,
	})

	mem, err := memory.NewManager(memDir, cfg.Memory.SharedDirectory, index)
	if err != nil {
		return nil, err
	}

	store := sessions.NewStore(sessions.Options{
		Dir:           sessDir,
		ContextLimit:  cfg.Sessions.ContextLimit,
		CompactAt:     cfg.Sessions.CompactAt,
		AutoResetHour: cfg.Sessions.AutoResetHour,
	})

	loader := skills.NewLoader(skillsDir, cfg.Skills.ExtraDirs...)
	loader.LoadAll()

	a := &ManagedAgent{
		Profile:  profile,
		Agent:    effective,
		Sessions: store,
		Memory:   mem,
		Skills:   loader,
		driver:   driver,
	}

	if cfg.Cron.IsEnabled() {
		cronDir := filepath.Join(agentRoot, "cron")
		if sessDir == cfg.Sessions.Directory {
			// The standalone agent keeps the top-level cron directory.
			cronDir = cfg.Cron.Directory
		}
		a.Scheduler = cron.NewScheduler(cronDir, a.handleJob)
		a.Heartbeat = heartbeat.New(profile.Name, mem, store, a.Scheduler, agentInvoker{a})
	}

	// First index build happens off the request path; failures leave the
	// lexical fallback in place.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if _, err := mem.IndexAll(ctx); err != nil {
			slog.Warn("router: initial index build failed", "agent", profile.Name, "error", err)
		}
	}()

	return a, nil
}

// Name returns the profile name.
func (a *ManagedAgent) Name() string { return a.Profile.Name }

// SystemPrompt composes the base prompt with memory and skill injections.
func (a *ManagedAgent) SystemPrompt() string {
	var b strings.Builder
	b.WriteString(a.Agent.SystemPrompt)
	b.WriteString(a.Memory.GetPromptInjection())
	if inj := a.Skills.GetSystemPromptInjection(); inj != "" {
		b.WriteString("\n\n")
		b.WriteString(inj)
	}
	return b.String()
}

// ProcessMessage appends the user turn, runs the driver, and appends the
// assistant turn. The session is created lazily from its id.
func (a *ManagedAgent) ProcessMessage(ctx context.Context, sessionID, message string, onChunk func(string)) (string, error) {
	a.Skills.ReloadIfChanged()

	if err := a.Sessions.AppendMessage(sessionID, sessions.Message{Role: "user", Content: message}); err != nil {
		return "", err
	}

	reply, err := a.driver.Complete(ctx, a, sessionID, message, onChunk)
	if err != nil {
		return "", err
	}

	if err := a.Sessions.AppendMessage(sessionID, sessions.Message{Role: "assistant", Content: reply}); err != nil {
		slog.Warn("router: failed to record assistant turn", "agent", a.Name(), "session", sessionID, "error", err)
	}
	return reply, nil
}

// handleJob dispatches a fired scheduler job. Heartbeat firings route back
// to the controller; prompt jobs run through the normal message path.
func (a *ManagedAgent) handleJob(job cron.Job) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	if job.Kind == cron.KindHeartbeat || strings.HasPrefix(job.Name, heartbeat.ReservedJobName) {
		if a.Heartbeat == nil {
			return
		}
		if _, err := a.Heartbeat.Trigger(ctx); err != nil {
			slog.Warn("router: heartbeat trigger failed", "agent", a.Name(), "error", err)
		}
		return
	}

	sessionID := job.SessionID
	if sessionID == "" {
		sessionID = sessions.SessionID("cron", job.ID)
	}
	if _, err := a.ProcessMessage(ctx, sessionID, job.Prompt, nil); err != nil {
		slog.Warn("router: cron job failed", "agent", a.Name(), "job", job.Name, "error", err)
	}
}

// agentInvoker adapts a ManagedAgent to the heartbeat invoker seam without
// recording heartbeat prompts as user turns.
type agentInvoker struct{ a *ManagedAgent }

func (i agentInvoker) Invoke(ctx context.Context, sessionID, prompt string, onChunk func(string)) (string, error) {
	return i.a.driver.Complete(ctx, i.a, sessionID, prompt, onChunk)
}

// shutdown stops background workers and flushes sessions and the index.
func (a *ManagedAgent) shutdown() error {
	if a.Scheduler != nil {
		a.Scheduler.Stop()
	}
	a.Skills.StopWatching()
	if err := a.Sessions.Close(); err != nil {
		return err
	}
	return nil
}
