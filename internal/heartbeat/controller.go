package heartbeat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/automate/internal/bus"
	"github.com/nextlevelbuilder/automate/internal/cron"
	"github.com/nextlevelbuilder/automate/internal/memory"
	"github.com/nextlevelbuilder/automate/internal/sessions"
)

const (
	// ReservedJobName marks scheduler jobs owned by a heartbeat controller.
	ReservedJobName = "__heartbeat__"

	// AckToken is the silent acknowledgement the agent replies with when
	// nothing on the checklist needs attention.
	AckToken = "HEARTBEAT_OK"

	// ackMaxLen is the response length up to which a token-bearing reply
	// still counts as an acknowledgement.
	ackMaxLen = 200

	logFileName = "heartbeat-log.json"
	logCap      = 200
)

// Entry is one heartbeat log record.
type Entry struct {
	Timestamp      time.Time `json:"timestamp"`
	Status         string    `json:"status"` // skipped | ok-empty | ok-token | sent | failed
	SessionID      string    `json:"sessionId,omitempty"`
	AgentName      string    `json:"agentName,omitempty"`
	Content        string    `json:"content,omitempty"`
	ResponseLength int       `json:"responseLength,omitempty"`
	Error          string    `json:"error,omitempty"`
}

// AgentInvoker is the capability the controller needs from the agent
// driver: run one prompt in a session, streaming chunks as they arrive.
type AgentInvoker interface {
	Invoke(ctx context.Context, sessionID, prompt string, onChunk func(string)) (string, error)
}

// Controller periodically runs the agent against the HEARTBEAT.md
// checklist, suppressing no-op acknowledgements and preserving the target
// session's idle timestamp.
type Controller struct {
	mu sync.Mutex

	agentName     string
	mem           *memory.Manager
	store         *sessions.Store
	sched         *cron.Scheduler
	invoker       AgentInvoker
	broadcaster   bus.Broadcaster
	targetSession string

	jobID string
}

// New wires a controller. All collaborators are explicit handles; nothing
// reaches back for globals.
func New(agentName string, mem *memory.Manager, store *sessions.Store, sched *cron.Scheduler, invoker AgentInvoker) *Controller {
	return &Controller{
		agentName: agentName,
		mem:       mem,
		store:     store,
		sched:     sched,
		invoker:   invoker,
	}
}

// JobName returns the reserved scheduler-job name for this controller.
func (c *Controller) JobName() string {
	if c.agentName == "" {
		return ReservedJobName
	}
	return ReservedJobName + ":" + c.agentName
}

// SetBroadcaster sets the event sink for streamed chunks and alerts.
func (c *Controller) SetBroadcaster(b bus.Broadcaster) {
	c.mu.Lock()
	c.broadcaster = b
	c.mu.Unlock()
}

// SetTargetSession binds the session whose idle timestamp is preserved and
// in which the checklist prompt runs.
func (c *Controller) SetTargetSession(id string) {
	c.mu.Lock()
	c.targetSession = id
	c.mu.Unlock()
}

// Start registers (or re-enables) the backing interval job. With force set,
// an existing job is deleted and recreated at the new interval.
func (c *Controller) Start(interval time.Duration, force bool) error {
	if interval <= 0 {
		interval = 30 * time.Minute
	}

	if existing, ok := c.sched.FindJobByName(c.JobName()); ok {
		if !force {
			c.mu.Lock()
			c.jobID = existing.ID
			c.mu.Unlock()
			c.sched.EnableJob(existing.ID)
			return nil
		}
		c.sched.RemoveJob(existing.ID)
	}

	job, err := c.sched.AddJob(cron.JobSpec{
		Name:     c.JobName(),
		Kind:     cron.KindHeartbeat,
		Schedule: cron.Every(interval),
	})
	if err != nil {
		return fmt.Errorf("heartbeat: register job: %w", err)
	}
	c.mu.Lock()
	c.jobID = job.ID
	c.mu.Unlock()
	return nil
}

// Stop disables the backing job.
func (c *Controller) Stop() {
	c.mu.Lock()
	id := c.jobID
	c.mu.Unlock()
	if id != "" {
		c.sched.DisableJob(id)
	}
}

// IsActive reports whether the backing job exists and is enabled.
func (c *Controller) IsActive() bool {
	job, ok := c.sched.FindJobByName(c.JobName())
	return ok && job.Enabled
}

// Trigger runs one heartbeat pass. It returns the alert content when the
// response needs the user's attention, otherwise "".
func (c *Controller) Trigger(ctx context.Context) (string, error) {
	checklist, _ := c.mem.GetIdentityFile(memory.HeartbeatFile)
	if EffectivelyEmpty(checklist) {
		c.appendLog(Entry{Timestamp: time.Now(), Status: "skipped", AgentName: c.agentName})
		return "", nil
	}

	c.mu.Lock()
	target := c.targetSession
	broadcaster := c.broadcaster
	c.mu.Unlock()

	// Preserve idle-time semantics: the heartbeat must not look like user
	// activity.
	var prevUpdated time.Time
	var hadSession bool
	if target != "" {
		prevUpdated, hadSession = c.store.UpdatedAt(target)
	}

	prompt := buildPrompt(checklist)

	response, err := c.invoker.Invoke(ctx, target, prompt, func(chunk string) {
		if broadcaster != nil {
			broadcaster.Broadcast(bus.Event{Name: bus.EventHeartbeatStream, Payload: chunk})
		}
	})

	if hadSession {
		c.store.SetUpdatedAt(target, prevUpdated)
	}

	if err != nil {
		c.appendLog(Entry{
			Timestamp: time.Now(),
			Status:    "failed",
			SessionID: target,
			AgentName: c.agentName,
			Error:     err.Error(),
		})
		return "", err
	}

	trimmed := strings.TrimSpace(response)
	switch {
	case trimmed == "":
		c.appendLog(Entry{Timestamp: time.Now(), Status: "ok-empty", SessionID: target, AgentName: c.agentName})
		return "", nil
	case len(trimmed) <= ackMaxLen && (strings.HasPrefix(trimmed, AckToken) || strings.HasSuffix(trimmed, AckToken)):
		c.appendLog(Entry{
			Timestamp:      time.Now(),
			Status:         "ok-token",
			SessionID:      target,
			AgentName:      c.agentName,
			ResponseLength: len(trimmed),
		})
		return "", nil
	default:
		if broadcaster != nil {
			broadcaster.Broadcast(bus.Event{Name: bus.EventHeartbeatAlert, Payload: trimmed})
		}
		c.appendLog(Entry{
			Timestamp:      time.Now(),
			Status:         "sent",
			SessionID:      target,
			AgentName:      c.agentName,
			Content:        trimmed,
			ResponseLength: len(trimmed),
		})
		return trimmed, nil
	}
}

// buildPrompt wraps the checklist body for the agent.
func buildPrompt(checklist string) string {
	var b strings.Builder
	b.WriteString("[HEARTBEAT CHECK]\n")
	b.WriteString("Work through the checklist below strictly. Do not invent items that are not listed.\n")
	b.WriteString("If nothing needs attention, reply with exactly " + AckToken + ".\n\n")
	b.WriteString("---\n")
	b.WriteString(strings.TrimSpace(checklist))
	b.WriteString("\n---\n")
	return b.String()
}

// EffectivelyEmpty reports whether content reduces to nothing after
// removing blank lines, headers without text, horizontal rules, and empty
// bullet lines.
func EffectivelyEmpty(content string) bool {
	for _, line := range strings.Split(content, "\n") {
		t := strings.TrimSpace(line)
		if t == "" {
			continue
		}
		if t == "---" || t == "***" {
			continue
		}
		if strings.TrimLeft(t, "#") == "" || strings.TrimSpace(strings.TrimLeft(t, "#")) == "" {
			continue
		}
		if t == "-" || t == "*" || t == "+" {
			continue
		}
		return false
	}
	return true
}

// logPath returns the rolling log location under the memory directory.
func (c *Controller) logPath() string {
	return filepath.Join(c.mem.Dir(), logFileName)
}

// appendLog appends an entry to the rolling JSON log, keeping the last 200.
func (c *Controller) appendLog(e Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries := c.readLog()
	entries = append(entries, e)
	if len(entries) > logCap {
		entries = entries[len(entries)-logCap:]
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		slog.Warn("heartbeat: failed to marshal log", "error", err)
		return
	}
	if err := os.WriteFile(c.logPath(), data, 0o644); err != nil {
		slog.Warn("heartbeat: failed to write log", "error", err)
	}
}

// GetLog returns the most recent limit entries, oldest first.
func (c *Controller) GetLog(limit int) []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	entries := c.readLog()
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries
}

// readLog tolerates a missing or corrupt log file.
func (c *Controller) readLog() []Entry {
	data, err := os.ReadFile(c.logPath())
	if err != nil {
		return nil
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		slog.Warn("heartbeat: dropped corrupt log file", "error", err)
		return nil
	}
	return entries
}
