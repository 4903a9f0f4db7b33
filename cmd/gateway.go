package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/automate/internal/gateway"
	"github.com/nextlevelbuilder/automate/internal/providers"
	"github.com/nextlevelbuilder/automate/internal/router"
	"github.com/nextlevelbuilder/automate/internal/sessions"
)

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run the assistant gateway",
		Run: func(cmd *cobra.Command, args []string) {
			runGateway()
		},
	}
}

func runGateway() {
	setupLogging()

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %s\n", err)
		os.Exit(1)
	}

	agents := router.New(cfg, &llmDriver{})
	if err := agents.InitAgents(cfg.Agents); err != nil {
		fmt.Fprintf(os.Stderr, "failed to init agents: %s\n", err)
		os.Exit(1)
	}

	server := gateway.NewServer(cfg, agents)

	// Heartbeats stream through the gateway and run in a dedicated session
	// per agent.
	if cfg.Heartbeat.Enabled {
		interval := time.Duration(cfg.Heartbeat.IntervalMinutes) * time.Minute
		for _, a := range agents.GetAll() {
			if a.Heartbeat == nil {
				continue
			}
			a.Heartbeat.SetBroadcaster(server)
			a.Heartbeat.SetTargetSession(sessions.SessionID("heartbeat", a.Name()))
			if err := a.Heartbeat.Start(interval, false); err != nil {
				slog.Warn("failed to start heartbeat", "agent", a.Name(), "error", err)
			}
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := server.Start(ctx); err != nil {
		slog.Error("gateway stopped", "error", err)
	}

	if err := agents.Shutdown(); err != nil {
		slog.Warn("shutdown incomplete", "error", err)
	}
}

// llmDriver runs one completion over the agent's session history plus the
// composed system prompt.
type llmDriver struct{}

func (d *llmDriver) Complete(ctx context.Context, agent *router.ManagedAgent, sessionID, message string, onChunk func(string)) (string, error) {
	client := providers.NewChatClient(agent.Agent.Model, agent.Agent.APIKey, agent.Agent.APIBase)

	msgs := []providers.ChatMessage{{Role: "system", Content: agent.SystemPrompt()}}
	for _, m := range agent.Sessions.GetMessages(sessionID) {
		if m.Role == "system" || m.Content == "" {
			continue
		}
		msgs = append(msgs, providers.ChatMessage{Role: m.Role, Content: m.Content})
	}
	// Heartbeat prompts are not recorded as session turns; append directly.
	if len(msgs) == 1 || msgs[len(msgs)-1].Content != message {
		msgs = append(msgs, providers.ChatMessage{Role: "user", Content: message})
	}

	reply, err := client.Complete(ctx, msgs, agent.Agent.MaxTokens, agent.Agent.Temperature)
	if err != nil {
		return "", err
	}
	if onChunk != nil && reply != "" {
		onChunk(reply)
	}
	return reply, nil
}
