package config

import (
	"path/filepath"
	"testing"
)

func TestMaskedCopy(t *testing.T) {
	cfg := Default()
	cfg.Agent.APIKey = "sk-live-secret"
	cfg.Gateway.AuthToken = "token-secret"
	cfg.Memory.Embedding.APIKey = "emb-secret"
	cfg.Agents = []AgentProfile{{Name: "coder", APIKey: "agent-secret"}}

	masked := cfg.MaskedCopy()
	for name, got := range map[string]string{
		"agent key":     masked.Agent.APIKey,
		"auth token":    masked.Gateway.AuthToken,
		"embedding key": masked.Memory.Embedding.APIKey,
		"profile key":   masked.Agents[0].APIKey,
	} {
		if got != maskedValue {
			t.Errorf("%s = %q, not masked", name, got)
		}
	}

	// Empty secrets stay empty, non-secret fields pass through, and the
	// original is untouched.
	if masked.Channels.Discord.Token != "" {
		t.Errorf("empty token masked to %q", masked.Channels.Discord.Token)
	}
	if masked.Agent.Model != cfg.Agent.Model {
		t.Error("non-secret field changed")
	}
	if cfg.Agent.APIKey != "sk-live-secret" || cfg.Agents[0].APIKey != "agent-secret" {
		t.Error("MaskedCopy mutated the original")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	root := t.TempDir()
	cfg := Default()
	cfg.Agent.Model = "saved-model"
	cfg.Sessions.Directory = filepath.Join(root, "sessions")
	cfg.Memory.Directory = filepath.Join(root, "memory")
	cfg.Memory.SharedDirectory = filepath.Join(root, "shared")
	cfg.Cron.Directory = filepath.Join(root, "cron")
	cfg.Skills.Directory = filepath.Join(root, "skills")
	cfg.Plugins.Directory = filepath.Join(root, "plugins")

	for _, name := range []string{"config.yaml", "config.json"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(root, name)
			if err := cfg.Save(path); err != nil {
				t.Fatal(err)
			}
			loaded, err := Load(path)
			if err != nil {
				t.Fatal(err)
			}
			if loaded.Agent.Model != "saved-model" {
				t.Errorf("model = %q after round trip", loaded.Agent.Model)
			}
		})
	}
}
