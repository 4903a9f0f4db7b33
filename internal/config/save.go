package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const maskedValue = "********"

// MaskedCopy returns a copy of the config with every secret field replaced,
// safe to dump over the gateway or into logs.
func (c *Config) MaskedCopy() *Config {
	out := *c
	out.Agent.APIKey = maskSecret(c.Agent.APIKey)
	out.Gateway.AuthToken = maskSecret(c.Gateway.AuthToken)
	out.Channels.Discord.Token = maskSecret(c.Channels.Discord.Token)
	out.Memory.Embedding.APIKey = maskSecret(c.Memory.Embedding.APIKey)
	out.Webhooks.Secret = maskSecret(c.Webhooks.Secret)

	if c.Agents != nil {
		out.Agents = make([]AgentProfile, len(c.Agents))
		copy(out.Agents, c.Agents)
		for i := range out.Agents {
			out.Agents[i].APIKey = maskSecret(out.Agents[i].APIKey)
		}
	}
	return &out
}

func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	return maskedValue
}

// Save writes the config to path, YAML by default and JSON for .json paths.
// Parent directories are created as needed.
func (c *Config) Save(path string) error {
	var data []byte
	var err error
	if strings.HasSuffix(path, ".json") || strings.HasSuffix(path, ".json5") {
		data, err = json.MarshalIndent(c, "", "  ")
		if err == nil {
			data = append(data, '\n')
		}
	} else {
		data, err = yaml.Marshal(c)
	}
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
