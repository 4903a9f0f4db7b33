package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/titanous/json5"
	"gopkg.in/yaml.v3"
)

// DefaultPath returns the effective config file path. YAML is preferred over
// JSON when both exist at the conventional location.
func DefaultPath() string {
	yamlPath := filepath.Join(HomeDir(), "config.yaml")
	if _, err := os.Stat(yamlPath); err == nil {
		return yamlPath
	}
	jsonPath := filepath.Join(HomeDir(), "config.json")
	if _, err := os.Stat(jsonPath); err == nil {
		return jsonPath
	}
	return yamlPath
}

// Load reads the layered config: file parse with _includes resolution,
// ${VAR} substitution, AUTOMATE_* env overrides, schema defaults, and path
// resolution. A missing file yields defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}

	cfg := Default()

	raw, err := loadTree(path, map[string]bool{})
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			cfg.applyDefaults()
			return cfg, cfg.ResolvePaths()
		}
		return nil, err
	}

	substituteEnv(raw)

	// Re-marshal the merged tree onto the typed config so file values
	// overlay schema defaults.
	data, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("config: remarshal: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.applyEnvOverrides()
	cfg.applyDefaults()
	if err := cfg.ResolvePaths(); err != nil {
		return nil, fmt.Errorf("config: create directories: %w", err)
	}
	return cfg, nil
}

// loadTree parses one config file and recursively resolves its _includes
// directive. Included contents are deep-merged under the current file, the
// current file winning on conflicts. Include cycles are warned and skipped.
func loadTree(path string, visited map[string]bool) (map[string]interface{}, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	if visited[abs] {
		slog.Warn("config: include cycle detected, skipping", "path", abs)
		return map[string]interface{}{}, nil
	}
	visited[abs] = true

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	node := map[string]interface{}{}
	if strings.HasSuffix(path, ".json") || strings.HasSuffix(path, ".json5") {
		if err := json5.Unmarshal(data, &node); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	} else {
		if err := yaml.Unmarshal(data, &node); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	includes := extractIncludes(node)
	delete(node, "_includes")

	merged := map[string]interface{}{}
	for _, inc := range includes {
		incPath := inc
		if !filepath.IsAbs(incPath) {
			incPath = filepath.Join(filepath.Dir(path), incPath)
		}
		sub, err := loadTree(incPath, visited)
		if err != nil {
			if os.IsNotExist(err) {
				slog.Warn("config: include not found, skipping", "path", incPath)
				continue
			}
			return nil, err
		}
		merged = deepMerge(merged, sub)
	}

	return deepMerge(merged, node), nil
}

// extractIncludes accepts a string or list of strings under "_includes".
func extractIncludes(node map[string]interface{}) []string {
	raw, ok := node["_includes"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case string:
		return []string{v}
	case []interface{}:
		var out []string
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// deepMerge merges b onto a; b wins on conflicts. Maps merge recursively,
// everything else is replaced.
func deepMerge(a, b map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		bm, bIsMap := v.(map[string]interface{})
		am, aIsMap := out[k].(map[string]interface{})
		if bIsMap && aIsMap {
			out[k] = deepMerge(am, bm)
		} else {
			out[k] = v
		}
	}
	return out
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::([^}]*))?\}`)

// substituteEnv recursively replaces ${VAR} and ${VAR:default} in every
// string value with environment-variable values.
func substituteEnv(node map[string]interface{}) {
	for k, v := range node {
		node[k] = substituteValue(v)
	}
}

func substituteValue(v interface{}) interface{} {
	switch val := v.(type) {
	case string:
		return envVarPattern.ReplaceAllStringFunc(val, func(m string) string {
			parts := envVarPattern.FindStringSubmatch(m)
			if env := os.Getenv(parts[1]); env != "" {
				return env
			}
			return parts[2]
		})
	case map[string]interface{}:
		substituteEnv(val)
		return val
	case []interface{}:
		for i, item := range val {
			val[i] = substituteValue(item)
		}
		return val
	}
	return v
}

// applyEnvOverrides overlays AUTOMATE_* env vars onto specific schema paths.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("AUTOMATE_MODEL", &c.Agent.Model)
	envStr("AUTOMATE_API_KEY", &c.Agent.APIKey)
	envStr("AUTOMATE_API_BASE", &c.Agent.APIBase)
	envStr("AUTOMATE_HOST", &c.Gateway.Host)
	envStr("AUTOMATE_AUTH_TOKEN", &c.Gateway.AuthToken)
	envStr("AUTOMATE_DISCORD_TOKEN", &c.Channels.Discord.Token)
	envStr("AUTOMATE_EMBEDDING_API_KEY", &c.Memory.Embedding.APIKey)

	if v := os.Getenv("AUTOMATE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}

	if c.Channels.Discord.Token != "" {
		c.Channels.Discord.Enabled = true
	}
}

// applyDefaults repairs out-of-range values after file load.
func (c *Config) applyDefaults() {
	if c.Sessions.CompactAt <= 0 || c.Sessions.CompactAt > 1 {
		c.Sessions.CompactAt = 0.75
	}
	if c.Sessions.ContextLimit <= 0 {
		c.Sessions.ContextLimit = 100000
	}
	if c.Memory.Embedding.ChunkSize <= 0 {
		c.Memory.Embedding.ChunkSize = 1200
	}
	if c.Memory.Embedding.ChunkOverlap < 0 {
		c.Memory.Embedding.ChunkOverlap = 0
	}
	if c.Memory.Embedding.VectorWeight <= 0 {
		c.Memory.Embedding.VectorWeight = 0.6
	}
	if c.Memory.Embedding.BM25Weight <= 0 {
		c.Memory.Embedding.BM25Weight = 0.4
	}
	if c.Heartbeat.IntervalMinutes <= 0 {
		c.Heartbeat.IntervalMinutes = 30
	}
	if c.Gateway.RateLimitRPM <= 0 {
		c.Gateway.RateLimitRPM = 30
	}
	if c.Agents != nil {
		for i := range c.Agents {
			if len(c.Agents[i].Channels) == 0 {
				c.Agents[i].Channels = []string{"*"}
			}
			if len(c.Agents[i].AllowFrom) == 0 {
				c.Agents[i].AllowFrom = []string{"*"}
			}
		}
	}
}
