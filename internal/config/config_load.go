package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/titanous/json5"
)

// Load reads the config file (JSON5: comments and trailing commas tolerated)
// and applies env overrides. An empty path loads defaults plus env.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := json5.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

// applyEnv overlays environment variables. Secrets come from env only.
func (c *Config) applyEnv() {
	if v := os.Getenv("AGENTMESH_REDIS_URL"); v != "" {
		c.Redis.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" && os.Getenv("AGENTMESH_REDIS_URL") == "" {
		c.Redis.URL = v
	}
	if v := os.Getenv("AGENTMESH_AGENT_NAME"); v != "" {
		c.Worker.Agent = v
	}
	if v := os.Getenv("AGENTMESH_SIGNAL_PREFIX"); v != "" {
		c.Signals.TopicPrefix = v
	}
	if v := os.Getenv("AGENTMESH_SIGNAL_PAYLOAD_CAP"); v != "" {
		// Unparsable values keep the default cap.
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Signals.PayloadCapBytes = n
		}
	}
	if v := os.Getenv("AGENTMESH_STREAM_MAXLEN"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			c.Redis.StreamMaxLen = n
		}
	}
	if v := os.Getenv("AGENTMESH_API_KEY"); v != "" {
		c.Runner.APIKey = v
	}
	if v := os.Getenv("AGENTMESH_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
		c.Telemetry.Enabled = true
	}
}

// Addr returns the gateway listen address.
func (g GatewayConfig) Addr() string {
	return fmt.Sprintf("%s:%d", g.Host, g.Port)
}
