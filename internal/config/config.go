package config

// Config is the root configuration for the AgentMesh fabric.
type Config struct {
	Redis     RedisConfig     `json:"redis"`
	Gateway   GatewayConfig   `json:"gateway"`
	Worker    WorkerConfig    `json:"worker"`
	Signals   SignalsConfig   `json:"signals"`
	Runner    RunnerConfig    `json:"runner"`
	Observe   ObserveConfig   `json:"observe,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
}

// RedisConfig configures the stream transport.
type RedisConfig struct {
	URL          string `json:"url"`
	StreamMaxLen int64  `json:"stream_maxlen,omitempty"` // approximate per-topic cap; 0 = unbounded
}

// GatewayConfig configures the HTTP/SSE gateway.
type GatewayConfig struct {
	Host             string  `json:"host"`
	Port             int     `json:"port"`
	MaxEventsDefault int     `json:"max_events_default,omitempty"` // 0 = unbounded stream
	EventCapBytes    int     `json:"event_cap_bytes,omitempty"`    // per-frame payload cap; oversize frames are replaced
	RateLimitRPS     float64 `json:"rate_limit_rps,omitempty"`     // /send rate limit; 0 = disabled
}

// WorkerConfig configures one agent worker.
type WorkerConfig struct {
	Agent               string `json:"agent"`
	Group               string `json:"group,omitempty"`    // consumer group; empty = tail reads
	Consumer            string `json:"consumer,omitempty"` // unique within the group
	ReadLimit           int    `json:"read_limit,omitempty"`
	AutoChildSignalDone bool   `json:"auto_child_signal_done,omitempty"`
}

// SignalsConfig configures the signal layer policy.
type SignalsConfig struct {
	TopicPrefix     string `json:"topic_prefix,omitempty"`      // "" = no prefix enforced
	PayloadCapBytes int    `json:"payload_cap_bytes,omitempty"` // 0 = default 65536
}

// RunnerConfig selects and tunes the runner.
// APIKey is NEVER read from the config file (secret), only from env
// AGENTMESH_API_KEY.
type RunnerConfig struct {
	Kind            string `json:"kind"` // "demo" or "provider"
	Model           string `json:"model,omitempty"`
	BaseURL         string `json:"base_url,omitempty"`
	MaxTokens       int    `json:"max_tokens,omitempty"`
	BufferSize      int    `json:"buffer_size,omitempty"`
	SessionCapacity int    `json:"session_capacity,omitempty"`
	APIKey          string `json:"-"`
}

// ObserveConfig configures the observer index. Empty path disables it.
type ObserveConfig struct {
	DBPath string `json:"db_path,omitempty"`
}

// TelemetryConfig configures OTLP trace export.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"` // host:port of the OTLP HTTP collector
	ServiceName string `json:"service_name,omitempty"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Redis: RedisConfig{
			URL: "redis://localhost:6379/0",
		},
		Gateway: GatewayConfig{
			Host:          "0.0.0.0",
			Port:          18890,
			EventCapBytes: 65536,
		},
		Worker: WorkerConfig{
			Agent:               "DevAgent",
			ReadLimit:           100,
			AutoChildSignalDone: true,
		},
		Runner: RunnerConfig{
			Kind:            "demo",
			MaxTokens:       4096,
			SessionCapacity: 128,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "agentmesh",
		},
	}
}
