// Package config loads and validates the autod configuration.
//
// Configuration comes from autod.toml (working directory, then ~/.autod/,
// then /etc/autod/), overridden by AUTOD_* environment variables. Every key
// has a default, so a missing file is not an error.
package config

// Config is the full daemon configuration.
type Config struct {
	Watch    WatchConfig    `mapstructure:"watch"`
	Log      LogConfig      `mapstructure:"log"`
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Cluster  ClusterConfig  `mapstructure:"cluster"`
	Dispatch DispatchConfig `mapstructure:"dispatch"`
}

// WatchConfig controls script discovery.
type WatchConfig struct {
	Dir       string `mapstructure:"dir"`
	Extension string `mapstructure:"extension"`
}

// LogConfig controls logging output.
type LogConfig struct {
	Dir    string `mapstructure:"dir"`
	JSON   bool   `mapstructure:"json"`
	Buffer int    `mapstructure:"buffer"`
}

// ServerConfig controls the control-plane listener.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// AuthConfig controls API authentication and TLS.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	KeyFile string `mapstructure:"key_file"`
	TLSCert string `mapstructure:"tls_cert"`
	TLSKey  string `mapstructure:"tls_key"`
}

// QueueConfig controls local task execution.
type QueueConfig struct {
	MaxRetries   int `mapstructure:"max_retries"`
	RetryDelayMs int `mapstructure:"retry_delay_ms"`
	StopGraceMs  int `mapstructure:"stop_grace_ms"`
}

// ClusterConfig controls membership and gossip.
type ClusterConfig struct {
	Enabled            bool     `mapstructure:"enabled"`
	NodeID             string   `mapstructure:"node_id"`
	NodeName           string   `mapstructure:"node_name"`
	APIKey             string   `mapstructure:"api_key"`
	SeedNodes          []string `mapstructure:"seed_nodes"`
	HeartbeatIntervalS int      `mapstructure:"heartbeat_interval_s"`
	HeartbeatTimeoutS  int      `mapstructure:"heartbeat_timeout_s"`
}

// AffinityRule pins scripts matching a glob pattern to a node.
type AffinityRule struct {
	Pattern string `mapstructure:"pattern"`
	NodeID  string `mapstructure:"node_id"`
}

// DispatchConfig controls remote task routing.
type DispatchConfig struct {
	Strategy      string         `mapstructure:"strategy"`
	LoadThreshold float64        `mapstructure:"load_threshold"`
	MaxRetries    int            `mapstructure:"max_retries"`
	RetryDelayMs  int            `mapstructure:"retry_delay_ms"`
	AffinityRules []AffinityRule `mapstructure:"affinity_rules"`
}

// Dispatch strategies.
const (
	StrategyRoundRobin = "round-robin"
	StrategyLeastLoad  = "least-load"
	StrategyAffinity   = "affinity"
)
