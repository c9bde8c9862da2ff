package config

import "github.com/spf13/viper"

// DefaultPort is the control-plane listen port. The server falls back to the
// next free port when it is taken.
const DefaultPort = 19720

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Script discovery
	v.SetDefault("watch.dir", "./scripts")
	v.SetDefault("watch.extension", ".scr")

	// Logging
	v.SetDefault("log.dir", "")
	v.SetDefault("log.json", false)
	v.SetDefault("log.buffer", 2000)

	// Control plane
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", DefaultPort)

	// Auth
	v.SetDefault("auth.enabled", true)
	v.SetDefault("auth.key_file", "")
	v.SetDefault("auth.tls_cert", "")
	v.SetDefault("auth.tls_key", "")

	// Execution queue
	v.SetDefault("queue.max_retries", 3)
	v.SetDefault("queue.retry_delay_ms", 1000)
	v.SetDefault("queue.stop_grace_ms", 5000)

	// Cluster membership
	v.SetDefault("cluster.enabled", false)
	v.SetDefault("cluster.node_id", "")
	v.SetDefault("cluster.node_name", "")
	v.SetDefault("cluster.api_key", "")
	v.SetDefault("cluster.seed_nodes", []string{})
	v.SetDefault("cluster.heartbeat_interval_s", 10)
	v.SetDefault("cluster.heartbeat_timeout_s", 30)

	// Dispatch
	v.SetDefault("dispatch.strategy", StrategyRoundRobin)
	v.SetDefault("dispatch.load_threshold", 90.0)
	v.SetDefault("dispatch.max_retries", 2)
	v.SetDefault("dispatch.retry_delay_ms", 3000)
}
