package config

import (
	"github.com/macrodyne/autod/errors"
)

// Validate checks the configuration for values the daemon cannot run with.
func Validate(cfg *Config) error {
	if cfg.Watch.Dir == "" {
		return errors.New("watch.dir must not be empty")
	}
	if cfg.Watch.Extension == "" || cfg.Watch.Extension[0] != '.' {
		return errors.Newf("watch.extension must start with a dot, got %q", cfg.Watch.Extension)
	}

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return errors.Newf("server.port out of range: %d", cfg.Server.Port)
	}

	if (cfg.Auth.TLSCert == "") != (cfg.Auth.TLSKey == "") {
		return errors.New("auth.tls_cert and auth.tls_key must be set together")
	}

	if cfg.Queue.MaxRetries < 0 {
		return errors.Newf("queue.max_retries must not be negative: %d", cfg.Queue.MaxRetries)
	}
	if cfg.Queue.RetryDelayMs < 0 {
		return errors.Newf("queue.retry_delay_ms must not be negative: %d", cfg.Queue.RetryDelayMs)
	}
	if cfg.Queue.StopGraceMs < 0 {
		return errors.Newf("queue.stop_grace_ms must not be negative: %d", cfg.Queue.StopGraceMs)
	}

	if cfg.Cluster.HeartbeatIntervalS <= 0 {
		return errors.Newf("cluster.heartbeat_interval_s must be positive: %d", cfg.Cluster.HeartbeatIntervalS)
	}
	if cfg.Cluster.HeartbeatTimeoutS <= cfg.Cluster.HeartbeatIntervalS {
		return errors.Newf("cluster.heartbeat_timeout_s (%d) must exceed the heartbeat interval (%d)",
			cfg.Cluster.HeartbeatTimeoutS, cfg.Cluster.HeartbeatIntervalS)
	}

	switch cfg.Dispatch.Strategy {
	case StrategyRoundRobin, StrategyLeastLoad, StrategyAffinity:
	default:
		return errors.Newf("dispatch.strategy must be one of round-robin, least-load, affinity; got %q", cfg.Dispatch.Strategy)
	}
	if cfg.Dispatch.LoadThreshold <= 0 || cfg.Dispatch.LoadThreshold > 100 {
		return errors.Newf("dispatch.load_threshold must be in (0, 100]: %v", cfg.Dispatch.LoadThreshold)
	}
	if cfg.Dispatch.MaxRetries < 0 {
		return errors.Newf("dispatch.max_retries must not be negative: %d", cfg.Dispatch.MaxRetries)
	}
	for i, rule := range cfg.Dispatch.AffinityRules {
		if rule.Pattern == "" || rule.NodeID == "" {
			return errors.Newf("dispatch.affinity_rules[%d] needs both pattern and node_id", i)
		}
	}

	return nil
}
