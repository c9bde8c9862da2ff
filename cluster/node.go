// Package cluster implements peer membership, heartbeat failure detection
// and deterministic leader election.
//
// Election is bully-style but computed, not negotiated: every node sorts the
// ids it currently considers online and takes the smallest. Announcements
// between peers are acknowledged and logged, never authoritative; each node
// always trusts its own computation.
package cluster

import "time"

// Node roles.
const (
	RoleLeader = "leader"
	RoleWorker = "worker"
)

// Node statuses.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
	StatusBusy    = "busy"
)

// Stats is the per-node load snapshot carried by heartbeats.
type Stats struct {
	CPUPercent     float64 `json:"cpu_percent"`
	MemoryMB       float64 `json:"memory_mb"`
	TasksRunning   int     `json:"tasks_running"`
	TasksQueued    int     `json:"tasks_queued"`
	TasksCompleted uint64  `json:"tasks_completed"`
	UptimeS        int64   `json:"uptime_s"`
}

// NodeInfo describes one daemon in the cluster.
type NodeInfo struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Host          string    `json:"host"` // host:port of the control plane
	Role          string    `json:"role"`
	Status        string    `json:"status"`
	JoinedAt      time.Time `json:"joined_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	Stats         Stats     `json:"stats"`
}

// Alive reports whether the node counts as a live election candidate.
func (n NodeInfo) Alive() bool {
	return n.Status == StatusOnline || n.Status == StatusBusy
}

// View is an immutable snapshot of the local cluster state.
type View struct {
	LeaderID string              `json:"leader_id,omitempty"`
	Nodes    map[string]NodeInfo `json:"nodes"`
	Version  uint64              `json:"version"`
}
