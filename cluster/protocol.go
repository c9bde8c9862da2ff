package cluster

import (
	"strings"
	"time"

	"github.com/macrodyne/autod/logger"
)

// Wire types for the peer protocol. All inter-node traffic goes over the
// peers' REST control planes.

// JoinRequest announces a new node to a seed.
type JoinRequest struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Host string `json:"host"`
}

// JoinResponse carries the seed's acceptance and its current membership, so
// the newcomer learns every known peer in one round trip.
type JoinResponse struct {
	Accepted       bool       `json:"accepted"`
	ClusterVersion uint64     `json:"clusterVersion"`
	Nodes          []NodeInfo `json:"nodes,omitempty"`
}

// HeartbeatRequest carries the sender's stats plus its known peers; the
// peers list is how join announcements gossip through the cluster.
type HeartbeatRequest struct {
	NodeID         string     `json:"nodeId"`
	Host           string     `json:"host,omitempty"`
	Stats          Stats      `json:"stats"`
	ClusterVersion uint64     `json:"clusterVersion,omitempty"`
	Peers          []NodeInfo `json:"peers,omitempty"`
}

// HeartbeatResponse acknowledges a heartbeat.
type HeartbeatResponse struct {
	Ack       bool      `json:"ack"`
	Timestamp time.Time `json:"timestamp"`
}

// LeaderAnnouncement tells peers who the sender elected. Receivers log and
// acknowledge but recompute locally.
type LeaderAnnouncement struct {
	LeaderID       string `json:"leaderId"`
	ClusterVersion uint64 `json:"clusterVersion"`
}

// LeaveRequest announces a graceful departure.
type LeaveRequest struct {
	NodeID string `json:"nodeId"`
}

// PeerURL builds a peer endpoint URL, defaulting to http when the host
// carries no scheme.
func PeerURL(host, path string) string {
	if strings.Contains(host, "://") {
		return host + path
	}
	return "http://" + host + path
}

// HandleJoin processes a join announcement from a new node.
func (m *Membership) HandleJoin(req JoinRequest) JoinResponse {
	m.mu.Lock()
	changed := m.registerPeerLocked(NodeInfo{
		ID:     req.ID,
		Name:   req.Name,
		Host:   req.Host,
		Status: StatusOnline,
	})
	if changed {
		m.version++
	}
	leaderChanged, leaderID, version := m.afterChangeLocked()
	nodes := m.nodesLocked()
	m.mu.Unlock()

	if changed {
		logger.Infow("Node joined cluster", "node_id", req.ID, "host", req.Host)
		m.publishChange("node-joined", NodeInfo{ID: req.ID, Name: req.Name, Host: req.Host, Status: StatusOnline})
	}
	if leaderChanged {
		m.onLeaderChanged(leaderID, version)
	}

	return JoinResponse{Accepted: true, ClusterVersion: version, Nodes: nodes}
}

// HandleHeartbeat processes a peer heartbeat: refreshes its record, learns
// any gossiped peers, and re-elects if the alive set changed.
func (m *Membership) HandleHeartbeat(req HeartbeatRequest) HeartbeatResponse {
	now := time.Now()
	status := StatusOnline
	if req.Stats.TasksRunning > 0 {
		status = StatusBusy
	}

	m.mu.Lock()
	changed := m.registerPeerLocked(NodeInfo{
		ID:            req.NodeID,
		Host:          req.Host,
		Status:        status,
		Stats:         req.Stats,
		LastHeartbeat: now,
	})
	for _, gossiped := range req.Peers {
		// Gossip introduces ids only; their own heartbeats take over from
		// here. Statuses from a third party are not trusted.
		if _, known := m.peers[gossiped.ID]; !known && gossiped.ID != m.local.ID {
			if m.registerPeerLocked(NodeInfo{ID: gossiped.ID, Name: gossiped.Name, Host: gossiped.Host, Status: StatusOnline}) {
				changed = true
			}
		}
	}
	if changed {
		m.version++
	}
	leaderChanged, leaderID, version := m.afterChangeLocked()
	m.mu.Unlock()

	if changed {
		m.publishChange("heartbeat", map[string]interface{}{"node_id": req.NodeID, "status": status})
	}
	if leaderChanged {
		m.onLeaderChanged(leaderID, version)
	}

	return HeartbeatResponse{Ack: true, Timestamp: now}
}

// HandleLeader acknowledges a leader announcement. The local election is
// authoritative; conflicting announcements are logged, not applied.
func (m *Membership) HandleLeader(req LeaderAnnouncement) {
	m.mu.Lock()
	localLeader := m.leaderID
	leaderChanged, leaderID, version := m.afterChangeLocked()
	m.mu.Unlock()

	if req.LeaderID != localLeader {
		logger.Infow("Leader announcement differs from local election, keeping local result",
			"announced", req.LeaderID,
			"local", localLeader,
		)
	} else {
		logger.Debugw("Leader announcement acknowledged", "leader_id", req.LeaderID)
	}
	if leaderChanged {
		m.onLeaderChanged(leaderID, version)
	}
}

// HandleLeave removes a departing node and re-elects.
func (m *Membership) HandleLeave(req LeaveRequest) bool {
	m.mu.Lock()
	_, known := m.peers[req.NodeID]
	if known {
		delete(m.peers, req.NodeID)
		m.version++
	}
	leaderChanged, leaderID, version := m.afterChangeLocked()
	m.mu.Unlock()

	if known {
		logger.Infow("Node left cluster", "node_id", req.NodeID)
		m.publishChange("node-left", map[string]string{"node_id": req.NodeID})
	}
	if leaderChanged {
		m.onLeaderChanged(leaderID, version)
	}
	return known
}

// nodesLocked snapshots all known nodes including self. Caller holds a lock.
func (m *Membership) nodesLocked() []NodeInfo {
	nodes := make([]NodeInfo, 0, len(m.peers)+1)
	nodes = append(nodes, m.local)
	for _, p := range m.peers {
		nodes = append(nodes, *p)
	}
	return nodes
}

// onLeaderChanged publishes the change and, when the local node won,
// announces it to peers.
func (m *Membership) onLeaderChanged(leaderID string, version uint64) {
	logger.Infow("Leader elected", "leader_id", leaderID, "cluster_version", version)
	m.publishChange("leader-changed", map[string]interface{}{
		"leader_id":       leaderID,
		"cluster_version": version,
	})

	if leaderID == m.local.ID && m.opts.Enabled {
		m.mu.Lock()
		if m.stopped {
			m.mu.Unlock()
			return
		}
		m.wg.Add(1)
		m.mu.Unlock()
		go func() {
			defer m.wg.Done()
			m.announceLeader(leaderID, version)
		}()
	}
}

// joinSeeds contacts each configured seed: probe its info endpoint, then
// announce ourselves and absorb its membership list.
func (m *Membership) joinSeeds() {
	for _, seed := range m.opts.SeedNodes {
		if seed == "" || seed == m.opts.Host {
			continue
		}
		select {
		case <-m.ctx.Done():
			return
		default:
		}

		var seedInfo NodeInfo
		if _, err := m.client.GetJSON(m.ctx, PeerURL(seed, "/api/cluster/info"), "", &seedInfo); err != nil {
			logger.Warnw("Seed unreachable", "seed", seed, "error", err)
			continue
		}
		if seedInfo.Host == "" {
			seedInfo.Host = seed
		}
		seedInfo.Status = StatusOnline
		seedInfo.LastHeartbeat = time.Now()

		var resp JoinResponse
		req := JoinRequest{ID: m.opts.NodeID, Name: m.opts.NodeName, Host: m.opts.Host}
		if _, err := m.client.PostJSON(m.ctx, PeerURL(seed, "/api/cluster/join"), m.opts.APIKey, req, &resp); err != nil {
			logger.Warnw("Join announcement failed", "seed", seed, "error", err)
			continue
		}

		m.mu.Lock()
		changed := m.registerPeerLocked(seedInfo)
		for _, node := range resp.Nodes {
			if m.registerPeerLocked(node) {
				changed = true
			}
		}
		if changed {
			m.version++
		}
		leaderChanged, leaderID, version := m.afterChangeLocked()
		m.mu.Unlock()

		logger.Infow("Joined via seed",
			"seed", seed,
			"accepted", resp.Accepted,
			"known_nodes", len(resp.Nodes),
		)
		if changed {
			m.publishChange("node-joined", seedInfo)
		}
		if leaderChanged {
			m.onLeaderChanged(leaderID, version)
		}
	}
}

// heartbeatLoop sends stats to every known peer on the configured interval.
func (m *Membership) heartbeatLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sendHeartbeats()
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *Membership) sendHeartbeats() {
	stats := m.stats.Collect()

	m.mu.RLock()
	req := HeartbeatRequest{
		NodeID:         m.opts.NodeID,
		Host:           m.opts.Host,
		Stats:          stats,
		ClusterVersion: m.version,
		Peers:          m.nodesLocked(),
	}
	targets := make([]NodeInfo, 0, len(m.peers))
	for _, p := range m.peers {
		targets = append(targets, *p)
	}
	m.mu.RUnlock()

	for _, target := range targets {
		m.wg.Add(1)
		go func(target NodeInfo) {
			defer m.wg.Done()
			var resp HeartbeatResponse
			if _, err := m.client.PostJSON(m.ctx, PeerURL(target.Host, "/api/cluster/heartbeat"), m.opts.APIKey, req, &resp); err != nil {
				logger.Debugw("Heartbeat delivery failed", "peer", target.ID, "error", err)
			}
		}(target)
	}
}

// reaperLoop marks peers offline once their heartbeat goes stale, and
// re-elects when the alive set shrinks.
func (m *Membership) reaperLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.reap()
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *Membership) reap() {
	cutoff := time.Now().Add(-m.opts.HeartbeatTimeout)

	m.mu.Lock()
	var reaped []string
	for id, p := range m.peers {
		if p.Alive() && p.LastHeartbeat.Before(cutoff) {
			p.Status = StatusOffline
			reaped = append(reaped, id)
		}
	}
	if len(reaped) > 0 {
		m.version++
	}
	leaderChanged, leaderID, version := m.afterChangeLocked()
	m.mu.Unlock()

	for _, id := range reaped {
		logger.Warnw("Peer heartbeat timed out, marking offline",
			"node_id", id,
			"timeout", m.opts.HeartbeatTimeout,
		)
		m.publishChange("node-offline", map[string]string{"node_id": id})
	}
	if leaderChanged {
		m.onLeaderChanged(leaderID, version)
	}
}

// announceLeader tells every alive peer who won the local election.
func (m *Membership) announceLeader(leaderID string, version uint64) {
	ann := LeaderAnnouncement{LeaderID: leaderID, ClusterVersion: version}
	for _, target := range m.Candidates() {
		if _, err := m.client.PostJSON(m.ctx, PeerURL(target.Host, "/api/cluster/leader"), m.opts.APIKey, ann, nil); err != nil {
			logger.Debugw("Leader announcement delivery failed", "peer", target.ID, "error", err)
		}
	}
}

// announceLeave notifies peers of a graceful shutdown.
func (m *Membership) announceLeave() {
	req := LeaveRequest{NodeID: m.opts.NodeID}
	for _, target := range m.Candidates() {
		if _, err := m.client.PostJSON(m.ctx, PeerURL(target.Host, "/api/cluster/leave"), m.opts.APIKey, req, nil); err != nil {
			logger.Debugw("Leave announcement delivery failed", "peer", target.ID, "error", err)
		}
	}
}
