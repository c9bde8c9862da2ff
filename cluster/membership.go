package cluster

import (
	"context"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/macrodyne/autod/bus"
	"github.com/macrodyne/autod/errors"
	"github.com/macrodyne/autod/internal/httpclient"
	"github.com/macrodyne/autod/logger"
)

// Options configures Membership.
type Options struct {
	Enabled           bool
	NodeID            string
	NodeName          string
	Host              string // advertised host:port of the local control plane
	APIKey            string // bearer presented to peers
	SeedNodes         []string
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
}

// Membership owns the local cluster view: the local NodeInfo, shadow copies
// of every known peer, the elected leader and the view version counter.
type Membership struct {
	opts   Options
	stats  *StatsCollector
	client *httpclient.Client
	events *bus.Bus

	mu       sync.RWMutex
	local    NodeInfo
	peers    map[string]*NodeInfo
	leaderID string
	version  uint64
	stopped  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a membership. With clustering disabled it still answers the
// read API with a one-node view.
func New(opts Options, stats *StatsCollector, client *httpclient.Client, events *bus.Bus) *Membership {
	if opts.NodeID == "" {
		if host, err := os.Hostname(); err == nil && host != "" {
			opts.NodeID = host
		} else {
			opts.NodeID = uuid.NewString()
		}
	}
	if opts.NodeName == "" {
		opts.NodeName = opts.NodeID
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 10 * time.Second
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Membership{
		opts:   opts,
		stats:  stats,
		client: client,
		events: events,
		peers:  make(map[string]*NodeInfo),
		ctx:    ctx,
		cancel: cancel,
	}
	now := time.Now()
	m.local = NodeInfo{
		ID:            opts.NodeID,
		Name:          opts.NodeName,
		Host:          opts.Host,
		Role:          RoleWorker,
		Status:        StatusOnline,
		JoinedAt:      now,
		LastHeartbeat: now,
	}
	m.electLocked()
	return m
}

// Enabled reports whether the cluster protocol runs.
func (m *Membership) Enabled() bool { return m.opts.Enabled }

// NodeID returns the stable local node id.
func (m *Membership) NodeID() string { return m.opts.NodeID }

// SetAdvertisedHost updates the host:port peers are told to reach us on.
// Must be called before Start; the bound port is only known once the control
// plane is listening.
func (m *Membership) SetAdvertisedHost(host string) {
	m.mu.Lock()
	m.opts.Host = host
	m.local.Host = host
	m.mu.Unlock()
}

// Start joins the cluster via the configured seeds and begins the heartbeat
// sender and the failure reaper. No-op when clustering is disabled.
func (m *Membership) Start() {
	if !m.opts.Enabled {
		logger.Infow("Cluster disabled, running single-node", "node_id", m.opts.NodeID)
		return
	}

	logger.Infow("Joining cluster",
		"node_id", m.opts.NodeID,
		"seeds", m.opts.SeedNodes,
	)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.joinSeeds()
	}()

	m.wg.Add(1)
	go m.heartbeatLoop()

	m.wg.Add(1)
	go m.reaperLoop()
}

// Stop announces a leave to peers (best effort) and halts the loops.
func (m *Membership) Stop() {
	if m.opts.Enabled {
		m.announceLeave()
	}
	// Handlers may still arrive over the control plane until the server
	// stops; the flag keeps them from adding goroutines during the Wait.
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()
	m.cancel()
	m.wg.Wait()
	logger.Infow("Cluster membership stopped", "node_id", m.opts.NodeID)
}

// Snapshot returns an immutable copy of the local view, local node included.
func (m *Membership) Snapshot() View {
	localStats := m.stats.Collect()

	m.mu.RLock()
	defer m.mu.RUnlock()

	nodes := make(map[string]NodeInfo, len(m.peers)+1)
	local := m.local
	local.Stats = localStats
	local.LastHeartbeat = time.Now()
	nodes[local.ID] = local
	for id, p := range m.peers {
		nodes[id] = *p
	}
	return View{LeaderID: m.leaderID, Nodes: nodes, Version: m.version}
}

// LocalInfo returns the local NodeInfo with fresh stats.
func (m *Membership) LocalInfo() NodeInfo {
	localStats := m.stats.Collect()
	m.mu.RLock()
	defer m.mu.RUnlock()
	local := m.local
	local.Stats = localStats
	local.LastHeartbeat = time.Now()
	return local
}

// Leader returns the current leader's NodeInfo, or ErrUnavailable when no
// live leader is known.
func (m *Membership) Leader() (NodeInfo, error) {
	view := m.Snapshot()
	if view.LeaderID == "" {
		return NodeInfo{}, errors.Wrap(errors.ErrUnavailable, "no leader elected")
	}
	node, ok := view.Nodes[view.LeaderID]
	if !ok || !node.Alive() {
		return NodeInfo{}, errors.Wrap(errors.ErrUnavailable, "leader not alive")
	}
	return node, nil
}

// IsLeader reports whether the local node is the elected leader.
func (m *Membership) IsLeader() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.leaderID == m.local.ID
}

// Candidates returns alive peers excluding self, sorted by id. This is the
// dispatcher's target set.
func (m *Membership) Candidates() []NodeInfo {
	m.mu.RLock()
	out := make([]NodeInfo, 0, len(m.peers))
	for _, p := range m.peers {
		if p.Alive() {
			out = append(out, *p)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// registerPeer adds or refreshes a peer record. Returns true when the view
// changed. Caller must hold the write lock.
func (m *Membership) registerPeerLocked(info NodeInfo) bool {
	if info.ID == "" || info.ID == m.local.ID {
		return false
	}
	existing, known := m.peers[info.ID]
	if known {
		changed := existing.Status != info.Status || existing.Host != info.Host
		if info.LastHeartbeat.After(existing.LastHeartbeat) {
			existing.LastHeartbeat = info.LastHeartbeat
			existing.Stats = info.Stats
		}
		if info.Host != "" {
			existing.Host = info.Host
		}
		if info.Name != "" {
			existing.Name = info.Name
		}
		if info.Status != "" && existing.Status != info.Status {
			existing.Status = info.Status
		}
		return changed
	}

	p := info
	if p.Status == "" {
		p.Status = StatusOnline
	}
	if p.JoinedAt.IsZero() {
		p.JoinedAt = time.Now()
	}
	if p.LastHeartbeat.IsZero() {
		p.LastHeartbeat = time.Now()
	}
	p.Role = RoleWorker
	m.peers[p.ID] = &p
	return true
}

// electLocked recomputes the leader: the smallest id among nodes currently
// considered alive, self included. Caller must hold the write lock. Returns
// true when the leadership changed.
func (m *Membership) electLocked() bool {
	ids := []string{m.local.ID}
	for id, p := range m.peers {
		if p.Alive() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	leader := ids[0]

	if leader == m.leaderID {
		return false
	}
	m.leaderID = leader
	m.version++

	if m.local.ID == leader {
		m.local.Role = RoleLeader
	} else {
		m.local.Role = RoleWorker
	}
	for id, p := range m.peers {
		if id == leader {
			p.Role = RoleLeader
		} else {
			p.Role = RoleWorker
		}
	}
	return true
}

// publishChange emits a cluster event outside the lock.
func (m *Membership) publishChange(eventType string, payload interface{}) {
	if m.events != nil {
		m.events.Publish(bus.TopicCluster, eventType, payload)
	}
}

// onViewChanged runs election after a membership mutation and publishes the
// resulting events. Must be called with the write lock held; it releases
// nothing itself.
func (m *Membership) afterChangeLocked() (leaderChanged bool, leaderID string, version uint64) {
	leaderChanged = m.electLocked()
	return leaderChanged, m.leaderID, m.version
}
