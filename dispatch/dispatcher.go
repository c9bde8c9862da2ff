// Package dispatch routes task submissions to peer nodes.
//
// A strategy picks the target; the dispatcher POSTs the script body to the
// peer's run endpoint, retries on failure, and keeps a bounded in-memory
// history of outcomes.
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/macrodyne/autod/bus"
	"github.com/macrodyne/autod/cluster"
	"github.com/macrodyne/autod/config"
	"github.com/macrodyne/autod/errors"
	"github.com/macrodyne/autod/internal/httpclient"
	"github.com/macrodyne/autod/logger"
)

// historySize bounds the in-memory dispatch record ring.
const historySize = 500

// Outcomes recorded per dispatch.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
)

// Event types published on the task topic.
const (
	EventDispatchSuccess = "dispatch:success"
	EventDispatchError   = "dispatch:error"
)

// Request is one dispatch submission.
type Request struct {
	Code         string `json:"code"`
	Name         string `json:"name,omitempty"`
	Strategy     string `json:"strategy,omitempty"`
	TargetNodeID string `json:"targetNodeId,omitempty"`
	Priority     int    `json:"priority,omitempty"`
	APIKey       string `json:"apiKey,omitempty"`
}

// Record is the stored outcome of one dispatch.
type Record struct {
	TaskID       string    `json:"task_id"`
	Strategy     string    `json:"strategy"`
	TargetNodeID string    `json:"target_node_id"`
	StartedAt    time.Time `json:"started_at"`
	EndedAt      time.Time `json:"ended_at"`
	Outcome      string    `json:"outcome"`
	RemoteTaskID string    `json:"remote_task_id,omitempty"`
	Error        string    `json:"error,omitempty"`
	Attempts     int       `json:"attempts"`
}

// runResponse is the peer's acceptance of a task submission.
type runResponse struct {
	TaskID string `json:"taskId"`
	Name   string `json:"name"`
}

// Members is the slice of cluster membership the dispatcher needs.
type Members interface {
	Candidates() []cluster.NodeInfo
}

// Dispatcher selects peers and submits tasks to them.
type Dispatcher struct {
	members Members
	client  *httpclient.Client
	events  *bus.Bus
	apiKey  string // default bearer presented to peers

	mu      sync.Mutex
	cfg     config.DispatchConfig
	rrIndex int
	history []Record
	success uint64
	failed  uint64
}

// New creates a dispatcher.
func New(members Members, client *httpclient.Client, events *bus.Bus, cfg config.DispatchConfig, apiKey string) *Dispatcher {
	if cfg.Strategy == "" {
		cfg.Strategy = config.StrategyRoundRobin
	}
	if cfg.RetryDelayMs <= 0 {
		cfg.RetryDelayMs = 3000
	}
	return &Dispatcher{
		members: members,
		client:  client,
		events:  events,
		apiKey:  apiKey,
		cfg:     cfg,
		history: make([]Record, 0, historySize),
	}
}

// Config returns the current dispatcher configuration.
func (d *Dispatcher) Config() config.DispatchConfig {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

// Dispatch routes one request to a peer chosen by the strategy, retrying on
// failure, and records the outcome.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (Record, error) {
	strategy := req.Strategy
	if strategy == "" {
		strategy = d.Config().Strategy
	}

	rec := Record{
		TaskID:    uuid.NewString(),
		Strategy:  strategy,
		StartedAt: time.Now(),
	}

	target, err := d.selectTarget(strategy, req)
	if err != nil {
		rec.EndedAt = time.Now()
		rec.Outcome = OutcomeError
		rec.Error = err.Error()
		d.record(rec)
		return rec, err
	}
	rec.TargetNodeID = target.ID

	remoteID, attempts, err := d.submit(ctx, target, req)
	rec.EndedAt = time.Now()
	rec.Attempts = attempts
	if err != nil {
		rec.Outcome = OutcomeError
		rec.Error = err.Error()
		d.record(rec)
		return rec, errors.Wrapf(errors.ErrUnavailable, "dispatch to %s failed: %v", target.ID, err)
	}

	rec.Outcome = OutcomeSuccess
	rec.RemoteTaskID = remoteID
	d.record(rec)
	return rec, nil
}

// submit POSTs the task to the target, retrying up to the configured count
// with a fixed delay. Returns the remote task id and attempts made.
func (d *Dispatcher) submit(ctx context.Context, target cluster.NodeInfo, req Request) (string, int, error) {
	cfg := d.Config()
	bearer := req.APIKey
	if bearer == "" {
		bearer = d.apiKey
	}
	body := map[string]string{"code": req.Code}
	if req.Name != "" {
		body["name"] = req.Name
	}
	url := cluster.PeerURL(target.Host, "/api/tasks/run")

	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(cfg.RetryDelayMs) * time.Millisecond):
			case <-ctx.Done():
				return "", attempts, ctx.Err()
			}
		}

		attempts++
		var resp runResponse
		_, err := d.client.PostJSON(ctx, url, bearer, body, &resp)
		if err == nil {
			return resp.TaskID, attempts, nil
		}
		lastErr = err
		logger.Warnw("Dispatch attempt failed",
			"target", target.ID,
			"attempt", attempts,
			"error", err,
		)
	}
	return "", attempts, lastErr
}

// record stores the outcome and publishes the dispatch event.
func (d *Dispatcher) record(rec Record) {
	d.mu.Lock()
	if len(d.history) == historySize {
		d.history = d.history[1:]
	}
	d.history = append(d.history, rec)
	if rec.Outcome == OutcomeSuccess {
		d.success++
	} else {
		d.failed++
	}
	d.mu.Unlock()

	eventType := EventDispatchSuccess
	if rec.Outcome != OutcomeSuccess {
		eventType = EventDispatchError
	}
	if d.events != nil {
		d.events.Publish(bus.TopicTask, eventType, rec)
	}
}

// HistoryStats aggregates the ring.
type HistoryStats struct {
	Total   int    `json:"total"`
	Success uint64 `json:"success"`
	Error   uint64 `json:"error"`
}

// History returns the stored records (oldest first) and aggregate counters.
func (d *Dispatcher) History() ([]Record, HistoryStats) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Record, len(d.history))
	copy(out, d.history)
	return out, HistoryStats{Total: len(out), Success: d.success, Error: d.failed}
}

// BroadcastResult is one node's outcome from a broadcast.
type BroadcastResult struct {
	NodeID       string `json:"node_id"`
	Success      bool   `json:"success"`
	RemoteTaskID string `json:"remote_task_id,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Broadcast submits the same task to every online peer concurrently and
// returns the aggregate results.
func (d *Dispatcher) Broadcast(ctx context.Context, req Request) []BroadcastResult {
	candidates := d.members.Candidates()
	results := make([]BroadcastResult, len(candidates))

	var wg sync.WaitGroup
	for i, target := range candidates {
		wg.Add(1)
		go func(i int, target cluster.NodeInfo) {
			defer wg.Done()
			remoteID, _, err := d.submit(ctx, target, req)
			if err != nil {
				results[i] = BroadcastResult{NodeID: target.ID, Error: err.Error()}
				return
			}
			results[i] = BroadcastResult{NodeID: target.ID, Success: true, RemoteTaskID: remoteID}
		}(i, target)
	}
	wg.Wait()
	return results
}
