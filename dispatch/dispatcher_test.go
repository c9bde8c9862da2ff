package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/macrodyne/autod/cluster"
	"github.com/macrodyne/autod/config"
	"github.com/macrodyne/autod/errors"
	"github.com/macrodyne/autod/internal/httpclient"
)

// fakePeer is an httptest node accepting task submissions on /api/tasks/run.
type fakePeer struct {
	srv      *httptest.Server
	hits     atomic.Int64
	failures atomic.Int64 // fail the first N requests with 500
	lastAuth atomic.Value
	lastBody atomic.Value
}

func newFakePeer(t *testing.T, taskID string) *fakePeer {
	t.Helper()
	p := &fakePeer{}
	p.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.hits.Add(1)
		p.lastAuth.Store(r.Header.Get("Authorization"))

		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		p.lastBody.Store(body)

		if p.failures.Load() > 0 {
			p.failures.Add(-1)
			http.Error(w, "not ready", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]string{"taskId": taskID, "name": body["name"]})
	}))
	t.Cleanup(p.srv.Close)
	return p
}

// node returns the peer as an online cluster candidate. The httptest URL is
// used verbatim as the host so PeerURL leaves it alone.
func (p *fakePeer) node(id string) cluster.NodeInfo {
	return cluster.NodeInfo{ID: id, Host: p.srv.URL, Status: cluster.StatusOnline}
}

func TestDispatchSuccess(t *testing.T) {
	peer := newFakePeer(t, "remote-1")
	members := &staticMembers{nodes: []cluster.NodeInfo{peer.node("node-a")}}
	d := New(members, httpclient.Wrap(peer.srv.Client()), nil, config.DispatchConfig{
		Strategy:     config.StrategyRoundRobin,
		RetryDelayMs: 1,
	}, "ak_cluster-key")

	rec, err := d.Dispatch(context.Background(), Request{Code: "print 1", Name: "adhoc"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, rec.Outcome)
	assert.Equal(t, "node-a", rec.TargetNodeID)
	assert.Equal(t, "remote-1", rec.RemoteTaskID)
	assert.Equal(t, 1, rec.Attempts)
	assert.NotEmpty(t, rec.TaskID)

	assert.Equal(t, "Bearer ak_cluster-key", peer.lastAuth.Load())
	body := peer.lastBody.Load().(map[string]string)
	assert.Equal(t, "print 1", body["code"])
	assert.Equal(t, "adhoc", body["name"])
}

func TestDispatchRetriesThenSucceeds(t *testing.T) {
	peer := newFakePeer(t, "remote-2")
	peer.failures.Store(2)
	members := &staticMembers{nodes: []cluster.NodeInfo{peer.node("node-a")}}
	d := New(members, httpclient.Wrap(peer.srv.Client()), nil, config.DispatchConfig{
		MaxRetries:   3,
		RetryDelayMs: 1,
	}, "")

	rec, err := d.Dispatch(context.Background(), Request{Code: "x"})
	require.NoError(t, err)
	assert.Equal(t, 3, rec.Attempts)
	assert.Equal(t, int64(3), peer.hits.Load())
}

func TestDispatchRetryBudgetExhausted(t *testing.T) {
	peer := newFakePeer(t, "never")
	peer.failures.Store(100)
	members := &staticMembers{nodes: []cluster.NodeInfo{peer.node("node-a")}}
	d := New(members, httpclient.Wrap(peer.srv.Client()), nil, config.DispatchConfig{
		MaxRetries:   2,
		RetryDelayMs: 1,
	}, "")

	rec, err := d.Dispatch(context.Background(), Request{Code: "x"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrUnavailable))
	assert.Equal(t, OutcomeError, rec.Outcome)
	assert.Equal(t, 3, rec.Attempts, "initial attempt plus two retries")
	assert.Equal(t, int64(3), peer.hits.Load())
}

func TestDispatchNoCandidatesRecorded(t *testing.T) {
	d := New(&staticMembers{}, httpclient.New(0), nil, config.DispatchConfig{RetryDelayMs: 1}, "")

	rec, err := d.Dispatch(context.Background(), Request{Code: "x"})
	require.Error(t, err)
	assert.Equal(t, OutcomeError, rec.Outcome)

	history, stats := d.History()
	require.Len(t, history, 1)
	assert.Equal(t, uint64(1), stats.Error)
	assert.Equal(t, uint64(0), stats.Success)
}

func TestDispatchRequestAPIKeyOverridesDefault(t *testing.T) {
	peer := newFakePeer(t, "remote-3")
	members := &staticMembers{nodes: []cluster.NodeInfo{peer.node("node-a")}}
	d := New(members, httpclient.Wrap(peer.srv.Client()), nil, config.DispatchConfig{RetryDelayMs: 1}, "ak_default")

	_, err := d.Dispatch(context.Background(), Request{Code: "x", APIKey: "ak_override"})
	require.NoError(t, err)
	assert.Equal(t, "Bearer ak_override", peer.lastAuth.Load())
}

func TestHistoryAccumulates(t *testing.T) {
	peer := newFakePeer(t, "remote-4")
	members := &staticMembers{nodes: []cluster.NodeInfo{peer.node("node-a")}}
	d := New(members, httpclient.Wrap(peer.srv.Client()), nil, config.DispatchConfig{RetryDelayMs: 1}, "")

	for i := 0; i < 3; i++ {
		_, err := d.Dispatch(context.Background(), Request{Code: "x"})
		require.NoError(t, err)
	}
	peer.failures.Store(100)
	_, err := d.Dispatch(context.Background(), Request{Code: "x"})
	require.Error(t, err)

	history, stats := d.History()
	assert.Len(t, history, 4)
	assert.Equal(t, 4, stats.Total)
	assert.Equal(t, uint64(3), stats.Success)
	assert.Equal(t, uint64(1), stats.Error)
	assert.Equal(t, OutcomeError, history[3].Outcome, "oldest first")
}

func TestBroadcast(t *testing.T) {
	good := newFakePeer(t, "remote-a")
	bad := newFakePeer(t, "remote-b")
	bad.failures.Store(100)

	members := &staticMembers{nodes: []cluster.NodeInfo{
		good.node("node-a"),
		bad.node("node-b"),
	}}
	d := New(members, httpclient.Wrap(good.srv.Client()), nil, config.DispatchConfig{RetryDelayMs: 1}, "")

	results := d.Broadcast(context.Background(), Request{Code: "x"})
	require.Len(t, results, 2)

	byNode := map[string]BroadcastResult{}
	for _, r := range results {
		byNode[r.NodeID] = r
	}
	assert.True(t, byNode["node-a"].Success)
	assert.Equal(t, "remote-a", byNode["node-a"].RemoteTaskID)
	assert.False(t, byNode["node-b"].Success)
	assert.NotEmpty(t, byNode["node-b"].Error)
}
