package server

import (
	"fmt"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/macrodyne/autod/bus"
)

func dialStream(t *testing.T, ts *testServer) *websocket.Conn {
	t.Helper()
	ts.srv.cfg.Server.Port = freePort(t)
	require.NoError(t, ts.srv.Start())
	t.Cleanup(ts.srv.Stop)

	url := fmt.Sprintf("ws://127.0.0.1:%d/ws", ts.srv.Port())
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) outboundMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg outboundMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestStreamHello(t *testing.T) {
	ts := newTestServer(t, false)
	conn := dialStream(t, ts)

	hello := readFrame(t, conn)
	assert.Equal(t, "connected", hello.Type)

	data, ok := hello.Data.(map[string]interface{})
	require.True(t, ok)
	assert.NotEmpty(t, data["clientId"])
	assert.NotEmpty(t, data["version"])
	assert.Len(t, data["channels"], 4)
}

func TestStreamPingPong(t *testing.T) {
	ts := newTestServer(t, false)
	conn := dialStream(t, ts)
	readFrame(t, conn) // hello

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))
	assert.Equal(t, "pong", readFrame(t, conn).Type)
}

func TestStreamChannelFiltering(t *testing.T) {
	ts := newTestServer(t, false)
	conn := dialStream(t, ts)
	readFrame(t, conn) // hello

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type":     "subscribe",
		"channels": []string{"cluster"},
	}))
	sub := readFrame(t, conn)
	require.Equal(t, "subscribed", sub.Type)
	data := sub.Data.(map[string]interface{})
	assert.Equal(t, []interface{}{"cluster"}, data["channels"])

	// A log event is filtered out; the cluster event that follows arrives
	// as the next frame.
	ts.srv.events.Publish(bus.TopicLog, "log:entry", map[string]string{"msg": "hidden"})
	ts.srv.events.Publish(bus.TopicCluster, "cluster:joined", map[string]string{"id": "node-z"})

	frame := readFrame(t, conn)
	assert.Equal(t, string(bus.TopicCluster), frame.Channel)
	fd := frame.Data.(map[string]interface{})
	assert.Equal(t, "cluster:joined", fd["event"])
}

func TestStreamBroadcastsBusEvents(t *testing.T) {
	ts := newTestServer(t, false)
	conn := dialStream(t, ts)
	readFrame(t, conn) // hello

	ts.srv.events.Publish(bus.TopicTask, "task:queued", map[string]string{"taskId": "abc"})

	frame := readFrame(t, conn)
	assert.Equal(t, string(bus.TopicTask), frame.Channel)
	fd := frame.Data.(map[string]interface{})
	assert.Equal(t, "task:queued", fd["event"])
}

func TestStreamIdentify(t *testing.T) {
	ts := newTestServer(t, false)
	conn := dialStream(t, ts)
	readFrame(t, conn) // hello

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "identify", "name": "dashboard"}))
	// identify has no reply; ping proves the message was consumed in order.
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))
	assert.Equal(t, "pong", readFrame(t, conn).Type)
}

func TestApplySubscription(t *testing.T) {
	c := &Client{send: make(chan outboundMessage, 4), subs: map[string]bool{}}

	c.applySubscription([]string{"task", "bogus"})
	assert.True(t, c.wants("task"))
	assert.False(t, c.wants("bogus"))
	assert.False(t, c.wants("log"))

	// Empty list means everything.
	c.applySubscription(nil)
	for _, ch := range streamChannels {
		assert.True(t, c.wants(ch))
	}
}

func TestEnqueueDropsWhenFull(t *testing.T) {
	c := &Client{send: make(chan outboundMessage, 1), subs: map[string]bool{}}
	c.enqueue(outboundMessage{Type: "a"})
	c.enqueue(outboundMessage{Type: "b"}) // dropped, must not block
	assert.Len(t, c.send, 1)
}
