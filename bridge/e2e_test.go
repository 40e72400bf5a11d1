package bridge

import (
	"context"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/votuanthanh/opcua-bridge/config"
	"github.com/votuanthanh/opcua-bridge/event"
	"github.com/votuanthanh/opcua-bridge/presence"
	"github.com/votuanthanh/opcua-bridge/server"
	"github.com/votuanthanh/opcua-bridge/source"
	"github.com/votuanthanh/opcua-bridge/source/sourcetest"
	"github.com/votuanthanh/opcua-bridge/websocket"
)

type pushedMessage struct {
	Event string `json:"event"`
	Data  struct {
		Value      float64   `json:"value"`
		Timestamp  time.Time `json:"timestamp"`
		NodeID     string    `json:"nodeId"`
		BrowseName string    `json:"browseName"`
	} `json:"data"`
}

func TestBridge_EndToEnd(t *testing.T) {
	hub := websocket.NewHub(presence.NewMemoryStore(time.Minute), "bridge-e2e")
	wsCfg := &config.WebSocketConfig{WriteTimeout: 1, WriteRetries: 1, SendBuffer: 16}
	handler := websocket.NewHandler(hub, nil, &config.AuthConfig{}, wsCfg)

	driver := sourcetest.NewFakeDriver()
	manager := source.NewManager(driver, testEndpoint, fastPolicy(), nil)
	c := New(testConfig(), manager, hub)

	srv := server.NewServer(":0", config.ServerConfig{WSPath: "/ws"}, handler, hub, func() (string, bool) {
		s := c.State()
		return s.String(), s == Monitoring
	})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn, _, err := gws.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	var greeting struct {
		Event string `json:"event"`
	}
	require.NoError(t, conn.ReadJSON(&greeting))
	require.Equal(t, event.NameConnected, greeting.Event)
	require.Eventually(t, func() bool { return hub.Count() == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, c.Start(ctx))
	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(ctx) }()

	t1 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(50 * time.Millisecond)
	sub := driver.LastSubscription()
	require.True(t, sub.Publish(25.0, t1))
	require.True(t, sub.Publish(25.3, t2))

	var got []pushedMessage
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for len(got) < 2 {
		var msg pushedMessage
		require.NoError(t, conn.ReadJSON(&msg))
		got = append(got, msg)
	}

	for _, msg := range got {
		assert.Equal(t, event.NameMessage, msg.Event)
		assert.Equal(t, testNodeID, msg.Data.NodeID)
		assert.Equal(t, "Temperature", msg.Data.BrowseName)
	}
	assert.Equal(t, 25.0, got[0].Data.Value)
	assert.True(t, t1.Equal(got[0].Data.Timestamp))
	assert.Equal(t, 25.3, got[1].Data.Value)
	assert.True(t, t2.Equal(got[1].Data.Timestamp))

	// Two changes, two pushes: nothing else arrives.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	var extra pushedMessage
	err = conn.ReadJSON(&extra)
	var netErr net.Error
	require.ErrorAs(t, err, &netErr, "unexpected push %+v", extra)
	assert.True(t, netErr.Timeout())

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	require.NoError(t, srv.Shutdown(context.Background()))
	assert.Equal(t, Stopped, c.State())
	assert.Equal(t, 0, hub.Count())
}
