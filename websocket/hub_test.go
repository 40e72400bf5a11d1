package websocket

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/votuanthanh/opcua-bridge/event"
	"github.com/votuanthanh/opcua-bridge/presence"
)

func startSession(t *testing.T, hub *Hub, id string) (*ClientSession, *fakeConn) {
	t.Helper()
	conn := newFakeConn()
	s := NewClientSession(id, conn, testWSConfig(), nil)
	s.Start()
	require.NoError(t, hub.Register(context.Background(), s, "127.0.0.1:1"))
	t.Cleanup(func() { s.Close(1000, "test done") })
	return s, conn
}

func waitWrites(t *testing.T, conn *fakeConn, n int) [][]byte {
	t.Helper()
	require.Eventually(t, func() bool { return len(conn.Writes()) >= n }, 2*time.Second, 5*time.Millisecond)
	return conn.Writes()
}

func TestHub_BroadcastReachesEveryClient(t *testing.T) {
	store := presence.NewMemoryStore(time.Minute)
	hub := NewHub(store, "bridge-1")

	const n = 5
	conns := make([]*fakeConn, n)
	for i := 0; i < n; i++ {
		_, conns[i] = startSession(t, hub, fmt.Sprintf("client-%d", i))
	}
	require.Equal(t, n, hub.Count())

	ts := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	env := event.Message(event.Reading{Value: 25.0, Timestamp: ts, NodeID: "ns=1;s=Temp", BrowseName: "Temperature"})
	assert.Equal(t, n, hub.Broadcast(env))

	want := `{"event":"message","data":{"value":25,"timestamp":"2024-05-01T10:00:00Z","nodeId":"ns=1;s=Temp","browseName":"Temperature"}}`
	for _, c := range conns {
		writes := waitWrites(t, c, 1)
		assert.JSONEq(t, want, string(writes[0]))
	}
}

func TestHub_BroadcastSkipsClientsWithoutReadAccess(t *testing.T) {
	hub := NewHub(presence.NewMemoryStore(time.Minute), "bridge-1")

	allowedConn := newFakeConn()
	allowed := NewClientSession("reader", allowedConn, testWSConfig(), &ReadingClaims{Nodes: []string{"Temperature"}, Access: []string{ReadAccess}})
	deniedConn := newFakeConn()
	denied := NewClientSession("other", deniedConn, testWSConfig(), &ReadingClaims{Nodes: []string{"Pressure"}, Access: []string{ReadAccess}})
	for _, s := range []*ClientSession{allowed, denied} {
		s.Start()
		require.NoError(t, hub.Register(context.Background(), s, "127.0.0.1:1"))
		t.Cleanup(func() { s.Close(1000, "test done") })
	}

	env := event.Message(event.Reading{Value: 25.0, NodeID: "ns=1;s=Temp", BrowseName: "Temperature"})
	assert.Equal(t, 1, hub.Broadcast(env))
	waitWrites(t, allowedConn, 1)
	assert.Empty(t, deniedConn.Writes())

	// Events other than readings are not filtered.
	assert.Equal(t, 2, hub.Broadcast(event.Connected("everyone")))
}

func TestHub_BroadcastWithNoClients(t *testing.T) {
	hub := NewHub(presence.NewMemoryStore(time.Minute), "bridge-1")
	assert.Equal(t, 0, hub.Broadcast(event.Connected("nobody")))
}

func TestHub_PresenceFollowsRegistration(t *testing.T) {
	ctx := context.Background()
	store := presence.NewMemoryStore(time.Minute)
	hub := NewHub(store, "bridge-1")

	s, _ := startSession(t, hub, "c1")
	rec, err := store.Get(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "bridge-1", rec.InstanceID)

	require.NoError(t, s.Close(1000, "bye"))
	require.Eventually(t, func() bool { return hub.Count() == 0 }, time.Second, 5*time.Millisecond)
	rec, err = store.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Nil(t, rec)

	hub.Unregister("c1")
	assert.Equal(t, 0, hub.Count())
}

func TestHub_ReconnectReplacesOldSession(t *testing.T) {
	hub := NewHub(presence.NewMemoryStore(time.Minute), "bridge-1")

	oldSession, oldConn := startSession(t, hub, "same")
	newSession, _ := startSession(t, hub, "same")

	assert.True(t, oldConn.IsClosed())
	<-oldSession.Done()
	// The old session's cleanup must not evict the new one.
	time.Sleep(20 * time.Millisecond)
	got, ok := hub.Client("same")
	require.True(t, ok)
	assert.Same(t, newSession, got)
	assert.Equal(t, 1, hub.Count())
}

func TestHub_ConcurrentRegisterAndBroadcast(t *testing.T) {
	hub := NewHub(presence.NewMemoryStore(time.Minute), "bridge-1")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			conn := newFakeConn()
			s := NewClientSession(fmt.Sprintf("c-%d", i), conn, testWSConfig(), nil)
			s.Start()
			assert.NoError(t, hub.Register(context.Background(), s, ""))
		}(i)
		go func() {
			defer wg.Done()
			hub.Broadcast(event.Connected("x"))
		}()
	}
	wg.Wait()
	assert.Equal(t, 20, hub.Count())

	hub.CloseAll("shutdown")
	assert.Equal(t, 0, hub.Count())
}
