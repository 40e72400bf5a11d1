package websocket

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/votuanthanh/opcua-bridge/event"
	"github.com/votuanthanh/opcua-bridge/metrics"
	"github.com/votuanthanh/opcua-bridge/presence"
)

// Hub tracks the push clients connected to this bridge instance and fans
// events out to them. It coordinates the in-memory connection map with the
// presence store.
type Hub struct {
	clients    sync.Map // client ID -> *ClientSession
	count      atomic.Int64
	store      presence.Store
	instanceID string
}

// NewHub creates a hub that records presence in store under instanceID.
func NewHub(store presence.Store, instanceID string) *Hub {
	return &Hub{
		store:      store,
		instanceID: instanceID,
	}
}

// InstanceID returns the identifier of this bridge instance.
func (h *Hub) InstanceID() string {
	return h.instanceID
}

// Register adds a started session. The session is unregistered
// automatically once it closes.
func (h *Hub) Register(ctx context.Context, s *ClientSession, remoteAddr string) error {
	record := &presence.Record{
		ClientID:    s.ID,
		InstanceID:  h.instanceID,
		RemoteAddr:  remoteAddr,
		ConnectedAt: time.Now(),
	}
	if err := h.store.Create(ctx, record); err != nil {
		log.Printf("Failed to create presence record for client %s: %v", s.ID, err)
		return err
	}

	if prev, loaded := h.clients.Swap(s.ID, s); loaded {
		// Same subject reconnected; the older socket goes away.
		prev.(*ClientSession).Close(websocket.ClosePolicyViolation, "Replaced by a newer connection")
	} else {
		h.count.Add(1)
		metrics.ActiveConnections.Inc()
	}
	metrics.TotalConnections.Inc()
	log.Printf("Client %s connected to instance %s", s.ID, h.instanceID)

	go func() {
		<-s.Done()
		h.unregisterSession(s)
	}()
	return nil
}

// Unregister removes a client. Unknown IDs are ignored.
func (h *Hub) Unregister(clientID string) {
	v, ok := h.clients.Load(clientID)
	if !ok {
		return
	}
	h.unregisterSession(v.(*ClientSession))
}

func (h *Hub) unregisterSession(s *ClientSession) {
	if !h.clients.CompareAndDelete(s.ID, s) {
		return
	}
	h.count.Add(-1)
	metrics.ActiveConnections.Dec()

	// The request context may already be cancelled.
	if err := h.store.Delete(context.Background(), s.ID); err != nil {
		log.Printf("Failed to delete presence record for client %s: %v", s.ID, err)
	}
	log.Printf("Client %s disconnected", s.ID)
}

// Client retrieves a live session by ID.
func (h *Hub) Client(clientID string) (*ClientSession, bool) {
	if v, ok := h.clients.Load(clientID); ok {
		return v.(*ClientSession), true
	}
	return nil, false
}

// Count returns the number of registered clients.
func (h *Hub) Count() int {
	return int(h.count.Load())
}

// RefreshPresence extends the client's presence record.
func (h *Hub) RefreshPresence(ctx context.Context, clientID string) {
	if err := h.store.RefreshTTL(ctx, clientID); err != nil {
		// Transient store errors don't disconnect the client.
		log.Printf("Failed to refresh presence for client %s: %v", clientID, err)
	}
}

// Broadcast queues env on every registered client without waiting for the
// writes. It returns the number of clients the event was queued for; a
// client whose buffer is full misses the event, and a reading goes only to
// clients whose token covers its variable.
func (h *Hub) Broadcast(env event.Envelope) int {
	reading, isReading := env.Data.(event.Reading)
	delivered := 0
	h.clients.Range(func(key, value interface{}) bool {
		s := value.(*ClientSession)
		if isReading && !s.CanRead(Target{NodeID: reading.NodeID, BrowseName: reading.BrowseName}) {
			metrics.DeliveryFailures.WithLabelValues("forbidden").Inc()
			return true
		}
		if s.Enqueue(env) {
			delivered++
		} else {
			metrics.DeliveryFailures.WithLabelValues("buffer_full").Inc()
			log.Printf("Dropping %s event for client %s: send buffer full", env.Event, s.ID)
		}
		return true
	})
	metrics.MessagesBroadcast.Inc()
	return delivered
}

// CloseAll sends a close frame to every client and removes it.
func (h *Hub) CloseAll(reason string) {
	h.clients.Range(func(key, value interface{}) bool {
		s := value.(*ClientSession)
		log.Printf("Closing connection for client %s: %s", s.ID, reason)
		s.Close(websocket.CloseGoingAway, reason)
		h.unregisterSession(s)
		return true
	})
}
