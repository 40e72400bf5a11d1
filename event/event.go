// Package event defines the payloads pushed to clients and relayed to brokers.
package event

import (
	"encoding/json"
	"time"
)

// Event names sent on the push channel.
const (
	NameMessage   = "message"
	NameConnected = "connected"
)

// Reading is one change of the monitored variable.
type Reading struct {
	Value      interface{} `json:"value"`
	Timestamp  time.Time   `json:"timestamp"`
	NodeID     string      `json:"nodeId"`
	BrowseName string      `json:"browseName"`
}

// Envelope frames a named event for websocket clients.
type Envelope struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

// Message wraps a reading into the "message" event.
func Message(r Reading) Envelope {
	return Envelope{Event: NameMessage, Data: r}
}

// Connected is the greeting sent to a client after the handshake.
func Connected(clientID string) Envelope {
	return Envelope{Event: NameConnected, Data: map[string]string{"clientId": clientID}}
}

// MarshalBinary lets a Reading be published directly with go-redis.
func (r Reading) MarshalBinary() ([]byte, error) {
	return json.Marshal(r)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (r *Reading) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, r)
}
