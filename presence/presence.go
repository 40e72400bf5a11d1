// Package presence records which push clients are connected to which bridge
// instance.
package presence

import (
	"context"
	"time"
)

// Record holds metadata about a client's push connection.
type Record struct {
	ClientID    string    `json:"client_id"`
	InstanceID  string    `json:"instance_id"` // ID of the bridge instance serving the client
	RemoteAddr  string    `json:"remote_addr,omitempty"`
	ConnectedAt time.Time `json:"connected_at"`
}

// Store defines the interface for presence tracking.
type Store interface {
	// Create stores a new record.
	Create(ctx context.Context, record *Record) error
	// Get retrieves a record by client ID. A missing record is (nil, nil).
	Get(ctx context.Context, clientID string) (*Record, error)
	// Delete removes a record.
	Delete(ctx context.Context, clientID string) error
	// RefreshTTL extends the record's lifetime in the store.
	RefreshTTL(ctx context.Context, clientID string) error
}
