package source

import (
	"context"
	"fmt"
	"log"
	"sync"
)

// Session is the logical conversation opened on a Connection.
type Session struct {
	conn *Connection

	mu           sync.Mutex
	open         bool
	subscription *Subscription
}

// OpenSession creates and activates a session. The connection must be
// Connected.
func OpenSession(ctx context.Context, conn *Connection) (*Session, error) {
	if conn == nil || conn.State() != Connected {
		return nil, fmt.Errorf("%w: %w", ErrSession, ErrNotConnected)
	}

	s := &Session{conn: conn}
	if err := conn.attach(s); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSession, err)
	}

	if err := conn.manager.driver.OpenSession(ctx); err != nil {
		conn.detach(s)
		return nil, fmt.Errorf("%w: %w", ErrSession, err)
	}

	s.mu.Lock()
	s.open = true
	s.mu.Unlock()

	log.Printf("Session created on %s", conn.Endpoint())
	return s, nil
}

// IsOpen reports whether the session is open and its connection is up.
func (s *Session) IsOpen() bool {
	s.mu.Lock()
	open := s.open
	s.mu.Unlock()
	return open && s.conn.State() == Connected
}

// Connection returns the connection the session belongs to.
func (s *Session) Connection() *Connection {
	return s.conn
}

func (s *Session) driver() Driver {
	return s.conn.manager.driver
}

// Close releases the server-side session. Closing twice is a no-op.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return nil
	}
	s.open = false
	s.subscription = nil
	s.mu.Unlock()

	defer s.conn.detach(s)

	if err := s.driver().CloseSession(ctx); err != nil {
		return fmt.Errorf("%w: close: %w", ErrSession, err)
	}
	log.Printf("Session closed on %s", s.conn.Endpoint())
	return nil
}

func (s *Session) attach(sub *Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return ErrSessionClosed
	}
	if s.subscription != nil && s.subscription.State() != SubscriptionTerminated {
		return fmt.Errorf("session already holds subscription %d", s.subscription.ID())
	}
	s.subscription = sub
	return nil
}
