package source

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	StrategyExponential = "exponential"
	StrategyConstant    = "constant"
)

// RetryPolicy controls how Connect retries a failing endpoint.
// MaxRetries of zero retries until the context is cancelled.
type RetryPolicy struct {
	Strategy            string
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	Multiplier          float64
	RandomizationFactor float64
	MaxRetries          uint64
}

// DefaultRetryPolicy mirrors the reconnection defaults of common OPC UA stacks.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Strategy:            StrategyExponential,
		InitialInterval:     time.Second,
		MaxInterval:         20 * time.Second,
		Multiplier:          1.5,
		RandomizationFactor: 0.1,
	}
}

func (p RetryPolicy) backOff() backoff.BackOff {
	var b backoff.BackOff
	if p.Strategy == StrategyConstant {
		b = backoff.NewConstantBackOff(p.InitialInterval)
	} else {
		b = backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(p.InitialInterval),
			backoff.WithMaxInterval(p.MaxInterval),
			backoff.WithMultiplier(p.Multiplier),
			backoff.WithRandomizationFactor(p.RandomizationFactor),
			backoff.WithMaxElapsedTime(0),
		)
	}
	if p.MaxRetries > 0 {
		b = backoff.WithMaxRetries(b, p.MaxRetries)
	}
	return b
}

// BackoffEvent is emitted before every retry of a failed connect.
type BackoffEvent struct {
	Endpoint string
	Attempt  int
	Delay    time.Duration
	Err      error
}

// Manager owns the single transport connection to the OPC UA endpoint.
type Manager struct {
	driver   Driver
	endpoint string
	policy   RetryPolicy
	notify   func(BackoffEvent)

	mu    sync.Mutex
	state ConnState
	conn  *Connection
}

// NewManager creates a connection manager. notify may be nil.
func NewManager(driver Driver, endpoint string, policy RetryPolicy, notify func(BackoffEvent)) *Manager {
	return &Manager{
		driver:   driver,
		endpoint: endpoint,
		policy:   policy,
		notify:   notify,
		state:    Disconnected,
	}
}

// Connection is the live transport handed out by Manager.Connect.
type Connection struct {
	manager  *Manager
	endpoint string

	mu      sync.Mutex
	session *Session
}

// Endpoint returns the endpoint URL the connection was made to.
func (c *Connection) Endpoint() string {
	return c.endpoint
}

// State reports Connected while this connection is the manager's current one.
func (c *Connection) State() ConnState {
	c.manager.mu.Lock()
	defer c.manager.mu.Unlock()
	if c.manager.conn != c {
		return Disconnected
	}
	return c.manager.state
}

func (c *Connection) attach(s *Session) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		return ErrSessionOpen
	}
	c.session = s
	return nil
}

func (c *Connection) detach(s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == s {
		c.session = nil
	}
}

func (c *Connection) hasSession() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session != nil
}

// Endpoint returns the configured endpoint URL.
func (m *Manager) Endpoint() string {
	return m.endpoint
}

// State returns the current connection state.
func (m *Manager) State() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) setState(s ConnState) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// Connect dials the endpoint, retrying transient failures according to the
// retry policy. It returns the existing connection if one is already up.
func (m *Manager) Connect(ctx context.Context) (*Connection, error) {
	m.mu.Lock()
	if m.conn != nil {
		conn := m.conn
		m.mu.Unlock()
		return conn, nil
	}
	m.state = Connecting
	m.mu.Unlock()

	log.Printf("Connecting to OPC UA endpoint %s", m.endpoint)

	attempt := 0
	operation := func() error {
		m.setState(Connecting)
		err := m.driver.Connect(ctx)
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}

	b := backoff.WithContext(m.policy.backOff(), ctx)
	err := backoff.RetryNotify(operation, b, func(err error, d time.Duration) {
		attempt++
		m.setState(Retrying)
		log.Printf("Retrying to connect to %s attempt %d: %v (next attempt in %s)", m.endpoint, attempt, err, d)
		if m.notify != nil {
			m.notify(BackoffEvent{Endpoint: m.endpoint, Attempt: attempt, Delay: d, Err: err})
		}
	})
	if err != nil {
		m.setState(Disconnected)
		return nil, fmt.Errorf("%w: %s: %w", ErrConnect, m.endpoint, err)
	}

	conn := &Connection{manager: m, endpoint: m.endpoint}
	m.mu.Lock()
	m.conn = conn
	m.state = Connected
	m.mu.Unlock()

	log.Printf("Connected to OPC UA endpoint %s", m.endpoint)
	return conn, nil
}

// Disconnect closes the connection. It refuses while a session is still open
// on it and is a no-op for a connection that is already gone.
func (m *Manager) Disconnect(ctx context.Context, conn *Connection) error {
	if conn == nil {
		return nil
	}
	if conn.hasSession() {
		return ErrSessionOpen
	}

	m.mu.Lock()
	if m.conn != conn {
		m.mu.Unlock()
		return nil
	}
	m.conn = nil
	m.mu.Unlock()

	err := m.driver.Close(ctx)
	m.setState(Disconnected)
	if err != nil {
		return fmt.Errorf("opcua disconnect %s: %w", m.endpoint, err)
	}
	log.Printf("Disconnected from OPC UA endpoint %s", m.endpoint)
	return nil
}
