package websocket

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/votuanthanh/opcua-bridge/config"
	"github.com/votuanthanh/opcua-bridge/event"
	"github.com/votuanthanh/opcua-bridge/metrics"
)

const (
	websocketRetryDelay = 200 * time.Millisecond
)

// Conn is the subset of *websocket.Conn a ClientSession writes through.
type Conn interface {
	WriteJSON(v interface{}) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// ClientSession represents a connected websocket client
type ClientSession struct {
	ID            string
	conn          Conn
	ctx           context.Context
	cfg           *config.WebSocketConfig
	claims        *ReadingClaims
	lastActivity  atomic.Int64
	pingTicker    *time.Ticker
	activityTimer *time.Timer
	send          chan event.Envelope
	cancel        context.CancelFunc
	closeOnce     sync.Once
	mu            sync.Mutex
}

// NewClientSession creates a new client session
func NewClientSession(id string, conn Conn, cfg *config.WebSocketConfig, claims *ReadingClaims) *ClientSession {
	ctx, cancel := context.WithCancel(context.Background())
	buffer := cfg.SendBuffer
	if buffer < 1 {
		buffer = 1
	}
	cs := &ClientSession{
		ID:     id,
		conn:   conn,
		cfg:    cfg,
		claims: claims,
		send:   make(chan event.Envelope, buffer),
		cancel: cancel,
		ctx:    ctx,
	}
	cs.lastActivity.Store(time.Now().Unix())
	return cs
}

// Done is closed once the session has been closed.
func (s *ClientSession) Done() <-chan struct{} {
	return s.ctx.Done()
}

// Enqueue hands env to the session's writer without blocking. It reports
// false when the session is closed or its send buffer is full.
func (s *ClientSession) Enqueue(env event.Envelope) bool {
	select {
	case <-s.ctx.Done():
		return false
	default:
	}
	select {
	case s.send <- env:
		return true
	default:
		return false
	}
}

// Start launches the writer goroutine and the keepalive timers.
func (s *ClientSession) Start() {
	s.StartTimers()
	go s.writeLoop()
}

func (s *ClientSession) writeLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case env := <-s.send:
			if err := s.SafeWriteJSON(env); err != nil {
				log.Printf("Failed to send %s to client %s: %v", env.Event, s.ID, err)
				metrics.DeliveryFailures.WithLabelValues("write_error").Inc()
				s.Close(websocket.CloseInternalServerErr, "Failed to send message")
				return
			}
			metrics.MessagesSent.Inc()
		}
	}
}

// SafeWriteJSON writes data to the websocket with bounded retries
func (s *ClientSession) SafeWriteJSON(data interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	writeTimeout := time.Duration(s.cfg.WriteTimeout) * time.Second
	operation := func() error {
		if writeTimeout > 0 {
			if err := s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				return backoff.Permanent(err)
			}
		}
		return s.conn.WriteJSON(data)
	}

	backoffStrategy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(websocketRetryDelay), uint64(s.cfg.WriteRetries)),
		s.ctx,
	)

	return backoff.RetryNotify(operation, backoffStrategy, func(err error, d time.Duration) {
		log.Printf("Retrying WebSocket write: %v (next attempt in %s)", err, d)
	})
}

// UpdateActivity updates the last activity timestamp and resets the timeout timer
// This should only be called for actual client messages, not pong responses
func (s *ClientSession) UpdateActivity() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastActivity.Store(time.Now().Unix())

	// Reset the activity timer
	if s.activityTimer != nil {
		s.activityTimer.Stop()
		s.activityTimer = time.AfterFunc(
			time.Duration(s.cfg.ActivityTimeout)*time.Second,
			s.onActivityTimeout,
		)
	}
}

// LastActivityTime returns the time of last activity
func (s *ClientSession) LastActivityTime() time.Time {
	return time.Unix(s.lastActivity.Load(), 0)
}

func (s *ClientSession) StartTimers() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg.ActivityTimeout > 0 {
		s.activityTimer = time.AfterFunc(
			time.Duration(s.cfg.ActivityTimeout)*time.Second,
			s.onActivityTimeout,
		)
	}

	if s.cfg.PingInterval > 0 {
		s.pingTicker = time.NewTicker(
			time.Duration(s.cfg.PingInterval) * time.Second,
		)
		go s.pingLoop(s.pingTicker)
	}
}

func (s *ClientSession) pingLoop(ticker *time.Ticker) {
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.SendPing(); err != nil {
				log.Printf("Failed to send ping to %s: %v", s.ID, err)
				s.Close(websocket.CloseInternalServerErr, "Ping failure")
				return
			}
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *ClientSession) onActivityTimeout() {
	log.Printf("Connection %s timed out", s.ID)
	s.Close(websocket.ClosePolicyViolation, "Inactivity timeout")
}

func (s *ClientSession) SendPing() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.conn.WriteControl(
		websocket.PingMessage,
		[]byte{},
		time.Now().Add(time.Duration(s.cfg.WriteTimeout)*time.Second),
	)
}

// UpdateLastSeen updates only the timestamp (for pong responses)
// Does NOT reset the activity timer
func (s *ClientSession) UpdateLastSeen() {
	s.lastActivity.Store(time.Now().Unix())
}

// GetPongHandler returns a pong handler function based on configuration
func (s *ClientSession) GetPongHandler() func(string) error {
	return func(msg string) error {
		if s.cfg.KeepAlive {
			s.UpdateActivity() // Reset timeout timer
		} else {
			s.UpdateLastSeen() // Just update timestamp
		}
		return nil
	}
}

// CanRead reports whether the session's token covers readings of t.
func (s *ClientSession) CanRead(t Target) bool {
	return s.claims.Permits(t)
}

// Close closes the websocket connection. Only the first call has effect.
func (s *ClientSession) Close(code int, text string) error {
	var err error
	s.closeOnce.Do(func() {
		// Cancel first so a retrying writer gives up the lock
		s.cancel()

		s.mu.Lock()
		defer s.mu.Unlock()

		// Stop timers
		if s.pingTicker != nil {
			s.pingTicker.Stop()
		}
		if s.activityTimer != nil {
			s.activityTimer.Stop()
		}

		writeTimeout := time.Duration(s.cfg.WriteTimeout) * time.Second
		if werr := s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(code, text),
			time.Now().Add(writeTimeout),
		); werr != nil {
			log.Printf("Error sending close message: %v", werr)
		}

		err = s.conn.Close()
	})
	return err
}
