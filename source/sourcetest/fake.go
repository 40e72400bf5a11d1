// Package sourcetest provides an in-memory protocol driver for tests.
package sourcetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/votuanthanh/opcua-bridge/source"
)

// Call names recorded by FakeDriver.
const (
	CallConnect      = "connect"
	CallOpenSession  = "open_session"
	CallCloseSession = "close_session"
	CallClose        = "close"
	CallSubscribe    = "subscribe"
	CallMonitor      = "monitor"
	CallCancel       = "cancel"
)

// FakeDriver records every call and lets tests inject failures.
type FakeDriver struct {
	mu sync.Mutex

	// ConnectFailures makes the first N Connect calls fail.
	ConnectFailures int
	SessionErr      error
	SubscribeErr    error
	MonitorErr      error
	CancelErr       error

	calls       []string
	connected   bool
	sessionOpen bool
	subs        []*FakeSubscription
	nextSubID   uint32
}

// NewFakeDriver returns a driver that succeeds on every call.
func NewFakeDriver() *FakeDriver {
	return &FakeDriver{nextSubID: 1}
}

var _ source.Driver = (*FakeDriver)(nil)

func (d *FakeDriver) record(call string) {
	d.calls = append(d.calls, call)
}

// Calls returns the recorded call sequence.
func (d *FakeDriver) Calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.calls))
	copy(out, d.calls)
	return out
}

// Count returns how often call was made.
func (d *FakeDriver) Count(call string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.calls {
		if c == call {
			n++
		}
	}
	return n
}

// LastSubscription returns the most recently created subscription.
func (d *FakeDriver) LastSubscription() *FakeSubscription {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.subs) == 0 {
		return nil
	}
	return d.subs[len(d.subs)-1]
}

func (d *FakeDriver) Connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record(CallConnect)
	if err := ctx.Err(); err != nil {
		return err
	}
	if d.ConnectFailures > 0 {
		d.ConnectFailures--
		return errors.New("connection refused")
	}
	d.connected = true
	return nil
}

func (d *FakeDriver) OpenSession(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record(CallOpenSession)
	if !d.connected {
		return source.ErrNotConnected
	}
	if d.SessionErr != nil {
		return d.SessionErr
	}
	d.sessionOpen = true
	return nil
}

func (d *FakeDriver) CloseSession(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record(CallCloseSession)
	d.sessionOpen = false
	return nil
}

func (d *FakeDriver) Close(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record(CallClose)
	d.connected = false
	return nil
}

func (d *FakeDriver) Subscribe(ctx context.Context, cfg source.SubscriptionConfig) (source.RemoteSubscription, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record(CallSubscribe)
	if !d.sessionOpen {
		return nil, source.ErrSessionClosed
	}
	if d.SubscribeErr != nil {
		return nil, d.SubscribeErr
	}
	sub := &FakeSubscription{
		driver: d,
		id:     d.nextSubID,
		cfg:    cfg,
		notes:  make(chan source.Notification, 64),
	}
	d.nextSubID++
	d.subs = append(d.subs, sub)
	return sub, nil
}

// FakeSubscription is the RemoteSubscription returned by FakeDriver.
type FakeSubscription struct {
	driver *FakeDriver
	id     uint32
	cfg    source.SubscriptionConfig

	mu      sync.Mutex
	request *source.MonitorRequest
	notes   chan source.Notification
	closed  bool
}

func (s *FakeSubscription) ID() uint32 {
	return s.id
}

// Config returns the parameters the subscription was created with.
func (s *FakeSubscription) Config() source.SubscriptionConfig {
	return s.cfg
}

func (s *FakeSubscription) Notifications() <-chan source.Notification {
	return s.notes
}

func (s *FakeSubscription) Monitor(ctx context.Context, req source.MonitorRequest) (uint32, error) {
	s.driver.mu.Lock()
	s.driver.record(CallMonitor)
	err := s.driver.MonitorErr
	s.driver.mu.Unlock()
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.request != nil {
		return 0, fmt.Errorf("subscription %d already monitors %s", s.id, s.request.Target.NodeID)
	}
	s.request = &req
	return 100 + req.ClientHandle, nil
}

// Request returns the monitor request, or nil before Monitor was called.
func (s *FakeSubscription) Request() *source.MonitorRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.request
}

func (s *FakeSubscription) Cancel(ctx context.Context) error {
	s.driver.mu.Lock()
	s.driver.record(CallCancel)
	err := s.driver.CancelErr
	s.driver.mu.Unlock()

	s.Close()
	return err
}

// Publish simulates a data change for the monitored item. It reports false
// when the subscription is already closed.
func (s *FakeSubscription) Publish(value interface{}, serverTS time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.request == nil {
		return false
	}
	s.notes <- source.Notification{
		ClientHandle:    s.request.ClientHandle,
		Value:           value,
		ServerTimestamp: serverTS,
		SourceTimestamp: serverTS,
	}
	return true
}

// Terminate simulates a server-side status change ending the subscription.
func (s *FakeSubscription) Terminate(status uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.notes <- source.Notification{Terminal: true, Status: status}
}

// Close closes the notification stream, as a lost session would.
func (s *FakeSubscription) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.notes)
	}
}
