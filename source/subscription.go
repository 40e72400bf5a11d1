package source

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/votuanthanh/opcua-bridge/metrics"
)

// SubscriptionConfig carries the requested subscription parameters.
type SubscriptionConfig struct {
	PublishingInterval         time.Duration
	MaxKeepAliveCount          uint32
	LifetimeCount              uint32
	MaxNotificationsPerPublish uint32
	PublishingEnabled          bool
	Priority                   uint8
}

// Validate checks the parameters against the OPC UA constraints.
func (c SubscriptionConfig) Validate() error {
	if c.PublishingInterval <= 0 {
		return errors.New("publishing interval must be positive")
	}
	if c.MaxKeepAliveCount < 1 {
		return errors.New("max keep-alive count must be at least 1")
	}
	if c.LifetimeCount < 3*c.MaxKeepAliveCount {
		return fmt.Errorf("lifetime count %d must be at least three times the keep-alive count %d",
			c.LifetimeCount, c.MaxKeepAliveCount)
	}
	return nil
}

// EventKind tells keep-alives and terminations apart.
type EventKind int

const (
	KeepAlive EventKind = iota
	Terminated
)

func (k EventKind) String() string {
	if k == KeepAlive {
		return "keepalive"
	}
	return "terminated"
}

// LifecycleEvent is emitted on Subscription.Events. Reason is nil for a
// termination requested through Terminate.
type LifecycleEvent struct {
	Kind           EventKind
	SubscriptionID uint32
	Reason         error
	At             time.Time
}

const lifecycleBuffer = 8

// Subscription is a server-side registration batching change notifications
// for one Session.
type Subscription struct {
	session *Session
	remote  RemoteSubscription
	cfg     SubscriptionConfig

	mu         sync.Mutex
	state      SubscriptionState
	item       *MonitoredItem
	nextHandle uint32
	cancelling bool

	events       chan LifecycleEvent
	eventsClosed bool
	done         chan struct{}
	termOnce     sync.Once
}

// CreateSubscription registers a subscription on an open session and starts
// dispatching its notifications.
func CreateSubscription(ctx context.Context, sess *Session, cfg SubscriptionConfig) (*Subscription, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSubscription, err)
	}
	if sess == nil || !sess.IsOpen() {
		return nil, fmt.Errorf("%w: %w", ErrSubscription, ErrSessionClosed)
	}

	remote, err := sess.driver().Subscribe(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSubscription, err)
	}

	s := &Subscription{
		session:    sess,
		remote:     remote,
		cfg:        cfg,
		state:      SubscriptionCreated,
		nextHandle: 1,
		events:     make(chan LifecycleEvent, lifecycleBuffer),
		done:       make(chan struct{}),
	}
	if err := sess.attach(s); err != nil {
		if cerr := remote.Cancel(ctx); cerr != nil {
			log.Printf("Failed to cancel orphaned subscription %d: %v", remote.ID(), cerr)
		}
		return nil, fmt.Errorf("%w: %w", ErrSubscription, err)
	}

	s.mu.Lock()
	s.state = SubscriptionActive
	s.mu.Unlock()
	go s.dispatch()

	log.Printf("Subscription %d created (interval %s, keep-alive %d, lifetime %d)",
		remote.ID(), cfg.PublishingInterval, cfg.MaxKeepAliveCount, cfg.LifetimeCount)
	return s, nil
}

// ID returns the server-assigned subscription id.
func (s *Subscription) ID() uint32 {
	return s.remote.ID()
}

// Config returns the parameters the subscription was created with.
func (s *Subscription) Config() SubscriptionConfig {
	return s.cfg
}

// State returns the lifecycle state.
func (s *Subscription) State() SubscriptionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Events delivers keep-alive and termination events. A Terminated event is
// always delivered and is the last value before the channel closes.
func (s *Subscription) Events() <-chan LifecycleEvent {
	return s.events
}

// Monitor registers the target on the subscription. Only one item may be
// monitored per subscription.
func (s *Subscription) Monitor(ctx context.Context, target Target, sampling SamplingConfig, ts TimestampPolicy) (*MonitoredItem, error) {
	if target.NodeID == "" {
		return nil, fmt.Errorf("%w: empty node id", ErrMonitor)
	}
	if sampling.QueueSize < 1 {
		return nil, fmt.Errorf("%w: queue size must be at least 1", ErrMonitor)
	}
	if target.AttributeID == 0 {
		target.AttributeID = AttributeValue
	}

	s.mu.Lock()
	if s.state != SubscriptionActive {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %w", ErrMonitor, ErrSubscriptionInactive)
	}
	if s.item != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %w", ErrMonitor, ErrItemExists)
	}
	handle := s.nextHandle
	s.nextHandle++
	item := newMonitoredItem(target, sampling, ts, handle)
	s.item = item
	s.mu.Unlock()

	id, err := s.remote.Monitor(ctx, MonitorRequest{
		Target:       target,
		Sampling:     sampling,
		Timestamps:   ts,
		ClientHandle: handle,
	})
	if err != nil {
		s.mu.Lock()
		if s.item == item {
			s.item = nil
		}
		s.mu.Unlock()
		item.stop()
		return nil, fmt.Errorf("%w: %s: %w", ErrMonitor, target.NodeID, err)
	}

	s.mu.Lock()
	item.id = id
	s.mu.Unlock()

	log.Printf("Monitoring %s (attribute %d, sampling %s, queue %d, discardOldest %t)",
		target.NodeID, target.AttributeID, sampling.SamplingInterval, sampling.QueueSize, sampling.DiscardOldest)
	return item, nil
}

// Terminate deletes the subscription on the server and stops its item,
// discarding change events not yet consumed. It returns once the teardown has completed; calling it again is a no-op.
func (s *Subscription) Terminate(ctx context.Context) error {
	s.mu.Lock()
	if s.state == SubscriptionTerminated || s.cancelling {
		item := s.item
		s.mu.Unlock()
		// The server may have ended it first; release a flush nobody reads.
		if item != nil {
			item.stop()
		}
		return nil
	}
	s.cancelling = true
	s.mu.Unlock()

	err := s.remote.Cancel(ctx)
	s.terminate(nil)
	if err != nil {
		return fmt.Errorf("%w: cancel %d: %w", ErrSubscription, s.ID(), err)
	}
	log.Printf("Subscription %d terminated", s.ID())
	return nil
}

func (s *Subscription) keepAliveWindow() time.Duration {
	count := s.cfg.MaxKeepAliveCount
	if count < 1 {
		count = 1
	}
	return s.cfg.PublishingInterval * time.Duration(count)
}

func (s *Subscription) dispatch() {
	window := s.keepAliveWindow()
	timer := time.NewTimer(window)
	defer timer.Stop()

	notes := s.remote.Notifications()
	for {
		select {
		case <-s.done:
			return
		case n, ok := <-notes:
			if !ok {
				s.terminate(fmt.Errorf("%w: notification stream closed", ErrTerminated))
				return
			}
			if n.Terminal {
				reason := n.Err
				if reason == nil {
					reason = fmt.Errorf("status 0x%08X", n.Status)
				}
				s.terminate(fmt.Errorf("%w: %w", ErrTerminated, reason))
				return
			}
			if n.Err != nil {
				log.Printf("Publish error on subscription %d: %v", s.ID(), n.Err)
				continue
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(window)
			s.route(n)
		case <-timer.C:
			if s.session.IsOpen() {
				s.emitKeepAlive()
			}
			timer.Reset(window)
		}
	}
}

func (s *Subscription) route(n Notification) {
	s.mu.Lock()
	item := s.item
	s.mu.Unlock()
	if item == nil || item.handle != n.ClientHandle {
		log.Printf("Dropping notification for unknown client handle %d", n.ClientHandle)
		return
	}
	item.deliver(n)
}

// emitKeepAlive never takes the last buffer slot, which is reserved for the
// Terminated event.
func (s *Subscription) emitKeepAlive() {
	metrics.SubscriptionKeepAlives.Inc()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.eventsClosed || len(s.events) >= cap(s.events)-1 {
		return
	}
	select {
	case s.events <- LifecycleEvent{Kind: KeepAlive, SubscriptionID: s.ID(), At: time.Now()}:
	default:
	}
}

func (s *Subscription) terminate(reason error) {
	s.termOnce.Do(func() {
		s.mu.Lock()
		if s.cancelling {
			reason = nil
		}
		if reason != nil {
			log.Printf("Subscription %d TERMINATED: %v", s.ID(), reason)
		}
		s.state = SubscriptionTerminated
		item := s.item
		s.eventsClosed = true
		s.events <- LifecycleEvent{Kind: Terminated, SubscriptionID: s.ID(), Reason: reason, At: time.Now()}
		close(s.events)
		s.mu.Unlock()

		close(s.done)
		if item == nil {
			return
		}
		// Changes reported before a server-side termination still reach
		// the consumer; an explicit Terminate discards them.
		if reason != nil {
			item.finish()
		} else {
			item.stop()
		}
	})
}
