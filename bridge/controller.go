// Package bridge drives the OPC UA subscription lifecycle and relays every
// change of the monitored variable to the push clients.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/votuanthanh/opcua-bridge/broker"
	"github.com/votuanthanh/opcua-bridge/event"
	"github.com/votuanthanh/opcua-bridge/metrics"
	"github.com/votuanthanh/opcua-bridge/source"
)

const (
	relayBuffer  = 64
	relayTimeout = 10 * time.Second
)

var (
	ErrAlreadyStarted = errors.New("bridge already started")
	ErrNotMonitoring  = errors.New("bridge is not monitoring")
	ErrShuttingDown   = errors.New("bridge is shutting down")
)

// Broadcaster fans an event out to the connected clients.
type Broadcaster interface {
	Broadcast(env event.Envelope) int
}

// Option configures a Controller.
type Option func(*Controller)

// WithRelay also publishes every reading to channel on p.
func WithRelay(p broker.Publisher, channel, instanceID string) Option {
	return func(c *Controller) {
		c.relay = p
		c.relayChannel = channel
		c.instanceID = instanceID
	}
}

// WithStateObserver registers fn to be called after every state change.
func WithStateObserver(fn func(State)) Option {
	return func(c *Controller) {
		c.observer = fn
	}
}

// Controller owns the connection, session, subscription and monitored item
// and tears them down in reverse order.
type Controller struct {
	cfg     Config
	manager *source.Manager
	hub     Broadcaster

	relay        broker.Publisher
	relayChannel string
	instanceID   string
	observer     func(State)

	mu      sync.Mutex
	state   State
	started bool
	conn    *source.Connection
	session *source.Session
	sub     *source.Subscription
	item    *source.MonitoredItem

	// life is cancelled by Shutdown so that a Start still retrying gives up.
	life       context.Context
	lifeCancel context.CancelFunc
	startDone  chan struct{}

	shutdownOnce sync.Once
	shutdownErr  error
	doneOnce     sync.Once
	done         chan struct{}
}

// New creates a controller in the Starting state.
func New(cfg Config, manager *source.Manager, hub Broadcaster, opts ...Option) *Controller {
	life, cancel := context.WithCancel(context.Background())
	c := &Controller{
		cfg:        cfg,
		manager:    manager,
		hub:        hub,
		state:      Starting,
		life:       life,
		lifeCancel: cancel,
		startDone:  make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	metrics.BridgeState.Set(float64(Starting))
	return c
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed once the controller is Stopped or Failed.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	if prev == s {
		return
	}

	log.Printf("Bridge state %s -> %s", prev, s)
	metrics.BridgeState.Set(float64(s))
	if c.observer != nil {
		c.observer(s)
	}
	if s.Terminal() {
		c.doneOnce.Do(func() { close(c.done) })
	}
}

// Start connects, opens the session, creates the subscription and registers
// the monitored item, strictly in that order. Any failure tears down what
// was created and leaves the controller Failed.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	c.mu.Unlock()
	defer close(c.startDone)
	if c.life.Err() != nil {
		return ErrShuttingDown
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.life, cancel)
	defer stop()

	c.setState(Connecting)
	conn, err := c.manager.Connect(ctx)
	if err != nil {
		return c.fail(err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.setState(SessionOpening)
	session, err := source.OpenSession(ctx, conn)
	if err != nil {
		return c.fail(err)
	}
	c.mu.Lock()
	c.session = session
	c.mu.Unlock()

	c.setState(SubscriptionCreating)
	if !c.cfg.Subscription.PublishingEnabled {
		log.Printf("Subscription requested with publishing disabled; the client library always enables publishing")
	}
	sub, err := source.CreateSubscription(ctx, session, c.cfg.Subscription)
	if err != nil {
		return c.fail(err)
	}
	c.mu.Lock()
	c.sub = sub
	c.mu.Unlock()

	item, err := sub.Monitor(ctx, c.cfg.Target, c.cfg.Sampling, c.cfg.Timestamps)
	if err != nil {
		return c.fail(err)
	}
	c.mu.Lock()
	c.item = item
	c.mu.Unlock()

	if err := c.life.Err(); err != nil {
		return c.fail(fmt.Errorf("%w: %w", ErrShuttingDown, err))
	}
	c.setState(Monitoring)
	log.Printf("Monitoring %s (%s) on %s", c.cfg.Target.NodeID, c.cfg.BrowseName, conn.Endpoint())
	return nil
}

func (c *Controller) fail(err error) error {
	log.Printf("Bridge startup failed: %v", err)
	tctx, cancel := c.teardownContext(context.Background())
	defer cancel()
	if terr := c.teardown(tctx); terr != nil {
		log.Printf("Teardown after failed startup: %v", terr)
	}
	c.setState(Failed)
	return err
}

// Run relays change events until ctx is cancelled or the subscription
// terminates, then shuts down. It returns the termination reason when the
// subscription ended on its own.
func (c *Controller) Run(ctx context.Context) error {
	c.mu.Lock()
	state, sub, item := c.state, c.sub, c.item
	c.mu.Unlock()
	if state != Monitoring {
		return fmt.Errorf("%w: %s", ErrNotMonitoring, state)
	}

	relayed := make(chan event.Reading, relayBuffer)
	var wg sync.WaitGroup
	if c.relay != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.relayLoop(relayed)
		}()
	}
	defer func() {
		close(relayed)
		wg.Wait()
	}()

	changes := item.Events()
	lifecycle := sub.Events()
	for {
		select {
		case <-ctx.Done():
			log.Printf("Shutdown requested: %v", ctx.Err())
			return c.Shutdown(context.Background())

		case ev, ok := <-changes:
			if !ok {
				// The item stops with its subscription; Terminated follows
				// or has already been received.
				changes = nil
				continue
			}
			c.forward(ev, relayed)

		case lev, ok := <-lifecycle:
			if !ok {
				return c.Shutdown(context.Background())
			}
			switch lev.Kind {
			case source.KeepAlive:
				log.Printf("Subscription %d keep-alive", lev.SubscriptionID)
			case source.Terminated:
				log.Printf("Subscription %d terminated: %v", lev.SubscriptionID, lev.Reason)
				// Changes the server reported before ending the subscription
				// are still flushed; Events closes after the last one.
				if changes != nil {
					for ev := range changes {
						c.forward(ev, relayed)
					}
				}
				if err := c.Shutdown(context.Background()); err != nil {
					return errors.Join(lev.Reason, err)
				}
				return lev.Reason
			}
		}
	}
}

func (c *Controller) forward(ev source.ChangeEvent, relayed chan<- event.Reading) {
	reading := event.Reading{
		Value:      ev.Value,
		Timestamp:  ev.Timestamp(),
		NodeID:     ev.NodeID,
		BrowseName: c.cfg.BrowseName,
	}
	log.Printf("%s changed to %v at %s", c.cfg.BrowseName, reading.Value, reading.Timestamp.Format(time.RFC3339Nano))
	c.hub.Broadcast(event.Message(reading))

	if c.relay == nil {
		return
	}
	select {
	case relayed <- reading:
	default:
		metrics.DeliveryFailures.WithLabelValues("relay_full").Inc()
		log.Printf("Relay buffer full, dropping reading from %s", reading.Timestamp.Format(time.RFC3339Nano))
	}
}

func (c *Controller) relayLoop(readings <-chan event.Reading) {
	for r := range readings {
		ctx, cancel := context.WithTimeout(context.Background(), relayTimeout)
		err := c.relay.Publish(ctx, c.relayChannel, broker.Message{InstanceID: c.instanceID, Reading: r})
		cancel()
		if err != nil {
			log.Printf("Failed to relay reading via %s: %v", c.relay.Type(), err)
		}
	}
}

// Shutdown terminates the subscription, closes the session and disconnects.
// Only the first call tears down; later calls return the same result.
// The teardown runs under its own timeout even if ctx is already cancelled.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.shutdownOnce.Do(func() {
		c.lifeCancel()

		c.mu.Lock()
		started := c.started
		c.mu.Unlock()
		if started {
			<-c.startDone
		}

		if c.State() == Failed {
			return
		}
		c.setState(ShuttingDown)

		tctx, cancel := c.teardownContext(ctx)
		defer cancel()
		c.shutdownErr = c.teardown(tctx)
		if c.shutdownErr != nil {
			log.Printf("Bridge teardown finished with errors: %v", c.shutdownErr)
		}
		c.setState(Stopped)
	})
	return c.shutdownErr
}

func (c *Controller) teardownContext(parent context.Context) (context.Context, context.CancelFunc) {
	timeout := c.cfg.TeardownTimeout
	if timeout <= 0 {
		timeout = defaultTeardownTimeout
	}
	return context.WithTimeout(context.WithoutCancel(parent), timeout)
}

// teardown releases whatever exists in reverse creation order. The
// monitored item stops together with its subscription.
func (c *Controller) teardown(ctx context.Context) error {
	c.mu.Lock()
	sub, session, conn := c.sub, c.session, c.conn
	c.sub, c.item, c.session, c.conn = nil, nil, nil, nil
	c.mu.Unlock()

	var errs []error
	if sub != nil {
		if err := sub.Terminate(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if session != nil {
		if err := session.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if conn != nil {
		if err := c.manager.Disconnect(ctx, conn); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
