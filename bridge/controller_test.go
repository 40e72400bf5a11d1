package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/votuanthanh/opcua-bridge/broker"
	"github.com/votuanthanh/opcua-bridge/event"
	"github.com/votuanthanh/opcua-bridge/source"
	"github.com/votuanthanh/opcua-bridge/source/sourcetest"
)

const (
	testEndpoint = "opc.tcp://plc.local:4840"
	testNodeID   = `ns=1;s="Device_1"."Variable_1"`
)

func testConfig() Config {
	return Config{
		Target:     source.Target{NodeID: testNodeID, AttributeID: source.AttributeValue},
		BrowseName: "Temperature",
		Subscription: source.SubscriptionConfig{
			PublishingInterval:         time.Second,
			MaxKeepAliveCount:          10,
			LifetimeCount:              30,
			MaxNotificationsPerPublish: 1000,
			PublishingEnabled:          true,
			Priority:                   10,
		},
		Sampling: source.SamplingConfig{
			SamplingInterval: 100 * time.Millisecond,
			DiscardOldest:    true,
			QueueSize:        100,
		},
		Timestamps:      source.TimestampsBoth,
		TeardownTimeout: time.Second,
	}
}

func fastPolicy() source.RetryPolicy {
	return source.RetryPolicy{
		Strategy:        source.StrategyExponential,
		InitialInterval: time.Millisecond,
		MaxInterval:     10 * time.Millisecond,
		Multiplier:      2,
	}
}

type recordingHub struct {
	mu     sync.Mutex
	events []event.Envelope
}

func (h *recordingHub) Broadcast(env event.Envelope) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, env)
	return 1
}

func (h *recordingHub) Readings() []event.Reading {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []event.Reading
	for _, env := range h.events {
		if r, ok := env.Data.(event.Reading); ok && env.Event == event.NameMessage {
			out = append(out, r)
		}
	}
	return out
}

type recordingPublisher struct {
	mu       sync.Mutex
	channels []string
	messages []broker.Message
}

func (p *recordingPublisher) Publish(ctx context.Context, channel string, message broker.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.channels = append(p.channels, channel)
	p.messages = append(p.messages, message)
	return nil
}

func (p *recordingPublisher) Type() string { return "recording" }

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) Messages() []broker.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]broker.Message(nil), p.messages...)
}

type stateRecorder struct {
	mu     sync.Mutex
	states []State
}

func (r *stateRecorder) observe(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *stateRecorder) all() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

func newController(t *testing.T, driver *sourcetest.FakeDriver, hub Broadcaster, opts ...Option) *Controller {
	t.Helper()
	m := source.NewManager(driver, testEndpoint, fastPolicy(), nil)
	return New(testConfig(), m, hub, opts...)
}

func TestController_StartupOrdering(t *testing.T) {
	driver := sourcetest.NewFakeDriver()
	driver.ConnectFailures = 2
	rec := &stateRecorder{}
	c := newController(t, driver, &recordingHub{}, WithStateObserver(rec.observe))

	require.NoError(t, c.Start(context.Background()))
	defer c.Shutdown(context.Background())

	assert.Equal(t, []string{
		sourcetest.CallConnect,
		sourcetest.CallConnect,
		sourcetest.CallConnect,
		sourcetest.CallOpenSession,
		sourcetest.CallSubscribe,
		sourcetest.CallMonitor,
	}, driver.Calls())
	assert.Equal(t, []State{Connecting, SessionOpening, SubscriptionCreating, Monitoring}, rec.all())
	assert.Equal(t, Monitoring, c.State())

	sub := driver.LastSubscription()
	require.NotNil(t, sub)
	req := sub.Request()
	require.NotNil(t, req)
	assert.Equal(t, testNodeID, req.Target.NodeID)
	assert.Equal(t, source.AttributeValue, req.Target.AttributeID)
	assert.Equal(t, 100, req.Sampling.QueueSize)
	assert.True(t, req.Sampling.DiscardOldest)
	assert.Equal(t, source.TimestampsBoth, req.Timestamps)
	assert.Equal(t, time.Second, sub.Config().PublishingInterval)
}

func TestController_StartTwice(t *testing.T) {
	driver := sourcetest.NewFakeDriver()
	c := newController(t, driver, &recordingHub{})

	require.NoError(t, c.Start(context.Background()))
	defer c.Shutdown(context.Background())
	assert.ErrorIs(t, c.Start(context.Background()), ErrAlreadyStarted)
}

func TestController_ShutdownIsIdempotent(t *testing.T) {
	driver := sourcetest.NewFakeDriver()
	c := newController(t, driver, &recordingHub{})
	require.NoError(t, c.Start(context.Background()))

	require.NoError(t, c.Shutdown(context.Background()))
	require.NoError(t, c.Shutdown(context.Background()))

	assert.Equal(t, 1, driver.Count(sourcetest.CallCancel))
	assert.Equal(t, 1, driver.Count(sourcetest.CallCloseSession))
	assert.Equal(t, 1, driver.Count(sourcetest.CallClose))

	calls := driver.Calls()
	assert.Equal(t, []string{
		sourcetest.CallCancel,
		sourcetest.CallCloseSession,
		sourcetest.CallClose,
	}, calls[len(calls)-3:], "teardown runs in reverse creation order")
	assert.Equal(t, Stopped, c.State())

	select {
	case <-c.Done():
	default:
		t.Fatal("Done should be closed after shutdown")
	}
}

func TestController_ConcurrentShutdown(t *testing.T) {
	driver := sourcetest.NewFakeDriver()
	c := newController(t, driver, &recordingHub{})
	require.NoError(t, c.Start(context.Background()))

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, c.Shutdown(context.Background()))
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, driver.Count(sourcetest.CallCancel))
	assert.Equal(t, 1, driver.Count(sourcetest.CallClose))
}

func TestController_ShutdownUsesOwnDeadline(t *testing.T) {
	driver := sourcetest.NewFakeDriver()
	c := newController(t, driver, &recordingHub{})
	require.NoError(t, c.Start(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, c.Shutdown(ctx))
	assert.Equal(t, 1, driver.Count(sourcetest.CallClose))
}

func TestController_StartFailures(t *testing.T) {
	testCases := []struct {
		name     string
		setup    func(d *sourcetest.FakeDriver)
		wantErr  error
		wantTail []string
	}{
		{
			name:     "session rejected",
			setup:    func(d *sourcetest.FakeDriver) { d.SessionErr = errors.New("BadTooManySessions") },
			wantErr:  source.ErrSession,
			wantTail: []string{sourcetest.CallOpenSession, sourcetest.CallClose},
		},
		{
			name:     "subscription rejected",
			setup:    func(d *sourcetest.FakeDriver) { d.SubscribeErr = errors.New("BadTooManySubscriptions") },
			wantErr:  source.ErrSubscription,
			wantTail: []string{sourcetest.CallSubscribe, sourcetest.CallCloseSession, sourcetest.CallClose},
		},
		{
			name:    "monitor rejected",
			setup:   func(d *sourcetest.FakeDriver) { d.MonitorErr = errors.New("BadNodeIdUnknown") },
			wantErr: source.ErrMonitor,
			wantTail: []string{
				sourcetest.CallMonitor,
				sourcetest.CallCancel,
				sourcetest.CallCloseSession,
				sourcetest.CallClose,
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			driver := sourcetest.NewFakeDriver()
			tc.setup(driver)
			c := newController(t, driver, &recordingHub{})

			err := c.Start(context.Background())
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.wantErr)
			assert.Equal(t, Failed, c.State())

			calls := driver.Calls()
			require.GreaterOrEqual(t, len(calls), len(tc.wantTail))
			assert.Equal(t, tc.wantTail, calls[len(calls)-len(tc.wantTail):])

			// Shutdown after a failed start has nothing left to do.
			require.NoError(t, c.Shutdown(context.Background()))
			assert.Equal(t, Failed, c.State())
			assert.Equal(t, calls, driver.Calls())
		})
	}
}

func TestController_ConnectGivesUp(t *testing.T) {
	driver := sourcetest.NewFakeDriver()
	driver.ConnectFailures = 100
	policy := fastPolicy()
	policy.MaxRetries = 2
	m := source.NewManager(driver, testEndpoint, policy, nil)
	c := New(testConfig(), m, &recordingHub{})

	err := c.Start(context.Background())
	assert.ErrorIs(t, err, source.ErrConnect)
	assert.Equal(t, Failed, c.State())
	assert.Equal(t, 3, driver.Count(sourcetest.CallConnect))
}

func TestController_ShutdownDuringConnectRetries(t *testing.T) {
	driver := sourcetest.NewFakeDriver()
	driver.ConnectFailures = 1 << 30
	c := newController(t, driver, &recordingHub{})

	startErr := make(chan error, 1)
	go func() { startErr <- c.Start(context.Background()) }()

	require.Eventually(t, func() bool { return driver.Count(sourcetest.CallConnect) > 2 }, time.Second, time.Millisecond)
	require.NoError(t, c.Shutdown(context.Background()))

	select {
	case err := <-startErr:
		assert.ErrorIs(t, err, source.ErrConnect)
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Shutdown")
	}
	assert.Equal(t, Failed, c.State())
}

func TestController_ShutdownBeforeStart(t *testing.T) {
	driver := sourcetest.NewFakeDriver()
	c := newController(t, driver, &recordingHub{})

	require.NoError(t, c.Shutdown(context.Background()))
	assert.Equal(t, Stopped, c.State())
	assert.ErrorIs(t, c.Start(context.Background()), ErrShuttingDown)
	assert.Empty(t, driver.Calls())
}

func TestController_RunRequiresMonitoring(t *testing.T) {
	c := newController(t, sourcetest.NewFakeDriver(), &recordingHub{})
	assert.ErrorIs(t, c.Run(context.Background()), ErrNotMonitoring)
}

func runController(ctx context.Context, t *testing.T, c *Controller) <-chan error {
	t.Helper()
	require.NoError(t, c.Start(context.Background()))
	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(ctx) }()
	return errCh
}

func waitRun(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
		return nil
	}
}

func TestController_RelaysInOrder(t *testing.T) {
	driver := sourcetest.NewFakeDriver()
	hub := &recordingHub{}
	pub := &recordingPublisher{}
	c := newController(t, driver, hub, WithRelay(pub, "opcua-readings", "bridge-1"))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := runController(ctx, t, c)

	t1 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(150 * time.Millisecond)
	sub := driver.LastSubscription()
	require.True(t, sub.Publish(25.0, t1))
	require.True(t, sub.Publish(25.3, t2))

	require.Eventually(t, func() bool { return len(hub.Readings()) == 2 }, time.Second, 5*time.Millisecond)
	readings := hub.Readings()
	assert.Equal(t, 25.0, readings[0].Value)
	assert.True(t, t1.Equal(readings[0].Timestamp))
	assert.Equal(t, 25.3, readings[1].Value)
	assert.True(t, t2.Equal(readings[1].Timestamp))
	for _, r := range readings {
		assert.Equal(t, testNodeID, r.NodeID)
		assert.Equal(t, "Temperature", r.BrowseName)
	}

	require.Eventually(t, func() bool { return len(pub.Messages()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "bridge-1", pub.Messages()[0].InstanceID)
	assert.Equal(t, 25.3, pub.Messages()[1].Reading.Value)

	cancel()
	assert.NoError(t, waitRun(t, errCh))
	assert.Equal(t, Stopped, c.State())
	assert.Equal(t, 1, driver.Count(sourcetest.CallCancel))
}

func TestController_ServerTerminationShutsDown(t *testing.T) {
	driver := sourcetest.NewFakeDriver()
	c := newController(t, driver, &recordingHub{})
	errCh := runController(context.Background(), t, c)

	driver.LastSubscription().Terminate(0x80280000) // BadSubscriptionIdInvalid

	err := waitRun(t, errCh)
	assert.ErrorIs(t, err, source.ErrTerminated)
	assert.Equal(t, Stopped, c.State())
	assert.Equal(t, 1, driver.Count(sourcetest.CallCloseSession))
	assert.Equal(t, 1, driver.Count(sourcetest.CallClose))
	assert.Equal(t, 0, driver.Count(sourcetest.CallCancel), "a terminated subscription is not cancelled again")
}

func TestController_ServerTerminationDeliversPendingChanges(t *testing.T) {
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	for run := 0; run < 20; run++ {
		driver := sourcetest.NewFakeDriver()
		hub := &recordingHub{}
		c := newController(t, driver, hub)
		errCh := runController(context.Background(), t, c)

		sub := driver.LastSubscription()
		for i := 0; i < 5; i++ {
			require.True(t, sub.Publish(float64(i), base.Add(time.Duration(i)*time.Millisecond)))
		}
		sub.Terminate(0x80280000) // BadSubscriptionIdInvalid

		assert.ErrorIs(t, waitRun(t, errCh), source.ErrTerminated)
		readings := hub.Readings()
		require.Len(t, readings, 5, "run %d", run)
		for i, r := range readings {
			assert.Equal(t, float64(i), r.Value)
			assert.True(t, base.Add(time.Duration(i)*time.Millisecond).Equal(r.Timestamp))
		}
	}
}

func TestController_SessionLossShutsDown(t *testing.T) {
	driver := sourcetest.NewFakeDriver()
	c := newController(t, driver, &recordingHub{})
	errCh := runController(context.Background(), t, c)

	driver.LastSubscription().Close()

	assert.ErrorIs(t, waitRun(t, errCh), source.ErrTerminated)
	assert.Equal(t, Stopped, c.State())
}
