package source

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"
)

// GopcuaConfig configures the gopcua-backed driver.
type GopcuaConfig struct {
	Endpoint           string
	SecurityPolicy     string
	SecurityMode       string
	ApplicationURI     string
	RequestTimeout     time.Duration
	SessionTimeout     time.Duration
	AutoReconnect      bool
	ReconnectInterval  time.Duration
	NotificationBuffer int
}

// GopcuaDriver implements Driver on top of github.com/gopcua/opcua.
//
// gopcua creates and activates the session as part of Client.Connect, so
// OpenSession only verifies that the activated session is present. The
// session is still released explicitly through CloseSession before Close.
type GopcuaDriver struct {
	cfg GopcuaConfig

	mu     sync.Mutex
	client *opcua.Client
}

var _ Driver = (*GopcuaDriver)(nil)

// NewGopcuaDriver creates a driver for the configured endpoint.
func NewGopcuaDriver(cfg GopcuaConfig) *GopcuaDriver {
	if cfg.SecurityPolicy == "" {
		cfg.SecurityPolicy = "None"
	}
	if cfg.SecurityMode == "" {
		cfg.SecurityMode = "None"
	}
	if cfg.NotificationBuffer < 1 {
		cfg.NotificationBuffer = 256
	}
	return &GopcuaDriver{cfg: cfg}
}

func (d *GopcuaDriver) options() []opcua.Option {
	opts := []opcua.Option{
		opcua.SecurityPolicy(d.cfg.SecurityPolicy),
		opcua.SecurityModeString(d.cfg.SecurityMode),
		opcua.AuthAnonymous(),
		opcua.AutoReconnect(d.cfg.AutoReconnect),
	}
	if d.cfg.ReconnectInterval > 0 {
		opts = append(opts, opcua.ReconnectInterval(d.cfg.ReconnectInterval))
	}
	if d.cfg.RequestTimeout > 0 {
		opts = append(opts, opcua.RequestTimeout(d.cfg.RequestTimeout))
	}
	if d.cfg.SessionTimeout > 0 {
		opts = append(opts, opcua.SessionTimeout(d.cfg.SessionTimeout))
	}
	if d.cfg.ApplicationURI != "" {
		opts = append(opts, opcua.ApplicationURI(d.cfg.ApplicationURI))
	}
	return opts
}

func (d *GopcuaDriver) current() *opcua.Client {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.client
}

// Connect dials the endpoint directly; no endpoint discovery is required.
func (d *GopcuaDriver) Connect(ctx context.Context) error {
	client, err := opcua.NewClient(d.cfg.Endpoint, d.options()...)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	if err := client.Connect(ctx); err != nil {
		// release the half-open channel so retries do not pile up server sessions
		_ = client.Close(context.Background())
		return err
	}

	d.mu.Lock()
	d.client = client
	d.mu.Unlock()
	return nil
}

func (d *GopcuaDriver) OpenSession(ctx context.Context) error {
	c := d.current()
	if c == nil {
		return ErrNotConnected
	}
	if state := c.State(); state != opcua.Connected {
		return fmt.Errorf("client state %v: %w", state, ErrNotConnected)
	}
	if c.Session() == nil {
		return ua.StatusBadSessionClosed
	}
	return nil
}

func (d *GopcuaDriver) CloseSession(ctx context.Context) error {
	c := d.current()
	if c == nil {
		return nil
	}
	return c.CloseSession(ctx)
}

func (d *GopcuaDriver) Close(ctx context.Context) error {
	d.mu.Lock()
	c := d.client
	d.client = nil
	d.mu.Unlock()
	if c == nil {
		return nil
	}
	return c.Close(ctx)
}

func (d *GopcuaDriver) Subscribe(ctx context.Context, cfg SubscriptionConfig) (RemoteSubscription, error) {
	c := d.current()
	if c == nil {
		return nil, ErrNotConnected
	}
	if !cfg.PublishingEnabled {
		log.Printf("gopcua creates subscriptions with publishing enabled; ignoring publishingEnabled=false")
	}

	in := make(chan *opcua.PublishNotificationData, d.cfg.NotificationBuffer)
	sub, err := c.Subscribe(ctx, &opcua.SubscriptionParameters{
		Interval:                   cfg.PublishingInterval,
		LifetimeCount:              cfg.LifetimeCount,
		MaxKeepAliveCount:          cfg.MaxKeepAliveCount,
		MaxNotificationsPerPublish: cfg.MaxNotificationsPerPublish,
		Priority:                   cfg.Priority,
	}, in)
	if err != nil {
		return nil, err
	}

	rs := &gopcuaSubscription{
		sub:  sub,
		in:   in,
		out:  make(chan Notification, d.cfg.NotificationBuffer),
		done: make(chan struct{}),
	}
	go rs.translate()
	return rs, nil
}

type gopcuaSubscription struct {
	sub  *opcua.Subscription
	in   chan *opcua.PublishNotificationData
	out  chan Notification
	done chan struct{}
	once sync.Once
}

func (s *gopcuaSubscription) ID() uint32 {
	return s.sub.SubscriptionID
}

func (s *gopcuaSubscription) Notifications() <-chan Notification {
	return s.out
}

func (s *gopcuaSubscription) Monitor(ctx context.Context, req MonitorRequest) (uint32, error) {
	mreq, err := monitorRequest(req)
	if err != nil {
		return 0, err
	}

	res, err := s.sub.Monitor(ctx, timestampsToReturn(req.Timestamps), mreq)
	if err != nil {
		return 0, err
	}
	if len(res.Results) == 0 {
		return 0, errors.New("empty create monitored items response")
	}
	if status := res.Results[0].StatusCode; status != ua.StatusOK {
		return 0, status
	}
	return res.Results[0].MonitoredItemID, nil
}

// monitorRequest converts req to the wire request; OPC UA expresses the
// sampling interval in milliseconds.
func monitorRequest(req MonitorRequest) (*ua.MonitoredItemCreateRequest, error) {
	nodeID, err := ua.ParseNodeID(req.Target.NodeID)
	if err != nil {
		return nil, fmt.Errorf("parse node id: %w", err)
	}
	mreq := opcua.NewMonitoredItemCreateRequestWithDefaults(nodeID, ua.AttributeID(req.Target.AttributeID), req.ClientHandle)
	mreq.RequestedParameters.SamplingInterval = float64(req.Sampling.SamplingInterval) / float64(time.Millisecond)
	mreq.RequestedParameters.QueueSize = uint32(req.Sampling.QueueSize)
	mreq.RequestedParameters.DiscardOldest = req.Sampling.DiscardOldest
	return mreq, nil
}

func timestampsToReturn(p TimestampPolicy) ua.TimestampsToReturn {
	switch p {
	case TimestampsSource:
		return ua.TimestampsToReturnSource
	case TimestampsServer:
		return ua.TimestampsToReturnServer
	default:
		return ua.TimestampsToReturnBoth
	}
}

func (s *gopcuaSubscription) Cancel(ctx context.Context) error {
	err := s.sub.Cancel(ctx)
	s.once.Do(func() {
		close(s.done)
	})
	return err
}

func (s *gopcuaSubscription) translate() {
	defer close(s.out)
	for {
		select {
		case <-s.done:
			return
		case data := <-s.in:
			if data == nil {
				continue
			}
			if data.Error != nil {
				s.emit(Notification{Err: data.Error, Terminal: isTerminalStatus(data.Error)})
				continue
			}
			switch x := data.Value.(type) {
			case *ua.DataChangeNotification:
				for _, item := range x.MonitoredItems {
					if item == nil || item.Value == nil {
						continue
					}
					n := Notification{
						ClientHandle:    item.ClientHandle,
						Status:          uint32(item.Value.Status),
						ServerTimestamp: item.Value.ServerTimestamp,
						SourceTimestamp: item.Value.SourceTimestamp,
					}
					if item.Value.Value != nil {
						n.Value = item.Value.Value.Value()
					}
					s.emit(n)
				}
			case *ua.StatusChangeNotification:
				if x.Status != ua.StatusOK {
					s.emit(Notification{Terminal: true, Status: uint32(x.Status), Err: x.Status})
				}
			}
		}
	}
}

func (s *gopcuaSubscription) emit(n Notification) {
	select {
	case s.out <- n:
	case <-s.done:
	}
}

func isTerminalStatus(err error) bool {
	return errors.Is(err, ua.StatusBadSubscriptionIDInvalid) ||
		errors.Is(err, ua.StatusBadNoSubscription) ||
		errors.Is(err, ua.StatusBadSessionClosed) ||
		errors.Is(err, ua.StatusBadSessionIDInvalid)
}
