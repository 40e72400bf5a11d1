package source

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/votuanthanh/opcua-bridge/metrics"
)

// AttributeValue is the OPC UA Value attribute id.
const AttributeValue uint32 = 13

// Target identifies the monitored variable.
type Target struct {
	NodeID      string
	AttributeID uint32
}

// SamplingConfig holds the per-item sampling and queueing parameters.
type SamplingConfig struct {
	SamplingInterval time.Duration
	DiscardOldest    bool
	QueueSize        int
}

// TimestampPolicy selects the timestamps the server returns with each value.
// The numbering matches OPC UA's TimestampsToReturn.
type TimestampPolicy int

const (
	TimestampsSource TimestampPolicy = iota
	TimestampsServer
	TimestampsBoth
)

// ParseTimestampPolicy accepts "source", "server" or "both".
func ParseTimestampPolicy(s string) (TimestampPolicy, error) {
	switch strings.ToLower(s) {
	case "source":
		return TimestampsSource, nil
	case "server":
		return TimestampsServer, nil
	case "both", "":
		return TimestampsBoth, nil
	default:
		return 0, fmt.Errorf("invalid timestamp policy %q", s)
	}
}

func (p TimestampPolicy) String() string {
	switch p {
	case TimestampsSource:
		return "source"
	case TimestampsServer:
		return "server"
	case TimestampsBoth:
		return "both"
	default:
		return "unknown"
	}
}

// ChangeEvent is one data change reported for the monitored item.
type ChangeEvent struct {
	NodeID          string
	Value           interface{}
	Status          uint32
	ServerTimestamp time.Time
	SourceTimestamp time.Time
}

// Timestamp prefers the server timestamp and falls back to the source one.
func (e ChangeEvent) Timestamp() time.Time {
	if !e.ServerTimestamp.IsZero() {
		return e.ServerTimestamp
	}
	return e.SourceTimestamp
}

// MonitoredItem is one (node, attribute) registration on a Subscription.
// Its event stream starts with the registration and ends for good when the
// subscription terminates. Up to QueueSize events wait in the queue, plus
// the one the pump is handing to a consumer that is not reading.
type MonitoredItem struct {
	target     Target
	sampling   SamplingConfig
	timestamps TimestampPolicy
	handle     uint32
	id         uint32

	queue     *Queue
	out       chan ChangeEvent
	done      chan struct{}
	closeOnce sync.Once
}

func newMonitoredItem(target Target, sampling SamplingConfig, ts TimestampPolicy, handle uint32) *MonitoredItem {
	m := &MonitoredItem{
		target:     target,
		sampling:   sampling,
		timestamps: ts,
		handle:     handle,
		queue:      NewQueue(sampling.QueueSize, sampling.DiscardOldest),
		out:        make(chan ChangeEvent),
		done:       make(chan struct{}),
	}
	go m.pump()
	return m
}

// Events returns the change stream. It is closed once the item stops.
func (m *MonitoredItem) Events() <-chan ChangeEvent {
	return m.out
}

// Target returns the monitored target.
func (m *MonitoredItem) Target() Target {
	return m.target
}

// ID returns the server-assigned monitored item id.
func (m *MonitoredItem) ID() uint32 {
	return m.id
}

// Dropped returns the number of notifications lost to queue overflow.
func (m *MonitoredItem) Dropped() uint64 {
	return m.queue.Dropped()
}

func (m *MonitoredItem) deliver(n Notification) {
	ev := ChangeEvent{
		NodeID:          m.target.NodeID,
		Value:           n.Value,
		Status:          n.Status,
		ServerTimestamp: n.ServerTimestamp,
		SourceTimestamp: n.SourceTimestamp,
	}
	if m.queue.Push(ev) {
		metrics.NotificationsDropped.Inc()
	}
	metrics.NotificationsReceived.Inc()
}

func (m *MonitoredItem) pump() {
	defer close(m.out)
	for {
		select {
		case <-m.done:
			return
		default:
		}
		ev, ok := m.queue.Pop(m.done)
		if !ok {
			return
		}
		select {
		case m.out <- ev:
		case <-m.done:
			return
		}
	}
}

// finish lets the pump hand over what is queued before closing Events.
func (m *MonitoredItem) finish() {
	m.queue.Close()
}

// stop closes Events without handing over what is still queued.
func (m *MonitoredItem) stop() {
	m.closeOnce.Do(func() {
		close(m.done)
	})
}
