// File: metrics/metrics.go
package metrics

import (
	"fmt"
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// WebSocket Metrics
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ws_connections_active",
		Help: "The current number of active WebSocket connections.",
	})
	TotalConnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ws_connections_total",
		Help: "The total number of WebSocket connections accepted.",
	})
	MessagesBroadcast = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ws_broadcasts_total",
		Help: "The total number of messages broadcast to all clients.",
	})
	MessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ws_messages_sent_total",
		Help: "The total number of messages written to clients.",
	})
	DeliveryFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_delivery_failures_total",
		Help: "The total number of per-client deliveries that were skipped or failed.",
	}, []string{"reason"})

	// OPC UA Metrics
	ConnectRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "opcua_connect_retries_total",
		Help: "The total number of connection retries to the OPC UA endpoint.",
	})
	NotificationsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "opcua_notifications_received_total",
		Help: "The total number of data change notifications received.",
	})
	NotificationsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "opcua_notifications_dropped_total",
		Help: "The total number of notifications discarded by monitored item queue overflow.",
	})
	SubscriptionKeepAlives = promauto.NewCounter(prometheus.CounterOpts{
		Name: "opcua_subscription_keepalives_total",
		Help: "The total number of keep-alive cycles without data changes.",
	})
	BridgeState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_state",
		Help: "The current lifecycle state of the bridge controller.",
	})

	// Relay Metrics
	RelayMessagesPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_messages_published_total",
		Help: "The total number of readings published to the relay broker.",
	}, []string{"broker_type"})
	RelayPublishRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_publish_retries_total",
		Help: "The total number of retries when publishing to the relay broker.",
	}, []string{"broker_type"})

	// Auth Metrics
	AuthSuccess = promauto.NewCounter(prometheus.CounterOpts{
		Name: "auth_success_total",
		Help: "The total number of successful authentications.",
	})
	AuthFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auth_failures_total",
		Help: "The total number of failed authentications.",
	}, []string{"reason"})
)

// StartServer starts the HTTP server for Prometheus metrics.
func StartServer(port int, path string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())

	addr := fmt.Sprintf(":%d", port)
	srv := &http.Server{Addr: addr, Handler: mux}
	log.Printf("Starting metrics server on %s%s", addr, path)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("Metrics server failed: %v", err)
		}
	}()
	return srv
}
