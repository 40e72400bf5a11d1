// Package server hosts the push channel and the health endpoint.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/votuanthanh/opcua-bridge/config"
)

// Health reports the bridge state for /healthz; healthy selects 200 over 503.
type Health func() (state string, healthy bool)

// ClientCloser is the part of the hub the server closes on shutdown.
type ClientCloser interface {
	CloseAll(reason string)
	Count() int
}

// Server is the HTTP server the push channel attaches to.
type Server struct {
	httpServer *http.Server
	clients    ClientCloser
}

// NewServer routes cfg.WSPath to ws and /healthz to health.
func NewServer(addr string, cfg config.ServerConfig, ws http.Handler, clients ClientCloser, health Health) *Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.WSPath, ws)
	mux.HandleFunc("/healthz", healthHandler(health, clients))

	return &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  time.Duration(cfg.ReadTimeout) * time.Second,
			WriteTimeout: time.Duration(cfg.WriteTimeout) * time.Second,
		},
		clients: clients,
	}
}

// Handler exposes the routing for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func healthHandler(health Health, clients ClientCloser) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		state, healthy := health()
		status := http.StatusOK
		if !healthy {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"state":   state,
			"clients": clients.Count(),
		})
	}
}

// Start serves until Shutdown. It returns nil after a graceful shutdown.
func (s *Server) Start() error {
	log.Printf("HTTP server listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown closes every push client, then stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Printf("Closing %d client connections", s.clients.Count())
	s.clients.CloseAll("Server shutting down")

	if err := s.httpServer.Shutdown(ctx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
		return err
	}
	log.Println("HTTP server stopped")
	return nil
}
