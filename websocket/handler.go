package websocket

import (
	"errors"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/votuanthanh/opcua-bridge/config"
	"github.com/votuanthanh/opcua-bridge/event"
	"github.com/votuanthanh/opcua-bridge/metrics"
)

// Handler upgrades HTTP requests to push connections.
type Handler struct {
	hub          *Hub
	jwtValidator *JWTValidator
	authConfig   *config.AuthConfig
	wsConfig     *config.WebSocketConfig
	upgrader     websocket.Upgrader
}

// NewHandler creates a new websocket handler. jwtValidator may be nil when
// auth is disabled.
func NewHandler(hub *Hub, jwtValidator *JWTValidator, authConfig *config.AuthConfig, wsConfig *config.WebSocketConfig) *Handler {
	h := &Handler{
		hub:          hub,
		jwtValidator: jwtValidator,
		authConfig:   authConfig,
		wsConfig:     wsConfig,
	}
	h.upgrader = websocket.Upgrader{
		HandshakeTimeout: time.Duration(wsConfig.HandshakeTimeout) * time.Second,
		CheckOrigin:      originChecker(wsConfig.AllowedOrigins),
	}
	return h
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(r *http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(r *http.Request) bool { return true }
		}
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.HandleWebSocket(w, r)
}

// HandleWebSocket handles incoming websocket connections
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	var claims *ReadingClaims
	var err error

	if h.authConfig.Enabled {
		if h.jwtValidator == nil {
			log.Printf("Auth Error: Auth is enabled but JWT validator is not initialized.")
			http.Error(w, "Internal server configuration error", http.StatusInternalServerError)
			return
		}

		tokenString := r.URL.Query().Get(h.authConfig.TokenQueryParam)
		if tokenString == "" {
			log.Printf("Auth Error: Missing token in request from %s", r.RemoteAddr)
			metrics.AuthFailures.WithLabelValues("missing_token").Inc()
			http.Error(w, "Missing authentication token", http.StatusUnauthorized)
			return
		}

		claims, err = h.jwtValidator.ValidateToken(r.Context(), tokenString)
		if err != nil {
			reason := "invalid_token"
			if errors.Is(err, ErrTokenRevoked) {
				reason = "revoked"
			}
			log.Printf("Auth Error: Invalid token from %s. Reason: %v", r.RemoteAddr, err)
			metrics.AuthFailures.WithLabelValues(reason).Inc()
			http.Error(w, "Invalid authentication token", http.StatusUnauthorized)
			return
		}

		if err := h.jwtValidator.Authorize(claims); err != nil {
			log.Printf("Authorization DENIED for %s: %v", claims.Subject, err)
			metrics.AuthFailures.WithLabelValues("forbidden").Inc()
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		metrics.AuthSuccess.Inc()
		log.Printf("Client authenticated successfully. Subject: %s", claims.Subject)
	}

	if limit := h.wsConfig.MaxConnections; limit > 0 && h.hub.Count() >= limit {
		metrics.DeliveryFailures.WithLabelValues("capacity").Inc()
		http.Error(w, "Too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}
	if h.wsConfig.MessageSizeLimit > 0 {
		conn.SetReadLimit(int64(h.wsConfig.MessageSizeLimit))
	}

	// Use subject from JWT as clientID if available, otherwise generate a new one.
	var clientID string
	if claims != nil && claims.Subject != "" {
		clientID = claims.Subject
	} else {
		clientID = uuid.New().String()
	}

	session := NewClientSession(clientID, conn, h.wsConfig, claims)
	conn.SetPongHandler(session.GetPongHandler())

	// The greeting goes out before the session is visible to broadcasts.
	if err := session.SafeWriteJSON(event.Connected(clientID)); err != nil {
		log.Printf("Failed to send client ID: %v", err)
		session.Close(websocket.CloseInternalServerErr, "Failed to send greeting")
		return
	}

	session.Start()
	if err := h.hub.Register(r.Context(), session, r.RemoteAddr); err != nil {
		session.Close(websocket.CloseInternalServerErr, "Failed to register client")
		return
	}

	// Clients only listen; anything they send counts as activity.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) &&
				!errors.Is(err, net.ErrClosed) {
				log.Printf("Read error from client %s: %v", clientID, err)
			}
			session.Close(websocket.CloseNormalClosure, "Client disconnected")
			return
		}
		session.UpdateActivity()
		h.hub.RefreshPresence(r.Context(), clientID)
	}
}
