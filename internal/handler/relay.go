package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/phonemesh/internal/logger"
	"github.com/phonemesh/internal/middleware"
	"github.com/phonemesh/internal/ws"
)

type RelayHandler struct {
	hub            *ws.Hub
	allowedOrigins string
}

// NewRelayHandler создаёт обработчик relay. allowedOrigins: как в CORS (через запятую или "*").
func NewRelayHandler(hub *ws.Hub, allowedOrigins string) *RelayHandler {
	return &RelayHandler{hub: hub, allowedOrigins: strings.TrimSpace(allowedOrigins)}
}

func checkOrigin(allowed string, r *http.Request) bool {
	if allowed == "*" || allowed == "" {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	for _, o := range strings.Split(allowed, ",") {
		if strings.TrimSpace(o) == origin {
			return true
		}
	}
	return false
}

// ServeWS подключает клиента сессии к relay. client_id кладёт middleware.RequireClientID.
func (h *RelayHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	clientID := middleware.GetClientID(r.Context())
	if clientID == "" {
		http.Error(w, "client_id required", http.StatusBadRequest)
		return
	}
	if !checkOrigin(h.allowedOrigins, r) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(r *http.Request) bool { return checkOrigin(h.allowedOrigins, r) },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Errorf("relay upgrade: %v", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := ws.NewClient(h.hub, conn, clientID)
	client.Start(ctx, cancel)
	h.hub.Register(client)
}
