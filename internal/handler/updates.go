package handler

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/phonemesh/internal/logger"
	"github.com/phonemesh/internal/service"
)

const (
	updatesWriteWait  = 10 * time.Second
	updatesPongWait   = 60 * time.Second
	updatesPingPeriod = (updatesPongWait * 9) / 10
	updatesBufSize    = 64
)

// UpdatesHandler стримит UI изменения состояния сессии (service.Update) по websocket.
type UpdatesHandler struct {
	session        *service.Session
	allowedOrigins string
}

func NewUpdatesHandler(session *service.Session, allowedOrigins string) *UpdatesHandler {
	return &UpdatesHandler{session: session, allowedOrigins: strings.TrimSpace(allowedOrigins)}
}

func (h *UpdatesHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	if !checkOrigin(h.allowedOrigins, r) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return checkOrigin(h.allowedOrigins, r) },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Errorf("updates upgrade: %v", err)
		return
	}

	send := make(chan service.Update, updatesBufSize)
	done := make(chan struct{})
	cancel := h.session.OnUpdate(func(u service.Update) {
		select {
		case send <- u:
		case <-done:
		default:
			// UI не успевает: пропускаем, следующий sync всё равно перечитает модели.
			logger.Debugf("updates: buffer full, dropping %s", u.Kind)
		}
	})

	go func() {
		defer cancel()
		defer close(done)
		defer conn.Close()
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(updatesPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(updatesPongWait))
		})
		// Входящие кадры UI не шлёт; чтение нужно для pong и обнаружения закрытия.
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(updatesPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case u := <-send:
				_ = conn.SetWriteDeadline(time.Now().Add(updatesWriteWait))
				if err := conn.WriteJSON(u); err != nil {
					conn.Close()
					return
				}
			case <-ticker.C:
				_ = conn.SetWriteDeadline(time.Now().Add(updatesWriteWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					conn.Close()
					return
				}
			}
		}
	}()
}
