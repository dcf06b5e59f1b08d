package handler

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/phonemesh/internal/conversation"
	"github.com/phonemesh/internal/logger"
	"github.com/phonemesh/internal/middleware"
	"github.com/phonemesh/internal/model"
	"github.com/phonemesh/internal/service"
)

const maxConversationLimit = 500

// SessionHandler — REST-поверхность клиента сессии для UI-оболочки.
type SessionHandler struct {
	session *service.Session
}

func NewSessionHandler(session *service.Session) *SessionHandler {
	return &SessionHandler{session: session}
}

// Routes монтирует ручки под /api.
func (h *SessionHandler) Routes(r chi.Router) {
	r.Get("/devices", h.ListDevices)
	r.Post("/devices", h.RegisterDevice)
	r.Get("/devices/lookup", h.Lookup)
	r.Route("/devices/{deviceId}", func(r chi.Router) {
		r.Get("/contacts", h.Contacts)
		r.Post("/contacts", h.AddContact)
		r.Delete("/contacts/{peerId}", h.RemoveContact)
		r.Get("/inbox", h.Inbox)
		r.Post("/messages", h.Send)
		r.Delete("/conversations", h.ClearAll)
		r.Get("/conversations/{peerId}", h.Conversation)
		r.Delete("/conversations/{peerId}", h.ClearConversation)
		r.Post("/conversations/{peerId}/delete", h.DeleteMessages)
		r.Post("/conversations/{peerId}/read", h.MarkRead)
		r.Get("/conversations/{peerId}/unread", h.Unread)
	})
	r.Post("/sync", h.Resync)
}

func deviceParam(r *http.Request, name string) model.DeviceID {
	return model.DeviceID(strings.TrimSpace(chi.URLParam(r, name)))
}

func (h *SessionHandler) ListDevices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.session.Devices())
}

type registerRequest struct {
	Owner model.Owner      `json:"owner"`
	Meta  model.DeviceMeta `json:"meta"`
}

func (h *SessionHandler) RegisterDevice(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	id, err := h.session.RegisterDevice(r.Context(), req.Owner, req.Meta)
	if id == "" && err != nil {
		writeServiceError(w, err)
		return
	}
	if err != nil {
		// Устройство зарегистрировано локально, запись догонит реконсилер.
		logger.Errorf("register device %s: %v", id, err)
	}
	d, getErr := h.session.Registry().Get(id)
	if getErr != nil {
		writeServiceError(w, getErr)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (h *SessionHandler) Lookup(w http.ResponseWriter, r *http.Request) {
	addr := strings.TrimSpace(r.URL.Query().Get("address"))
	if addr == "" {
		writeError(w, http.StatusBadRequest, "address required")
		return
	}
	d, err := h.session.Lookup(addr)
	if err != nil {
		logger.Debugf("lookup %s: %v", middleware.MaskAddress(addr), err)
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *SessionHandler) Contacts(w http.ResponseWriter, r *http.Request) {
	list, err := h.session.Contacts(r.Context(), deviceParam(r, "deviceId"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

type contactRequest struct {
	ContactID model.DeviceID `json:"contact_id"`
	Address   string         `json:"address"`
}

func (h *SessionHandler) AddContact(w http.ResponseWriter, r *http.Request) {
	var req contactRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	to := req.ContactID
	if to == "" && req.Address != "" {
		d, err := h.session.Lookup(req.Address)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		to = d.ID
	}
	if to == "" {
		writeError(w, http.StatusBadRequest, "contact_id or address required")
		return
	}
	added, err := h.session.AddContact(r.Context(), deviceParam(r, "deviceId"), to)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"added": added})
}

func (h *SessionHandler) RemoveContact(w http.ResponseWriter, r *http.Request) {
	removed, err := h.session.RemoveContact(r.Context(), deviceParam(r, "deviceId"), deviceParam(r, "peerId"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"removed": removed})
}

func (h *SessionHandler) Inbox(w http.ResponseWriter, r *http.Request) {
	list, err := h.session.Inbox(r.Context(), deviceParam(r, "deviceId"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

type sendRequest struct {
	To      model.DeviceID `json:"to"`
	Address string         `json:"address"`
	Text    string         `json:"text"`
}

func (h *SessionHandler) Send(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	from := deviceParam(r, "deviceId")
	var (
		msg model.Message
		err error
	)
	switch {
	case req.To != "":
		msg, err = h.session.Send(r.Context(), from, req.To, req.Text)
	case req.Address != "":
		msg, err = h.session.SendToAddress(r.Context(), from, req.Address, req.Text)
	default:
		writeError(w, http.StatusBadRequest, "to or address required")
		return
	}
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (h *SessionHandler) Conversation(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 0)
	if limit < 0 {
		limit = 0
	}
	if limit > maxConversationLimit {
		limit = maxConversationLimit
	}
	msgs, err := h.session.Conversation(r.Context(), deviceParam(r, "deviceId"), deviceParam(r, "peerId"), limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (h *SessionHandler) key(r *http.Request) (model.DeviceID, model.ConversationKey) {
	viewer := deviceParam(r, "deviceId")
	return viewer, conversation.Key(viewer, deviceParam(r, "peerId"))
}

type deleteRequest struct {
	IDs []string `json:"ids"`
}

func (h *SessionHandler) DeleteMessages(w http.ResponseWriter, r *http.Request) {
	var req deleteRequest
	if err := decodeJSON(w, r, &req); err != nil || len(req.IDs) == 0 {
		writeError(w, http.StatusBadRequest, "ids required")
		return
	}
	viewer, key := h.key(r)
	n, err := h.session.DeleteMessages(r.Context(), viewer, key, req.IDs)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

func (h *SessionHandler) ClearConversation(w http.ResponseWriter, r *http.Request) {
	viewer, key := h.key(r)
	n, err := h.session.ClearConversation(r.Context(), viewer, key)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

func (h *SessionHandler) ClearAll(w http.ResponseWriter, r *http.Request) {
	n, err := h.session.ClearAll(r.Context(), deviceParam(r, "deviceId"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

type readRequest struct {
	At time.Time `json:"at"`
}

func (h *SessionHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	var req readRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json")
			return
		}
	}
	viewer, key := h.key(r)
	moved, err := h.session.MarkRead(r.Context(), viewer, key, req.At)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"moved": moved})
}

func (h *SessionHandler) Unread(w http.ResponseWriter, r *http.Request) {
	n, err := h.session.UnreadCount(deviceParam(r, "deviceId"), deviceParam(r, "peerId"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"unread": n})
}

func (h *SessionHandler) Resync(w http.ResponseWriter, r *http.Request) {
	if err := h.session.Resync(r.Context()); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"pending": len(h.session.Pending())})
}
