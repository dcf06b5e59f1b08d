package handler

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/phonemesh/internal/model"
	"github.com/phonemesh/internal/service"
)

// OwnersHandler — внутренние ручки UI-оболочки: владельцы и роль ведущего.
// Монтируются под middleware.InternalOnly.
type OwnersHandler struct {
	session *service.Session
	feed    *service.OwnerFeed
}

func NewOwnersHandler(session *service.Session, feed *service.OwnerFeed) *OwnersHandler {
	return &OwnersHandler{session: session, feed: feed}
}

func (h *OwnersHandler) Routes(r chi.Router) {
	r.Post("/owners", h.UpdateOwner)
	r.Delete("/owners/{ownerId}", h.RemoveOwner)
	r.Post("/authority", h.SetAuthority)
}

// UpdateOwner: изменились имя или аватар владельца.
func (h *OwnersHandler) UpdateOwner(w http.ResponseWriter, r *http.Request) {
	var o model.Owner
	if err := decodeJSON(w, r, &o); err != nil || o.ID == "" {
		writeError(w, http.StatusBadRequest, "owner id required")
		return
	}
	h.feed.Publish(o)
	w.WriteHeader(http.StatusNoContent)
}

func (h *OwnersHandler) RemoveOwner(w http.ResponseWriter, r *http.Request) {
	ownerID := model.OwnerID(strings.TrimSpace(chi.URLParam(r, "ownerId")))
	removed, err := h.session.UnregisterOwner(r.Context(), ownerID)
	if err != nil && len(removed) == 0 {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

type authorityRequest struct {
	On bool `json:"on"`
}

func (h *OwnersHandler) SetAuthority(w http.ResponseWriter, r *http.Request) {
	var req authorityRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := h.session.SetAuthority(r.Context(), req.On); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"authority": h.session.IsAuthority()})
}
