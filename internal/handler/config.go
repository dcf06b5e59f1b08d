package handler

import (
	"net/http"

	"github.com/phonemesh/internal/config"
	"github.com/phonemesh/internal/service"
)

// ConfigHandler отдаёт UI публичные параметры клиента сессии.
type ConfigHandler struct {
	cfg     *config.Config
	session *service.Session
}

func NewConfigHandler(cfg *config.Config, session *service.Session) *ConfigHandler {
	return &ConfigHandler{cfg: cfg, session: session}
}

func (h *ConfigHandler) GetSessionConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"client_id": h.session.ClientID(),
		"owner_id":  h.cfg.Session.OwnerID,
		"authority": h.session.IsAuthority(),
		"storage":   h.cfg.Storage,
		"transport": h.cfg.Transport,
		"pending":   len(h.session.Pending()),
	})
}
