package http

import (
	"net/http"

	"github.com/Wyydra/yamesh/internal/adapter/driven/gateway/ws"
	"github.com/Wyydra/yamesh/internal/core/domain"
	"github.com/rs/zerolog/log"
)

// ServeWS upgrades the request and runs one participant connection until
// it drops.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	wsConn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Error while upgrading ws")
		return
	}

	conn := ws.NewConn(wsConn, h.cfg)
	l := log.With().Str("participant_id", conn.ID().String()).Logger()

	go conn.WritePump()
	if !h.Hub.Register(conn) {
		conn.Close(domain.CodeTryAgainLater, "server shutting down")
		return
	}
	l.Info().Msg("New client connected")

	session := h.Relay.Connect(conn)
	defer func() {
		h.Relay.Disconnect(session)
		h.Hub.Unregister(conn)
		conn.Close(domain.CodeNormalClosure, "")
		l.Info().Msg("Client disconnected")
	}()

	_ = conn.ReadPump(r.Context(), session)
}
