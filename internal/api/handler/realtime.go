package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/edvin/billing/internal/api/request"
	"github.com/edvin/billing/internal/api/response"
)

type organizationStream interface {
	Serve(ctx context.Context, conn *websocket.Conn, organizationID string) error
}

type Realtime struct {
	hub organizationStream
}

func NewRealtime(hub organizationStream) *Realtime {
	return &Realtime{hub: hub}
}

// Connect upgrades to a WebSocket that receives the organization's
// subscription events until either side hangs up.
func (h *Realtime) Connect(w http.ResponseWriter, r *http.Request) {
	orgID, err := request.RequireID(chi.URLParam(r, "organizationID"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	logger := zerolog.Ctx(r.Context())
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // Origin differs from Host behind the dashboard proxy.
	})
	if err != nil {
		logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.CloseNow()

	err = h.hub.Serve(r.Context(), conn, orgID)
	if err != nil && !errors.Is(err, context.Canceled) && websocket.CloseStatus(err) == -1 {
		logger.Debug().Err(err).Str("organization_id", orgID).Msg("websocket closed")
		return
	}
	conn.Close(websocket.StatusNormalClosure, "")
}
