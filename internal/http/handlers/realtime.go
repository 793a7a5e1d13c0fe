package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/studyforge/coursegen-backend/internal/http/response"
	"github.com/studyforge/coursegen-backend/internal/platform/ctxutil"
	"github.com/studyforge/coursegen-backend/internal/platform/logger"
	"github.com/studyforge/coursegen-backend/internal/sse"
)

type RealtimeHandler struct {
	log *logger.Logger
	hub *sse.Hub
}

func NewRealtimeHandler(baseLog *logger.Logger, hub *sse.Hub) *RealtimeHandler {
	return &RealtimeHandler{
		log: baseLog.With("handler", "realtime"),
		hub: hub,
	}
}

// GET /api/realtime/stream
func (h *RealtimeHandler) Stream(c *gin.Context) {
	rd := ctxutil.GetRequestData(c.Request.Context())
	if rd == nil || rd.UserID == uuid.Nil {
		response.RespondError(c, http.StatusUnauthorized, "not_authenticated",
			errors.New("not authenticated"))
		return
	}

	client := h.hub.NewClient(rd.UserID)
	h.hub.Subscribe(client, rd.UserID.String())
	h.log.Debug("sse stream open", "user_id", rd.UserID, "client_id", client.ID)

	h.hub.ServeHTTP(c.Writer, c.Request, client)

	h.hub.CloseClient(client)
	h.log.Debug("sse stream closed", "user_id", rd.UserID, "client_id", client.ID)
}
