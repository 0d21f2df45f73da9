package historyhandler

import (
	"net/http"

	"grouprelay/internal/services/history"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Handler struct {
	svc history.IHistoryService
}

func New(svc history.IHistoryService) *Handler { return &Handler{svc: svc} }

func (h *Handler) Register(r gin.IRoutes) {
	r.GET("/rooms/:id/messages", h.list)
	r.GET("/api/message", h.listByQuery)
}

// @Summary		Room history
// @Description	Returns every persisted message of a room, oldest first, with sender names resolved.
// @Tags			Messages
// @Param			id	path		string	true	"Room (group) ID"	default(g1)
// @Success		200	{object}	ListMessagesResponse
// @Failure		400	{object}	ErrorResponse
// @Failure		500	{object}	ErrorResponse
// @Router			/rooms/{id}/messages [get]
func (h *Handler) list(c *gin.Context) {
	h.respond(c, c.Param("id"))
}

// @Summary		Room history (query form)
// @Description	Same as /rooms/{id}/messages with the room passed as ?id=.
// @Tags			Messages
// @Param			id	query		string	true	"Room (group) ID"
// @Success		200	{object}	ListMessagesResponse
// @Failure		400	{object}	ErrorResponse
// @Failure		500	{object}	ErrorResponse
// @Router			/api/message [get]
func (h *Handler) listByQuery(c *gin.Context) {
	h.respond(c, c.Query("id"))
}

func (h *Handler) respond(c *gin.Context, roomID string) {
	if roomID == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Group ID is required"})
		return
	}
	out, err := h.svc.ListMessages(c.Request.Context(), roomID)
	if err != nil {
		zap.L().Error("history.list", zap.String("room_id", roomID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to load messages"})
		return
	}
	if out == nil {
		out = []history.Entry{}
	}
	c.JSON(http.StatusOK, ListMessagesResponse{Messages: out})
}
