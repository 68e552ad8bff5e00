package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"zing-server/internal/apperr"
	"zing-server/internal/attachments"
	"zing-server/internal/membership"
	"zing-server/internal/repositories"
	"zing-server/internal/telemetry"
	"zing-server/internal/ws"
)

// MessageHandler manages the send, list and read-receipt endpoints.
type MessageHandler struct {
	engine   *membership.Engine
	messages repositories.MessageRepository
	relay    *attachments.Relay
	hub      *ws.Hub
	audit    *telemetry.AuditEmitter
}

// NewMessageHandler constructs a MessageHandler.
func NewMessageHandler(engine *membership.Engine, messages repositories.MessageRepository, relay *attachments.Relay, hub *ws.Hub, audit *telemetry.AuditEmitter) *MessageHandler {
	return &MessageHandler{
		engine:   engine,
		messages: messages,
		relay:    relay,
		hub:      hub,
		audit:    audit,
	}
}

// GetMessages handles GET /chats/:id/messages?page=&limit=. Messages are
// returned oldest first so clients can append as they render.
func (h *MessageHandler) GetMessages(c *gin.Context) {
	conversationID, ok := conversationIDParam(c)
	if !ok {
		return
	}

	userID := c.GetInt("userID")
	if err := h.engine.AuthorizeRead(c.Request.Context(), userID, conversationID); err != nil {
		respondError(c, err)
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	msgs, err := h.messages.ListForConversation(c.Request.Context(), conversationID, page, limit)
	if err != nil {
		respondError(c, apperr.Internal())
		return
	}

	// The store returns newest first; flip into chronological order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}

	c.JSON(http.StatusOK, msgs)
}

// SendMessage handles POST /messages. The request is multipart so media can
// ride along with the text; a message needs text or at least one attachment.
func (h *MessageHandler) SendMessage(c *gin.Context) {
	conversationID, err := strconv.Atoi(c.PostForm("chatId"))
	if err != nil {
		respondError(c, apperr.InvalidArgument("invalid chat id"))
		return
	}
	content := strings.TrimSpace(c.PostForm("content"))

	form, err := c.MultipartForm()
	if err != nil {
		respondError(c, apperr.InvalidArgument("malformed multipart request"))
		return
	}
	files := form.File["media"]

	if content == "" && len(files) == 0 {
		respondError(c, apperr.InvalidArgument("message needs text or attachments"))
		return
	}

	userID := c.GetInt("userID")
	if err := h.engine.AuthorizeSend(c.Request.Context(), userID, conversationID); err != nil {
		h.emitAudit(c, "ERROR", "send rejected")
		respondError(c, err)
		return
	}

	media, err := h.relay.Store(c.Request.Context(), files)
	if err != nil {
		h.emitAudit(c, "ERROR", "attachment relay failed")
		respondError(c, err)
		return
	}

	msg, err := h.messages.Create(c.Request.Context(), conversationID, userID, content, media)
	if err != nil {
		respondError(c, apperr.Internal())
		return
	}

	h.hub.BroadcastMessage(conversationID, msg)
	h.emitAudit(c, "INFO", "Message sent")
	c.JSON(http.StatusCreated, msg)
}

// MarkRead handles PUT /messages/:id/read. Marking twice is a no-op; the
// reader set only grows.
func (h *MessageHandler) MarkRead(c *gin.Context) {
	messageID, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		respondError(c, apperr.InvalidArgument("invalid message id"))
		return
	}

	userID := c.GetInt("userID")
	msg, err := h.messages.Get(c.Request.Context(), messageID)
	if err != nil {
		if errors.Is(err, repositories.ErrMessageNotFound) {
			respondError(c, apperr.NotFound("message not found"))
			return
		}
		respondError(c, apperr.Internal())
		return
	}

	if err := h.engine.AuthorizeRead(c.Request.Context(), userID, msg.ConversationID); err != nil {
		respondError(c, err)
		return
	}

	updated, err := h.messages.MarkRead(c.Request.Context(), messageID, userID)
	if err != nil {
		respondError(c, apperr.Internal())
		return
	}

	h.hub.BroadcastRead(msg.ConversationID, updated)
	c.JSON(http.StatusOK, updated)
}

func (h *MessageHandler) emitAudit(c *gin.Context, level, text string) {
	if h.audit == nil {
		return
	}
	h.audit.Emit(c.Request.Context(), level, text, requestIDFromContext(c), userIDFromContext(c))
}
