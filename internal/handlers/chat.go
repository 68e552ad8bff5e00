package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"zing-server/internal/apperr"
	"zing-server/internal/attachments"
	"zing-server/internal/membership"
	"zing-server/internal/models"
	"zing-server/internal/observability"
	"zing-server/internal/repositories"
	"zing-server/internal/telemetry"
	"zing-server/internal/ws"
)

// ChatHandler manages conversation and membership endpoints. All permission
// decisions are delegated to the membership engine.
type ChatHandler struct {
	engine        *membership.Engine
	conversations repositories.ConversationRepository
	users         repositories.UserRepository
	store         attachments.ObjectStore
	hub           *ws.Hub
	audit         *telemetry.AuditEmitter
}

// NewChatHandler constructs a ChatHandler.
func NewChatHandler(engine *membership.Engine, conversations repositories.ConversationRepository, users repositories.UserRepository, store attachments.ObjectStore, hub *ws.Hub, audit *telemetry.AuditEmitter) *ChatHandler {
	return &ChatHandler{
		engine:        engine,
		conversations: conversations,
		users:         users,
		store:         store,
		hub:           hub,
		audit:         audit,
	}
}

// ListChats returns the conversations visible to the authenticated user,
// most recently active first.
func (h *ChatHandler) ListChats(c *gin.Context) {
	userID := c.GetInt("userID")

	convs, err := h.conversations.ListForUser(c.Request.Context(), userID)
	if err != nil {
		respondError(c, apperr.Internal())
		return
	}
	c.JSON(http.StatusOK, convs)
}

// CreateDirect handles POST /chats. Creating the same pair twice returns the
// existing conversation.
func (h *ChatHandler) CreateDirect(c *gin.Context) {
	var req struct {
		Participants []int `json:"participants" binding:"required,min=1"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.InvalidArgument(err.Error()))
		return
	}
	if len(req.Participants) != 1 {
		respondError(c, apperr.InvalidArgument("direct chat takes exactly one other participant"))
		return
	}

	userID := c.GetInt("userID")
	conv, err := h.engine.CreateDirect(c.Request.Context(), userID, req.Participants[0])
	recordMutation("create_direct", err)
	if err != nil {
		respondError(c, err)
		return
	}

	h.emitAudit(c, "INFO", "Direct chat created")
	c.JSON(http.StatusOK, conv)
}

// CreateGroup handles POST /chats/group.
func (h *ChatHandler) CreateGroup(c *gin.Context) {
	var req struct {
		Name         string `json:"name"`
		Participants []int  `json:"participants"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.InvalidArgument(err.Error()))
		return
	}

	userID := c.GetInt("userID")
	conv, err := h.engine.CreateGroup(c.Request.Context(), userID, req.Name, req.Participants)
	recordMutation("create_group", err)
	if err != nil {
		respondError(c, err)
		return
	}

	h.emitAudit(c, "INFO", "Group created")
	c.JSON(http.StatusCreated, conv)
}

// ListUsers returns users available to start a chat with.
func (h *ChatHandler) ListUsers(c *gin.Context) {
	userID := c.GetInt("userID")
	users, err := h.users.List(c.Request.Context(), userID, 100)
	if err != nil {
		respondError(c, apperr.Internal())
		return
	}
	c.JSON(http.StatusOK, users)
}

// SearchUsers handles GET /chats/search?query=.
func (h *ChatHandler) SearchUsers(c *gin.Context) {
	query := c.Query("query")
	if query == "" {
		respondError(c, apperr.InvalidArgument("query is required"))
		return
	}

	userID := c.GetInt("userID")
	users, err := h.users.Search(c.Request.Context(), userID, query, 50)
	if err != nil {
		respondError(c, apperr.Internal())
		return
	}
	c.JSON(http.StatusOK, users)
}

// UpdateGroup handles PUT /chats/:id (admin edits name/description).
func (h *ChatHandler) UpdateGroup(c *gin.Context) {
	conversationID, ok := conversationIDParam(c)
	if !ok {
		return
	}

	var req struct {
		Name        *string `json:"name"`
		Description *string `json:"description"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.InvalidArgument(err.Error()))
		return
	}

	userID := c.GetInt("userID")
	conv, err := h.engine.UpdateGroupInfo(c.Request.Context(), userID, conversationID, req.Name, req.Description, nil)
	recordMutation("update_group", err)
	if err != nil {
		respondError(c, err)
		return
	}

	h.emitAudit(c, "INFO", "Group info updated")
	c.JSON(http.StatusOK, conv)
}

// UploadGroupPicture handles PUT /chats/:id/picture.
func (h *ChatHandler) UploadGroupPicture(c *gin.Context) {
	conversationID, ok := conversationIDParam(c)
	if !ok {
		return
	}

	file, err := c.FormFile("picture")
	if err != nil {
		respondError(c, apperr.InvalidArgument("picture file is required"))
		return
	}
	src, err := file.Open()
	if err != nil {
		respondError(c, apperr.InvalidArgument("unreadable picture"))
		return
	}
	defer src.Close()

	url, err := h.store.Put(c.Request.Context(), file.Filename, file.Header.Get("Content-Type"), src, file.Size)
	if err != nil {
		h.emitAudit(c, "ERROR", "group picture upload failed")
		respondError(c, apperr.Upstream("picture upload failed"))
		return
	}

	userID := c.GetInt("userID")
	conv, err := h.engine.UpdateGroupInfo(c.Request.Context(), userID, conversationID, nil, nil, &url)
	recordMutation("update_group", err)
	if err != nil {
		respondError(c, err)
		return
	}

	h.emitAudit(c, "INFO", "Group picture updated")
	c.JSON(http.StatusOK, conv)
}

// AddMember handles PUT /chats/:id/add and its /add-member alias.
func (h *ChatHandler) AddMember(c *gin.Context) {
	h.memberMutation(c, "add_member", h.engine.AddMember)
}

// RemoveMember handles PUT /chats/:id/remove-member.
func (h *ChatHandler) RemoveMember(c *gin.Context) {
	h.memberMutation(c, "remove_member", h.engine.RemoveMember)
}

// PromoteAdmin handles PUT /chats/:id/promote-admin.
func (h *ChatHandler) PromoteAdmin(c *gin.Context) {
	h.memberMutation(c, "promote", h.engine.Promote)
}

// DemoteAdmin handles PUT /chats/:id/demote-admin.
func (h *ChatHandler) DemoteAdmin(c *gin.Context) {
	h.memberMutation(c, "demote", h.engine.Demote)
}

// Leave handles POST /chats/:id/leave. Leaving as the last participant
// deletes the conversation.
func (h *ChatHandler) Leave(c *gin.Context) {
	conversationID, ok := conversationIDParam(c)
	if !ok {
		return
	}

	userID := c.GetInt("userID")
	deleted, err := h.engine.Leave(c.Request.Context(), userID, conversationID)
	recordMutation("leave", err)
	if err != nil {
		respondError(c, err)
		return
	}

	h.emitAudit(c, "INFO", "Left chat")
	c.JSON(http.StatusOK, gin.H{"deleted": deleted})
}

// DeleteGroup handles DELETE /chats/:id.
func (h *ChatHandler) DeleteGroup(c *gin.Context) {
	conversationID, ok := conversationIDParam(c)
	if !ok {
		return
	}

	userID := c.GetInt("userID")
	if err := h.engine.DeleteGroup(c.Request.Context(), userID, conversationID); err != nil {
		recordMutation("delete_group", err)
		respondError(c, err)
		return
	}
	recordMutation("delete_group", nil)

	h.emitAudit(c, "INFO", "Group deleted")
	c.Status(http.StatusNoContent)
}

// ClearMessages handles DELETE /chats/:id/messages. The conversation record
// survives; only its history is removed.
func (h *ChatHandler) ClearMessages(c *gin.Context) {
	conversationID, ok := conversationIDParam(c)
	if !ok {
		return
	}

	userID := c.GetInt("userID")
	if err := h.engine.ClearMessages(c.Request.Context(), userID, conversationID); err != nil {
		respondError(c, err)
		return
	}

	h.hub.BroadcastCleared(conversationID)
	h.emitAudit(c, "INFO", "Chat history cleared")
	c.Status(http.StatusNoContent)
}

type mutationFunc func(ctx context.Context, requesterID, conversationID, targetUserID int) (models.Conversation, error)

func (h *ChatHandler) memberMutation(c *gin.Context, operation string, fn mutationFunc) {
	conversationID, ok := conversationIDParam(c)
	if !ok {
		return
	}

	var req struct {
		UserID int `json:"userId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.InvalidArgument(err.Error()))
		return
	}

	userID := c.GetInt("userID")
	conv, err := fn(c.Request.Context(), userID, conversationID, req.UserID)
	recordMutation(operation, err)
	if err != nil {
		respondError(c, err)
		return
	}

	h.emitAudit(c, "INFO", "Membership updated")
	c.JSON(http.StatusOK, conv)
}

func conversationIDParam(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		respondError(c, apperr.InvalidArgument("invalid chat id"))
		return 0, false
	}
	return id, true
}

func recordMutation(operation string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = string(apperr.CodeOf(err))
	}
	observability.IncMembershipMutation(operation, outcome)
}

func (h *ChatHandler) emitAudit(c *gin.Context, level, text string) {
	if h.audit == nil {
		return
	}
	h.audit.Emit(c.Request.Context(), level, text, requestIDFromContext(c), userIDFromContext(c))
}
