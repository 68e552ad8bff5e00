package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"zing-server/internal/apperr"
	"zing-server/internal/attachments"
	"zing-server/internal/membership"
	"zing-server/internal/models"
	"zing-server/internal/repositories"
	"zing-server/internal/security"
	"zing-server/internal/telemetry"
)

// AuthHandler manages registration, login and account endpoints.
type AuthHandler struct {
	users  repositories.UserRepository
	tokens *security.TokenService
	hasher *security.PasswordHasher
	engine *membership.Engine
	store  attachments.ObjectStore
	audit  *telemetry.AuditEmitter
}

// NewAuthHandler constructs an AuthHandler.
func NewAuthHandler(users repositories.UserRepository, tokens *security.TokenService, hasher *security.PasswordHasher, engine *membership.Engine, store attachments.ObjectStore, audit *telemetry.AuditEmitter) *AuthHandler {
	return &AuthHandler{
		users:  users,
		tokens: tokens,
		hasher: hasher,
		engine: engine,
		store:  store,
		audit:  audit,
	}
}

// Register handles POST /auth/register.
func (h *AuthHandler) Register(c *gin.Context) {
	var req struct {
		Name     string `json:"name" binding:"required"`
		Email    string `json:"email"`
		Mobile   string `json:"mobile"`
		Password string `json:"password" binding:"required,min=6"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.emitAudit(c, "ERROR", "invalid request payload")
		respondError(c, apperr.InvalidArgument(err.Error()))
		return
	}

	req.Email = strings.TrimSpace(req.Email)
	req.Mobile = strings.TrimSpace(req.Mobile)
	if req.Email == "" && req.Mobile == "" {
		respondError(c, apperr.InvalidArgument("email or mobile is required"))
		return
	}

	hash, err := h.hasher.Hash(req.Password)
	if err != nil {
		h.emitAudit(c, "ERROR", "internal error")
		respondError(c, apperr.Internal())
		return
	}

	var email, mobile *string
	if req.Email != "" {
		email = &req.Email
	}
	if req.Mobile != "" {
		mobile = &req.Mobile
	}

	user, err := h.users.Create(c.Request.Context(), req.Name, email, mobile, hash)
	if err != nil {
		if errors.Is(err, repositories.ErrDuplicateIdentifier) {
			h.emitAudit(c, "ERROR", "duplicate identifier on register")
			respondError(c, apperr.Conflict("email or mobile already registered"))
			return
		}
		h.emitAudit(c, "ERROR", "internal error")
		respondError(c, apperr.Internal())
		return
	}

	token, err := h.tokens.CreateForUser(user.ID)
	if err != nil {
		respondError(c, apperr.Internal())
		return
	}

	h.emitAudit(c, "INFO", "User registered")
	c.JSON(http.StatusCreated, gin.H{"user": user, "token": token})
}

// Login handles POST /auth/login. Failures are reported with a single generic
// message regardless of which credential was wrong.
func (h *AuthHandler) Login(c *gin.Context) {
	var req struct {
		EmailOrMobile string `json:"emailOrMobile" binding:"required"`
		Password      string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.InvalidArgument(err.Error()))
		return
	}

	user, err := h.users.GetByIdentifier(c.Request.Context(), strings.TrimSpace(req.EmailOrMobile))
	if err != nil {
		if errors.Is(err, repositories.ErrUserNotFound) {
			h.emitAudit(c, "ERROR", "failed login attempt")
			respondError(c, apperr.Unauthorized("invalid credentials"))
			return
		}
		respondError(c, apperr.Internal())
		return
	}

	if err := h.hasher.Verify(req.Password, user.PasswordHash); err != nil {
		h.emitAudit(c, "ERROR", "failed login attempt")
		respondError(c, apperr.Unauthorized("invalid credentials"))
		return
	}

	token, err := h.tokens.CreateForUser(user.ID)
	if err != nil {
		respondError(c, apperr.Internal())
		return
	}

	h.emitAudit(c, "INFO", "User logged in")
	c.JSON(http.StatusOK, gin.H{"user": user, "token": token})
}

// Me handles GET /auth/me.
func (h *AuthHandler) Me(c *gin.Context) {
	userID := c.GetInt("userID")
	user, err := h.users.GetByID(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, repositories.ErrUserNotFound) {
			respondError(c, apperr.Unauthorized("invalid session"))
			return
		}
		respondError(c, apperr.Internal())
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": user})
}

// UpdateProfile handles PUT /auth/profile. The request is multipart so the
// avatar can ride along with the text fields.
func (h *AuthHandler) UpdateProfile(c *gin.Context) {
	userID := c.GetInt("userID")

	var update models.ProfileUpdate
	if name := c.PostForm("name"); name != "" {
		update.Name = &name
	}
	if status, ok := c.GetPostForm("status"); ok {
		update.Status = &status
	}
	if raw := c.PostForm("preferences"); raw != "" {
		var prefs models.Preferences
		if err := json.Unmarshal([]byte(raw), &prefs); err != nil {
			respondError(c, apperr.InvalidArgument("malformed preferences"))
			return
		}
		update.Preferences = &prefs
	}

	if file, err := c.FormFile("profilePicture"); err == nil {
		src, err := file.Open()
		if err != nil {
			respondError(c, apperr.InvalidArgument("unreadable profile picture"))
			return
		}
		defer src.Close()

		url, err := h.store.Put(c.Request.Context(), file.Filename, file.Header.Get("Content-Type"), src, file.Size)
		if err != nil {
			h.emitAudit(c, "ERROR", "avatar upload failed")
			respondError(c, apperr.Upstream("avatar upload failed"))
			return
		}
		update.AvatarURL = &url
	}

	user, err := h.users.UpdateProfile(c.Request.Context(), userID, update)
	if err != nil {
		if errors.Is(err, repositories.ErrUserNotFound) {
			respondError(c, apperr.NotFound("user not found"))
			return
		}
		respondError(c, apperr.Internal())
		return
	}

	h.emitAudit(c, "INFO", "Profile updated")
	c.JSON(http.StatusOK, gin.H{"user": user})
}

// DeleteAccount handles DELETE /auth/account. The password is re-verified,
// the user is detached from every conversation and their messages are
// anonymized before the record is removed.
func (h *AuthHandler) DeleteAccount(c *gin.Context) {
	var req struct {
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.InvalidArgument(err.Error()))
		return
	}

	userID := c.GetInt("userID")
	user, err := h.users.GetByID(c.Request.Context(), userID)
	if err != nil {
		respondError(c, apperr.Unauthorized("invalid session"))
		return
	}

	if err := h.hasher.Verify(req.Password, user.PasswordHash); err != nil {
		h.emitAudit(c, "ERROR", "account deletion password mismatch")
		respondError(c, apperr.Unauthorized("invalid credentials"))
		return
	}

	if err := h.engine.DetachUser(c.Request.Context(), userID); err != nil {
		respondError(c, err)
		return
	}
	if err := h.users.Delete(c.Request.Context(), userID); err != nil {
		respondError(c, apperr.Internal())
		return
	}

	h.emitAudit(c, "INFO", "Account deleted")
	c.Status(http.StatusNoContent)
}

func (h *AuthHandler) emitAudit(c *gin.Context, level, text string) {
	if h.audit == nil {
		return
	}
	h.audit.Emit(c.Request.Context(), level, text, requestIDFromContext(c), userIDFromContext(c))
}
