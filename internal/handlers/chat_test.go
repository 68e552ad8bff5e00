package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"zing-server/internal/membership"
	"zing-server/internal/mocks"
	"zing-server/internal/models"
	"zing-server/internal/repositories"
	"zing-server/internal/ws"
)

func testChatDeps() (*mocks.UserRepositoryMock, *mocks.ConversationRepositoryMock, *mocks.MessageRepositoryMock, *ChatHandler) {
	userRepo := new(mocks.UserRepositoryMock)
	convRepo := new(mocks.ConversationRepositoryMock)
	msgRepo := new(mocks.MessageRepositoryMock)
	engine := membership.NewEngine(convRepo, msgRepo, userRepo)
	handler := NewChatHandler(engine, convRepo, userRepo, new(mocks.ObjectStoreMock), ws.NewHub(), nil)
	return userRepo, convRepo, msgRepo, handler
}

func setupChatRouter(handler *ChatHandler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set("userID", 1)
		c.Next()
	})
	r.GET("/chats", handler.ListChats)
	r.POST("/chats", handler.CreateDirect)
	r.POST("/chats/group", handler.CreateGroup)
	r.GET("/chats/search", handler.SearchUsers)
	r.PUT("/chats/:id/add-member", handler.AddMember)
	r.PUT("/chats/:id/remove-member", handler.RemoveMember)
	r.PUT("/chats/:id/promote-admin", handler.PromoteAdmin)
	r.PUT("/chats/:id/demote-admin", handler.DemoteAdmin)
	r.POST("/chats/:id/leave", handler.Leave)
	r.DELETE("/chats/:id", handler.DeleteGroup)
	r.DELETE("/chats/:id/messages", handler.ClearMessages)
	return r
}

func testGroup(id int, admins []int, members []int) models.Conversation {
	name := "Team"
	conv := models.Conversation{ID: id, IsGroup: true, Name: &name}
	adminSet := map[int]struct{}{}
	for _, a := range admins {
		adminSet[a] = struct{}{}
	}
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, m := range members {
		role := models.RoleMember
		if _, ok := adminSet[m]; ok {
			role = models.RoleAdmin
		}
		conv.Members = append(conv.Members, models.Member{
			UserID:   m,
			Role:     role,
			JoinedAt: base.Add(time.Duration(i) * time.Minute),
		})
	}
	return conv
}

func TestListChatsSuccess(t *testing.T) {
	_, convRepo, _, handler := testChatDeps()
	router := setupChatRouter(handler)

	convRepo.On("ListForUser", mock.Anything, 1).
		Return([]models.Conversation{testGroup(3, []int{1}, []int{1, 2})}, nil).Once()

	req := httptest.NewRequest(http.MethodGet, "/chats", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp []models.Conversation
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp, 1)
	assert.Equal(t, 3, resp[0].ID)
	convRepo.AssertExpectations(t)
}

func TestCreateDirectReturnsExisting(t *testing.T) {
	userRepo, convRepo, _, handler := testChatDeps()
	router := setupChatRouter(handler)

	existing := models.Conversation{ID: 42, Members: []models.Member{{UserID: 1}, {UserID: 2}}}
	userRepo.On("Exists", mock.Anything, 2).Return(true, nil).Once()
	convRepo.On("FindDirect", mock.Anything, 1, 2).Return(existing, nil).Once()

	req := httptest.NewRequest(http.MethodPost, "/chats",
		bytes.NewBufferString(`{"participants":[2]}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp models.Conversation
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, 42, resp.ID)
	convRepo.AssertNotCalled(t, "CreateDirect", mock.Anything, mock.Anything, mock.Anything)
}

func TestCreateDirectWithSelf(t *testing.T) {
	_, _, _, handler := testChatDeps()
	router := setupChatRouter(handler)

	req := httptest.NewRequest(http.MethodPost, "/chats",
		bytes.NewBufferString(`{"participants":[1]}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateGroupSuccess(t *testing.T) {
	userRepo, convRepo, _, handler := testChatDeps()
	router := setupChatRouter(handler)

	userRepo.On("AllExist", mock.Anything, []int{1, 2, 3}).Return(true, nil).Once()
	convRepo.On("CreateGroup", mock.Anything, 1, "Team", []int{1, 2, 3}).
		Return(testGroup(5, []int{1}, []int{1, 2, 3}), nil).Once()

	req := httptest.NewRequest(http.MethodPost, "/chats/group",
		bytes.NewBufferString(`{"name":"Team","participants":[2,3]}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	convRepo.AssertExpectations(t)
}

func TestAddMemberForbiddenForNonAdmin(t *testing.T) {
	_, convRepo, _, handler := testChatDeps()
	router := setupChatRouter(handler)

	convRepo.On("GetWithMembers", mock.Anything, 5).
		Return(testGroup(5, []int{2}, []int{1, 2}), nil).Once()

	req := httptest.NewRequest(http.MethodPut, "/chats/5/add-member",
		bytes.NewBufferString(`{"userId":3}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusForbidden, rec.Code)
	var resp map[string]map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "forbidden", resp["error"]["code"])
}

func TestAddMemberMissingConversation(t *testing.T) {
	_, convRepo, _, handler := testChatDeps()
	router := setupChatRouter(handler)

	convRepo.On("GetWithMembers", mock.Anything, 5).
		Return(models.Conversation{}, repositories.ErrConversationNotFound).Once()

	req := httptest.NewRequest(http.MethodPut, "/chats/5/add-member",
		bytes.NewBufferString(`{"userId":3}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDemoteSoleAdminConflict(t *testing.T) {
	_, convRepo, _, handler := testChatDeps()
	router := setupChatRouter(handler)

	convRepo.On("GetWithMembers", mock.Anything, 5).
		Return(testGroup(5, []int{1}, []int{1, 2}), nil).Once()

	req := httptest.NewRequest(http.MethodPut, "/chats/5/demote-admin",
		bytes.NewBufferString(`{"userId":1}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusConflict, rec.Code)
	var resp map[string]map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "conflict", resp["error"]["code"])
}

func TestPromoteThenSelfDemoteSequence(t *testing.T) {
	// A creates "Team" with B and C; demoting self fails while A is the only
	// admin, succeeds once B is promoted.
	_, convRepo, _, handler := testChatDeps()
	router := setupChatRouter(handler)

	soloAdmin := testGroup(5, []int{1}, []int{1, 2, 3})
	twoAdmins := testGroup(5, []int{1, 2}, []int{1, 2, 3})

	convRepo.On("GetWithMembers", mock.Anything, 5).Return(soloAdmin, nil).Once()

	req := httptest.NewRequest(http.MethodPut, "/chats/5/demote-admin",
		bytes.NewBufferString(`{"userId":1}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusConflict, rec.Code)

	convRepo.On("GetWithMembers", mock.Anything, 5).Return(soloAdmin, nil).Once()
	convRepo.On("PromoteMember", mock.Anything, 5, 2).Return(true, nil).Once()
	convRepo.On("GetWithMembers", mock.Anything, 5).Return(twoAdmins, nil).Once()

	req = httptest.NewRequest(http.MethodPut, "/chats/5/promote-admin",
		bytes.NewBufferString(`{"userId":2}`))
	req.Header.Set("Content-Type", "application/json")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	convRepo.On("GetWithMembers", mock.Anything, 5).Return(twoAdmins, nil).Once()
	convRepo.On("DemoteAdminKeepingOne", mock.Anything, 5, 1).Return(true, nil).Once()
	convRepo.On("GetWithMembers", mock.Anything, 5).
		Return(testGroup(5, []int{2}, []int{1, 2, 3}), nil).Once()

	req = httptest.NewRequest(http.MethodPut, "/chats/5/demote-admin",
		bytes.NewBufferString(`{"userId":1}`))
	req.Header.Set("Content-Type", "application/json")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp models.Conversation
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.False(t, resp.IsAdmin(1))
	assert.True(t, resp.IsAdmin(2))
	convRepo.AssertExpectations(t)
}

func TestLeaveReportsDeletion(t *testing.T) {
	_, convRepo, _, handler := testChatDeps()
	router := setupChatRouter(handler)

	convRepo.On("GetWithMembers", mock.Anything, 5).
		Return(testGroup(5, []int{1}, []int{1}), nil).Once()
	convRepo.On("RemoveMemberKeepingAdmin", mock.Anything, 5, 1).Return(true, nil).Once()
	convRepo.On("DeleteIfEmpty", mock.Anything, 5).Return(true, nil).Once()

	req := httptest.NewRequest(http.MethodPost, "/chats/5/leave", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]bool
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.True(t, resp["deleted"])
	convRepo.AssertExpectations(t)
}

func TestDeleteGroupForbiddenForNonAdmin(t *testing.T) {
	_, convRepo, _, handler := testChatDeps()
	router := setupChatRouter(handler)

	convRepo.On("GetWithMembers", mock.Anything, 5).
		Return(testGroup(5, []int{2}, []int{1, 2}), nil).Once()

	req := httptest.NewRequest(http.MethodDelete, "/chats/5", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusForbidden, rec.Code)
	convRepo.AssertNotCalled(t, "Delete", mock.Anything, mock.Anything)
}

func TestClearMessagesKeepsConversation(t *testing.T) {
	_, convRepo, msgRepo, handler := testChatDeps()
	router := setupChatRouter(handler)

	convRepo.On("GetWithMembers", mock.Anything, 5).
		Return(testGroup(5, []int{1}, []int{1, 2}), nil).Once()
	msgRepo.On("DeleteForConversation", mock.Anything, 5).Return(nil).Once()

	req := httptest.NewRequest(http.MethodDelete, "/chats/5/messages", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	convRepo.AssertNotCalled(t, "Delete", mock.Anything, mock.Anything)
	msgRepo.AssertExpectations(t)
}

func TestSearchUsersRequiresQuery(t *testing.T) {
	_, _, _, handler := testChatDeps()
	router := setupChatRouter(handler)

	req := httptest.NewRequest(http.MethodGet, "/chats/search", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSearchUsersSuccess(t *testing.T) {
	userRepo, _, _, handler := testChatDeps()
	router := setupChatRouter(handler)

	userRepo.On("Search", mock.Anything, 1, "ann", 50).
		Return([]models.User{{ID: 2, Name: "Annie"}}, nil).Once()

	req := httptest.NewRequest(http.MethodGet, "/chats/search?query=ann", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	userRepo.AssertExpectations(t)
}
