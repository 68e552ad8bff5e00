package membership

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"zing-server/internal/apperr"
	"zing-server/internal/mocks"
	"zing-server/internal/models"
	"zing-server/internal/repositories"
)

func newTestEngine() (*Engine, *mocks.ConversationRepositoryMock, *mocks.MessageRepositoryMock, *mocks.UserRepositoryMock) {
	convRepo := new(mocks.ConversationRepositoryMock)
	msgRepo := new(mocks.MessageRepositoryMock)
	userRepo := new(mocks.UserRepositoryMock)
	return NewEngine(convRepo, msgRepo, userRepo), convRepo, msgRepo, userRepo
}

func groupConv(id int, admins []int, members []int) models.Conversation {
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

func directConv(id, a, b int) models.Conversation {
	return models.Conversation{ID: id, Members: []models.Member{
		{UserID: a, Role: models.RoleMember},
		{UserID: b, Role: models.RoleMember},
	}}
}

func TestCreateDirectWithSelfRejected(t *testing.T) {
	engine, _, _, _ := newTestEngine()

	_, err := engine.CreateDirect(context.Background(), 1, 1)
	require.Error(t, err)
	assert.Equal(t, apperr.CodeInvalidArgument, apperr.CodeOf(err))
}

func TestCreateDirectIdempotentAcrossOrder(t *testing.T) {
	engine, convRepo, _, userRepo := newTestEngine()
	existing := directConv(42, 1, 2)

	userRepo.On("Exists", mock.Anything, 2).Return(true, nil).Once()
	userRepo.On("Exists", mock.Anything, 1).Return(true, nil).Once()
	convRepo.On("FindDirect", mock.Anything, 1, 2).Return(existing, nil).Once()
	convRepo.On("FindDirect", mock.Anything, 2, 1).Return(existing, nil).Once()

	first, err := engine.CreateDirect(context.Background(), 1, 2)
	require.NoError(t, err)
	second, err := engine.CreateDirect(context.Background(), 2, 1)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	convRepo.AssertNotCalled(t, "CreateDirect", mock.Anything, mock.Anything, mock.Anything)
	convRepo.AssertExpectations(t)
}

func TestCreateDirectCreatesWhenAbsent(t *testing.T) {
	engine, convRepo, _, userRepo := newTestEngine()

	userRepo.On("Exists", mock.Anything, 2).Return(true, nil).Once()
	convRepo.On("FindDirect", mock.Anything, 1, 2).Return(models.Conversation{}, repositories.ErrConversationNotFound).Once()
	convRepo.On("CreateDirect", mock.Anything, 1, 2).Return(directConv(7, 1, 2), nil).Once()

	conv, err := engine.CreateDirect(context.Background(), 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 7, conv.ID)
	convRepo.AssertExpectations(t)
}

func TestCreateDirectUnknownUser(t *testing.T) {
	engine, _, _, userRepo := newTestEngine()

	userRepo.On("Exists", mock.Anything, 99).Return(false, nil).Once()

	_, err := engine.CreateDirect(context.Background(), 1, 99)
	require.Error(t, err)
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))
}

func TestCreateGroupEmptyNameRejected(t *testing.T) {
	engine, _, _, _ := newTestEngine()

	_, err := engine.CreateGroup(context.Background(), 1, "", []int{2, 3})
	require.Error(t, err)
	assert.Equal(t, apperr.CodeInvalidArgument, apperr.CodeOf(err))
}

func TestCreateGroupNeedsTwoDistinctParticipants(t *testing.T) {
	engine, _, _, _ := newTestEngine()

	// Only the requester after dedupe.
	_, err := engine.CreateGroup(context.Background(), 1, "Team", []int{1, 1})
	require.Error(t, err)
	assert.Equal(t, apperr.CodeInvalidArgument, apperr.CodeOf(err))
}

func TestCreateGroupDeduplicatesAndIncludesRequester(t *testing.T) {
	engine, convRepo, _, userRepo := newTestEngine()

	userRepo.On("AllExist", mock.Anything, []int{1, 2, 3}).Return(true, nil).Once()
	convRepo.On("CreateGroup", mock.Anything, 1, "Team", []int{1, 2, 3}).
		Return(groupConv(5, []int{1}, []int{1, 2, 3}), nil).Once()

	conv, err := engine.CreateGroup(context.Background(), 1, "Team", []int{2, 3, 2, 1})
	require.NoError(t, err)
	assert.Equal(t, 5, conv.ID)
	assert.True(t, conv.IsAdmin(1))
	convRepo.AssertExpectations(t)
	userRepo.AssertExpectations(t)
}

func TestCreateGroupUnknownParticipant(t *testing.T) {
	engine, _, _, userRepo := newTestEngine()

	userRepo.On("AllExist", mock.Anything, []int{1, 2, 99}).Return(false, nil).Once()

	_, err := engine.CreateGroup(context.Background(), 1, "Team", []int{2, 99})
	require.Error(t, err)
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))
}

func TestAddMemberMissingConversation(t *testing.T) {
	engine, convRepo, _, _ := newTestEngine()

	convRepo.On("GetWithMembers", mock.Anything, 8).
		Return(models.Conversation{}, repositories.ErrConversationNotFound).Once()

	_, err := engine.AddMember(context.Background(), 1, 8, 2)
	require.Error(t, err)
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))
}

func TestAddMemberDirectConversationRejected(t *testing.T) {
	engine, convRepo, _, _ := newTestEngine()

	// Type applicability is checked before authorization, so even a
	// non-participant caller sees invalid_argument here, not forbidden.
	convRepo.On("GetWithMembers", mock.Anything, 8).Return(directConv(8, 1, 2), nil).Once()

	_, err := engine.AddMember(context.Background(), 9, 8, 3)
	require.Error(t, err)
	assert.Equal(t, apperr.CodeInvalidArgument, apperr.CodeOf(err))
}

func TestAddMemberRequiresAdmin(t *testing.T) {
	engine, convRepo, _, _ := newTestEngine()

	convRepo.On("GetWithMembers", mock.Anything, 5).
		Return(groupConv(5, []int{1}, []int{1, 2, 3}), nil).Once()

	_, err := engine.AddMember(context.Background(), 2, 5, 4)
	require.Error(t, err)
	assert.Equal(t, apperr.CodeForbidden, apperr.CodeOf(err))
}

func TestAddMemberAlreadyParticipantIsNoop(t *testing.T) {
	engine, convRepo, _, _ := newTestEngine()
	conv := groupConv(5, []int{1}, []int{1, 2, 3})

	convRepo.On("GetWithMembers", mock.Anything, 5).Return(conv, nil).Once()

	got, err := engine.AddMember(context.Background(), 1, 5, 3)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, got.ID)
	convRepo.AssertNotCalled(t, "AddMember", mock.Anything, mock.Anything, mock.Anything)
}

func TestAddMemberSuccess(t *testing.T) {
	engine, convRepo, _, userRepo := newTestEngine()

	convRepo.On("GetWithMembers", mock.Anything, 5).
		Return(groupConv(5, []int{1}, []int{1, 2}), nil).Once()
	userRepo.On("Exists", mock.Anything, 3).Return(true, nil).Once()
	convRepo.On("AddMember", mock.Anything, 5, 3).Return(true, nil).Once()
	convRepo.On("GetWithMembers", mock.Anything, 5).
		Return(groupConv(5, []int{1}, []int{1, 2, 3}), nil).Once()

	conv, err := engine.AddMember(context.Background(), 1, 5, 3)
	require.NoError(t, err)
	assert.True(t, conv.IsParticipant(3))
	convRepo.AssertExpectations(t)
}

func TestRemoveMemberSelfRejected(t *testing.T) {
	engine, convRepo, _, _ := newTestEngine()

	convRepo.On("GetWithMembers", mock.Anything, 5).
		Return(groupConv(5, []int{1}, []int{1, 2}), nil).Once()

	_, err := engine.RemoveMember(context.Background(), 1, 5, 1)
	require.Error(t, err)
	assert.Equal(t, apperr.CodeInvalidArgument, apperr.CodeOf(err))
}

func TestRemoveMemberSoleAdminConflicts(t *testing.T) {
	engine, convRepo, _, _ := newTestEngine()

	// A concurrent demotion can leave the target as the last admin between
	// the read and the write; the conditional update reports not-applied and
	// the caller is told to reassign admin first.
	convRepo.On("GetWithMembers", mock.Anything, 5).
		Return(groupConv(5, []int{1, 2}, []int{1, 2, 3}), nil).Once()
	convRepo.On("RemoveMemberKeepingAdmin", mock.Anything, 5, 2).Return(false, nil).Once()

	_, err := engine.RemoveMember(context.Background(), 1, 5, 2)
	require.Error(t, err)
	assert.Equal(t, apperr.CodeConflict, apperr.CodeOf(err))
	convRepo.AssertExpectations(t)
}

func TestRemoveMemberSuccess(t *testing.T) {
	engine, convRepo, _, _ := newTestEngine()

	convRepo.On("GetWithMembers", mock.Anything, 5).
		Return(groupConv(5, []int{1}, []int{1, 2, 3}), nil).Once()
	convRepo.On("RemoveMemberKeepingAdmin", mock.Anything, 5, 3).Return(true, nil).Once()
	convRepo.On("GetWithMembers", mock.Anything, 5).
		Return(groupConv(5, []int{1}, []int{1, 2}), nil).Once()

	conv, err := engine.RemoveMember(context.Background(), 1, 5, 3)
	require.NoError(t, err)
	assert.False(t, conv.IsParticipant(3))
	assert.GreaterOrEqual(t, conv.AdminCount(), 1)
	convRepo.AssertExpectations(t)
}

func TestPromoteNonParticipantRejected(t *testing.T) {
	engine, convRepo, _, _ := newTestEngine()

	convRepo.On("GetWithMembers", mock.Anything, 5).
		Return(groupConv(5, []int{1}, []int{1, 2}), nil).Once()

	_, err := engine.Promote(context.Background(), 1, 5, 9)
	require.Error(t, err)
	assert.Equal(t, apperr.CodeInvalidArgument, apperr.CodeOf(err))
}

func TestPromoteExistingAdminIsNoop(t *testing.T) {
	engine, convRepo, _, _ := newTestEngine()

	convRepo.On("GetWithMembers", mock.Anything, 5).
		Return(groupConv(5, []int{1, 2}, []int{1, 2}), nil).Once()

	conv, err := engine.Promote(context.Background(), 1, 5, 2)
	require.NoError(t, err)
	assert.True(t, conv.IsAdmin(2))
	convRepo.AssertNotCalled(t, "PromoteMember", mock.Anything, mock.Anything, mock.Anything)
}

func TestPromoteSuccess(t *testing.T) {
	engine, convRepo, _, _ := newTestEngine()

	convRepo.On("GetWithMembers", mock.Anything, 5).
		Return(groupConv(5, []int{1}, []int{1, 2}), nil).Once()
	convRepo.On("PromoteMember", mock.Anything, 5, 2).Return(true, nil).Once()
	convRepo.On("GetWithMembers", mock.Anything, 5).
		Return(groupConv(5, []int{1, 2}, []int{1, 2}), nil).Once()

	conv, err := engine.Promote(context.Background(), 1, 5, 2)
	require.NoError(t, err)
	assert.True(t, conv.IsAdmin(2))
	convRepo.AssertExpectations(t)
}

func TestDemoteSoleAdminConflicts(t *testing.T) {
	engine, convRepo, _, _ := newTestEngine()

	convRepo.On("GetWithMembers", mock.Anything, 5).
		Return(groupConv(5, []int{1}, []int{1, 2}), nil).Once()

	_, err := engine.Demote(context.Background(), 1, 5, 1)
	require.Error(t, err)
	assert.Equal(t, apperr.CodeConflict, apperr.CodeOf(err))
}

func TestDemoteNonAdminIsNoop(t *testing.T) {
	engine, convRepo, _, _ := newTestEngine()

	convRepo.On("GetWithMembers", mock.Anything, 5).
		Return(groupConv(5, []int{1}, []int{1, 2}), nil).Once()

	conv, err := engine.Demote(context.Background(), 1, 5, 2)
	require.NoError(t, err)
	assert.False(t, conv.IsAdmin(2))
	convRepo.AssertNotCalled(t, "DemoteAdminKeepingOne", mock.Anything, mock.Anything, mock.Anything)
}

func TestDemoteSuccessAfterSecondAdminConfirmed(t *testing.T) {
	engine, convRepo, _, _ := newTestEngine()

	// A promoted B; with two admins A may now demote self.
	convRepo.On("GetWithMembers", mock.Anything, 5).
		Return(groupConv(5, []int{1, 2}, []int{1, 2, 3}), nil).Once()
	convRepo.On("DemoteAdminKeepingOne", mock.Anything, 5, 1).Return(true, nil).Once()
	convRepo.On("GetWithMembers", mock.Anything, 5).
		Return(groupConv(5, []int{2}, []int{1, 2, 3}), nil).Once()

	conv, err := engine.Demote(context.Background(), 1, 5, 1)
	require.NoError(t, err)
	assert.False(t, conv.IsAdmin(1))
	assert.GreaterOrEqual(t, conv.AdminCount(), 1)
	convRepo.AssertExpectations(t)
}

func TestLeaveDirectConversationRejected(t *testing.T) {
	engine, convRepo, _, _ := newTestEngine()

	convRepo.On("GetWithMembers", mock.Anything, 42).
		Return(directConv(42, 1, 2), nil).Twice()

	_, err := engine.Leave(context.Background(), 1, 42)
	require.Error(t, err)
	assert.Equal(t, apperr.CodeInvalidArgument, apperr.CodeOf(err))
	convRepo.AssertNotCalled(t, "RemoveMemberKeepingAdmin", mock.Anything, mock.Anything, mock.Anything)

	// The pair lookup still resolves to an intact conversation.
	require.NoError(t, engine.AuthorizeSend(context.Background(), 1, 42))
}

func TestLeaveNonParticipantForbidden(t *testing.T) {
	engine, convRepo, _, _ := newTestEngine()

	convRepo.On("GetWithMembers", mock.Anything, 5).
		Return(groupConv(5, []int{1}, []int{1, 2}), nil).Once()

	_, err := engine.Leave(context.Background(), 9, 5)
	require.Error(t, err)
	assert.Equal(t, apperr.CodeForbidden, apperr.CodeOf(err))
}

func TestLeaveSoleAdminHandsOffFirst(t *testing.T) {
	engine, convRepo, _, _ := newTestEngine()

	convRepo.On("GetWithMembers", mock.Anything, 5).
		Return(groupConv(5, []int{1}, []int{1, 2, 3}), nil).Once()
	convRepo.On("PromoteLongestTenured", mock.Anything, 5, 1).Return(true, nil).Once()
	convRepo.On("RemoveMemberKeepingAdmin", mock.Anything, 5, 1).Return(true, nil).Once()
	convRepo.On("DeleteIfEmpty", mock.Anything, 5).Return(false, nil).Once()

	deleted, err := engine.Leave(context.Background(), 1, 5)
	require.NoError(t, err)
	assert.False(t, deleted)
	convRepo.AssertExpectations(t)
}

func TestLeaveLastParticipantDeletesConversation(t *testing.T) {
	engine, convRepo, _, _ := newTestEngine()

	convRepo.On("GetWithMembers", mock.Anything, 5).
		Return(groupConv(5, []int{1}, []int{1}), nil).Once()
	convRepo.On("RemoveMemberKeepingAdmin", mock.Anything, 5, 1).Return(true, nil).Once()
	convRepo.On("DeleteIfEmpty", mock.Anything, 5).Return(true, nil).Once()

	deleted, err := engine.Leave(context.Background(), 1, 5)
	require.NoError(t, err)
	assert.True(t, deleted)
	convRepo.AssertNotCalled(t, "PromoteLongestTenured", mock.Anything, mock.Anything, mock.Anything)
	convRepo.AssertExpectations(t)
}

func TestLeaveRetriesAfterLostPromotion(t *testing.T) {
	engine, convRepo, _, _ := newTestEngine()

	convRepo.On("GetWithMembers", mock.Anything, 5).
		Return(groupConv(5, []int{1, 2}, []int{1, 2, 3}), nil).Once()
	convRepo.On("RemoveMemberKeepingAdmin", mock.Anything, 5, 1).Return(false, nil).Once()
	convRepo.On("PromoteLongestTenured", mock.Anything, 5, 1).Return(true, nil).Once()
	convRepo.On("RemoveMemberKeepingAdmin", mock.Anything, 5, 1).Return(true, nil).Once()
	convRepo.On("DeleteIfEmpty", mock.Anything, 5).Return(false, nil).Once()

	deleted, err := engine.Leave(context.Background(), 1, 5)
	require.NoError(t, err)
	assert.False(t, deleted)
	convRepo.AssertExpectations(t)
}

func TestAuthorizeSendDeniesNonParticipant(t *testing.T) {
	engine, convRepo, _, _ := newTestEngine()

	convRepo.On("GetWithMembers", mock.Anything, 5).Return(directConv(5, 1, 2), nil).Once()
	convRepo.On("GetWithMembers", mock.Anything, 6).
		Return(groupConv(6, []int{1}, []int{1, 2}), nil).Once()

	err := engine.AuthorizeSend(context.Background(), 9, 5)
	require.Error(t, err)
	assert.Equal(t, apperr.CodeForbidden, apperr.CodeOf(err))

	err = engine.AuthorizeSend(context.Background(), 9, 6)
	require.Error(t, err)
	assert.Equal(t, apperr.CodeForbidden, apperr.CodeOf(err))
}

func TestAuthorizeSendAllowsParticipant(t *testing.T) {
	engine, convRepo, _, _ := newTestEngine()

	convRepo.On("GetWithMembers", mock.Anything, 5).Return(directConv(5, 1, 2), nil).Once()

	require.NoError(t, engine.AuthorizeSend(context.Background(), 2, 5))
}

func TestDeleteGroupRequiresAdmin(t *testing.T) {
	engine, convRepo, _, _ := newTestEngine()

	convRepo.On("GetWithMembers", mock.Anything, 5).
		Return(groupConv(5, []int{1}, []int{1, 2}), nil).Once()

	err := engine.DeleteGroup(context.Background(), 2, 5)
	require.Error(t, err)
	assert.Equal(t, apperr.CodeForbidden, apperr.CodeOf(err))
	convRepo.AssertNotCalled(t, "Delete", mock.Anything, mock.Anything)
}

func TestDeleteGroupSuccess(t *testing.T) {
	engine, convRepo, _, _ := newTestEngine()

	convRepo.On("GetWithMembers", mock.Anything, 5).
		Return(groupConv(5, []int{1}, []int{1, 2}), nil).Once()
	convRepo.On("Delete", mock.Anything, 5).Return(nil).Once()

	require.NoError(t, engine.DeleteGroup(context.Background(), 1, 5))
	convRepo.AssertExpectations(t)
}

func TestClearMessagesRequiresParticipant(t *testing.T) {
	engine, convRepo, msgRepo, _ := newTestEngine()

	convRepo.On("GetWithMembers", mock.Anything, 5).Return(directConv(5, 1, 2), nil).Once()

	err := engine.ClearMessages(context.Background(), 9, 5)
	require.Error(t, err)
	assert.Equal(t, apperr.CodeForbidden, apperr.CodeOf(err))
	msgRepo.AssertNotCalled(t, "DeleteForConversation", mock.Anything, mock.Anything)
}

func TestDetachUserLeavesEverythingAndAnonymizes(t *testing.T) {
	engine, convRepo, msgRepo, _ := newTestEngine()

	convRepo.On("ListForUser", mock.Anything, 1).
		Return([]models.Conversation{directConv(5, 1, 2)}, nil).Once()
	convRepo.On("GetWithMembers", mock.Anything, 5).Return(directConv(5, 1, 2), nil).Once()
	convRepo.On("RemoveMemberKeepingAdmin", mock.Anything, 5, 1).Return(true, nil).Once()
	convRepo.On("DeleteIfEmpty", mock.Anything, 5).Return(false, nil).Once()
	msgRepo.On("AnonymizeSender", mock.Anything, 1).Return(nil).Once()

	require.NoError(t, engine.DetachUser(context.Background(), 1))
	convRepo.AssertExpectations(t)
	msgRepo.AssertExpectations(t)
}
