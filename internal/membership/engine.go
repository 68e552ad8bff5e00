// Package membership is the single authority on who may create, join,
// message, administer, or delete a conversation. Handlers never decide
// permissions themselves; they ask the engine and reflect the result.
//
// Roles are a capability set, not a hierarchy: a user is in zero or more of
// {participant, admin, creator}, and every decision is a set-membership
// check. Checks run in a fixed order (existence, type applicability,
// authorization, business rule) so error responses stay deterministic and
// existence leaks to unauthorized callers stay limited to the
// NotFound/Forbidden split.
package membership

import (
	"context"
	"errors"

	"zing-server/internal/apperr"
	"zing-server/internal/models"
	"zing-server/internal/repositories"
)

// Engine wraps the conversation and message stores with policy checks and
// orchestrates the invariant-preserving transitions. It owns no storage:
// each mutation bottoms out in one conditional atomic update, and when that
// update reports the precondition no longer held the engine re-reads the
// post-state and surfaces a typed error instead of retrying.
type Engine struct {
	conversations repositories.ConversationRepository
	messages      repositories.MessageRepository
	users         repositories.UserRepository
}

// NewEngine constructs the engine over its stores.
func NewEngine(
	conversations repositories.ConversationRepository,
	messages repositories.MessageRepository,
	users repositories.UserRepository,
) *Engine {
	return &Engine{
		conversations: conversations,
		messages:      messages,
		users:         users,
	}
}

func (e *Engine) load(ctx context.Context, conversationID int) (models.Conversation, error) {
	conv, err := e.conversations.GetWithMembers(ctx, conversationID)
	if errors.Is(err, repositories.ErrConversationNotFound) {
		return models.Conversation{}, apperr.NotFound("conversation not found")
	}
	if err != nil {
		return models.Conversation{}, err
	}
	return conv, nil
}

// loadGroupForAdmin runs the shared existence -> type -> authorization
// prefix for group administration operations.
func (e *Engine) loadGroupForAdmin(ctx context.Context, conversationID, requesterID int) (models.Conversation, error) {
	conv, err := e.load(ctx, conversationID)
	if err != nil {
		return models.Conversation{}, err
	}
	if !conv.IsGroup {
		return models.Conversation{}, apperr.InvalidArgument("not a group conversation")
	}
	if !conv.IsAdmin(requesterID) {
		return models.Conversation{}, apperr.Forbidden("admin capability required")
	}
	return conv, nil
}

// CreateDirect returns the direct conversation between the pair, creating it
// on first use. Calling it twice for the same unordered pair yields the same
// conversation.
func (e *Engine) CreateDirect(ctx context.Context, requesterID, otherUserID int) (models.Conversation, error) {
	if otherUserID == requesterID {
		return models.Conversation{}, apperr.InvalidArgument("cannot start a conversation with yourself")
	}
	exists, err := e.users.Exists(ctx, otherUserID)
	if err != nil {
		return models.Conversation{}, err
	}
	if !exists {
		return models.Conversation{}, apperr.NotFound("user not found")
	}

	conv, err := e.conversations.FindDirect(ctx, requesterID, otherUserID)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, repositories.ErrConversationNotFound) {
		return models.Conversation{}, err
	}
	return e.conversations.CreateDirect(ctx, requesterID, otherUserID)
}

// CreateGroup creates a group with the requester as creator and sole initial
// admin. The requester is always part of the participant set.
func (e *Engine) CreateGroup(ctx context.Context, requesterID int, name string, participantIDs []int) (models.Conversation, error) {
	if name == "" {
		return models.Conversation{}, apperr.InvalidArgument("group name is required")
	}

	seen := map[int]struct{}{requesterID: {}}
	members := []int{requesterID}
	for _, id := range participantIDs {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		members = append(members, id)
	}
	if len(members) < 2 {
		return models.Conversation{}, apperr.InvalidArgument("a group needs at least two distinct participants")
	}

	ok, err := e.users.AllExist(ctx, members)
	if err != nil {
		return models.Conversation{}, err
	}
	if !ok {
		return models.Conversation{}, apperr.NotFound("participant not found")
	}

	return e.conversations.CreateGroup(ctx, requesterID, name, members)
}

// AddMember inserts the target into a group's participant set. Re-adding an
// existing member is an idempotent no-op.
func (e *Engine) AddMember(ctx context.Context, requesterID, conversationID, targetUserID int) (models.Conversation, error) {
	conv, err := e.loadGroupForAdmin(ctx, conversationID, requesterID)
	if err != nil {
		return models.Conversation{}, err
	}
	if conv.IsParticipant(targetUserID) {
		return conv, nil
	}
	exists, err := e.users.Exists(ctx, targetUserID)
	if err != nil {
		return models.Conversation{}, err
	}
	if !exists {
		return models.Conversation{}, apperr.NotFound("user not found")
	}
	if _, err := e.conversations.AddMember(ctx, conversationID, targetUserID); err != nil {
		return models.Conversation{}, err
	}
	return e.load(ctx, conversationID)
}

// RemoveMember removes the target from both the participant and admin sets.
// Removing the sole remaining admin is refused; an admin must be reassigned
// first.
func (e *Engine) RemoveMember(ctx context.Context, requesterID, conversationID, targetUserID int) (models.Conversation, error) {
	conv, err := e.loadGroupForAdmin(ctx, conversationID, requesterID)
	if err != nil {
		return models.Conversation{}, err
	}
	if targetUserID == requesterID {
		return models.Conversation{}, apperr.InvalidArgument("use leave to remove yourself")
	}
	if !conv.IsParticipant(targetUserID) {
		return models.Conversation{}, apperr.InvalidArgument("target is not a participant")
	}
	if conv.IsAdmin(targetUserID) && conv.AdminCount() == 1 {
		return models.Conversation{}, apperr.Conflict("reassign admin before removing")
	}

	applied, err := e.conversations.RemoveMemberKeepingAdmin(ctx, conversationID, targetUserID)
	if err != nil {
		return models.Conversation{}, err
	}
	if !applied {
		// A concurrent demotion made the target the sole admin, or a
		// concurrent removal already took them out. Either way the
		// requested transition no longer applies.
		return models.Conversation{}, apperr.Conflict("reassign admin before removing")
	}
	return e.load(ctx, conversationID)
}

// Promote inserts the target into the admin set. Re-promoting an admin is an
// idempotent no-op.
func (e *Engine) Promote(ctx context.Context, requesterID, conversationID, targetUserID int) (models.Conversation, error) {
	conv, err := e.loadGroupForAdmin(ctx, conversationID, requesterID)
	if err != nil {
		return models.Conversation{}, err
	}
	if !conv.IsParticipant(targetUserID) {
		return models.Conversation{}, apperr.InvalidArgument("target is not a participant")
	}
	if conv.IsAdmin(targetUserID) {
		return conv, nil
	}
	if _, err := e.conversations.PromoteMember(ctx, conversationID, targetUserID); err != nil {
		return models.Conversation{}, err
	}
	return e.load(ctx, conversationID)
}

// Demote removes the target from the admin set. Demoting a participant who
// is not an admin returns the conversation unchanged, mirroring the
// re-promote no-op. The admin set may never empty while the group has
// participants, so demoting the sole admin is refused.
func (e *Engine) Demote(ctx context.Context, requesterID, conversationID, targetUserID int) (models.Conversation, error) {
	conv, err := e.loadGroupForAdmin(ctx, conversationID, requesterID)
	if err != nil {
		return models.Conversation{}, err
	}
	if !conv.IsParticipant(targetUserID) {
		return models.Conversation{}, apperr.InvalidArgument("target is not a participant")
	}
	if !conv.IsAdmin(targetUserID) {
		return conv, nil
	}
	if conv.AdminCount() == 1 {
		return models.Conversation{}, apperr.Conflict("cannot demote the only admin")
	}

	applied, err := e.conversations.DemoteAdminKeepingOne(ctx, conversationID, targetUserID)
	if err != nil {
		return models.Conversation{}, err
	}
	if !applied {
		return models.Conversation{}, apperr.Conflict("cannot demote the only admin")
	}
	return e.load(ctx, conversationID)
}

// Leave removes the requester from a group. A sole admin leaving a group
// with other participants first hands admin to the longest-tenured remaining
// member; the last participant leaving deletes the conversation and its
// messages. Returns true when the conversation was deleted. Direct
// conversations cannot be left; a half-vacated direct row would still match
// the pair lookup.
func (e *Engine) Leave(ctx context.Context, requesterID, conversationID int) (bool, error) {
	conv, err := e.load(ctx, conversationID)
	if err != nil {
		return false, err
	}
	if !conv.IsGroup {
		return false, apperr.InvalidArgument("cannot leave a direct conversation")
	}
	if !conv.IsParticipant(requesterID) {
		return false, apperr.Forbidden("not a participant")
	}
	return e.leave(ctx, conv, requesterID)
}

// leave is the removal core shared by Leave and DetachUser. It assumes the
// requester is a participant and skips the group-only gate so account
// deletion can still vacate direct conversations.
func (e *Engine) leave(ctx context.Context, conv models.Conversation, requesterID int) (bool, error) {
	conversationID := conv.ID
	if conv.IsGroup && conv.IsAdmin(requesterID) && conv.AdminCount() == 1 && len(conv.Members) > 1 {
		if _, err := e.conversations.PromoteLongestTenured(ctx, conversationID, requesterID); err != nil {
			return false, err
		}
	}

	applied, err := e.conversations.RemoveMemberKeepingAdmin(ctx, conversationID, requesterID)
	if err != nil {
		return false, err
	}
	if !applied {
		// The promotion above raced with a concurrent leave and the
		// requester is the sole admin again; promote and retry once.
		if _, err := e.conversations.PromoteLongestTenured(ctx, conversationID, requesterID); err != nil {
			return false, err
		}
		if applied, err = e.conversations.RemoveMemberKeepingAdmin(ctx, conversationID, requesterID); err != nil {
			return false, err
		}
		if !applied {
			return false, apperr.Conflict("could not leave conversation")
		}
	}

	return e.conversations.DeleteIfEmpty(ctx, conversationID)
}

// DeleteGroup deletes the conversation and cascades to all of its messages.
func (e *Engine) DeleteGroup(ctx context.Context, requesterID, conversationID int) error {
	if _, err := e.loadGroupForAdmin(ctx, conversationID, requesterID); err != nil {
		return err
	}
	return e.conversations.Delete(ctx, conversationID)
}

// UpdateGroupInfo lets admins edit the group's name, description, and
// picture. Nil fields are left unchanged.
func (e *Engine) UpdateGroupInfo(ctx context.Context, requesterID, conversationID int, name, description, pictureURL *string) (models.Conversation, error) {
	if _, err := e.loadGroupForAdmin(ctx, conversationID, requesterID); err != nil {
		return models.Conversation{}, err
	}
	if name != nil && *name == "" {
		return models.Conversation{}, apperr.InvalidArgument("group name cannot be empty")
	}
	if err := e.conversations.UpdateGroupInfo(ctx, conversationID, name, description, pictureURL); err != nil {
		return models.Conversation{}, err
	}
	return e.load(ctx, conversationID)
}

// ClearMessages removes every message in the conversation while preserving
// the conversation record. Any participant may clear.
func (e *Engine) ClearMessages(ctx context.Context, requesterID, conversationID int) error {
	if err := e.AuthorizeRead(ctx, requesterID, conversationID); err != nil {
		return err
	}
	return e.messages.DeleteForConversation(ctx, conversationID)
}

// AuthorizeSend allows message creation only for current participants,
// regardless of admin status.
func (e *Engine) AuthorizeSend(ctx context.Context, userID, conversationID int) error {
	conv, err := e.load(ctx, conversationID)
	if err != nil {
		return err
	}
	if !conv.IsParticipant(userID) {
		return apperr.Forbidden("not a participant")
	}
	return nil
}

// AuthorizeRead gates message history and the realtime publish path with the
// same participant capability.
func (e *Engine) AuthorizeRead(ctx context.Context, userID, conversationID int) error {
	return e.AuthorizeSend(ctx, userID, conversationID)
}

// DetachUser applies the leave rules to every conversation the user belongs
// to and tombstones their authored messages. Used by account deletion.
func (e *Engine) DetachUser(ctx context.Context, userID int) error {
	convs, err := e.conversations.ListForUser(ctx, userID)
	if err != nil {
		return err
	}
	for _, conv := range convs {
		loaded, err := e.load(ctx, conv.ID)
		if err != nil {
			return err
		}
		if _, err := e.leave(ctx, loaded, userID); err != nil {
			return err
		}
	}
	return e.messages.AnonymizeSender(ctx, userID)
}
