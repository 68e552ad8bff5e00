package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"zing-server/internal/models"
)

var ErrConversationNotFound = errors.New("conversation not found")

// ConversationRepository abstracts conversation and membership persistence.
// Every membership mutation is a single conditional statement so that
// concurrent admin actions on the same conversation serialize at the
// database; a false return means the precondition no longer held and the
// caller must re-read the post-state.
type ConversationRepository interface {
	GetWithMembers(ctx context.Context, id int) (models.Conversation, error)
	FindDirect(ctx context.Context, userA, userB int) (models.Conversation, error)
	CreateDirect(ctx context.Context, userA, userB int) (models.Conversation, error)
	CreateGroup(ctx context.Context, creatorID int, name string, memberIDs []int) (models.Conversation, error)
	ListForUser(ctx context.Context, userID int) ([]models.Conversation, error)
	UpdateGroupInfo(ctx context.Context, id int, name, description, pictureURL *string) error
	AddMember(ctx context.Context, conversationID, userID int) (bool, error)
	RemoveMemberKeepingAdmin(ctx context.Context, conversationID, userID int) (bool, error)
	PromoteMember(ctx context.Context, conversationID, userID int) (bool, error)
	DemoteAdminKeepingOne(ctx context.Context, conversationID, userID int) (bool, error)
	PromoteLongestTenured(ctx context.Context, conversationID, excludeUserID int) (bool, error)
	DeleteIfEmpty(ctx context.Context, conversationID int) (bool, error)
	Delete(ctx context.Context, conversationID int) error
}

// ConversationRepo is a sqlx implementation of ConversationRepository.
type ConversationRepo struct {
	db *sqlx.DB
}

// NewConversationRepo constructs a ConversationRepo.
func NewConversationRepo(db *sqlx.DB) *ConversationRepo {
	return &ConversationRepo{db: db}
}

const conversationColumns = `id, is_group, name, description, picture_url,
    creator_id, last_message_id, last_activity_at, created_at`

// directKey is the canonical identity of a direct conversation: the unordered
// participant pair. A unique index on it makes createDirect idempotent even
// under a create/create race.
func directKey(userA, userB int) string {
	if userA > userB {
		userA, userB = userB, userA
	}
	return fmt.Sprintf("%d:%d", userA, userB)
}

// GetWithMembers fetches a conversation and its member set.
func (r *ConversationRepo) GetWithMembers(ctx context.Context, id int) (models.Conversation, error) {
	var conv models.Conversation
	err := r.db.GetContext(ctx, &conv,
		`SELECT `+conversationColumns+` FROM conversations WHERE id=$1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, ErrConversationNotFound
	}
	if err != nil {
		return models.Conversation{}, err
	}
	if err := r.db.SelectContext(ctx, &conv.Members,
		`SELECT user_id, role, joined_at FROM conversation_members
         WHERE conversation_id=$1 ORDER BY joined_at, user_id`, id); err != nil {
		return models.Conversation{}, err
	}
	return conv, nil
}

// FindDirect looks up the direct conversation for an unordered user pair.
func (r *ConversationRepo) FindDirect(ctx context.Context, userA, userB int) (models.Conversation, error) {
	var id int
	err := r.db.GetContext(ctx, &id,
		`SELECT id FROM conversations WHERE direct_key=$1`, directKey(userA, userB))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, ErrConversationNotFound
	}
	if err != nil {
		return models.Conversation{}, err
	}
	return r.GetWithMembers(ctx, id)
}

// CreateDirect creates the direct conversation for the pair. If a concurrent
// request won the unique-key race, the winner's record is returned.
func (r *ConversationRepo) CreateDirect(ctx context.Context, userA, userB int) (models.Conversation, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Conversation{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var id int
	err = tx.QueryRowxContext(ctx,
		`INSERT INTO conversations (is_group, direct_key) VALUES (FALSE, $1) RETURNING id`,
		directKey(userA, userB)).Scan(&id)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			tx.Rollback()
			err = nil
			return r.FindDirect(ctx, userA, userB)
		}
		return models.Conversation{}, err
	}

	for _, uid := range []int{userA, userB} {
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO conversation_members (conversation_id, user_id, role) VALUES ($1, $2, 'member')`,
			id, uid); err != nil {
			return models.Conversation{}, err
		}
	}

	if err = tx.Commit(); err != nil {
		return models.Conversation{}, err
	}
	return r.GetWithMembers(ctx, id)
}

// CreateGroup creates a group and its members atomically. The creator joins
// as the first admin.
func (r *ConversationRepo) CreateGroup(ctx context.Context, creatorID int, name string, memberIDs []int) (models.Conversation, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Conversation{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var id int
	err = tx.QueryRowxContext(ctx,
		`INSERT INTO conversations (is_group, name, creator_id) VALUES (TRUE, $1, $2) RETURNING id`,
		name, creatorID).Scan(&id)
	if err != nil {
		return models.Conversation{}, err
	}

	if _, err = tx.ExecContext(ctx,
		`INSERT INTO conversation_members (conversation_id, user_id, role) VALUES ($1, $2, 'admin')`,
		id, creatorID); err != nil {
		return models.Conversation{}, err
	}
	for _, uid := range memberIDs {
		if uid == creatorID {
			continue
		}
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO conversation_members (conversation_id, user_id, role) VALUES ($1, $2, 'member')
             ON CONFLICT DO NOTHING`, id, uid); err != nil {
			return models.Conversation{}, err
		}
	}

	if err = tx.Commit(); err != nil {
		return models.Conversation{}, err
	}
	return r.GetWithMembers(ctx, id)
}

// ListForUser returns the conversations the user belongs to, most recent
// activity first. The membership index keeps this proportional to the user's
// own conversations.
func (r *ConversationRepo) ListForUser(ctx context.Context, userID int) ([]models.Conversation, error) {
	var convs []models.Conversation
	err := r.db.SelectContext(ctx, &convs,
		`SELECT c.id, c.is_group, c.name, c.description, c.picture_url,
                c.creator_id, c.last_message_id, c.last_activity_at, c.created_at
         FROM conversations c
         INNER JOIN conversation_members cm ON cm.conversation_id = c.id
         WHERE cm.user_id=$1
         ORDER BY c.last_activity_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	if len(convs) == 0 {
		return []models.Conversation{}, nil
	}

	ids := make([]int, 0, len(convs))
	for _, c := range convs {
		ids = append(ids, c.ID)
	}
	query, args, err := sqlx.In(
		`SELECT conversation_id, user_id, role, joined_at FROM conversation_members
         WHERE conversation_id IN (?) ORDER BY joined_at, user_id`, ids)
	if err != nil {
		return nil, err
	}
	rows, err := r.db.QueryxContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	membersByConv := map[int][]models.Member{}
	for rows.Next() {
		var convID int
		var m models.Member
		if err := rows.Scan(&convID, &m.UserID, &m.Role, &m.JoinedAt); err != nil {
			return nil, err
		}
		membersByConv[convID] = append(membersByConv[convID], m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range convs {
		convs[i].Members = membersByConv[convs[i].ID]
	}
	return convs, nil
}

// UpdateGroupInfo applies the non-nil fields to a group conversation.
func (r *ConversationRepo) UpdateGroupInfo(ctx context.Context, id int, name, description, pictureURL *string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE conversations SET
            name = COALESCE($2, name),
            description = COALESCE($3, description),
            picture_url = COALESCE($4, picture_url)
         WHERE id=$1 AND is_group`, id, name, description, pictureURL)
	if err != nil {
		return err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return ErrConversationNotFound
	}
	return nil
}

// AddMember inserts the user as a member. Returns false when already present.
func (r *ConversationRepo) AddMember(ctx context.Context, conversationID, userID int) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO conversation_members (conversation_id, user_id, role) VALUES ($1, $2, 'member')
         ON CONFLICT DO NOTHING`, conversationID, userID)
	if err != nil {
		return false, err
	}
	count, err := res.RowsAffected()
	return count > 0, err
}

// RemoveMemberKeepingAdmin removes the user from the member set unless doing
// so would leave a non-empty admin-less group: the delete only matches when
// the target is not an admin or another admin remains.
func (r *ConversationRepo) RemoveMemberKeepingAdmin(ctx context.Context, conversationID, userID int) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM conversation_members cm
         WHERE cm.conversation_id=$1 AND cm.user_id=$2
           AND (cm.role <> 'admin' OR EXISTS (
                SELECT 1 FROM conversation_members o
                WHERE o.conversation_id=$1 AND o.user_id <> $2 AND o.role='admin'))`,
		conversationID, userID)
	if err != nil {
		return false, err
	}
	count, err := res.RowsAffected()
	return count > 0, err
}

// PromoteMember grants the admin role. Returns false when the user is not a
// plain member (absent or already admin).
func (r *ConversationRepo) PromoteMember(ctx context.Context, conversationID, userID int) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE conversation_members SET role='admin'
         WHERE conversation_id=$1 AND user_id=$2 AND role='member'`,
		conversationID, userID)
	if err != nil {
		return false, err
	}
	count, err := res.RowsAffected()
	return count > 0, err
}

// DemoteAdminKeepingOne revokes the admin role only while another admin
// remains, so the admin set can never empty out under a demote race.
func (r *ConversationRepo) DemoteAdminKeepingOne(ctx context.Context, conversationID, userID int) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE conversation_members SET role='member'
         WHERE conversation_id=$1 AND user_id=$2 AND role='admin'
           AND EXISTS (
                SELECT 1 FROM conversation_members o
                WHERE o.conversation_id=$1 AND o.user_id <> $2 AND o.role='admin')`,
		conversationID, userID)
	if err != nil {
		return false, err
	}
	count, err := res.RowsAffected()
	return count > 0, err
}

// PromoteLongestTenured promotes the earliest-joined remaining member,
// excluding the given user, and only when no other admin exists. Used when
// the sole admin leaves.
func (r *ConversationRepo) PromoteLongestTenured(ctx context.Context, conversationID, excludeUserID int) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE conversation_members SET role='admin'
         WHERE conversation_id=$1
           AND user_id = (
                SELECT user_id FROM conversation_members
                WHERE conversation_id=$1 AND user_id <> $2 AND role='member'
                ORDER BY joined_at, user_id LIMIT 1)
           AND NOT EXISTS (
                SELECT 1 FROM conversation_members o
                WHERE o.conversation_id=$1 AND o.user_id <> $2 AND o.role='admin')`,
		conversationID, excludeUserID)
	if err != nil {
		return false, err
	}
	count, err := res.RowsAffected()
	return count > 0, err
}

// DeleteIfEmpty removes the conversation once its member set is empty.
// Messages cascade.
func (r *ConversationRepo) DeleteIfEmpty(ctx context.Context, conversationID int) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM conversations c
         WHERE c.id=$1 AND NOT EXISTS (
            SELECT 1 FROM conversation_members WHERE conversation_id=$1)`,
		conversationID)
	if err != nil {
		return false, err
	}
	count, err := res.RowsAffected()
	return count > 0, err
}

// Delete removes the conversation and, by cascade, its members and messages.
func (r *ConversationRepo) Delete(ctx context.Context, conversationID int) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM conversations WHERE id=$1`, conversationID)
	if err != nil {
		return err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return ErrConversationNotFound
	}
	return nil
}
