package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"zing-server/internal/models"
)

var ErrMessageNotFound = errors.New("message not found")

// MessageRepository defines interactions for messages, their attachments,
// and the append-only read set.
type MessageRepository interface {
	Create(ctx context.Context, conversationID, senderID int, content string, attachments []models.Attachment) (models.Message, error)
	Get(ctx context.Context, messageID int) (models.Message, error)
	ListForConversation(ctx context.Context, conversationID, page, limit int) ([]models.Message, error)
	MarkRead(ctx context.Context, messageID, userID int) (models.Message, error)
	DeleteForConversation(ctx context.Context, conversationID int) error
	AnonymizeSender(ctx context.Context, userID int) error
}

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

// Create stores a message with its attachments atomically, preserving
// attachment order.
func (r *MessageRepo) Create(ctx context.Context, conversationID, senderID int, content string, attachments []models.Attachment) (models.Message, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Message{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var msg models.Message
	err = tx.QueryRowxContext(ctx,
		`INSERT INTO messages (conversation_id, sender_id, content) VALUES ($1, $2, $3)
         RETURNING id, conversation_id, sender_id, content, created_at`,
		conversationID, senderID, content).
		Scan(&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.Content, &msg.CreatedAt)
	if err != nil {
		return models.Message{}, err
	}

	for i, att := range attachments {
		var stored models.Attachment
		err = tx.QueryRowxContext(ctx,
			`INSERT INTO attachments (message_id, url, kind, name, size, position)
             VALUES ($1, $2, $3, $4, $5, $6)
             RETURNING id, message_id, url, kind, name, size, position`,
			msg.ID, att.URL, att.Kind, att.Name, att.Size, i).
			Scan(&stored.ID, &stored.MessageID, &stored.URL, &stored.Kind, &stored.Name, &stored.Size, &stored.Position)
		if err != nil {
			return models.Message{}, err
		}
		msg.Attachments = append(msg.Attachments, stored)
	}

	if _, err = tx.ExecContext(ctx,
		`UPDATE conversations SET last_message_id=$2, last_activity_at=NOW() WHERE id=$1`,
		conversationID, msg.ID); err != nil {
		return models.Message{}, err
	}

	if err = tx.Commit(); err != nil {
		return models.Message{}, err
	}
	msg.ReadBy = []int{}
	return msg, nil
}

// Get retrieves a single message with attachments and read set.
func (r *MessageRepo) Get(ctx context.Context, messageID int) (models.Message, error) {
	var msg models.Message
	err := r.db.GetContext(ctx, &msg,
		`SELECT id, conversation_id, sender_id, content, created_at FROM messages WHERE id=$1`,
		messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	if err != nil {
		return models.Message{}, err
	}
	msgs := []models.Message{msg}
	if err := r.attachDetails(ctx, msgs); err != nil {
		return models.Message{}, err
	}
	return msgs[0], nil
}

// ListForConversation returns one page of messages, newest first. Callers
// reverse the page for oldest-to-newest display order.
func (r *MessageRepo) ListForConversation(ctx context.Context, conversationID, page, limit int) ([]models.Message, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if page < 1 {
		page = 1
	}
	var msgs []models.Message
	err := r.db.SelectContext(ctx, &msgs,
		`SELECT id, conversation_id, sender_id, content, created_at FROM messages
         WHERE conversation_id=$1
         ORDER BY created_at DESC, id DESC
         LIMIT $2 OFFSET $3`, conversationID, limit, (page-1)*limit)
	if err != nil {
		return nil, err
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	if err := r.attachDetails(ctx, msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (r *MessageRepo) attachDetails(ctx context.Context, msgs []models.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	ids := make([]int, 0, len(msgs))
	byID := make(map[int]*models.Message, len(msgs))
	for i := range msgs {
		ids = append(ids, msgs[i].ID)
		byID[msgs[i].ID] = &msgs[i]
		msgs[i].Attachments = []models.Attachment{}
		msgs[i].ReadBy = []int{}
	}

	query, args, err := sqlx.In(
		`SELECT id, message_id, url, kind, name, size, position FROM attachments
         WHERE message_id IN (?) ORDER BY message_id, position`, ids)
	if err != nil {
		return err
	}
	var atts []models.Attachment
	if err := r.db.SelectContext(ctx, &atts, r.db.Rebind(query), args...); err != nil {
		return err
	}
	for _, att := range atts {
		if m, ok := byID[att.MessageID]; ok {
			m.Attachments = append(m.Attachments, att)
		}
	}

	query, args, err = sqlx.In(
		`SELECT message_id, user_id FROM message_reads WHERE message_id IN (?) ORDER BY read_at`, ids)
	if err != nil {
		return err
	}
	rows, err := r.db.QueryxContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var messageID, userID int
		if err := rows.Scan(&messageID, &userID); err != nil {
			return err
		}
		if m, ok := byID[messageID]; ok {
			m.ReadBy = append(m.ReadBy, userID)
		}
	}
	return rows.Err()
}

// MarkRead inserts the reader into the message's read set at most once and
// returns the refreshed message.
func (r *MessageRepo) MarkRead(ctx context.Context, messageID, userID int) (models.Message, error) {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO message_reads (message_id, user_id) VALUES ($1, $2)
         ON CONFLICT DO NOTHING`, messageID, userID)
	if err != nil {
		return models.Message{}, err
	}
	if _, err := res.RowsAffected(); err != nil {
		return models.Message{}, err
	}
	return r.Get(ctx, messageID)
}

// DeleteForConversation removes every message in the conversation; the
// conversation record itself survives.
func (r *MessageRepo) DeleteForConversation(ctx context.Context, conversationID int) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM messages WHERE conversation_id=$1`, conversationID)
	return err
}

// AnonymizeSender tombstones the sender reference on every message the user
// authored; the messages themselves remain.
func (r *MessageRepo) AnonymizeSender(ctx context.Context, userID int) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE messages SET sender_id=NULL WHERE sender_id=$1`, userID)
	return err
}
