package models

import "time"

// Member roles within a conversation.
const (
	RoleMember = "member"
	RoleAdmin  = "admin"
)

// Member is one user's membership in a conversation.
type Member struct {
	UserID   int       `db:"user_id" json:"userId"`
	Role     string    `db:"role" json:"role"`
	JoinedAt time.Time `db:"joined_at" json:"joined_at"`
}

// Conversation is a direct or group channel. Direct conversations have
// exactly two members, no name, and no admins.
type Conversation struct {
	ID             int       `db:"id" json:"id"`
	IsGroup        bool      `db:"is_group" json:"isGroup"`
	Name           *string   `db:"name" json:"name,omitempty"`
	Description    *string   `db:"description" json:"description,omitempty"`
	PictureURL     *string   `db:"picture_url" json:"picture,omitempty"`
	CreatorID      *int      `db:"creator_id" json:"creatorId,omitempty"`
	LastMessageID  *int      `db:"last_message_id" json:"lastMessageId,omitempty"`
	LastActivityAt time.Time `db:"last_activity_at" json:"last_activity_at"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	Members        []Member  `db:"-" json:"members"`
}

// IsParticipant reports whether the user belongs to the conversation.
func (c *Conversation) IsParticipant(userID int) bool {
	for _, m := range c.Members {
		if m.UserID == userID {
			return true
		}
	}
	return false
}

// IsAdmin reports whether the user holds the admin capability.
func (c *Conversation) IsAdmin(userID int) bool {
	for _, m := range c.Members {
		if m.UserID == userID && m.Role == RoleAdmin {
			return true
		}
	}
	return false
}

// AdminCount returns the size of the admin set.
func (c *Conversation) AdminCount() int {
	n := 0
	for _, m := range c.Members {
		if m.Role == RoleAdmin {
			n++
		}
	}
	return n
}
