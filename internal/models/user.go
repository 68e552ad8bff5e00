package models

import "time"

// Visibility values for profile and last-seen preferences.
const (
	VisibilityEveryone = "everyone"
	VisibilityContacts = "contacts"
	VisibilityNobody   = "nobody"
)

// Preferences is the per-user preference set.
type Preferences struct {
	Theme              string `json:"theme"`
	Notifications      bool   `json:"notifications"`
	ReadReceipts       bool   `json:"readReceipts"`
	ProfileVisibility  string `json:"profileVisibility"`
	LastSeenVisibility string `json:"lastSeenVisibility"`
}

// DefaultPreferences returns the preference set applied at registration.
func DefaultPreferences() Preferences {
	return Preferences{
		Theme:              "light",
		Notifications:      true,
		ReadReceipts:       true,
		ProfileVisibility:  VisibilityEveryone,
		LastSeenVisibility: VisibilityEveryone,
	}
}

// User is an identity record. Either Email or Mobile may serve as the login
// identifier; at least one is always set.
type User struct {
	ID           int         `json:"id"`
	Name         string      `json:"name"`
	Email        *string     `json:"email,omitempty"`
	Mobile       *string     `json:"mobile,omitempty"`
	PasswordHash string      `json:"-"`
	AvatarURL    *string     `json:"profilePicture,omitempty"`
	Status       *string     `json:"status,omitempty"`
	Preferences  Preferences `json:"preferences"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// ProfileUpdate carries the caller-editable profile fields. Nil means leave
// unchanged.
type ProfileUpdate struct {
	Name        *string
	Status      *string
	AvatarURL   *string
	Preferences *Preferences
}
