package domain

import "time"

// ChatEntry is one persisted line of a session's conversation.
type ChatEntry struct {
	ID         int64     `json:"id"`
	SessionKey string    `json:"session_key"`
	Role       string    `json:"role"`
	Text       string    `json:"text"`
	CardID     string    `json:"card_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
