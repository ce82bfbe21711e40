package storage

import "time"

// Message kinds stored in the message_type column.
const (
	KindText  = "text"
	KindImage = "image"
)

// Message is a direct message between two users. Timestamp is the
// client-supplied ISO-8601 string and acts as the ordering key for pending
// replay and history; the id only breaks ties between equal timestamps.
type Message struct {
	ID          int64  `json:"id"`
	SenderID    string `json:"sender_user_id"`
	RecipientID string `json:"recipient_user_id"`
	Content     string `json:"content"`
	Timestamp   string `json:"timestamp"`
	Kind        string `json:"message_type"`
	Image       bool   `json:"image"`
	Pending     bool   `json:"-"`
}

// GlobalMessage is an entry of the global broadcast log. It carries no
// delivery tracking; clients that were offline rely on the bounded recent
// history instead.
type GlobalMessage struct {
	ID         int64  `json:"id"`
	SenderID   string `json:"sender_user_id"`
	SenderName string `json:"sender_name"`
	Content    string `json:"content"`
	Timestamp  string `json:"timestamp"`
	Kind       string `json:"message_type"`
}

type RegisteredUser struct {
	UserID       string    `json:"userId"`
	Username     string    `json:"username"`
	RegisteredAt time.Time `json:"registeredAt"`
	Banned       bool      `json:"-"`
}
