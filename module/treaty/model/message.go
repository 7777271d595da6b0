package model

import (
	"time"
)

// Attachment is persisted embedded in its message.
type Attachment struct {
	Name        string `bson:"name" json:"name"`
	URL         string `bson:"url" json:"url"`
	ContentType string `bson:"content_type" json:"content_type"`
	Size        int64  `bson:"size" json:"size"`
}

// Message is the durable chat record for one treaty conversation.
// Temporary is set only on best-effort broadcasts that never reached the
// store; those ids carry a "tmp-" prefix and are not cached.
type Message struct {
	ID             string       `bson:"_id" json:"id"`
	ConversationID string       `bson:"conversation_id" json:"conversation_id"`
	SenderID       string       `bson:"sender_id" json:"sender_id"`
	SenderName     string       `bson:"sender_name" json:"sender_name"`
	Text           string       `bson:"text" json:"text"`
	Tip            string       `bson:"tip,omitempty" json:"tip,omitempty"`
	Attachments    []Attachment `bson:"attachments,omitempty" json:"attachments,omitempty"`
	Temporary      bool         `bson:"-" json:"temporary,omitempty"`
	CreatedAt      time.Time    `bson:"created_at" json:"created_at"`
}

// MessageParams is what a send carries before persistence fills in the id.
type MessageParams struct {
	ConversationID string
	SenderID       string
	SenderName     string
	Text           string
	Tip            string
	Attachments    []Attachment
	CreatedAt      time.Time
}

// ReadReceipt mirrors a delivered/read mark into the store for history
// queries; the live table is the status tracker.
type ReadReceipt struct {
	MessageID      string    `bson:"message_id" json:"message_id"`
	ConversationID string    `bson:"conversation_id" json:"conversation_id"`
	UserID         string    `bson:"user_id" json:"user_id"`
	Status         string    `bson:"status" json:"status"`
	MarkedAt       time.Time `bson:"marked_at" json:"marked_at"`
}
