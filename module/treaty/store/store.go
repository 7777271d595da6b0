package store

import (
	"context"

	"TratoChat/module/treaty/model"
)

// MessageStore is the persistence collaborator of the conversation engine.
// Implementations are network-latency-bearing; callers tolerate failures
// per the degraded-send rules in the room.
type MessageStore interface {
	InsertMessage(ctx context.Context, p model.MessageParams) (*model.Message, error)
	// LoadRecent returns up to limit messages, newest first.
	LoadRecent(ctx context.Context, conversationID string, limit int) ([]model.Message, error)
	InsertReceipt(ctx context.Context, r model.ReadReceipt) error
	ListReceipts(ctx context.Context, messageID string) ([]model.ReadReceipt, error)
}
