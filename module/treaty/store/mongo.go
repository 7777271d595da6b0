package store

import (
	"context"
	"time"

	"TratoChat/module/treaty/model"
	"TratoChat/tools/errs"
	"TratoChat/tools/ids"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	collMessages = "treaty_message"
	collReceipts = "treaty_read_receipt"
)

type MongoStore struct {
	msgColl     *mongo.Collection
	receiptColl *mongo.Collection
}

func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{
		msgColl:     db.Collection(collMessages),
		receiptColl: db.Collection(collReceipts),
	}
}

func (s *MongoStore) InsertMessage(ctx context.Context, p model.MessageParams) (*model.Message, error) {
	created := p.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	msg := &model.Message{
		ID:             ids.GenerateString(),
		ConversationID: p.ConversationID,
		SenderID:       p.SenderID,
		SenderName:     p.SenderName,
		Text:           p.Text,
		Tip:            p.Tip,
		Attachments:    p.Attachments,
		CreatedAt:      created,
	}
	if _, err := s.msgColl.InsertOne(ctx, msg); err != nil {
		return nil, errs.ErrStoreFailed.WrapMsg(err.Error(), "conv", p.ConversationID)
	}
	return msg, nil
}

func (s *MongoStore) LoadRecent(ctx context.Context, conversationID string, limit int) ([]model.Message, error) {
	cur, err := s.msgColl.Find(ctx,
		bson.M{"conversation_id": conversationID},
		options.Find().SetSort(bson.M{"created_at": -1}).SetLimit(int64(limit)),
	)
	if err != nil {
		return nil, errs.ErrStoreFailed.WrapMsg(err.Error(), "conv", conversationID)
	}
	defer func() { _ = cur.Close(ctx) }()

	var out []model.Message
	for cur.Next(ctx) {
		var m model.Message
		if err := cur.Decode(&m); err != nil {
			continue
		}
		out = append(out, m)
	}
	return out, errs.Wrap(cur.Err())
}

func (s *MongoStore) InsertReceipt(ctx context.Context, r model.ReadReceipt) error {
	filter := bson.M{"message_id": r.MessageID, "user_id": r.UserID, "status": r.Status}
	update := bson.M{"$setOnInsert": r}
	_, err := s.receiptColl.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		return errs.ErrStoreFailed.WrapMsg(err.Error(), "message", r.MessageID)
	}
	return nil
}

func (s *MongoStore) ListReceipts(ctx context.Context, messageID string) ([]model.ReadReceipt, error) {
	cur, err := s.receiptColl.Find(ctx, bson.M{"message_id": messageID})
	if err != nil {
		return nil, errs.ErrStoreFailed.WrapMsg(err.Error(), "message", messageID)
	}
	defer func() { _ = cur.Close(ctx) }()

	var out []model.ReadReceipt
	for cur.Next(ctx) {
		var r model.ReadReceipt
		if err := cur.Decode(&r); err != nil {
			continue
		}
		out = append(out, r)
	}
	return out, errs.Wrap(cur.Err())
}
