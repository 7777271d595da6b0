package store

import (
	"context"
	"time"

	"TratoChat/module/treaty/model"
	"TratoChat/tools/errs"
	"TratoChat/tools/ids"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is the relational backend for installations that keep the
// dashboard schema in Postgres instead of Mongo. Same contract, same
// degraded-send tolerance upstream.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errs.ErrStoreFailed.WrapMsg(err.Error(), "dsn", "postgres")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errs.ErrStoreFailed.WrapMsg(err.Error(), "ping", "postgres")
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() { s.pool.Close() }

func (s *PostgresStore) InsertMessage(ctx context.Context, p model.MessageParams) (*model.Message, error) {
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

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, errs.ErrStoreFailed.WrapMsg(err.Error(), "conv", p.ConversationID)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`INSERT INTO treaty_message (id, conversation_id, sender_id, sender_name, text, tip, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		msg.ID, msg.ConversationID, msg.SenderID, msg.SenderName, msg.Text, msg.Tip, msg.CreatedAt)
	if err != nil {
		return nil, errs.ErrStoreFailed.WrapMsg(err.Error(), "conv", p.ConversationID)
	}
	for _, a := range msg.Attachments {
		_, err = tx.Exec(ctx,
			`INSERT INTO treaty_attachment (message_id, name, url, content_type, size)
			 VALUES ($1, $2, $3, $4, $5)`,
			msg.ID, a.Name, a.URL, a.ContentType, a.Size)
		if err != nil {
			return nil, errs.ErrStoreFailed.WrapMsg(err.Error(), "message", msg.ID)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, errs.ErrStoreFailed.WrapMsg(err.Error(), "conv", p.ConversationID)
	}
	return msg, nil
}

func (s *PostgresStore) LoadRecent(ctx context.Context, conversationID string, limit int) ([]model.Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, conversation_id, sender_id, sender_name, text, COALESCE(tip, ''), created_at
		 FROM treaty_message
		 WHERE conversation_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		conversationID, limit)
	if err != nil {
		return nil, errs.ErrStoreFailed.WrapMsg(err.Error(), "conv", conversationID)
	}
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		var m model.Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.SenderName, &m.Text, &m.Tip, &m.CreatedAt); err != nil {
			return nil, errs.ErrStoreFailed.WrapMsg(err.Error(), "conv", conversationID)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.ErrStoreFailed.WrapMsg(err.Error(), "conv", conversationID)
	}

	for i := range out {
		atts, err := s.loadAttachments(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Attachments = atts
	}
	return out, nil
}

func (s *PostgresStore) loadAttachments(ctx context.Context, messageID string) ([]model.Attachment, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT name, url, content_type, size FROM treaty_attachment WHERE message_id = $1`,
		messageID)
	if err != nil {
		return nil, errs.ErrStoreFailed.WrapMsg(err.Error(), "message", messageID)
	}
	defer rows.Close()

	var out []model.Attachment
	for rows.Next() {
		var a model.Attachment
		if err := rows.Scan(&a.Name, &a.URL, &a.ContentType, &a.Size); err != nil {
			return nil, errs.ErrStoreFailed.WrapMsg(err.Error(), "message", messageID)
		}
		out = append(out, a)
	}
	return out, errs.Wrap(rows.Err())
}

func (s *PostgresStore) InsertReceipt(ctx context.Context, r model.ReadReceipt) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO treaty_read_receipt (message_id, conversation_id, user_id, status, marked_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (message_id, user_id, status) DO NOTHING`,
		r.MessageID, r.ConversationID, r.UserID, r.Status, r.MarkedAt)
	if err != nil {
		return errs.ErrStoreFailed.WrapMsg(err.Error(), "message", r.MessageID)
	}
	return nil
}

func (s *PostgresStore) ListReceipts(ctx context.Context, messageID string) ([]model.ReadReceipt, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT message_id, conversation_id, user_id, status, marked_at
		 FROM treaty_read_receipt WHERE message_id = $1`,
		messageID)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, errs.ErrStoreFailed.WrapMsg(err.Error(), "message", messageID)
	}
	defer rows.Close()

	var out []model.ReadReceipt
	for rows.Next() {
		var r model.ReadReceipt
		if err := rows.Scan(&r.MessageID, &r.ConversationID, &r.UserID, &r.Status, &r.MarkedAt); err != nil {
			return nil, errs.ErrStoreFailed.WrapMsg(err.Error(), "message", messageID)
		}
		out = append(out, r)
	}
	return out, errs.Wrap(rows.Err())
}
