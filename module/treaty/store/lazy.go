package store

import (
	"context"

	"TratoChat/module/treaty/model"
	"TratoChat/service/mgo"
	"TratoChat/tools/errs"
)

// LazyMongoStore resolves the database on every call, so the engine boots
// before mongo is reachable and picks up reconnects for free. Calls made
// while mongo is down fail fast and ride the degraded-send path.
type LazyMongoStore struct{}

func NewLazyMongoStore() *LazyMongoStore { return &LazyMongoStore{} }

func (s *LazyMongoStore) get() (*MongoStore, error) {
	db, ok := mgo.TryGetDB()
	if !ok {
		return nil, errs.ErrStoreFailed.WrapMsg("mongo not ready")
	}
	return NewMongoStore(db), nil
}

func (s *LazyMongoStore) InsertMessage(ctx context.Context, p model.MessageParams) (*model.Message, error) {
	st, err := s.get()
	if err != nil {
		return nil, err
	}
	return st.InsertMessage(ctx, p)
}

func (s *LazyMongoStore) LoadRecent(ctx context.Context, conversationID string, limit int) ([]model.Message, error) {
	st, err := s.get()
	if err != nil {
		return nil, err
	}
	return st.LoadRecent(ctx, conversationID, limit)
}

func (s *LazyMongoStore) InsertReceipt(ctx context.Context, r model.ReadReceipt) error {
	st, err := s.get()
	if err != nil {
		return err
	}
	return st.InsertReceipt(ctx, r)
}

func (s *LazyMongoStore) ListReceipts(ctx context.Context, messageID string) ([]model.ReadReceipt, error) {
	st, err := s.get()
	if err != nil {
		return nil, err
	}
	return st.ListReceipts(ctx, messageID)
}
