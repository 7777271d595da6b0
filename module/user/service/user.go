package service

import (
	"context"

	usermodel "TratoChat/module/user/model"
	"TratoChat/service/mgo"
	"TratoChat/tools/errs"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

// DefaultDisplayName is broadcast when the directory lookup fails; a send
// never fails because of a missing profile.
const DefaultDisplayName = "Usuário"

// Directory is the user-directory collaborator.
type Directory interface {
	GetUser(ctx context.Context, id string) (*usermodel.User, error)
	GetUserByUsername(ctx context.Context, username string) (*usermodel.User, error)
}

const collUsers = "users"

type MongoDirectory struct {
	coll *mongo.Collection
}

func NewMongoDirectory(db *mongo.Database) *MongoDirectory {
	return &MongoDirectory{coll: db.Collection(collUsers)}
}

func (d *MongoDirectory) GetUser(ctx context.Context, id string) (*usermodel.User, error) {
	var u usermodel.User
	err := d.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&u)
	if err == mongo.ErrNoDocuments {
		return nil, errs.ErrRecordNotFound.WrapMsg("user", "id", id)
	}
	if err != nil {
		return nil, errs.ErrUserLookup.WrapMsg(err.Error(), "id", id)
	}
	return &u, nil
}

func (d *MongoDirectory) GetUserByUsername(ctx context.Context, username string) (*usermodel.User, error) {
	var u usermodel.User
	err := d.coll.FindOne(ctx, bson.M{"username": username}).Decode(&u)
	if err == mongo.ErrNoDocuments {
		return nil, errs.ErrRecordNotFound.WrapMsg("user", "username", username)
	}
	if err != nil {
		return nil, errs.ErrUserLookup.WrapMsg(err.Error(), "username", username)
	}
	return &u, nil
}

// ResolveDisplayName degrades to DefaultDisplayName on any lookup error.
func ResolveDisplayName(ctx context.Context, dir Directory, userID string) string {
	u, err := dir.GetUser(ctx, userID)
	if err != nil || u == nil {
		return DefaultDisplayName
	}
	if u.DisplayName != "" {
		return u.DisplayName
	}
	if u.Username != "" {
		return u.Username
	}
	return DefaultDisplayName
}

// LazyMongoDirectory defers the database handle to call time; lookups made
// before mongo is ready fail, which ResolveDisplayName absorbs.
type LazyMongoDirectory struct{}

func NewLazyMongoDirectory() *LazyMongoDirectory { return &LazyMongoDirectory{} }

func (d *LazyMongoDirectory) get() (*MongoDirectory, error) {
	db, ok := mgo.TryGetDB()
	if !ok {
		return nil, errs.ErrUserLookup.WrapMsg("mongo not ready")
	}
	return NewMongoDirectory(db), nil
}

func (d *LazyMongoDirectory) GetUser(ctx context.Context, id string) (*usermodel.User, error) {
	dir, err := d.get()
	if err != nil {
		return nil, err
	}
	return dir.GetUser(ctx, id)
}

func (d *LazyMongoDirectory) GetUserByUsername(ctx context.Context, username string) (*usermodel.User, error) {
	dir, err := d.get()
	if err != nil {
		return nil, err
	}
	return dir.GetUserByUsername(ctx, username)
}
