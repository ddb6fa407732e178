// Package data provides DB models and stores.
package data

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

var (
	ErrUserExists   = errors.New("user already exists")
	ErrUserNotFound = errors.New("user not found")
)

// UsersStore performs user DB operations.
type UsersStore struct {
	// coll is a reference to the "users" collection in MongoDB
	coll *mongo.Collection
}

// NewUsersStore returns a UsersStore using the provided collection.
func NewUsersStore(coll *mongo.Collection) *UsersStore {
	return &UsersStore{coll: coll}
}

// CreateUser inserts a new user document with an already-hashed password.
func (u *UsersStore) CreateUser(ctx context.Context, username, hashedPassword string) (*User, error) {
	now := time.Now().UTC()
	user := &User{
		Username:  username,       // Already normalized by the caller
		Password:  hashedPassword, // Already hashed by auth.HashPassword()
		LastSeen:  now,
		CreatedAt: now,
	}

	result, err := u.coll.InsertOne(ctx, user)
	if err != nil {
		// Duplicate key means the unique username index rejected the insert
		if mongo.IsDuplicateKeyError(err) {
			return nil, ErrUserExists
		}
		return nil, err
	}

	// MongoDB auto-generates the _id field; extract it and set on the struct
	user.ID = result.InsertedID.(bson.ObjectID)

	return user, nil
}

// GetUserByUsername finds a user by username. The lookup is case-sensitive.
func (u *UsersStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	var user User
	err := u.coll.FindOne(ctx, bson.M{"username": username}).Decode(&user)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

// GetUserByID finds a user by ObjectID.
func (u *UsersStore) GetUserByID(ctx context.Context, id bson.ObjectID) (*User, error) {
	var user User
	err := u.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&user)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

// GetUsersByIDs returns the users for the given ids, keyed by hex id.
// Missing ids are silently absent from the result.
func (u *UsersStore) GetUsersByIDs(ctx context.Context, ids []bson.ObjectID) (map[string]*User, error) {
	users := make(map[string]*User, len(ids))
	if len(ids) == 0 {
		return users, nil
	}

	cursor, err := u.coll.Find(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var found []*User
	if err = cursor.All(ctx, &found); err != nil {
		return nil, err
	}

	for _, usr := range found {
		users[usr.ID.Hex()] = usr
	}
	return users, nil
}

// TouchLastSeen refreshes the user's last-seen timestamp. Called on every
// successful authentication.
func (u *UsersStore) TouchLastSeen(ctx context.Context, id bson.ObjectID) error {
	_, err := u.coll.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"last_seen": time.Now().UTC()}},
	)
	return err
}
