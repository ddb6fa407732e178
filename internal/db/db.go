// Package db manages MongoDB connections and collections.
package db

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
)

// Client wraps mongo.Client and exposes the collections used by the stores.
type Client struct {
	// client is the underlying MongoDB connection (thread-safe, can be reused)
	client *mongo.Client

	// db is a reference to the "relaychat" database. All collections
	// (users, chats, chat_members, messages) are accessed through it.
	db *mongo.Database
}

// New connects to MongoDB and returns a Client.
func New(ctx context.Context, mongoURI string) (*Client, error) {
	// SetConnectTimeout: fail fast if MongoDB is unreachable
	opts := options.Client().
		ApplyURI(mongoURI).
		SetConnectTimeout(10 * time.Second)

	client, err := mongo.Connect(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	// Ping with a bounded context to verify the connection is working.
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	return &Client{
		client: client,
		db:     client.Database("relaychat"),
	}, nil
}

// UsersCollection returns the users collection.
func (c *Client) UsersCollection() *mongo.Collection {
	return c.db.Collection("users")
}

// ChatsCollection returns the chats collection.
func (c *Client) ChatsCollection() *mongo.Collection {
	return c.db.Collection("chats")
}

// ChatMembersCollection returns the chat membership relation.
func (c *Client) ChatMembersCollection() *mongo.Collection {
	return c.db.Collection("chat_members")
}

// MessagesCollection returns the messages collection.
func (c *Client) MessagesCollection() *mongo.Collection {
	return c.db.Collection("messages")
}

// Close disconnects from MongoDB.
func (c *Client) Close(ctx context.Context) error {
	return c.client.Disconnect(ctx)
}

// CreateIndexes creates the indexes each store's queries rely on.
func (c *Client) CreateIndexes(ctx context.Context) error {
	// Unique index on username: no two users can share a username, and
	// login looks users up by it.
	usersIndexModel := mongo.IndexModel{
		Keys:    bson.D{{Key: "username", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := c.UsersCollection().Indexes().CreateOne(ctx, usersIndexModel); err != nil {
		return fmt.Errorf("failed to create users index: %w", err)
	}

	// Membership rows are looked up by (chat_id, user_id) for the member
	// gate and by user_id alone for a user's chat list. The compound index
	// is unique: a user is a member of a chat at most once.
	memberIndexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "chat_id", Value: 1}, {Key: "user_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "user_id", Value: 1}},
		},
	}
	if _, err := c.ChatMembersCollection().Indexes().CreateMany(ctx, memberIndexes); err != nil {
		return fmt.Errorf("failed to create chat_members indexes: %w", err)
	}

	messageIndexes := []mongo.IndexModel{
		{
			// Transcript listing: all messages of a chat ordered by time.
			Keys: bson.D{{Key: "chat_id", Value: 1}, {Key: "created_at", Value: 1}},
		},
		{
			// Unread counting and seen-marking filter on (chat, sender, seen).
			Keys: bson.D{{Key: "chat_id", Value: 1}, {Key: "sender_id", Value: 1}, {Key: "seen", Value: 1}},
		},
	}
	if _, err := c.MessagesCollection().Indexes().CreateMany(ctx, messageIndexes); err != nil {
		return fmt.Errorf("failed to create message indexes: %w", err)
	}

	// Chat lists are sorted by freshness.
	chatsIndexModel := mongo.IndexModel{
		Keys: bson.D{{Key: "updated_at", Value: -1}},
	}
	if _, err := c.ChatsCollection().Indexes().CreateOne(ctx, chatsIndexModel); err != nil {
		return fmt.Errorf("failed to create chats index: %w", err)
	}

	return nil
}
