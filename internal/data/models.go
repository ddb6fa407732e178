package data

import (
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// User maps to the users collection. The password field holds a bcrypt
// hash and is never serialized into responses.
type User struct {
	ID        bson.ObjectID `bson:"_id,omitempty"`
	Username  string        `bson:"username"` // unique, case-sensitive
	Password  string        `bson:"password"`
	Avatar    string        `bson:"avatar,omitempty"`
	LastSeen  time.Time     `bson:"last_seen"`
	CreatedAt time.Time     `bson:"created_at"`
}

// Profile is the public slice of a user embedded in responses and events.
type Profile struct {
	ID       string    `json:"id"`
	Username string    `json:"username"`
	Avatar   string    `json:"avatar,omitempty"`
	LastSeen time.Time `json:"lastSeen"`
}

// Profile returns the user's public fields.
func (u *User) Profile() Profile {
	return Profile{
		ID:       u.ID.Hex(),
		Username: u.Username,
		Avatar:   u.Avatar,
		LastSeen: u.LastSeen,
	}
}

// Chat maps to the chats collection. UpdatedAt is the freshness marker
// used to sort chat lists; it only ever moves forward.
type Chat struct {
	ID        bson.ObjectID `bson:"_id,omitempty"`
	IsPrivate bool          `bson:"is_private"`
	CreatorID bson.ObjectID `bson:"creator_id"`
	CreatedAt time.Time     `bson:"created_at"`
	UpdatedAt time.Time     `bson:"updated_at"`
}

// ChatMember relates one user to one chat. Rows are immutable once
// created and are the sole authorization source for message access.
type ChatMember struct {
	ChatID    bson.ObjectID `bson:"chat_id"`
	UserID    bson.ObjectID `bson:"user_id"`
	CreatedAt time.Time     `bson:"created_at"`
}

// Message maps to the messages collection. Only the seen flag is mutable
// after creation, and it flips false→true exactly once.
type Message struct {
	ID        bson.ObjectID `bson:"_id,omitempty"`
	ChatID    bson.ObjectID `bson:"chat_id"`
	SenderID  bson.ObjectID `bson:"sender_id"`
	Content   string        `bson:"content"`
	Seen      bool          `bson:"seen"`
	CreatedAt time.Time     `bson:"created_at"`
}

// MessageWithSender is a message plus the sender's display fields as of
// delivery time. The sender fields are denormalized into responses and
// fanout payloads but never into the stored record.
type MessageWithSender struct {
	ID        string        `json:"id"`
	ChatID    string        `json:"chatId"`
	SenderID  string        `json:"senderId"`
	Content   string        `json:"content"`
	Seen      bool          `json:"seen"`
	CreatedAt time.Time     `json:"createdAt"`
	Sender    MessageSender `json:"sender"`
}

// MessageSender is the sender snapshot carried on each delivered message.
type MessageSender struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Avatar   string `json:"avatar,omitempty"`
}

// ChatSummary is one row of a user's chat list: chat metadata, the other
// members' public profiles, the latest message, and the computed unread
// count. Unread counts are derived from message state on every call,
// never cached.
type ChatSummary struct {
	ID           string             `json:"id"`
	IsPrivate    bool               `json:"isPrivate"`
	OtherMembers []Profile          `json:"otherMembers"`
	LastMessage  *MessageWithSender `json:"lastMessage"`
	UnreadCount  int64              `json:"unreadCount"`
	UpdatedAt    time.Time          `json:"updatedAt"`
}
