package data

import (
	"context"
	"errors"
	"sort"

	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"relaychat/internal/normalize"
)

// ErrEmptyContent is returned when message content is empty after trimming.
var ErrEmptyContent = errors.New("message content is required")

// MessagesStore provides message database operations. Every read and
// write is gated on chat membership via the MembershipStore; a failed
// gate surfaces as ErrNotMember so callers can hide chat existence.
type MessagesStore struct {
	coll       *mongo.Collection
	chats      *mongo.Collection
	membership *MembershipStore
	users      *UsersStore
}

// NewMessagesStore returns a MessagesStore over the messages collection,
// wired to the membership authority and the users store for sender
// display fields.
func NewMessagesStore(coll, chats *mongo.Collection, membership *MembershipStore, users *UsersStore) *MessagesStore {
	return &MessagesStore{coll: coll, chats: chats, membership: membership, users: users}
}

// CreateMessage persists a message in the chat on behalf of senderID.
//
// The sender must be a member of the chat; content must be non-empty after
// trimming. On success the message is stored with seen=false, the chat's
// updated_at is bumped to the message's created_at, and the returned value
// carries the sender's display fields resolved as of creation time. Those
// display fields go into responses and fanout payloads only, never into
// the stored record.
func (m *MessagesStore) CreateMessage(ctx context.Context, chatID, senderID bson.ObjectID, content string) (*MessageWithSender, error) {
	content = normalize.Content(content)
	if content == "" {
		return nil, ErrEmptyContent
	}

	// Membership gate before any write
	member, err := m.membership.IsMember(ctx, chatID, senderID)
	if err != nil {
		return nil, err
	}
	if !member {
		return nil, ErrNotMember
	}

	// Resolve the sender before inserting so a vanished sender cannot
	// produce a message without display fields.
	sender, err := m.users.GetUserByID(ctx, senderID)
	if err != nil {
		return nil, err
	}

	msg := &Message{
		ChatID:    chatID,
		SenderID:  senderID,
		Content:   content,
		Seen:      false,
		CreatedAt: time.Now().UTC(),
	}

	// The driver assigns the ObjectID at insert; its embedded counter is
	// atomic and strictly increasing within this process, which keeps the
	// per-chat (created_at, id) order total even under concurrent creates.
	result, err := m.coll.InsertOne(ctx, msg)
	if err != nil {
		return nil, err
	}
	msg.ID = result.InsertedID.(bson.ObjectID)

	// $max guarantees the freshness marker only ever moves forward, even
	// when concurrent creates land out of order.
	_, err = m.chats.UpdateOne(ctx,
		bson.M{"_id": chatID},
		bson.M{"$max": bson.M{"updated_at": msg.CreatedAt}},
	)
	if err != nil {
		return nil, err
	}

	return msg.withSender(sender), nil
}

// ListMessages returns the chat's full transcript for readerID, ordered
// by (created_at, id) ascending.
//
// This is an explicit two-effect operation: fetching the transcript also
// marks every message not sent by the reader as seen. A client that has
// fetched the transcript has, by definition, seen it. The mark happens
// before the read so the returned records already reflect the new seen
// state; a crash in between leaves stored state marked and the client
// simply re-fetches.
func (m *MessagesStore) ListMessages(ctx context.Context, chatID, readerID bson.ObjectID) ([]MessageWithSender, error) {
	member, err := m.membership.IsMember(ctx, chatID, readerID)
	if err != nil {
		return nil, err
	}
	if !member {
		return nil, ErrNotMember
	}

	// Implicit read-receipt: flip others' unseen messages. Seen only ever
	// transitions false→true, and never for the reader's own messages.
	_, err = m.coll.UpdateMany(ctx,
		bson.M{
			"chat_id":   chatID,
			"sender_id": bson.M{"$ne": readerID},
			"seen":      false,
		},
		bson.M{"$set": bson.M{"seen": true}},
	)
	if err != nil {
		return nil, err
	}

	opts := options.Find().SetSort(bson.D{
		{Key: "created_at", Value: 1},
		{Key: "_id", Value: 1}, // tie-break keeps the order total
	})
	cursor, err := m.coll.Find(ctx, bson.M{"chat_id": chatID}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var messages []*Message
	if err = cursor.All(ctx, &messages); err != nil {
		return nil, err
	}

	return m.attachSenders(ctx, messages)
}

// UnreadCount computes the number of messages in the chat that were not
// sent by userID and are still unseen. It is always derived from message
// state so it cannot drift.
func (m *MessagesStore) UnreadCount(ctx context.Context, chatID, userID bson.ObjectID) (int64, error) {
	return m.coll.CountDocuments(ctx, bson.M{
		"chat_id":   chatID,
		"sender_id": bson.M{"$ne": userID},
		"seen":      false,
	})
}

// ListChatsForUser assembles the user's chat list: for every chat the
// user belongs to, the chat metadata, the other members' public profiles,
// the most recent message, and the unread count, ordered by chat
// freshness descending.
func (m *MessagesStore) ListChatsForUser(ctx context.Context, userID bson.ObjectID) ([]ChatSummary, error) {
	chatIDs, err := m.membership.ChatsOf(ctx, userID)
	if err != nil {
		return nil, err
	}

	summaries := make([]ChatSummary, 0, len(chatIDs))
	for _, chatID := range chatIDs {
		chat, err := m.membership.GetChat(ctx, chatID)
		if err != nil {
			// A membership row pointing at a missing chat is skipped rather
			// than failing the whole list.
			if errors.Is(err, ErrChatNotFound) {
				continue
			}
			return nil, err
		}

		memberIDs, err := m.membership.MembersOf(ctx, chatID)
		if err != nil {
			return nil, err
		}
		others := make([]bson.ObjectID, 0, len(memberIDs))
		for _, id := range memberIDs {
			if id != userID {
				others = append(others, id)
			}
		}
		profiles, err := m.users.GetUsersByIDs(ctx, others)
		if err != nil {
			return nil, err
		}
		otherProfiles := make([]Profile, 0, len(others))
		for _, id := range others {
			if usr, ok := profiles[id.Hex()]; ok {
				otherProfiles = append(otherProfiles, usr.Profile())
			}
		}

		last, err := m.latestMessage(ctx, chatID)
		if err != nil {
			return nil, err
		}

		unread, err := m.UnreadCount(ctx, chatID, userID)
		if err != nil {
			return nil, err
		}

		summaries = append(summaries, ChatSummary{
			ID:           chat.ID.Hex(),
			IsPrivate:    chat.IsPrivate,
			OtherMembers: otherProfiles,
			LastMessage:  last,
			UnreadCount:  unread,
			UpdatedAt:    chat.UpdatedAt,
		})
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].UpdatedAt.After(summaries[j].UpdatedAt)
	})
	return summaries, nil
}

// latestMessage returns the chat's most recent message with sender fields,
// or nil when the chat has no messages yet.
func (m *MessagesStore) latestMessage(ctx context.Context, chatID bson.ObjectID) (*MessageWithSender, error) {
	opts := options.FindOne().SetSort(bson.D{
		{Key: "created_at", Value: -1},
		{Key: "_id", Value: -1},
	})

	var msg Message
	err := m.coll.FindOne(ctx, bson.M{"chat_id": chatID}, opts).Decode(&msg)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, err
	}

	withSender, err := m.attachSenders(ctx, []*Message{&msg})
	if err != nil {
		return nil, err
	}
	return &withSender[0], nil
}

// attachSenders resolves sender display fields for a batch of messages.
func (m *MessagesStore) attachSenders(ctx context.Context, messages []*Message) ([]MessageWithSender, error) {
	senderIDs := make([]bson.ObjectID, 0, len(messages))
	seenIDs := make(map[bson.ObjectID]struct{}, len(messages))
	for _, msg := range messages {
		if _, ok := seenIDs[msg.SenderID]; ok {
			continue
		}
		seenIDs[msg.SenderID] = struct{}{}
		senderIDs = append(senderIDs, msg.SenderID)
	}

	senders, err := m.users.GetUsersByIDs(ctx, senderIDs)
	if err != nil {
		return nil, err
	}

	out := make([]MessageWithSender, 0, len(messages))
	for _, msg := range messages {
		out = append(out, *msg.withSender(senders[msg.SenderID.Hex()]))
	}
	return out, nil
}

// withSender builds the response shape for a message. A nil sender (user
// deleted since) leaves the display fields at the bare sender id.
func (msg *Message) withSender(sender *User) *MessageWithSender {
	out := &MessageWithSender{
		ID:        msg.ID.Hex(),
		ChatID:    msg.ChatID.Hex(),
		SenderID:  msg.SenderID.Hex(),
		Content:   msg.Content,
		Seen:      msg.Seen,
		CreatedAt: msg.CreatedAt,
		Sender:    MessageSender{ID: msg.SenderID.Hex()},
	}
	if sender != nil {
		out.Sender.Username = sender.Username
		out.Sender.Avatar = sender.Avatar
	}
	return out
}
