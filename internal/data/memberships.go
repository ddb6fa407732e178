package data

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

var (
	// ErrNotMember is returned when a valid identity is not a member of the
	// chat it is touching. The request surface reports it as "not found" so
	// chat existence is never confirmed to non-members.
	ErrNotMember = errors.New("user is not a chat member")

	ErrChatNotFound       = errors.New("chat not found")
	ErrEmptyMembers       = errors.New("chat must have at least two members")
	ErrPrivateChatMembers = errors.New("private chat must have exactly two members")
)

// MembershipStore answers membership questions against the chat_members
// relation and creates chats together with their member rows. Membership
// checks are pure reads with no side effects; every message read or write
// consults them first.
type MembershipStore struct {
	chats   *mongo.Collection
	members *mongo.Collection
}

// NewMembershipStore returns a MembershipStore over the chats and
// chat_members collections.
func NewMembershipStore(chats, members *mongo.Collection) *MembershipStore {
	return &MembershipStore{chats: chats, members: members}
}

// IsMember reports whether the user has a membership row for the chat.
func (m *MembershipStore) IsMember(ctx context.Context, chatID, userID bson.ObjectID) (bool, error) {
	// CountDocuments is cheaper than FindOne when only existence matters
	count, err := m.members.CountDocuments(ctx, bson.M{"chat_id": chatID, "user_id": userID})
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// MembersOf returns the ids of every member of the chat.
func (m *MembershipStore) MembersOf(ctx context.Context, chatID bson.ObjectID) ([]bson.ObjectID, error) {
	cursor, err := m.members.Find(ctx, bson.M{"chat_id": chatID})
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var rows []ChatMember
	if err = cursor.All(ctx, &rows); err != nil {
		return nil, err
	}

	ids := make([]bson.ObjectID, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.UserID)
	}
	return ids, nil
}

// ChatsOf returns the ids of every chat the user belongs to.
func (m *MembershipStore) ChatsOf(ctx context.Context, userID bson.ObjectID) ([]bson.ObjectID, error) {
	cursor, err := m.members.Find(ctx, bson.M{"user_id": userID})
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var rows []ChatMember
	if err = cursor.All(ctx, &rows); err != nil {
		return nil, err
	}

	ids := make([]bson.ObjectID, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ChatID)
	}
	return ids, nil
}

// GetChat returns the chat document by id.
func (m *MembershipStore) GetChat(ctx context.Context, chatID bson.ObjectID) (*Chat, error) {
	var chat Chat
	err := m.chats.FindOne(ctx, bson.M{"_id": chatID}).Decode(&chat)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrChatNotFound
		}
		return nil, err
	}
	return &chat, nil
}

// CreateChat creates a chat and one membership row per member. The caller
// must already be included in memberIDs. Private chats have exactly two
// members; membership rows are immutable once created.
func (m *MembershipStore) CreateChat(ctx context.Context, creatorID bson.ObjectID, memberIDs []bson.ObjectID, isPrivate bool) (*Chat, error) {
	memberIDs = dedupIDs(memberIDs)

	if len(memberIDs) < 2 {
		return nil, ErrEmptyMembers
	}
	if isPrivate && len(memberIDs) != 2 {
		return nil, ErrPrivateChatMembers
	}

	now := time.Now().UTC()
	chat := &Chat{
		IsPrivate: isPrivate,
		CreatorID: creatorID,
		CreatedAt: now,
		UpdatedAt: now,
	}

	result, err := m.chats.InsertOne(ctx, chat)
	if err != nil {
		return nil, err
	}
	chat.ID = result.InsertedID.(bson.ObjectID)

	rows := make([]interface{}, 0, len(memberIDs))
	for _, userID := range memberIDs {
		rows = append(rows, ChatMember{ChatID: chat.ID, UserID: userID, CreatedAt: now})
	}
	if _, err := m.members.InsertMany(ctx, rows); err != nil {
		// Best effort: remove the chat shell so a half-created chat is not
		// left reachable. Membership rows are all-or-nothing for a new chat.
		_, _ = m.chats.DeleteOne(ctx, bson.M{"_id": chat.ID})
		return nil, err
	}

	return chat, nil
}

// dedupIDs removes duplicate ids while preserving order.
func dedupIDs(ids []bson.ObjectID) []bson.ObjectID {
	seen := make(map[bson.ObjectID]struct{}, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
