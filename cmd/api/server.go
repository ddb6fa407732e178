package main

import (
	"context"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/v2/bson"

	"relaychat/internal/auth"
	"relaychat/internal/data"
)

// UsersStore is the subset of the users store the server uses.
type UsersStore interface {
	CreateUser(ctx context.Context, username, hashedPassword string) (*data.User, error)
	GetUserByUsername(ctx context.Context, username string) (*data.User, error)
	GetUserByID(ctx context.Context, id bson.ObjectID) (*data.User, error)
	TouchLastSeen(ctx context.Context, id bson.ObjectID) error
}

// MembershipStore is the subset of the membership authority the server uses.
type MembershipStore interface {
	MembersOf(ctx context.Context, chatID bson.ObjectID) ([]bson.ObjectID, error)
	CreateChat(ctx context.Context, creatorID bson.ObjectID, memberIDs []bson.ObjectID, isPrivate bool) (*data.Chat, error)
}

// MessagesStore is the subset of the message store the server uses.
// Membership gating lives inside these operations, not in the handlers.
type MessagesStore interface {
	CreateMessage(ctx context.Context, chatID, senderID bson.ObjectID, content string) (*data.MessageWithSender, error)
	ListMessages(ctx context.Context, chatID, readerID bson.ObjectID) ([]data.MessageWithSender, error)
	ListChatsForUser(ctx context.Context, userID bson.ObjectID) ([]data.ChatSummary, error)
}

// Server carries the handlers for both the request surface and the live
// connection surface, wired to the stores, the session gate and the hub.
type Server struct {
	users   UsersStore
	members MembershipStore
	msgs    MessagesStore
	auth    *auth.JWTManager
	hub     *Hub
	log     *logrus.Logger
}

// newServer returns a ready-to-use Server.
func newServer(users UsersStore, members MembershipStore, msgs MessagesStore, authMgr *auth.JWTManager, hub *Hub, log *logrus.Logger) *Server {
	return &Server{users: users, members: members, msgs: msgs, auth: authMgr, hub: hub, log: log}
}

// deliver persists a message and fans it out to every member's live
// connections, the sender's other connections included. Both the HTTP
// create endpoint and the live connection's sendMessage event funnel
// through here so the two paths cannot diverge.
func (s *Server) deliver(ctx context.Context, chatID, senderID bson.ObjectID, content string) (*data.MessageWithSender, error) {
	msg, err := s.msgs.CreateMessage(ctx, chatID, senderID, content)
	if err != nil {
		return nil, err
	}

	memberIDs, err := s.members.MembersOf(ctx, chatID)
	if err != nil {
		// The message is persisted; push is best-effort and polling
		// clients converge regardless, so a failed member lookup only
		// costs latency.
		s.log.WithError(err).WithField("chat_id", chatID.Hex()).Warn("fanout member lookup failed")
		return msg, nil
	}

	targets := make([]string, 0, len(memberIDs))
	for _, id := range memberIDs {
		targets = append(targets, id.Hex())
	}
	s.hub.Publish(targets, newMessageEvent(msg))

	return msg, nil
}
