package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/v2/bson"

	"relaychat/internal/auth"
	"relaychat/internal/data"
	"relaychat/internal/middleware"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// fakeUsersStore keeps users in memory, keyed by username.
type fakeUsersStore struct {
	users map[string]*data.User
}

func newFakeUsersStore() *fakeUsersStore {
	return &fakeUsersStore{users: make(map[string]*data.User)}
}

func (f *fakeUsersStore) CreateUser(ctx context.Context, username, hashedPassword string) (*data.User, error) {
	if _, ok := f.users[username]; ok {
		return nil, data.ErrUserExists
	}
	u := &data.User{
		ID:        bson.NewObjectID(),
		Username:  username,
		Password:  hashedPassword,
		CreatedAt: time.Now(),
		LastSeen:  time.Now(),
	}
	f.users[username] = u
	return u, nil
}

func (f *fakeUsersStore) GetUserByUsername(ctx context.Context, username string) (*data.User, error) {
	if u, ok := f.users[username]; ok {
		return u, nil
	}
	return nil, data.ErrUserNotFound
}

func (f *fakeUsersStore) GetUserByID(ctx context.Context, id bson.ObjectID) (*data.User, error) {
	for _, u := range f.users {
		if u.ID == id {
			return u, nil
		}
	}
	return nil, data.ErrUserNotFound
}

func (f *fakeUsersStore) TouchLastSeen(ctx context.Context, id bson.ObjectID) error {
	for _, u := range f.users {
		if u.ID == id {
			u.LastSeen = time.Now()
		}
	}
	return nil
}

// fakeMembershipStore serves a fixed membership map.
type fakeMembershipStore struct {
	members map[bson.ObjectID][]bson.ObjectID
	created []data.Chat
}

func newFakeMembershipStore() *fakeMembershipStore {
	return &fakeMembershipStore{members: make(map[bson.ObjectID][]bson.ObjectID)}
}

func (f *fakeMembershipStore) MembersOf(ctx context.Context, chatID bson.ObjectID) ([]bson.ObjectID, error) {
	if m, ok := f.members[chatID]; ok {
		return m, nil
	}
	return nil, data.ErrChatNotFound
}

func (f *fakeMembershipStore) CreateChat(ctx context.Context, creatorID bson.ObjectID, memberIDs []bson.ObjectID, isPrivate bool) (*data.Chat, error) {
	if len(memberIDs) < 2 {
		return nil, data.ErrEmptyMembers
	}
	if isPrivate && len(memberIDs) != 2 {
		return nil, data.ErrPrivateChatMembers
	}
	chat := data.Chat{
		ID:        bson.NewObjectID(),
		IsPrivate: isPrivate,
		CreatorID: creatorID,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	f.members[chat.ID] = memberIDs
	f.created = append(f.created, chat)
	return &chat, nil
}

// fakeMessagesStore enforces the same membership gate as the real store:
// operations from a non-member fail with ErrNotMember and persist nothing.
type fakeMessagesStore struct {
	members  *fakeMembershipStore
	users    *fakeUsersStore
	messages []data.MessageWithSender
}

func (f *fakeMessagesStore) isMember(chatID, userID bson.ObjectID) bool {
	for _, id := range f.members.members[chatID] {
		if id == userID {
			return true
		}
	}
	return false
}

func (f *fakeMessagesStore) CreateMessage(ctx context.Context, chatID, senderID bson.ObjectID, content string) (*data.MessageWithSender, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, data.ErrEmptyContent
	}
	if !f.isMember(chatID, senderID) {
		return nil, data.ErrNotMember
	}
	sender, err := f.users.GetUserByID(ctx, senderID)
	if err != nil {
		return nil, err
	}
	msg := data.MessageWithSender{
		ID:        bson.NewObjectID().Hex(),
		ChatID:    chatID.Hex(),
		SenderID:  senderID.Hex(),
		Content:   content,
		CreatedAt: time.Now(),
		Sender:    data.MessageSender{ID: senderID.Hex(), Username: sender.Username},
	}
	f.messages = append(f.messages, msg)
	return &msg, nil
}

func (f *fakeMessagesStore) ListMessages(ctx context.Context, chatID, readerID bson.ObjectID) ([]data.MessageWithSender, error) {
	if !f.isMember(chatID, readerID) {
		return nil, data.ErrNotMember
	}
	var out []data.MessageWithSender
	for i := range f.messages {
		if f.messages[i].ChatID != chatID.Hex() {
			continue
		}
		if f.messages[i].SenderID != readerID.Hex() {
			f.messages[i].Seen = true
		}
		out = append(out, f.messages[i])
	}
	return out, nil
}

func (f *fakeMessagesStore) ListChatsForUser(ctx context.Context, userID bson.ObjectID) ([]data.ChatSummary, error) {
	var out []data.ChatSummary
	for chatID, members := range f.members.members {
		for _, id := range members {
			if id == userID {
				out = append(out, data.ChatSummary{ID: chatID.Hex()})
				break
			}
		}
	}
	return out, nil
}

// testEnv is a fully wired server over in-memory fakes.
type testEnv struct {
	srv     *Server
	handler http.Handler
	users   *fakeUsersStore
	members *fakeMembershipStore
	msgs    *fakeMessagesStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	users := newFakeUsersStore()
	members := newFakeMembershipStore()
	msgs := &fakeMessagesStore{members: members, users: users}

	jwtMgr := auth.NewJWTManager("test-secret", time.Hour)
	srv := newServer(users, members, msgs, jwtMgr, NewHub(), testLogger())

	limiter := middleware.NewLimiterStore(1000, 1000, time.Minute)
	t.Cleanup(limiter.Stop)

	return &testEnv{
		srv:     srv,
		handler: srv.routes(limiter),
		users:   users,
		members: members,
		msgs:    msgs,
	}
}

// registerUser creates a user through the fake store and returns the user
// plus a valid session token.
func (e *testEnv) registerUser(t *testing.T, username, password string) (*data.User, string) {
	t.Helper()

	hashed, err := auth.HashPassword(password)
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	user, err := e.users.CreateUser(context.Background(), username, hashed)
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	token, _, err := e.srv.auth.GenerateToken(user.ID, user.Username)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	return user, token
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.AddCookie(&http.Cookie{Name: tokenCookie, Value: token})
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestRegisterSetsSessionCookie(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/auth/register", "", credentialsRequest{Username: "alice", Password: "secret"})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201; body %s", w.Code, w.Body.String())
	}

	var sessionCookie *http.Cookie
	for _, c := range w.Result().Cookies() {
		if c.Name == tokenCookie {
			sessionCookie = c
		}
	}
	if sessionCookie == nil || sessionCookie.Value == "" {
		t.Fatal("expected a session cookie on register")
	}
	if !sessionCookie.HttpOnly {
		t.Error("session cookie must be HttpOnly")
	}

	body := decodeBody(t, w)
	user, ok := body["user"].(map[string]any)
	if !ok {
		t.Fatalf("response has no user object: %v", body)
	}
	if user["username"] != "alice" {
		t.Errorf("username = %v, want alice", user["username"])
	}
	if _, leaked := user["password"]; leaked {
		t.Error("response must not carry a password field")
	}
}

func TestRegisterDuplicateUsername(t *testing.T) {
	env := newTestEnv(t)
	env.registerUser(t, "alice", "secret")

	w := env.do(t, http.MethodPost, "/auth/register", "", credentialsRequest{Username: "alice", Password: "other"})
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", w.Code)
	}
}

func TestRegisterRejectsBlankCredentials(t *testing.T) {
	env := newTestEnv(t)

	for _, req := range []credentialsRequest{
		{Username: "", Password: "secret"},
		{Username: "   ", Password: "secret"},
		{Username: "alice", Password: ""},
	} {
		w := env.do(t, http.MethodPost, "/auth/register", "", req)
		if w.Code != http.StatusBadRequest {
			t.Errorf("register %+v: status = %d, want 400", req, w.Code)
		}
	}
}

func TestLoginVerifiesPassword(t *testing.T) {
	env := newTestEnv(t)
	env.registerUser(t, "alice", "secret")

	w := env.do(t, http.MethodPost, "/auth/login", "", credentialsRequest{Username: "alice", Password: "secret"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body %s", w.Code, w.Body.String())
	}

	var sessionCookie *http.Cookie
	for _, c := range w.Result().Cookies() {
		if c.Name == tokenCookie {
			sessionCookie = c
		}
	}
	if sessionCookie == nil {
		t.Fatal("expected a session cookie on login")
	}
}

func TestLoginWrongPasswordAndUnknownUserLookAlike(t *testing.T) {
	env := newTestEnv(t)
	env.registerUser(t, "alice", "secret")

	wrong := env.do(t, http.MethodPost, "/auth/login", "", credentialsRequest{Username: "alice", Password: "nope"})
	unknown := env.do(t, http.MethodPost, "/auth/login", "", credentialsRequest{Username: "ghost", Password: "nope"})

	if wrong.Code != http.StatusUnauthorized || unknown.Code != http.StatusUnauthorized {
		t.Fatalf("statuses = %d, %d, want 401 for both", wrong.Code, unknown.Code)
	}
	// The two failures must be indistinguishable.
	if wrong.Body.String() != unknown.Body.String() {
		t.Errorf("wrong-password and unknown-user responses differ: %q vs %q", wrong.Body.String(), unknown.Body.String())
	}
}

func TestMeRequiresAuth(t *testing.T) {
	env := newTestEnv(t)

	if w := env.do(t, http.MethodGet, "/me", "", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("no token: status = %d, want 401", w.Code)
	}
	if w := env.do(t, http.MethodGet, "/me", "not-a-token", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("garbage token: status = %d, want 401", w.Code)
	}

	_, token := env.registerUser(t, "alice", "secret")
	w := env.do(t, http.MethodGet, "/me", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("valid token: status = %d, want 200", w.Code)
	}
	body := decodeBody(t, w)
	user := body["user"].(map[string]any)
	if user["username"] != "alice" {
		t.Errorf("username = %v, want alice", user["username"])
	}
}

func TestAuthBearerHeader(t *testing.T) {
	env := newTestEnv(t)
	_, token := env.registerUser(t, "alice", "secret")

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}

func TestCreateChatIncludesCaller(t *testing.T) {
	env := newTestEnv(t)
	alice, token := env.registerUser(t, "alice", "secret")
	bob, _ := env.registerUser(t, "bob", "secret")

	w := env.do(t, http.MethodPost, "/chats", token, createChatRequest{
		MemberIDs: []string{bob.ID.Hex()},
		IsPrivate: true,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201; body %s", w.Code, w.Body.String())
	}

	if len(env.members.created) != 1 {
		t.Fatalf("created %d chats, want 1", len(env.members.created))
	}
	members := env.members.members[env.members.created[0].ID]
	if len(members) != 2 {
		t.Fatalf("chat has %d members, want 2", len(members))
	}
	found := false
	for _, id := range members {
		if id == alice.ID {
			found = true
		}
	}
	if !found {
		t.Error("creator missing from chat membership")
	}
}

func TestCreateChatRejectsSoloPrivateChat(t *testing.T) {
	env := newTestEnv(t)
	alice, token := env.registerUser(t, "alice", "secret")

	// Listing only yourself leaves a single member.
	w := env.do(t, http.MethodPost, "/chats", token, createChatRequest{
		MemberIDs: []string{alice.ID.Hex()},
		IsPrivate: true,
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestCreateMessagePublishesToMembers(t *testing.T) {
	env := newTestEnv(t)
	alice, token := env.registerUser(t, "alice", "secret")
	bob, _ := env.registerUser(t, "bob", "secret")
	env.registerUser(t, "mallory", "secret")

	chat, err := env.members.CreateChat(context.Background(), alice.ID, []bson.ObjectID{alice.ID, bob.ID}, true)
	if err != nil {
		t.Fatalf("CreateChat: %v", err)
	}

	aliceConn := &recordingSender{}
	bobConn := &recordingSender{}
	malloryConn := &recordingSender{}
	env.srv.hub.Register(alice.ID.Hex(), aliceConn)
	env.srv.hub.Register(bob.ID.Hex(), bobConn)
	env.srv.hub.Register("mallory", malloryConn)

	w := env.do(t, http.MethodPost, "/chats/"+chat.ID.Hex()+"/messages", token, createMessageRequest{Content: "hi bob"})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201; body %s", w.Code, w.Body.String())
	}

	// Both members get the push, the sender's own connections included.
	if len(bobConn.events) != 1 {
		t.Fatalf("bob received %d events, want 1", len(bobConn.events))
	}
	if len(aliceConn.events) != 1 {
		t.Fatalf("alice received %d events, want 1", len(aliceConn.events))
	}
	if len(malloryConn.events) != 0 {
		t.Fatalf("non-member received %d events, want 0", len(malloryConn.events))
	}

	evt := bobConn.events[0]
	if evt.Type != EventNewMessage {
		t.Errorf("event type = %q, want %q", evt.Type, EventNewMessage)
	}
	if evt.Message == nil || evt.Message.Content != "hi bob" {
		t.Errorf("unexpected event message: %+v", evt.Message)
	}
	if evt.Message.Sender.Username != "alice" {
		t.Errorf("event sender = %q, want alice", evt.Message.Sender.Username)
	}
}

func TestCreateMessageNonMemberGets404(t *testing.T) {
	env := newTestEnv(t)
	alice, _ := env.registerUser(t, "alice", "secret")
	bob, _ := env.registerUser(t, "bob", "secret")
	_, malloryToken := env.registerUser(t, "mallory", "secret")

	chat, err := env.members.CreateChat(context.Background(), alice.ID, []bson.ObjectID{alice.ID, bob.ID}, true)
	if err != nil {
		t.Fatalf("CreateChat: %v", err)
	}

	w := env.do(t, http.MethodPost, "/chats/"+chat.ID.Hex()+"/messages", malloryToken, createMessageRequest{Content: "let me in"})
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	if len(env.msgs.messages) != 0 {
		t.Fatalf("%d messages persisted by a denied send, want 0", len(env.msgs.messages))
	}
}

func TestCreateMessageRejectsBlankContent(t *testing.T) {
	env := newTestEnv(t)
	alice, token := env.registerUser(t, "alice", "secret")
	bob, _ := env.registerUser(t, "bob", "secret")

	chat, err := env.members.CreateChat(context.Background(), alice.ID, []bson.ObjectID{alice.ID, bob.ID}, true)
	if err != nil {
		t.Fatalf("CreateChat: %v", err)
	}

	w := env.do(t, http.MethodPost, "/chats/"+chat.ID.Hex()+"/messages", token, createMessageRequest{Content: "   "})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestListMessagesHidesChatExistence(t *testing.T) {
	env := newTestEnv(t)
	alice, _ := env.registerUser(t, "alice", "secret")
	bob, _ := env.registerUser(t, "bob", "secret")
	_, malloryToken := env.registerUser(t, "mallory", "secret")

	chat, err := env.members.CreateChat(context.Background(), alice.ID, []bson.ObjectID{alice.ID, bob.ID}, true)
	if err != nil {
		t.Fatalf("CreateChat: %v", err)
	}

	denied := env.do(t, http.MethodGet, "/chats/"+chat.ID.Hex()+"/messages", malloryToken, nil)
	missing := env.do(t, http.MethodGet, "/chats/"+bson.NewObjectID().Hex()+"/messages", malloryToken, nil)
	malformed := env.do(t, http.MethodGet, "/chats/not-an-id/messages", malloryToken, nil)

	for name, w := range map[string]*httptest.ResponseRecorder{
		"denied": denied, "missing": missing, "malformed": malformed,
	} {
		if w.Code != http.StatusNotFound {
			t.Errorf("%s: status = %d, want 404", name, w.Code)
		}
	}
	// All three must be indistinguishable: membership, existence and id
	// validity leak nothing.
	if denied.Body.String() != missing.Body.String() || denied.Body.String() != malformed.Body.String() {
		t.Error("not-found responses differ between denied, missing and malformed ids")
	}
}

func TestListChatsReturnsOnlyOwn(t *testing.T) {
	env := newTestEnv(t)
	alice, aliceToken := env.registerUser(t, "alice", "secret")
	bob, _ := env.registerUser(t, "bob", "secret")
	_, malloryToken := env.registerUser(t, "mallory", "secret")

	if _, err := env.members.CreateChat(context.Background(), alice.ID, []bson.ObjectID{alice.ID, bob.ID}, true); err != nil {
		t.Fatalf("CreateChat: %v", err)
	}

	w := env.do(t, http.MethodGet, "/chats", aliceToken, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	body := decodeBody(t, w)
	if chats, ok := body["chats"].([]any); !ok || len(chats) != 1 {
		t.Fatalf("alice sees %v, want exactly 1 chat", body["chats"])
	}

	w = env.do(t, http.MethodGet, "/chats", malloryToken, nil)
	body = decodeBody(t, w)
	if chats, ok := body["chats"].([]any); ok && len(chats) != 0 {
		t.Fatalf("mallory sees %d chats, want 0", len(chats))
	}
}

func TestDecodeClientEvent(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{"valid sendMessage", `{"type":"sendMessage","chatId":"abc","content":"hi"}`, false},
		{"missing chatId", `{"type":"sendMessage","content":"hi"}`, true},
		{"unknown type", `{"type":"selfDestruct"}`, true},
		{"server-only type", `{"type":"newMessage","chatId":"abc"}`, true},
		{"not json", `sendMessage abc hi`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeClientEvent([]byte(tt.raw))
			if (err != nil) != tt.wantErr {
				t.Fatalf("decodeClientEvent(%s) error = %v, wantErr %v", tt.raw, err, tt.wantErr)
			}
		})
	}
}

func TestDeliverErrorMessageTaxonomy(t *testing.T) {
	if got := deliverErrorMessage(data.ErrNotMember); got != "chat not found or access denied" {
		t.Errorf("ErrNotMember mapped to %q", got)
	}
	if got := deliverErrorMessage(data.ErrChatNotFound); got != "chat not found or access denied" {
		t.Errorf("ErrChatNotFound mapped to %q", got)
	}
	if got := deliverErrorMessage(data.ErrEmptyContent); got != "message content is required" {
		t.Errorf("ErrEmptyContent mapped to %q", got)
	}
}
