package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.mongodb.org/mongo-driver/v2/bson"

	"relaychat/internal/auth"
	"relaychat/internal/data"
	"relaychat/internal/normalize"
)

const tokenCookie = "token"

// credentialsRequest is the body of both register and login.
type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// handleRegister creates a user account: hashes the password, stores the
// user and sets the session cookie.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	username := normalize.Username(req.Username)
	if username == "" || req.Password == "" {
		s.writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	hashed, err := auth.HashPassword(req.Password)
	if err != nil {
		s.internalError(w, r, err, "failed to hash password")
		return
	}

	user, err := s.users.CreateUser(r.Context(), username, hashed)
	if err != nil {
		if errors.Is(err, data.ErrUserExists) {
			s.writeError(w, http.StatusConflict, "username is taken")
			return
		}
		s.internalError(w, r, err, "failed to create user")
		return
	}

	if !s.setSessionCookie(w, r, user) {
		return
	}

	s.log.WithField("user_id", user.ID.Hex()).Info("user registered")
	s.writeJSON(w, http.StatusCreated, map[string]any{"user": user.Profile()})
}

// handleLogin verifies credentials, refreshes last-seen and sets the
// session cookie. Unknown usernames and wrong passwords get the same
// response.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	user, err := s.users.GetUserByUsername(r.Context(), normalize.Username(req.Username))
	if err != nil {
		if errors.Is(err, data.ErrUserNotFound) {
			s.writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		s.internalError(w, r, err, "failed to look up user")
		return
	}

	if err := auth.CheckPassword(user.Password, req.Password); err != nil {
		s.writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	if err := s.users.TouchLastSeen(r.Context(), user.ID); err != nil {
		s.internalError(w, r, err, "failed to refresh last seen")
		return
	}

	if !s.setSessionCookie(w, r, user) {
		return
	}

	s.log.WithField("user_id", user.ID.Hex()).Info("user logged in")
	s.writeJSON(w, http.StatusOK, map[string]any{"user": user.Profile()})
}

// handleMe returns the authenticated user's profile.
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.currentUserID(w, r)
	if !ok {
		return
	}

	user, err := s.users.GetUserByID(r.Context(), userID)
	if err != nil {
		if errors.Is(err, data.ErrUserNotFound) {
			s.writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		s.internalError(w, r, err, "failed to load user")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{"user": user.Profile()})
}

// handleListChats returns the user's chat list with computed unread counts.
func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.currentUserID(w, r)
	if !ok {
		return
	}

	chats, err := s.msgs.ListChatsForUser(r.Context(), userID)
	if err != nil {
		s.internalError(w, r, err, "failed to list chats")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{"chats": chats})
}

// createChatRequest is the body of POST /chats.
type createChatRequest struct {
	MemberIDs []string `json:"memberIds"`
	IsPrivate bool     `json:"isPrivate"`
}

// handleCreateChat creates a chat; the caller is always included in the
// membership whether or not it listed itself.
func (s *Server) handleCreateChat(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.currentUserID(w, r)
	if !ok {
		return
	}

	var req createChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	memberIDs := []bson.ObjectID{userID}
	for _, raw := range req.MemberIDs {
		id, err := bson.ObjectIDFromHex(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "malformed member id")
			return
		}
		if id != userID {
			memberIDs = append(memberIDs, id)
		}
	}

	chat, err := s.members.CreateChat(r.Context(), userID, memberIDs, req.IsPrivate)
	if err != nil {
		if errors.Is(err, data.ErrEmptyMembers) || errors.Is(err, data.ErrPrivateChatMembers) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.internalError(w, r, err, "failed to create chat")
		return
	}

	s.log.WithFields(map[string]any{"chat_id": chat.ID.Hex(), "user_id": userID.Hex()}).Info("chat created")
	s.writeJSON(w, http.StatusCreated, map[string]any{"chat": map[string]any{
		"id":        chat.ID.Hex(),
		"isPrivate": chat.IsPrivate,
		"updatedAt": chat.UpdatedAt,
	}})
}

// handleListMessages returns a chat transcript. Fetching the transcript
// marks the other members' messages as seen (ListMessages documents the
// two-effect contract).
func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.currentUserID(w, r)
	if !ok {
		return
	}
	chatID, ok := s.chatIDFromPath(w, r)
	if !ok {
		return
	}

	messages, err := s.msgs.ListMessages(r.Context(), chatID, userID)
	if err != nil {
		s.storeError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

// createMessageRequest is the body of POST /chats/{chatId}/messages.
type createMessageRequest struct {
	Content string `json:"content"`
}

// handleCreateMessage persists a message and fans it out to the chat's
// members via the hub.
func (s *Server) handleCreateMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.currentUserID(w, r)
	if !ok {
		return
	}
	chatID, ok := s.chatIDFromPath(w, r)
	if !ok {
		return
	}

	var req createMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	msg, err := s.deliver(r.Context(), chatID, userID, req.Content)
	if err != nil {
		s.storeError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, map[string]any{"message": msg})
}

// setSessionCookie issues a token and attaches it as an HTTP-only cookie.
// Returns false after writing an error response when issuing fails.
func (s *Server) setSessionCookie(w http.ResponseWriter, r *http.Request, user *data.User) bool {
	token, expiresAt, err := s.auth.GenerateToken(user.ID, user.Username)
	if err != nil {
		s.internalError(w, r, err, "failed to generate token")
		return false
	}

	http.SetCookie(w, &http.Cookie{
		Name:     tokenCookie,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(time.Until(expiresAt).Seconds()),
	})
	return true
}

// chatIDFromPath parses the {chatId} path variable. A malformed id gets
// the same not-found response as a denied one: path probing must not
// reveal which ids exist.
func (s *Server) chatIDFromPath(w http.ResponseWriter, r *http.Request) (bson.ObjectID, bool) {
	raw := mux.Vars(r)["chatId"]
	chatID, err := bson.ObjectIDFromHex(raw)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "chat not found or access denied")
		return bson.ObjectID{}, false
	}
	return chatID, true
}

// storeError maps store errors onto the response taxonomy: membership
// violations surface as not-found, invalid input as 400, everything else
// as 500.
func (s *Server) storeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, data.ErrNotMember) || errors.Is(err, data.ErrChatNotFound):
		s.writeError(w, http.StatusNotFound, "chat not found or access denied")
	case errors.Is(err, data.ErrEmptyContent):
		s.writeError(w, http.StatusBadRequest, "message content is required")
	default:
		s.internalError(w, r, err, "store operation failed")
	}
}

// deliverErrorMessage is the websocket counterpart of storeError: the
// same error taxonomy rendered as an error event string.
func deliverErrorMessage(err error) string {
	switch {
	case errors.Is(err, data.ErrNotMember) || errors.Is(err, data.ErrChatNotFound):
		return "chat not found or access denied"
	case errors.Is(err, data.ErrEmptyContent):
		return "message content is required"
	default:
		return "internal server error"
	}
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	s.log.WithError(err).WithField("path", r.URL.Path).Error(msg)
	s.writeError(w, http.StatusInternalServerError, "internal server error")
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.WithError(err).Error("failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
