package main

import (
	"context"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"go.mongodb.org/mongo-driver/v2/bson"

	"relaychat/internal/auth"
	"relaychat/internal/middleware"
)

// context key type for storing auth claims in request contexts
type authContextKey struct{}

// claimsFromContext extracts auth claims from the context, if present.
func claimsFromContext(ctx context.Context) (*auth.Claims, bool) {
	v := ctx.Value(authContextKey{})
	if v == nil {
		return nil, false
	}
	c, ok := v.(*auth.Claims)
	return c, ok
}

// tokenFromRequest pulls the credential off a request: the session cookie
// first, then an Authorization bearer header, then (for the websocket
// handshake) a token query parameter.
func tokenFromRequest(r *http.Request) string {
	if cookie, err := r.Cookie(tokenCookie); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	if h := r.Header.Get("Authorization"); h != "" {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer"))
	}
	return r.URL.Query().Get(tokenCookie)
}

// requireAuth wraps a handler with credential verification and injects
// the verified claims into the request context.
func (s *Server) requireAuth(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := tokenFromRequest(r)
		if token == "" {
			s.writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		claims, err := s.auth.VerifyToken(token)
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		ctx := context.WithValue(r.Context(), authContextKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// currentUserID resolves the authenticated user id from the request
// context, writing a 401 when the claims are missing or malformed.
func (s *Server) currentUserID(w http.ResponseWriter, r *http.Request) (bson.ObjectID, bool) {
	claims, ok := claimsFromContext(r.Context())
	if !ok {
		s.writeError(w, http.StatusUnauthorized, "unauthorized")
		return bson.ObjectID{}, false
	}
	userID, err := bson.ObjectIDFromHex(claims.UserID)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, "unauthorized")
		return bson.ObjectID{}, false
	}
	return userID, true
}

// routes assembles the router: credential endpoints behind the rate
// limiter, everything else behind requireAuth, plus the websocket
// endpoint which performs its own handshake check before upgrading.
func (s *Server) routes(limiter *middleware.LimiterStore) http.Handler {
	r := mux.NewRouter()

	r.Handle("/auth/register", middleware.RateLimit(limiter, http.HandlerFunc(s.handleRegister))).Methods(http.MethodPost)
	r.Handle("/auth/login", middleware.RateLimit(limiter, http.HandlerFunc(s.handleLogin))).Methods(http.MethodPost)

	r.Handle("/me", s.requireAuth(s.handleMe)).Methods(http.MethodGet)
	r.Handle("/chats", s.requireAuth(s.handleListChats)).Methods(http.MethodGet)
	r.Handle("/chats", s.requireAuth(s.handleCreateChat)).Methods(http.MethodPost)
	r.Handle("/chats/{chatId}/messages", s.requireAuth(s.handleListMessages)).Methods(http.MethodGet)
	r.Handle("/chats/{chatId}/messages", s.requireAuth(s.handleCreateMessage)).Methods(http.MethodPost)

	r.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)

	return r
}
