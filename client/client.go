// Package client is a Go client for the relaychat server. It maintains a
// local message view fed by two independent paths: pushed events from the
// live connection and polled transcripts, merged through the reconcile
// package so the view converges whether or not the push path is up.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"relaychat/internal/data"
	"relaychat/internal/reconcile"
)

// DefaultPollInterval is how often Poll refreshes transcripts when no
// interval is given.
const DefaultPollInterval = 5 * time.Second

// Client talks to one relaychat server on behalf of one user. The session
// cookie set at login rides in the cookie jar, which the live-connection
// dialer shares.
type Client struct {
	baseURL *url.URL
	http    *http.Client
	jar     *cookiejar.Jar
	view    *reconcile.View
	log     *logrus.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

// New returns a client for the server at baseURL (for example
// "http://localhost:8080").
func New(baseURL string, log *logrus.Logger) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.New()
	}
	return &Client{
		baseURL: u,
		http:    &http.Client{Jar: jar, Timeout: 15 * time.Second},
		jar:     jar,
		view:    reconcile.NewView(),
		log:     log,
	}, nil
}

// View exposes the merged local message view.
func (c *Client) View() *reconcile.View {
	return c.view
}

// apiError is the server's error envelope.
type apiError struct {
	Error string `json:"error"`
}

// do issues one JSON request and decodes the response into out, turning
// non-2xx responses into errors carrying the server's message.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var buf io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		buf = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.JoinPath(path).String(), buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr apiError
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: %s", method, path, apiErr.Error)
		}
		return fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type userResponse struct {
	User data.Profile `json:"user"`
}

// Register creates an account and starts a session.
func (c *Client) Register(ctx context.Context, username, password string) (data.Profile, error) {
	var resp userResponse
	err := c.do(ctx, http.MethodPost, "/auth/register", credentials{Username: username, Password: password}, &resp)
	return resp.User, err
}

// Login starts a session with existing credentials.
func (c *Client) Login(ctx context.Context, username, password string) (data.Profile, error) {
	var resp userResponse
	err := c.do(ctx, http.MethodPost, "/auth/login", credentials{Username: username, Password: password}, &resp)
	return resp.User, err
}

// Me returns the authenticated user's profile.
func (c *Client) Me(ctx context.Context) (data.Profile, error) {
	var resp userResponse
	err := c.do(ctx, http.MethodGet, "/me", nil, &resp)
	return resp.User, err
}

type createChatRequest struct {
	MemberIDs []string `json:"memberIds"`
	IsPrivate bool     `json:"isPrivate"`
}

type chatResponse struct {
	Chat struct {
		ID string `json:"id"`
	} `json:"chat"`
}

// CreateChat creates a chat with the given members (the caller is always
// included server-side) and returns the new chat id.
func (c *Client) CreateChat(ctx context.Context, memberIDs []string, isPrivate bool) (string, error) {
	var resp chatResponse
	err := c.do(ctx, http.MethodPost, "/chats", createChatRequest{MemberIDs: memberIDs, IsPrivate: isPrivate}, &resp)
	return resp.Chat.ID, err
}

type chatsResponse struct {
	Chats []data.ChatSummary `json:"chats"`
}

// Chats returns the user's chat list with unread counts.
func (c *Client) Chats(ctx context.Context) ([]data.ChatSummary, error) {
	var resp chatsResponse
	err := c.do(ctx, http.MethodGet, "/chats", nil, &resp)
	return resp.Chats, err
}

type messagesResponse struct {
	Messages []data.MessageWithSender `json:"messages"`
}

// FetchMessages pulls one chat's transcript, merges it into the view and
// returns the merged transcript. The server marks the other members'
// messages seen as part of serving the fetch.
func (c *Client) FetchMessages(ctx context.Context, chatID string) ([]reconcile.Message, error) {
	var resp messagesResponse
	if err := c.do(ctx, http.MethodGet, "/chats/"+chatID+"/messages", nil, &resp); err != nil {
		return nil, err
	}

	batch := make([]reconcile.Message, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		batch = append(batch, toViewMessage(m))
	}
	c.view.MergeTranscript(chatID, batch)
	return c.view.Messages(chatID), nil
}

type createMessageRequest struct {
	Content string `json:"content"`
}

type messageResponse struct {
	Message data.MessageWithSender `json:"message"`
}

// Send posts a message over HTTP. The created message is merged into the
// view immediately; the pushed copy arriving over the live connection
// deduplicates against it.
func (c *Client) Send(ctx context.Context, chatID, content string) (reconcile.Message, error) {
	var resp messageResponse
	if err := c.do(ctx, http.MethodPost, "/chats/"+chatID+"/messages", createMessageRequest{Content: content}, &resp); err != nil {
		return reconcile.Message{}, err
	}
	msg := toViewMessage(resp.Message)
	c.view.ApplyMessage(msg)
	return msg, nil
}

// serverEvent mirrors the server's push envelope.
type serverEvent struct {
	Type    string                  `json:"type"`
	ChatID  string                  `json:"chatId"`
	Message *data.MessageWithSender `json:"message"`
	Error   string                  `json:"error"`
}

// clientEvent mirrors the server's inbound envelope.
type clientEvent struct {
	Type    string `json:"type"`
	ChatID  string `json:"chatId"`
	Content string `json:"content"`
}

// Connect opens the live connection and starts a reader goroutine that
// merges pushed messages into the view. The session cookie from login
// authenticates the handshake. The reader stops when the connection
// closes or ctx is cancelled; the client keeps converging via Poll either
// way.
func (c *Client) Connect(ctx context.Context) error {
	wsURL := *c.baseURL
	switch wsURL.Scheme {
	case "https":
		wsURL.Scheme = "wss"
	default:
		wsURL.Scheme = "ws"
	}
	wsURL.Path = strings.TrimSuffix(wsURL.Path, "/") + "/ws"

	dialer := websocket.Dialer{Jar: c.jar, HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, wsURL.String(), nil)
	if err != nil {
		return fmt.Errorf("dial live connection: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()
	go c.readLoop(conn)
	return nil
}

// readLoop applies pushed events until the connection drops.
func (c *Client) readLoop(conn *websocket.Conn) {
	defer func() { _ = conn.Close() }()

	for {
		var evt serverEvent
		if err := conn.ReadJSON(&evt); err != nil {
			c.log.WithError(err).Debug("live connection closed")
			return
		}

		switch evt.Type {
		case "newMessage":
			if evt.Message != nil {
				c.view.ApplyMessage(toViewMessage(*evt.Message))
			}
		case "error":
			c.log.WithField("server_error", evt.Error).Warn("send rejected")
		}
	}
}

// SendLive sends a message over the live connection. Failures surface as
// an error event on the same connection; the caller should keep the
// content around for a retry.
func (c *Client) SendLive(chatID, content string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("live connection is not open")
	}
	return c.conn.WriteJSON(clientEvent{Type: "sendMessage", ChatID: chatID, Content: content})
}

// Poll refreshes transcripts at a fixed interval until ctx is cancelled:
// list the chats, then pull each chat's messages and merge. Running it
// alongside Connect is the normal mode; running it alone still converges
// to the same view.
func (c *Client) Poll(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.pollOnce(ctx)
		}
	}
}

// pollOnce runs one reconciliation round. Per-chat failures are logged
// and skipped; the next round retries.
func (c *Client) pollOnce(ctx context.Context) {
	chats, err := c.Chats(ctx)
	if err != nil {
		c.log.WithError(err).Warn("poll: listing chats failed")
		return
	}
	for _, chat := range chats {
		if _, err := c.FetchMessages(ctx, chat.ID); err != nil {
			c.log.WithError(err).WithField("chat_id", chat.ID).Warn("poll: fetching messages failed")
		}
	}
}

// toViewMessage projects a delivered message into the reconcile model.
func toViewMessage(m data.MessageWithSender) reconcile.Message {
	return reconcile.Message{
		ID:             m.ID,
		ChatID:         m.ChatID,
		SenderID:       m.SenderID,
		SenderUsername: m.Sender.Username,
		Content:        m.Content,
		Seen:           m.Seen,
		CreatedAt:      m.CreatedAt,
	}
}
