// Package backend is the request/response client for the chat backend:
// conversation creation, history, the fallback send channel and end-of-chat.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/supportchat/internal/domain"
	"github.com/ashureev/supportchat/internal/wire"
)

// ErrRejected is returned when the backend answers with success=false.
var ErrRejected = errors.New("backend rejected request")

// StatusError reports a non-2xx HTTP response.
type StatusError struct {
	Op   string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: unexpected status %d", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Op, e.Code, e.Body)
}

// Config holds the backend endpoints and application credentials.
type Config struct {
	ChatServerURL  string
	APIURL         string
	SocketURL      string
	Tenant         string
	ClientID       string
	ClientSecret   string
	RequestTimeout time.Duration
}

// DefaultConfig returns the public production endpoints with a 15s request timeout.
func DefaultConfig() Config {
	return Config{
		ChatServerURL:  "https://chatserver.alo-tech.com",
		APIURL:         "https://api.alo-tech.com",
		SocketURL:      "wss://chatserver.alo-tech.com/ws",
		RequestTimeout: 15 * time.Second,
	}
}

// Client talks to the chat backend over HTTP.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
}

// NewClient creates a backend client. A nil httpClient gets one with cfg.RequestTimeout.
func NewClient(cfg Config, httpClient *http.Client, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.RequestTimeout}
	}
	return &Client{
		cfg:    cfg,
		http:   httpClient,
		logger: logger.With("component", "backend"),
	}
}

// CreateConversationRequest is the body of POST /chat-api/new.
type CreateConversationRequest struct {
	ClientEmail      string `json:"client_email"`
	ClientName       string `json:"client_name"`
	CWID             string `json:"cwid"`
	Namespace        string `json:"namespace"`
	PhoneNumber      string `json:"phone_number"`
	SecurityToken    string `json:"security_token"`
	ClientCustomData string `json:"client_custom_data"`
}

// NewCreateConversationRequest maps a caller identity onto the wire request.
// The custom payload is forwarded as a JSON-encoded string.
func NewCreateConversationRequest(id domain.Identity) (CreateConversationRequest, error) {
	custom, err := json.Marshal(id.CustomData)
	if err != nil {
		return CreateConversationRequest{}, fmt.Errorf("encode custom data: %w", err)
	}
	return CreateConversationRequest{
		ClientEmail:      id.Email,
		ClientName:       id.Name,
		CWID:             id.CWID,
		Namespace:        id.Namespace,
		PhoneNumber:      id.Phone,
		SecurityToken:    id.SecurityToken,
		ClientCustomData: string(custom),
	}, nil
}

// CreateConversationResponse carries the fresh conversation identifiers.
type CreateConversationResponse struct {
	Token         string `json:"token"`
	ActiveChatKey string `json:"active_chat_key"`
}

// PutMessageResponse is the fallback channel acknowledgement.
type PutMessageResponse struct {
	Success bool            `json:"success"`
	MsgID   wire.FlexString `json:"msg_id"`
}

type accessTokenResponse struct {
	AccessToken string `json:"access_token"`
}

type historyResponse struct {
	ChatHistory []wire.Record `json:"chat_history"`
}

// CreateConversation opens a new conversation for the caller identity.
func (c *Client) CreateConversation(ctx context.Context, id domain.Identity) (domain.Session, error) {
	req, err := NewCreateConversationRequest(id)
	if err != nil {
		return domain.Session{}, err
	}

	var resp CreateConversationResponse
	if err := c.postJSON(ctx, "create conversation", c.chatURL("/chat-api/new"), nil, req, &resp); err != nil {
		return domain.Session{}, err
	}
	if resp.Token == "" || resp.ActiveChatKey == "" {
		return domain.Session{}, fmt.Errorf("create conversation: %w: missing token or chat key", ErrRejected)
	}

	c.logger.Debug("Conversation created", "chat_key", resp.ActiveChatKey)
	return domain.Session{ChatKey: resp.ActiveChatKey, Token: resp.Token}, nil
}

// AccessToken exchanges the application credentials for a bearer token.
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	body := map[string]string{
		"client_id":     c.cfg.ClientID,
		"client_secret": c.cfg.ClientSecret,
	}
	headers := map[string]string{"tenant": c.cfg.Tenant}

	var resp accessTokenResponse
	if err := c.postJSON(ctx, "access token", c.apiURL("/application/access_token/"), headers, body, &resp); err != nil {
		return "", err
	}
	if resp.AccessToken == "" {
		return "", fmt.Errorf("access token: %w: empty token", ErrRejected)
	}
	return resp.AccessToken, nil
}

// History fetches the prior records of a conversation.
func (c *Client) History(ctx context.Context, chatKey string) ([]wire.Record, error) {
	token, err := c.AccessToken(ctx)
	if err != nil {
		return nil, err
	}

	endpoint := c.apiURL("/v3/chats/" + url.PathEscape(chatKey) + "/history")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch history: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Tenant", c.cfg.Tenant)

	var resp historyResponse
	if err := c.do(req, "fetch history", &resp); err != nil {
		return nil, err
	}
	return resp.ChatHistory, nil
}

// PutMessage submits one user message over the fallback channel.
func (c *Client) PutMessage(ctx context.Context, token, body string) (string, error) {
	req := map[string]string{"token": token, "message_body": body}

	var resp PutMessageResponse
	if err := c.postJSON(ctx, "put message", c.chatURL("/chat-api/put_message"), nil, req, &resp); err != nil {
		return "", err
	}
	if !resp.Success {
		return "", fmt.Errorf("put message: %w", ErrRejected)
	}
	return string(resp.MsgID), nil
}

// EndConversation notifies the backend that the user closed the chat.
func (c *Client) EndConversation(ctx context.Context, token string) error {
	req := map[string]string{"token": token}
	return c.postJSON(ctx, "end conversation", c.chatURL("/chat-api/end"), nil, req, nil)
}

// SocketURL returns the live connection address for a session.
func (c *Client) SocketURL(s domain.Session) string {
	return strings.TrimRight(c.cfg.SocketURL, "/") + "/" + url.PathEscape(s.ChatKey) + "/" + url.PathEscape(s.Token)
}

func (c *Client) chatURL(path string) string {
	return strings.TrimRight(c.cfg.ChatServerURL, "/") + path
}

func (c *Client) apiURL(path string) string {
	return strings.TrimRight(c.cfg.APIURL, "/") + path
}

func (c *Client) postJSON(ctx context.Context, op, endpoint string, headers map[string]string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%s: encode request: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return c.do(req, op, out)
}

func (c *Client) do(req *http.Request, op string, out any) error {
	requestID := uuid.NewString()
	req.Header.Set("X-Request-ID", requestID)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Debug("Failed to close response body", "op", op, "error", closeErr)
		}
	}()

	c.logger.Debug("Backend request finished",
		"op", op,
		"status", resp.StatusCode,
		"request_id", requestID,
		"duration", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Op: op, Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}
