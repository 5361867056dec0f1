// Package pathfinder is the Go SDK for Pathfinder mentorship chat.
//
// It keeps a client-side view of conversations and messages consistent
// while REST pages, push events and optimistic local writes arrive in any
// order.
//
// Example:
//
//	client := pathfinder.NewClient(token, pathfinder.WithBaseURL("https://api.pathfinder.dev"))
//	ws := client.Realtime(&pathfinder.RealtimeConfig{Token: token, AutoReconnect: true})
//	if err := ws.Connect(ctx); err != nil { ... }
//
//	sess := pathfinder.NewSession(client.Chat, client.Mentorships, ws, pathfinder.WithSelfID(me))
//	sess.On(pathfinder.EventMessagesChanged, func(string, any) { render(sess.Messages()) })
//	_ = sess.Start(ctx)
//	_ = sess.Select(ctx, conversationID)
//	_, _ = sess.Send(ctx, "Hello!", "")
package pathfinder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ============================================================================
// Contracts
// ============================================================================

// ChatAPI is the chat REST surface the engine depends on.
type ChatAPI interface {
	GetConversations(ctx context.Context) ([]Conversation, error)
	GetMessages(ctx context.Context, conversationID string, q MessageQuery) (*MessagesPage, error)
	SendMessage(ctx context.Context, conversationID string, in SendMessageInput) (*Message, error)
	EditMessage(ctx context.Context, messageID string, in EditMessageInput) (*Message, error)
	DeleteMessage(ctx context.Context, messageID string) (*Message, error)
	UploadAttachment(ctx context.Context, conversationID string, file Upload, caption string) (*Message, error)
}

// MentorshipAPI is the mentorship REST surface the engine depends on.
type MentorshipAPI interface {
	EndMentorship(ctx context.Context, mentorshipID string, in EndMentorshipInput) error
	GetMentorships(ctx context.Context, q MentorshipQuery) ([]Mentorship, error)
}

// ============================================================================
// Client
// ============================================================================

const (
	DefaultBaseURL = "https://api.pathfinder.dev"
	DefaultTimeout = 30 * time.Second
)

type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client

	Chat        *ChatClient
	Mentorships *MentorshipClient
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// NewClient creates a REST client authenticated with a bearer token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.Chat = &ChatClient{client: c}
	c.Mentorships = &MentorshipClient{client: c}
	return c
}

// SetToken replaces the bearer token.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the configured API root.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Realtime creates a push client against the same host. Config.Token
// defaults to the client's token. Call Connect to dial.
func (c *Client) Realtime(config *RealtimeConfig) *RealtimeWSClient {
	cfg := RealtimeConfig{}
	if config != nil {
		cfg = *config
	}
	if cfg.Token == "" {
		cfg.Token = c.token
	}
	return NewRealtimeWSClient(c.baseURL, &cfg)
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query url.Values) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req)
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, decodeAPIError(resp.StatusCode, data)
	}
	return data, nil
}

func decodeAPIError(status int, data []byte) *APIError {
	apiErr := &APIError{Status: status}
	if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(data))
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(status)
	}
	return apiErr
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Chat API
// ============================================================================

// ChatClient implements ChatAPI over HTTP.
type ChatClient struct{ client *Client }

var _ ChatAPI = (*ChatClient)(nil)

// GetConversations lists the caller's conversations.
func (cc *ChatClient) GetConversations(ctx context.Context) ([]Conversation, error) {
	data, err := cc.client.doRequest(ctx, http.MethodGet, "/api/chat/conversations", nil, nil)
	if err != nil {
		return nil, err
	}
	convs, err := decodeJSON[[]Conversation](data)
	if err != nil {
		return nil, err
	}
	return *convs, nil
}

// GetMessages fetches one page of history, newest last.
func (cc *ChatClient) GetMessages(ctx context.Context, conversationID string, q MessageQuery) (*MessagesPage, error) {
	query := url.Values{}
	if q.Limit > 0 {
		query.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Before != "" {
		query.Set("before", q.Before)
	}
	data, err := cc.client.doRequest(ctx, http.MethodGet, "/api/chat/conversations/"+url.PathEscape(conversationID)+"/messages", nil, query)
	if err != nil {
		return nil, err
	}
	return decodeJSON[MessagesPage](data)
}

// SendMessage posts a text message, optionally as a reply.
func (cc *ChatClient) SendMessage(ctx context.Context, conversationID string, in SendMessageInput) (*Message, error) {
	data, err := cc.client.doRequest(ctx, http.MethodPost, "/api/chat/conversations/"+url.PathEscape(conversationID)+"/messages", in, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Message](data)
}

// EditMessage replaces a message's content.
func (cc *ChatClient) EditMessage(ctx context.Context, messageID string, in EditMessageInput) (*Message, error) {
	data, err := cc.client.doRequest(ctx, http.MethodPatch, "/api/chat/messages/"+url.PathEscape(messageID), in, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Message](data)
}

// DeleteMessage soft-deletes a message. A server that answers with an empty
// body yields a nil message and no error.
func (cc *ChatClient) DeleteMessage(ctx context.Context, messageID string) (*Message, error) {
	data, err := cc.client.doRequest(ctx, http.MethodDelete, "/api/chat/messages/"+url.PathEscape(messageID), nil, nil)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	return decodeJSON[Message](data)
}

// UploadAttachment sends a file as a message. An empty MimeType is guessed
// from the file name.
func (cc *ChatClient) UploadAttachment(ctx context.Context, conversationID string, file Upload, caption string) (*Message, error) {
	if file.FileName == "" {
		return nil, fmt.Errorf("upload: file name is required")
	}
	mimeType := file.MimeType
	if mimeType == "" {
		mimeType = guessMimeType(file.FileName)
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, escapeQuotes(file.FileName)))
	h.Set("Content-Type", mimeType)
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(file.Data); err != nil {
		return nil, fmt.Errorf("failed to write file data: %w", err)
	}
	if caption != "" {
		_ = w.WriteField("caption", caption)
	}
	_ = w.Close()

	u := cc.client.baseURL + "/api/chat/conversations/" + url.PathEscape(conversationID) + "/attachments"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create upload request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	data, err := cc.client.do(req)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Message](data)
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}

// guessMimeType returns MIME type from file extension.
func guessMimeType(fileName string) string {
	ext := strings.ToLower(filepath.Ext(fileName))
	if ext == "" {
		return "application/octet-stream"
	}
	// Fallback for types not in Go's builtin registry
	fallback := map[string]string{
		".md": "text/markdown", ".yaml": "text/yaml", ".yml": "text/yaml",
		".webp": "image/webp", ".heic": "image/heic",
	}
	if m, ok := fallback[ext]; ok {
		return m
	}
	t := mime.TypeByExtension(ext)
	if t != "" {
		if idx := strings.Index(t, ";"); idx > 0 {
			t = strings.TrimSpace(t[:idx])
		}
		return t
	}
	return "application/octet-stream"
}

// ============================================================================
// Mentorship API
// ============================================================================

// MentorshipClient implements MentorshipAPI over HTTP.
type MentorshipClient struct{ client *Client }

var _ MentorshipAPI = (*MentorshipClient)(nil)

// EndMentorship ends a mentorship with a reason.
func (mc *MentorshipClient) EndMentorship(ctx context.Context, mentorshipID string, in EndMentorshipInput) error {
	_, err := mc.client.doRequest(ctx, http.MethodPost, "/api/mentorships/"+url.PathEscape(mentorshipID)+"/end", in, nil)
	return err
}

// GetMentorships lists the caller's mentorships, optionally by status.
func (mc *MentorshipClient) GetMentorships(ctx context.Context, q MentorshipQuery) ([]Mentorship, error) {
	query := url.Values{}
	if q.Status != "" {
		query.Set("status", string(q.Status))
	}
	data, err := mc.client.doRequest(ctx, http.MethodGet, "/api/mentorships", nil, query)
	if err != nil {
		return nil, err
	}
	list, err := decodeJSON[[]Mentorship](data)
	if err != nil {
		return nil, err
	}
	return *list, nil
}
