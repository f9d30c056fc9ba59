package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultBaseURL = "http://localhost:3000"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client talks to the REST side of the backend: history, durable sends,
// list screens and generic cached reads.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	cache      *RequestCache
	logger     *zap.Logger
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

// WithCache enables response caching for GET requests.
func WithCache(cache *RequestCache) ClientOption {
	return func(c *Client) { c.cache = cache }
}

func WithLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a REST client authenticated with token.
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
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	c.logger = c.logger.Named("rest")
	return c
}

// SetToken replaces the bearer token.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the server root the client talks to.
func (c *Client) BaseURL() string { return c.baseURL }

// Cache returns the response cache, or nil when caching is off.
func (c *Client) Cache() *RequestCache { return c.cache }

// ClearCache drops cached responses whose key starts with prefix.
func (c *Client) ClearCache(prefix string) int {
	if c.cache == nil {
		return 0
	}
	return c.cache.ClearCache(prefix)
}

// ============================================================================
// Internal request helpers
// ============================================================================

// apiResult is the response envelope every endpoint uses.
type apiResult struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

func cacheKey(path string, query url.Values) string {
	if len(query) == 0 {
		return path
	}
	return path + "?" + query.Encode()
}

// doRequest performs the request and returns the envelope's data field.
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
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var res apiResult
	if jerr := json.Unmarshal(raw, &res); jerr != nil {
		if resp.StatusCode/100 != 2 {
			return nil, &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		}
		return nil, fmt.Errorf("failed to unmarshal response: %w", jerr)
	}
	if resp.StatusCode/100 != 2 || !res.OK {
		apiErr := res.Error
		if apiErr == nil {
			apiErr = &APIError{Message: http.StatusText(resp.StatusCode)}
		}
		apiErr.Status = resp.StatusCode
		return nil, apiErr
	}
	return res.Data, nil
}

// get serves GETs from the cache when possible and fills it otherwise.
func (c *Client) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	key := cacheKey(path, query)
	if c.cache != nil {
		if data, ok := c.cache.Get(key); ok {
			c.logger.Debug("cache hit", zap.String("key", key))
			return data, nil
		}
	}
	if c.cache == nil {
		return c.doRequest(ctx, http.MethodGet, path, nil, query)
	}
	fill := c.cache.beginFill(key)
	data, err := c.doRequest(ctx, http.MethodGet, path, nil, query)
	if err != nil {
		c.cache.abandonFill(fill)
		return nil, err
	}
	if !c.cache.commitFill(fill, data) {
		c.logger.Debug("response invalidated in flight, not cached", zap.String("key", key))
	}
	return data, nil
}

// getFresh bypasses the cache. Used for reads that seed live state.
func (c *Client) getFresh(ctx context.Context, path string, query url.Values) ([]byte, error) {
	return c.doRequest(ctx, http.MethodGet, path, nil, query)
}

func decodeJSON[T any](data []byte) (T, error) {
	var result T
	if len(data) == 0 {
		return result, nil
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return result, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return result, nil
}

// ============================================================================
// Messages
// ============================================================================

// PageOptions pages through message history.
type PageOptions struct {
	Limit  int
	Before string // message ID
}

func (o *PageOptions) query() url.Values {
	if o == nil {
		return nil
	}
	q := url.Values{}
	if o.Limit > 0 {
		q.Set("limit", strconv.Itoa(o.Limit))
	}
	if o.Before != "" {
		q.Set("before", o.Before)
	}
	if len(q) == 0 {
		return nil
	}
	return q
}

// MessagesPath is the REST collection holding a conversation's messages.
func MessagesPath(convID string, kind ConversationType) string {
	if kind == ConversationRoom {
		return "/api/forum/rooms/" + url.PathEscape(convID) + "/messages"
	}
	return "/api/conversations/" + url.PathEscape(convID) + "/messages"
}

// History fetches a page of messages for a conversation or forum room. It
// always goes to the server: while no room is joined, no push would clear a
// cached page, so a reopened conversation could miss messages.
func (c *Client) History(ctx context.Context, convID string, kind ConversationType, opts *PageOptions) ([]Message, error) {
	data, err := c.getFresh(ctx, MessagesPath(convID, kind), opts.query())
	if err != nil {
		return nil, err
	}
	msgs, err := decodeJSON[[]Message](data)
	if err != nil {
		return nil, err
	}
	for i := range msgs {
		if msgs[i].ConversationID == "" {
			msgs[i].ConversationID = convID
		}
	}
	return msgs, nil
}

// SendMessage performs the durable write of a message and returns the
// canonical copy. clientRef is echoed back by servers that support it.
func (c *Client) SendMessage(ctx context.Context, convID string, kind ConversationType, content, clientRef string) (*Message, error) {
	payload := map[string]interface{}{"content": content, "type": string(KindText)}
	if clientRef != "" {
		payload["clientRef"] = clientRef
	}
	path := MessagesPath(convID, kind)
	data, err := c.doRequest(ctx, http.MethodPost, path, payload, nil)
	if err != nil {
		return nil, err
	}
	msg, err := decodeJSON[Message](data)
	if err != nil {
		return nil, err
	}
	if msg.ConversationID == "" {
		msg.ConversationID = convID
	}
	c.ClearCache(path)
	return &msg, nil
}

// ============================================================================
// Lists and generic reads
// ============================================================================

// Conversations lists the user's direct conversations.
func (c *Client) Conversations(ctx context.Context) ([]ConversationListEntry, error) {
	data, err := c.get(ctx, "/api/conversations", nil)
	if err != nil {
		return nil, err
	}
	entries, err := decodeJSON[[]ConversationListEntry](data)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		if entries[i].Type == "" {
			entries[i].Type = ConversationDirect
		}
	}
	return entries, nil
}

// Rooms lists the forum rooms.
func (c *Client) Rooms(ctx context.Context) ([]Room, error) {
	data, err := c.get(ctx, "/api/forum/rooms", nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[[]Room](data)
}

// Get performs a cached GET of any collection and decodes the data into out.
func (c *Client) Get(ctx context.Context, path string, query url.Values, out interface{}) error {
	data, err := c.get(ctx, path, query)
	if err != nil {
		return err
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}
