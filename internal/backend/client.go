// Package backend is the REST client for the collaborator endpoints the sync
// core needs: bulk room fetch and server-side message search.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/matheus3301/roomsync/internal/room"
)

const DefaultTimeout = 15 * time.Second

var (
	ErrUnauthorized = errors.New("backend rejected credential")
	ErrNoBaseURL    = errors.New("backend api url not configured")
)

// StatusError is returned for non-2xx responses other than 401/403.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("backend returned %d", e.Code)
	}
	return fmt.Sprintf("backend returned %d: %s", e.Code, e.Body)
}

type Client struct {
	baseURL    string
	httpClient *http.Client

	mu    sync.RWMutex
	token string
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// NewClient creates a client for the API rooted at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken sets the bearer credential sent with every request. An empty token
// clears it.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

type roomSummary struct {
	RoomID             json.RawMessage `json:"roomId"`
	ChatRoomType       string          `json:"chatRoomType"`
	Name               string          `json:"name"`
	AvatarURL          string          `json:"avatarUrl"`
	Topic              string          `json:"topic"`
	LastMessageContent string          `json:"lastMessageContent"`
	LastMessageAt      json.RawMessage `json:"lastMessageAt"`
	UnreadCount        int             `json:"unreadCount"`
	LastReadSequence   json.RawMessage `json:"lastReadSequence"`
	LatestSequence     json.RawMessage `json:"latestSequence"`
}

// FetchRooms returns every room of the category visible to the credential.
func (c *Client) FetchRooms(ctx context.Context, cat room.Category) ([]room.ChatRoom, error) {
	var raw []roomSummary
	if err := c.get(ctx, "/api/chat-rooms", url.Values{"type": {cat.WireName()}}, &raw); err != nil {
		return nil, fmt.Errorf("fetch %s rooms: %w", cat, err)
	}

	rooms := make([]room.ChatRoom, 0, len(raw))
	for _, s := range raw {
		num, err := room.ParseInt(s.RoomID)
		if err != nil {
			return nil, fmt.Errorf("fetch %s rooms: roomId: %w", cat, err)
		}
		at, err := room.ParseTimestamp(s.LastMessageAt)
		if err != nil {
			return nil, fmt.Errorf("fetch %s rooms: %w", cat, err)
		}
		lastRead, _ := room.ParseInt(s.LastReadSequence)
		latest, _ := room.ParseInt(s.LatestSequence)
		r := room.ChatRoom{
			ID:                 room.ID{Category: cat, Num: num},
			DisplayName:        s.Name,
			AvatarRef:          s.AvatarURL,
			Topic:              s.Topic,
			LastMessageContent: s.LastMessageContent,
			LastMessageAt:      at,
			UnreadCount:        max(0, s.UnreadCount),
			LastReadSequence:   max(0, lastRead),
			LatestSequence:     max(0, latest),
		}
		// Backends that omit latestSequence still report how far behind we are.
		if r.LatestSequence == 0 && r.UnreadCount > 0 {
			r.LatestSequence = r.LastReadSequence + int64(r.UnreadCount)
		}
		rooms = append(rooms, r)
	}
	return rooms, nil
}

type searchHit struct {
	MessageID         json.RawMessage `json:"messageId"`
	ChatRoomID        json.RawMessage `json:"chatRoomId"`
	ChatRoomType      string          `json:"chatRoomType"`
	SenderName        string          `json:"senderName"`
	Content           string          `json:"content"`
	TranslatedContent string          `json:"translatedContent"`
	CreatedAt         json.RawMessage `json:"createdAt"`
}

// SearchMessages runs a server-side full-text search. An empty category
// searches every category. Hits keep the server's rank order.
func (c *Client) SearchMessages(ctx context.Context, query string, cat room.Category) ([]room.SearchHit, error) {
	params := url.Values{"query": {query}}
	if cat != "" {
		params.Set("type", cat.WireName())
	}
	var raw []searchHit
	if err := c.get(ctx, "/api/messages/search", params, &raw); err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}

	hits := make([]room.SearchHit, 0, len(raw))
	for _, h := range raw {
		hitCat := cat
		if h.ChatRoomType != "" {
			parsed, err := room.ParseCategory(h.ChatRoomType)
			if err != nil {
				return nil, fmt.Errorf("search messages: %w", err)
			}
			hitCat = parsed
		}
		num, err := room.ParseInt(h.ChatRoomID)
		if err != nil {
			return nil, fmt.Errorf("search messages: chatRoomId: %w", err)
		}
		created, err := room.ParseTimestamp(h.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("search messages: %w", err)
		}
		id, _ := room.Scalar(h.MessageID)
		hits = append(hits, room.SearchHit{
			MessageID:         id,
			ChatRoomID:        room.ID{Category: hitCat, Num: num},
			SenderName:        h.SenderName,
			Content:           h.Content,
			TranslatedContent: h.TranslatedContent,
			CreatedAt:         created,
			Origin:            room.OriginRemote,
		})
	}
	return hits, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	if c.baseURL == "" {
		return ErrNoBaseURL
	}
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	c.mu.RLock()
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	c.mu.RUnlock()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ErrUnauthorized
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return decodeList(body, out)
}

// decodeList accepts either a bare JSON array or one wrapped in {"data": [...]}.
func decodeList(body []byte, out any) error {
	body = bytes.TrimSpace(body)
	if len(body) > 0 && body[0] == '{' {
		var env struct {
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(body, &env); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
		body = env.Data
	}
	if len(body) == 0 || bytes.Equal(body, []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}
