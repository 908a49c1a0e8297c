// Package chat provides a client for the farm chat service: REST calls for
// history and sending, and a WebSocket session for live messages.
package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client is a chat API client.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewClient creates a new chat client.
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	return &Client{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// doRequest performs an HTTP request and returns the body of a successful response.
func (c *Client) doRequest(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		json.Unmarshal(respBody, &errResp)
		return nil, &APIError{StatusCode: resp.StatusCode, Message: errResp.Error}
	}

	return respBody, nil
}

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("chat error %d: %s", e.StatusCode, e.Message)
}

// Message is a stored chat message.
type Message struct {
	ID         int64     `json:"id"`
	SenderID   int64     `json:"sender_id"`
	ReceiverID int64     `json:"receiver_id"`
	Content    string    `json:"content"`
	Image      []byte    `json:"image,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// History returns the messages between userID and otherUserID, oldest first.
func (c *Client) History(ctx context.Context, userID, otherUserID int64) ([]Message, error) {
	respBody, err := c.doRequest(ctx, "GET", fmt.Sprintf("/api/chat/history/%d/%d", userID, otherUserID), nil)
	if err != nil {
		return nil, err
	}

	var msgs []Message
	if err := json.Unmarshal(respBody, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// SendRequest is the request body for sending a message.
type SendRequest struct {
	SenderID   int64  `json:"senderId"`
	ReceiverID int64  `json:"receiverId"`
	Message    string `json:"message"`
	Image      []byte `json:"image,omitempty"`
}

// Send stores a message and pushes it to the recipient if they are online.
func (c *Client) Send(ctx context.Context, req SendRequest) (*Message, error) {
	reqBody, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	respBody, err := c.doRequest(ctx, "POST", "/api/chat/send", reqBody)
	if err != nil {
		return nil, err
	}

	var msg Message
	if err := json.Unmarshal(respBody, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Conversation is one entry in a user's recent conversations.
type Conversation struct {
	PeerID          int64     `json:"peer_id"`
	Name            string    `json:"name"`
	Role            string    `json:"role"`
	LastMessage     string    `json:"last_message"`
	LastMessageTime time.Time `json:"last_message_time"`
}

// Recent lists userID's conversations, most recent first.
func (c *Client) Recent(ctx context.Context, userID int64) ([]Conversation, error) {
	respBody, err := c.doRequest(ctx, "GET", fmt.Sprintf("/api/chat/recent/%d", userID), nil)
	if err != nil {
		return nil, err
	}

	var convs []Conversation
	if err := json.Unmarshal(respBody, &convs); err != nil {
		return nil, err
	}
	return convs, nil
}

// Presence is a user's online status.
type Presence struct {
	UserID   int64  `json:"user_id"`
	Online   bool   `json:"online"`
	LastSeen string `json:"last_seen,omitempty"`
	Local    bool   `json:"local"`
}

// Presence returns userID's online status.
func (c *Client) Presence(ctx context.Context, userID int64) (*Presence, error) {
	respBody, err := c.doRequest(ctx, "GET", fmt.Sprintf("/api/chat/presence/%d", userID), nil)
	if err != nil {
		return nil, err
	}

	var resp Presence
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// HealthResponse is the response from the health endpoint.
type HealthResponse struct {
	Status    string                 `json:"status"`
	Version   string                 `json:"version"`
	Instance  string                 `json:"instance,omitempty"`
	Checks    map[string]interface{} `json:"checks"`
	Timestamp string                 `json:"timestamp"`
}

// Health checks server health. A degraded server answers 503, which is
// returned as an *APIError.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	respBody, err := c.doRequest(ctx, "GET", "/health", nil)
	if err != nil {
		return nil, err
	}

	var resp HealthResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
