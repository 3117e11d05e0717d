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
	"time"

	"copydesk/internal/models"
)

// SessionHeader carries the opaque conversation id between turns.
const SessionHeader = "X-Session-Id"

// ErrNoBody is returned when a successful response carries no stream.
var ErrNoBody = errors.New("response has no body")

// StatusError is a non-2xx reply; Body holds the server's text.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("request failed: %d", e.Code)
	}
	return fmt.Sprintf("request failed: %d: %s", e.Code, e.Body)
}

// Endpoints names the paths of one hop. Sessions is a prefix; the session id
// and "/messages" are appended.
type Endpoints struct {
	Chat     string
	Feedback string
	Sessions string
}

// ProxyEndpoints are served by this repository's proxy.
var ProxyEndpoints = Endpoints{
	Chat:     "/api/chat",
	Feedback: "/api/feedback",
	Sessions: "/api/sessions",
}

// ServiceEndpoints are served by the generation backend.
var ServiceEndpoints = Endpoints{
	Chat:     "/api/v1/chat/stream",
	Feedback: "/api/v1/chat/feedback",
	Sessions: "/api/v1/chat/sessions",
}

// Client speaks the chat protocol to one base URL.
type Client struct {
	baseURL    string
	endpoints  Endpoints
	httpClient *http.Client
	timeout    time.Duration
}

// NewClient builds a client. timeout bounds the non-streaming calls only; a
// streamed turn is bounded by the caller's context.
func NewClient(baseURL string, endpoints Endpoints, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		endpoints:  endpoints,
		httpClient: &http.Client{},
		timeout:    timeout,
	}
}

// StreamChat posts one turn and returns once response headers are accepted.
// The caller must Close the stream.
func (c *Client) StreamChat(ctx context.Context, req *models.ChatRequest) (*Stream, error) {
	if req == nil {
		return nil, errors.New("chat request required")
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+c.endpoints.Chat, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/plain")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("chat request: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, statusError(resp)
	}
	// an empty 200 is a finished, empty reply; only these statuses mean
	// the backend sent no body at all
	if resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusResetContent {
		resp.Body.Close()
		return nil, ErrNoBody
	}
	return NewStream(resp.Body, resp.Header.Get(SessionHeader)), nil
}

// SendFeedback delivers one rating.
func (c *Client) SendFeedback(ctx context.Context, fb *models.Feedback) error {
	if fb == nil {
		return errors.New("feedback required")
	}
	payload, err := json.Marshal(fb)
	if err != nil {
		return fmt.Errorf("marshal feedback: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+c.endpoints.Feedback, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("feedback request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// SessionMessages fetches the stored history of a conversation as raw JSON.
func (c *Client) SessionMessages(ctx context.Context, sessionID string) (json.RawMessage, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, errors.New("session id required")
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	endpoint := fmt.Sprintf("%s%s/%s/messages", c.baseURL, c.endpoints.Sessions, url.PathEscape(sessionID))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("session messages request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, statusError(resp)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if !json.Valid(body) {
		return nil, errors.New("session messages: invalid json")
	}
	return json.RawMessage(body), nil
}

func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}
