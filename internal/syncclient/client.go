package syncclient

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

	"github.com/marcus/dqsync/internal/auth"
	"github.com/marcus/dqsync/internal/events"
)

// Sentinel errors for common HTTP error classes.
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrNotFound     = errors.New("not found")
	// ErrMalformed marks a response that does not follow the wire protocol.
	ErrMalformed = errors.New("malformed server response")
)

// DefaultTimeout bounds each HTTP request.
const DefaultTimeout = 30 * time.Second

// Client is an HTTP client for the Dequeue sync API.
type Client struct {
	BaseURL string
	Tokens  auth.TokenProvider
	HTTP    *http.Client
}

// New creates a new sync client.
func New(baseURL string, tokens auth.TokenProvider, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Tokens:  tokens,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

// Pagination is the cursor block of every paginated response.
type Pagination struct {
	HasMore    bool   `json:"hasMore"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// Page is one page of a paginated collection.
type Page[T any] struct {
	Data       []T        `json:"data"`
	Pagination Pagination `json:"pagination"`
}

// PullResponse is one page of GET /v1/events.
type PullResponse struct {
	Data       []events.Event `json:"data"`
	Pagination Pagination     `json:"pagination"`
	// Checkpoint covers every event up to and including this page.
	Checkpoint string `json:"checkpoint"`
}

// PushRequest is the body for POST /v1/events/batch.
type PushRequest struct {
	DeviceID string         `json:"deviceId"`
	Events   []events.Event `json:"events"`
}

// Ack confirms an event was stored with a server sequence number.
type Ack struct {
	EventID   string `json:"eventId"`
	ServerSeq int64  `json:"serverSeq"`
}

// Rejection explains why an event was refused.
type Rejection struct {
	EventID   string `json:"eventId"`
	Reason    string `json:"reason"`
	ServerSeq int64  `json:"serverSeq,omitempty"` // populated for "duplicate" rejections
}

// IsDuplicate reports whether the server already holds the event.
func (r Rejection) IsDuplicate() bool {
	return r.Reason == "duplicate"
}

// PushResponse is the response from a push request.
type PushResponse struct {
	Acks     []Ack       `json:"acks"`
	Rejected []Rejection `json:"rejected,omitempty"`
}

// HealthResponse is the response from GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// Resources lists the snapshot collections, parents first.
var Resources = []string{"groupings", "tags", "containers", "work-items", "reminders"}

// ResourcePath maps an entity type to its REST collection name.
func ResourcePath(et events.EntityType) string {
	return strings.ReplaceAll(string(et), "_", "-")
}

// HealthCheck hits the /healthz endpoint to verify server reachability.
func (c *Client) HealthCheck(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.doNoAuth(ctx, "GET", "/healthz", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// FetchAll follows cursor pagination on path until hasMore is false and
// returns every item in server order.
func FetchAll[T any](ctx context.Context, c *Client, path string) ([]T, error) {
	var all []T
	cursor := ""
	seen := map[string]bool{}
	for {
		p := path
		if cursor != "" {
			p += "?cursor=" + url.QueryEscape(cursor)
		}

		var page Page[T]
		if err := c.do(ctx, "GET", p, nil, &page); err != nil {
			return nil, err
		}
		all = append(all, page.Data...)

		if !page.Pagination.HasMore {
			return all, nil
		}
		next := page.Pagination.NextCursor
		if next == "" || seen[next] {
			return nil, fmt.Errorf("%w: %s: hasMore without a new cursor", ErrMalformed, path)
		}
		seen[next] = true
		cursor = next
	}
}

// FetchResource returns the current server state of one collection as raw
// JSON objects.
func (c *Client) FetchResource(ctx context.Context, resource string) ([]json.RawMessage, error) {
	items, err := FetchAll[json.RawMessage](ctx, c, "/v1/"+resource)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", resource, err)
	}
	slog.Debug("fetched resource", "resource", resource, "count", len(items))
	return items, nil
}

// PullEvents fetches one page of events after since, skipping events from excludeDevice.
func (c *Client) PullEvents(ctx context.Context, since, excludeDevice, cursor string) (*PullResponse, error) {
	params := url.Values{}
	if since != "" {
		params.Set("since", since)
	}
	if excludeDevice != "" {
		params.Set("excludeDevice", excludeDevice)
	}
	if cursor != "" {
		params.Set("cursor", cursor)
	}
	path := "/v1/events"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}

	var resp PullResponse
	if err := c.do(ctx, "GET", path, nil, &resp); err != nil {
		return nil, err
	}
	if resp.Pagination.HasMore && resp.Pagination.NextCursor == "" {
		return nil, fmt.Errorf("%w: events page has more without cursor", ErrMalformed)
	}
	return &resp, nil
}

// PushEvents uploads a batch of events. The server deduplicates by event id.
func (c *Client) PushEvents(ctx context.Context, deviceID string, evs []events.Event) (*PushResponse, error) {
	var resp PushResponse
	if err := c.do(ctx, "POST", "/v1/events/batch", PushRequest{DeviceID: deviceID, Events: evs}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// --- HTTP helpers ---

// apiError is the standard error body from the server.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Code
}

// do executes an authenticated HTTP request. A 401 invalidates the token and
// is retried once when the provider supports refreshing.
func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	err := c.doRequest(ctx, method, path, body, result, true)
	if errors.Is(err, ErrUnauthorized) {
		if inv, ok := c.Tokens.(auth.Invalidator); ok {
			inv.Invalidate()
			return c.doRequest(ctx, method, path, body, result, true)
		}
	}
	return err
}

// doNoAuth executes an unauthenticated HTTP request.
func (c *Client) doNoAuth(ctx context.Context, method, path string, body, result any) error {
	return c.doRequest(ctx, method, path, body, result, false)
}

func (c *Client) bearer(ctx context.Context) (string, error) {
	if c.Tokens == nil {
		return "", fmt.Errorf("%w: %w", ErrUnauthorized, auth.ErrNoToken)
	}
	tok, err := c.Tokens.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	return tok, nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, body, result any, authed bool) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		tok, err := c.bearer(ctx)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		msg := string(respBody)
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Code != "" {
			msg = apiErr.Message
		}
		switch resp.StatusCode {
		case http.StatusUnauthorized:
			return fmt.Errorf("%w: %s", ErrUnauthorized, msg)
		case http.StatusForbidden:
			return fmt.Errorf("%w: %s", ErrForbidden, msg)
		case http.StatusNotFound:
			return fmt.Errorf("%w: %s", ErrNotFound, msg)
		}
		if apiErr.Code != "" {
			return &apiErr
		}
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, msg)
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("%w: unmarshal response: %w", ErrMalformed, err)
		}
	}

	return nil
}
