package syncclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/coder/websocket"

	"github.com/marcus/dqsync/internal/events"
)

// Stream message types
const (
	StreamRequest  = "sync.stream.request"
	StreamStart    = "sync.stream.start"
	StreamBatch    = "sync.stream.batch"
	StreamComplete = "sync.stream.complete"
	StreamError    = "sync.stream.error"
)

// streamReadLimit caps a single websocket message; batches can be large.
const streamReadLimit = 32 << 20

// StreamMessage is the union of every frame on the bootstrap stream. Type
// selects which fields are meaningful.
type StreamMessage struct {
	Type string `json:"type"`

	// request
	Since string `json:"since,omitempty"`

	// start
	TotalEvents int `json:"totalEvents,omitempty"`

	// batch
	Events     []events.Event `json:"events,omitempty"`
	BatchIndex int            `json:"batchIndex"`
	IsLast     bool           `json:"isLast,omitempty"`

	// complete
	ProcessedEvents int    `json:"processedEvents,omitempty"`
	NewCheckpoint   string `json:"newCheckpoint,omitempty"`

	// error
	Error string `json:"error,omitempty"`
	Code  string `json:"code,omitempty"`
}

// Stream is an open bootstrap stream.
type Stream interface {
	Send(ctx context.Context, msg StreamMessage) error
	Receive(ctx context.Context) (StreamMessage, error)
	Close() error
}

type wsStream struct {
	conn *websocket.Conn
}

// DialStream opens the websocket at /v1/sync/stream.
func (c *Client) DialStream(ctx context.Context) (Stream, error) {
	tok, err := c.bearer(ctx)
	if err != nil {
		return nil, err
	}

	u := c.BaseURL + "/v1/sync/stream"
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}

	dialCtx := ctx
	if c.HTTP != nil && c.HTTP.Timeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, c.HTTP.Timeout)
		defer cancel()
	}

	conn, resp, err := websocket.Dial(dialCtx, u, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + tok}},
	})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("%w: stream handshake", ErrUnauthorized)
		}
		return nil, fmt.Errorf("dial stream: %w", err)
	}
	conn.SetReadLimit(streamReadLimit)
	return &wsStream{conn: conn}, nil
}

func (s *wsStream) Send(ctx context.Context, msg StreamMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msg.Type, err)
	}
	if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write %s: %w", msg.Type, err)
	}
	return nil
}

func (s *wsStream) Receive(ctx context.Context) (StreamMessage, error) {
	var msg StreamMessage
	typ, data, err := s.conn.Read(ctx)
	if err != nil {
		return msg, fmt.Errorf("read stream: %w", err)
	}
	if typ != websocket.MessageText {
		return msg, fmt.Errorf("%w: binary stream frame", ErrMalformed)
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, fmt.Errorf("%w: stream frame: %w", ErrMalformed, err)
	}
	if msg.Type == "" {
		return msg, fmt.Errorf("%w: stream frame without type", ErrMalformed)
	}
	return msg, nil
}

func (s *wsStream) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "")
}
