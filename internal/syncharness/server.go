// Package syncharness runs a fake sync server and a set of simulated devices
// in-process so sync behaviour can be tested end to end.
package syncharness

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/marcus/dqsync/internal/events"
	"github.com/marcus/dqsync/internal/syncclient"
)

// StreamMode controls how the fake server answers the bootstrap stream.
type StreamMode int

const (
	StreamOK StreamMode = iota
	// StreamDisabled answers the upgrade with 404.
	StreamDisabled
	// StreamErrorFrame sends an error frame after the first batch.
	StreamErrorFrame
	// StreamDrop closes the socket after the first batch.
	StreamDrop
	// StreamOutOfOrder numbers the second batch wrongly.
	StreamOutOfOrder
)

type storedEvent struct {
	ev       events.Event
	received time.Time
}

// Server is an in-memory implementation of the sync API. Events get
// sequence numbers in arrival order; the REST collections are a projection
// folded from the accepted events.
type Server struct {
	Token      string
	PageSize   int
	BatchSize  int
	StreamMode StreamMode

	mu       sync.Mutex
	log      []storedEvent
	seqByID  map[string]int64
	requests map[string]int
}

// NewServer creates an empty server accepting token.
func NewServer(token string) *Server {
	return &Server{
		Token:     token,
		PageSize:  50,
		BatchSize: 50,
		seqByID:   map[string]int64{},
		requests:  map[string]int{},
	}
}

// Handler returns the chi router serving the API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.count)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Get("/v1/events", s.handlePull)
		r.Post("/v1/events/batch", s.handlePush)
		r.Get("/v1/sync/stream", s.handleStream)
		r.Get("/v1/{resource}", s.handleResource)
	})
	return r
}

// Requests returns how many requests hit path.
func (s *Server) Requests(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[path]
}

// Events returns a copy of the server log in sequence order.
func (s *Server) Events() []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]events.Event, len(s.log))
	for i, se := range s.log {
		out[i] = se.ev
	}
	return out
}

// Inject appends events as if another device had pushed them.
func (s *Server) Inject(evs ...events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range evs {
		s.acceptLocked(ev)
	}
}

func (s *Server) acceptLocked(ev events.Event) (int64, bool) {
	if seq, ok := s.seqByID[ev.ID]; ok {
		return seq, false
	}
	seq := int64(len(s.log) + 1)
	ev.ServerSeq = seq
	s.log = append(s.log, storedEvent{ev: ev, received: time.Now().UTC()})
	s.seqByID[ev.ID] = seq
	return seq, true
}

func (s *Server) count(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests[r.URL.Path]++
		s.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Token != "" && r.Header.Get("Authorization") != "Bearer "+s.Token {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"code": "unauthorized", "message": "bad token"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// since returns the first sequence number after checkpoint. Checkpoints are
// either a sequence number or, after a snapshot bootstrap, a timestamp.
func (s *Server) sinceLocked(checkpoint string) int64 {
	if checkpoint == "" {
		return 0
	}
	if n, err := strconv.ParseInt(checkpoint, 10, 64); err == nil {
		return n
	}
	if t, err := time.Parse(time.RFC3339Nano, checkpoint); err == nil {
		var last int64
		for _, se := range s.log {
			if se.received.After(t) {
				break
			}
			last = se.ev.ServerSeq
		}
		return last
	}
	return 0
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	exclude := q.Get("excludeDevice")

	s.mu.Lock()
	after := s.sinceLocked(q.Get("since"))
	if c := q.Get("cursor"); c != "" {
		n, err := strconv.ParseInt(c, 10, 64)
		if err != nil {
			s.mu.Unlock()
			writeJSON(w, http.StatusBadRequest, map[string]string{"code": "bad_cursor"})
			return
		}
		after = n
	}

	page := []events.Event{}
	examined := after
	hasMore := false
	for _, se := range s.log {
		if se.ev.ServerSeq <= after {
			continue
		}
		if len(page) == s.PageSize {
			hasMore = true
			break
		}
		examined = se.ev.ServerSeq
		if exclude != "" && se.ev.DeviceID == exclude {
			continue
		}
		page = append(page, se.ev)
	}
	s.mu.Unlock()

	resp := syncclient.PullResponse{
		Data:       page,
		Pagination: syncclient.Pagination{HasMore: hasMore},
		Checkpoint: strconv.FormatInt(examined, 10),
	}
	if hasMore {
		resp.Pagination.NextCursor = strconv.FormatInt(examined, 10)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	var req syncclient.PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"code": "bad_request", "message": err.Error()})
		return
	}

	resp := syncclient.PushResponse{Acks: []syncclient.Ack{}}
	s.mu.Lock()
	for _, ev := range req.Events {
		if err := ev.Normalize(); err != nil {
			resp.Rejected = append(resp.Rejected, syncclient.Rejection{EventID: ev.ID, Reason: err.Error()})
			continue
		}
		seq, fresh := s.acceptLocked(ev)
		if !fresh {
			resp.Rejected = append(resp.Rejected, syncclient.Rejection{EventID: ev.ID, Reason: "duplicate", ServerSeq: seq})
			continue
		}
		resp.Acks = append(resp.Acks, syncclient.Ack{EventID: ev.ID, ServerSeq: seq})
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.StreamMode == StreamDisabled {
		writeJSON(w, http.StatusNotFound, map[string]string{"code": "not_found"})
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()
	ctx := r.Context()

	var req syncclient.StreamMessage
	if !readFrame(ctx, conn, &req) || req.Type != syncclient.StreamRequest {
		conn.Close(websocket.StatusPolicyViolation, "expected request")
		return
	}

	s.mu.Lock()
	after := s.sinceLocked(req.Since)
	var evs []events.Event
	last := after
	for _, se := range s.log {
		if se.ev.ServerSeq > after {
			evs = append(evs, se.ev)
			last = se.ev.ServerSeq
		}
	}
	s.mu.Unlock()

	if !writeFrame(ctx, conn, syncclient.StreamMessage{Type: syncclient.StreamStart, TotalEvents: len(evs)}) {
		return
	}

	size := max(s.BatchSize, 1)
	index := 0
	for start := 0; start < len(evs); start += size {
		end := min(start+size, len(evs))
		msg := syncclient.StreamMessage{
			Type:       syncclient.StreamBatch,
			Events:     evs[start:end],
			BatchIndex: index,
			IsLast:     end == len(evs),
		}
		if index == 1 && s.StreamMode == StreamOutOfOrder {
			msg.BatchIndex = 7
		}
		if !writeFrame(ctx, conn, msg) {
			return
		}
		if index == 0 {
			switch s.StreamMode {
			case StreamErrorFrame:
				writeFrame(ctx, conn, syncclient.StreamMessage{Type: syncclient.StreamError, Error: "replay failed", Code: "internal"})
				conn.Close(websocket.StatusNormalClosure, "")
				return
			case StreamDrop:
				conn.Close(websocket.StatusGoingAway, "")
				return
			}
		}
		index++
	}

	writeFrame(ctx, conn, syncclient.StreamMessage{
		Type:            syncclient.StreamComplete,
		ProcessedEvents: len(evs),
		NewCheckpoint:   strconv.FormatInt(last, 10),
	})
	conn.Close(websocket.StatusNormalClosure, "")
}

func readFrame(ctx context.Context, conn *websocket.Conn, v any) bool {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return false
	}
	return json.Unmarshal(data, v) == nil
}

func writeFrame(ctx context.Context, conn *websocket.Conn, msg syncclient.StreamMessage) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		return false
	}
	return conn.Write(ctx, websocket.MessageText, data) == nil
}

func (s *Server) handleResource(w http.ResponseWriter, r *http.Request) {
	et, ok := events.NormalizeEntityType(chi.URLParam(r, "resource"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"code": "not_found"})
		return
	}

	s.mu.Lock()
	items := s.projectLocked(et)
	s.mu.Unlock()

	offset := 0
	if c := r.URL.Query().Get("cursor"); c != "" {
		n, err := strconv.Atoi(c)
		if err != nil || n < 0 || n > len(items) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"code": "bad_cursor"})
			return
		}
		offset = n
	}
	end := min(offset+s.PageSize, len(items))
	page := syncclient.Page[map[string]any]{Data: items[offset:end]}
	if end < len(items) {
		page.Pagination = syncclient.Pagination{HasMore: true, NextCursor: strconv.Itoa(end)}
	}
	writeJSON(w, http.StatusOK, page)
}

// projectLocked folds the log into the current state of one collection,
// rendered with the camelCase field names of the REST API.
func (s *Server) projectLocked(et events.EntityType) []map[string]any {
	rows := map[string]map[string]any{}
	for _, se := range s.log {
		ev := se.ev
		if ev.EntityType != et {
			continue
		}
		_, action, payload, err := events.Decode(string(ev.Type), ev.Payload)
		if err != nil {
			continue
		}
		row := rows[ev.EntityID]
		if action == events.ActionCreated {
			if row != nil {
				continue
			}
			row = map[string]any{"id": ev.EntityID, "createdAt": ev.Timestamp, "isDeleted": false}
			for k, v := range payload.(events.CreatePayload).Fields {
				row[camel(k)] = decodeRaw(v)
			}
			rows[ev.EntityID] = row
		}
		if row == nil {
			continue
		}
		switch p := payload.(type) {
		case events.PatchPayload:
			for k, v := range p.Set {
				if val := decodeRaw(v); val != nil {
					row[camel(k)] = val
				}
			}
			for _, k := range p.Clear {
				delete(row, camel(k))
			}
		case events.DeletePayload:
			row["isDeleted"] = true
		case events.RestorePayload:
			row["isDeleted"] = false
		case events.LinkPayload:
			rel, _ := events.RelationFor(et, p.Relation)
			linked := action == events.ActionLinked
			if rel.Many {
				tags, _ := row["tagIds"].([]any)
				var kept []any
				for _, t := range tags {
					if t != p.TargetID {
						kept = append(kept, t)
					}
				}
				if linked {
					kept = append(kept, p.TargetID)
				}
				row["tagIds"] = kept
			} else if linked {
				row[camel(rel.Column)] = p.TargetID
				if et == events.EntityReminders {
					row["parentType"] = string(p.Target(et))
				}
			} else if row[camel(rel.Column)] == p.TargetID {
				delete(row, camel(rel.Column))
			}
		}
		row["revision"] = ev.Revision
		row["updatedAt"] = ev.Timestamp
	}

	ids := make([]string, 0, len(rows))
	for id := range rows {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]map[string]any, len(ids))
	for i, id := range ids {
		out[i] = rows[id]
	}
	return out
}

func decodeRaw(raw json.RawMessage) any {
	var v any
	if json.Unmarshal(raw, &v) != nil {
		return nil
	}
	return v
}

// camel converts a column name such as "grouping_id" to "groupingId".
func camel(col string) string {
	if col == "tag_ids" {
		return "tagIds"
	}
	parts := strings.Split(col, "_")
	for i := 1; i < len(parts); i++ {
		if parts[i] != "" {
			parts[i] = strings.ToUpper(parts[i][:1]) + parts[i][1:]
		}
	}
	return strings.Join(parts, "")
}
