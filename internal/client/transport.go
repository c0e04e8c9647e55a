package client

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

	"github.com/gorilla/websocket"

	"github.com/notewire/noterelay/internal/note"
	"github.com/notewire/noterelay/internal/relay"
)

// Batch mirrors one server push or fetch response.
type Batch struct {
	Notes  []note.StoredNote
	Cursor uint64
}

// Stream is a consumer handle over an open note stream.
type Stream interface {
	// Recv blocks until the next batch, ctx cancellation, or stream end.
	Recv(ctx context.Context) (Batch, error)
	Close() error
}

// Transport abstracts the wire protocol so the core never sees HTTP.
type Transport interface {
	SendNote(ctx context.Context, n note.Note) error
	FetchNotes(ctx context.Context, tags []note.Tag, cursor uint64) (Batch, error)
	StreamNotes(ctx context.Context, tag note.Tag, cursor uint64) (Stream, error)
}

// Wire shapes, matching the server's JSON API.

type wireNote struct {
	Header  []byte `json:"header"`
	Details []byte `json:"details"`
	Cursor  uint64 `json:"cursor,omitempty"`
}

type wireSendReq struct {
	Note wireNote `json:"note"`
}

type wireBatch struct {
	Notes  []wireNote `json:"notes"`
	Cursor uint64     `json:"cursor"`
}

type wireError struct {
	Error string `json:"error"`
}

// HTTPTransport talks to a relay node over HTTP/JSON and websockets.
type HTTPTransport struct {
	endpoint string
	http     *http.Client
	timeout  time.Duration
}

// NewHTTPTransport builds a transport for the given endpoint
// (e.g. "http://127.0.0.1:57292").
func NewHTTPTransport(endpoint string, timeout time.Duration) *HTTPTransport {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPTransport{
		endpoint: strings.TrimRight(endpoint, "/"),
		http:     &http.Client{Timeout: timeout},
		timeout:  timeout,
	}
}

func (t *HTTPTransport) SendNote(ctx context.Context, n note.Note) error {
	body, err := json.Marshal(wireSendReq{Note: wireNote{Header: n.Header, Details: n.Details}})
	if err != nil {
		return fmt.Errorf("%w: %v", relay.ErrInternal, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		t.endpoint+"/v1/notes", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", relay.ErrInternal, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", relay.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	return statusToErr(resp)
}

func (t *HTTPTransport) FetchNotes(ctx context.Context, tags []note.Tag, cursor uint64) (Batch, error) {
	q := url.Values{}
	for _, tag := range tags {
		q.Add("tag", strconv.FormatUint(uint64(tag), 10))
	}
	if cursor > 0 {
		q.Set("cursor", strconv.FormatUint(cursor, 10))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		t.endpoint+"/v1/notes?"+q.Encode(), nil)
	if err != nil {
		return Batch{}, fmt.Errorf("%w: %v", relay.ErrInternal, err)
	}

	resp, err := t.http.Do(req)
	if err != nil {
		return Batch{}, fmt.Errorf("%w: %v", relay.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if err := statusToErr(resp); err != nil {
		return Batch{}, err
	}

	var wb wireBatch
	if err := json.NewDecoder(resp.Body).Decode(&wb); err != nil {
		return Batch{}, fmt.Errorf("%w: decode response: %v", relay.ErrInternal, err)
	}
	return fromWireBatch(wb)
}

func (t *HTTPTransport) StreamNotes(ctx context.Context, tag note.Tag, cursor uint64) (Stream, error) {
	wsURL := strings.Replace(t.endpoint, "http", "ws", 1)
	q := url.Values{}
	q.Add("tag", strconv.FormatUint(uint64(tag), 10))
	if cursor > 0 {
		q.Set("cursor", strconv.FormatUint(cursor, 10))
	}

	dialer := websocket.Dialer{HandshakeTimeout: t.timeout}
	conn, resp, err := dialer.DialContext(ctx, wsURL+"/v1/notes/stream?"+q.Encode(), nil)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return nil, statusToErr(resp)
		}
		return nil, fmt.Errorf("%w: %v", relay.ErrUnavailable, err)
	}
	return &wsStream{conn: conn}, nil
}

type wsStream struct {
	conn *websocket.Conn
}

func (s *wsStream) Recv(ctx context.Context) (Batch, error) {
	if deadline, ok := ctx.Deadline(); ok {
		s.conn.SetReadDeadline(deadline)
	} else {
		s.conn.SetReadDeadline(time.Time{})
	}

	var wb wireBatch
	if err := s.conn.ReadJSON(&wb); err != nil {
		return Batch{}, fmt.Errorf("%w: %v", relay.ErrUnavailable, err)
	}
	return fromWireBatch(wb)
}

func (s *wsStream) Close() error { return s.conn.Close() }

// fromWireBatch re-derives id and tag from each header so the dedup layer
// can work without trusting extra fields.
func fromWireBatch(wb wireBatch) (Batch, error) {
	out := Batch{Cursor: wb.Cursor, Notes: make([]note.StoredNote, 0, len(wb.Notes))}
	for _, wn := range wb.Notes {
		id, tag, err := note.ParseHeader(wn.Header)
		if err != nil {
			return Batch{}, fmt.Errorf("%w: %v", relay.ErrInternal, err)
		}
		out.Notes = append(out.Notes, note.StoredNote{
			ID:        id,
			Tag:       tag,
			Header:    wn.Header,
			Details:   wn.Details,
			CreatedAt: note.TimeFromCursor(wn.Cursor),
		})
	}
	return out, nil
}

// statusToErr converts HTTP status codes back into service error kinds.
func statusToErr(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}

	msg := resp.Status
	var we wireError
	if body, err := io.ReadAll(io.LimitReader(resp.Body, 4096)); err == nil {
		if json.Unmarshal(body, &we) == nil && we.Error != "" {
			msg = we.Error
		}
	}

	var kind error
	switch resp.StatusCode {
	case http.StatusBadRequest:
		kind = relay.ErrInvalidRequest
	case http.StatusRequestEntityTooLarge:
		kind = relay.ErrTooLarge
	case http.StatusNotFound:
		kind = relay.ErrNotFound
	case http.StatusConflict:
		kind = relay.ErrDuplicate
	case http.StatusServiceUnavailable:
		kind = relay.ErrUnavailable
	default:
		kind = relay.ErrInternal
	}
	return fmt.Errorf("%w: %s", kind, msg)
}
