package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/notewire/noterelay/internal/metrics"
	"github.com/notewire/noterelay/internal/note"
	"github.com/notewire/noterelay/internal/relay"
	"github.com/notewire/noterelay/internal/store"
	"github.com/notewire/noterelay/internal/streamer"
)

type testEnv struct {
	srv   *httptest.Server
	store store.Store
}

func newTestEnv(t *testing.T, maxNoteSize int) *testEnv {
	t.Helper()

	st, err := store.OpenSQLite(context.Background(), store.Config{URL: ":memory:"})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	str := streamer.New(st, m, 5*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		str.Run(ctx)
	}()

	svc := relay.New(st, str, m, relay.Config{MaxNoteSize: maxNoteSize})
	server := &Server{
		Svc:      svc,
		Cfg:      Config{MaxConnections: 64, RequestTimeout: 5 * time.Second},
		Registry: registry,
	}
	ts := httptest.NewServer(server.Routes())

	t.Cleanup(func() {
		ts.Close()
		cancel()
		<-done
		st.Close()
	})
	return &testEnv{srv: ts, store: st}
}

func makeNote(tag note.Tag, seed byte) note.Note {
	var id note.ID
	for i := range id {
		id[i] = seed
	}
	return note.Note{
		Header:  note.EncodeHeader(id, tag, nil),
		Details: []byte{seed, seed},
	}
}

func (e *testEnv) send(t *testing.T, n note.Note) *http.Response {
	t.Helper()
	body, err := json.Marshal(sendNoteReq{Note: &wireNote{Header: n.Header, Details: n.Details}})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(e.srv.URL+"/v1/notes", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /v1/notes: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *testEnv) fetch(t *testing.T, query string) fetchNotesResp {
	t.Helper()
	resp, err := http.Get(e.srv.URL + "/v1/notes?" + query)
	if err != nil {
		t.Fatalf("GET /v1/notes: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("GET /v1/notes: status %d: %s", resp.StatusCode, body)
	}
	var out fetchNotesResp
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return out
}

func TestSendAndFetchRoundTrip(t *testing.T) {
	env := newTestEnv(t, 0)

	sent := makeNote(42, 1)
	if resp := env.send(t, sent); resp.StatusCode != http.StatusOK {
		t.Fatalf("send status = %d", resp.StatusCode)
	}

	got := env.fetch(t, "tag=42")
	if len(got.Notes) != 1 {
		t.Fatalf("got %d notes, want 1", len(got.Notes))
	}
	if !bytes.Equal(got.Notes[0].Header, sent.Header) ||
		!bytes.Equal(got.Notes[0].Details, sent.Details) {
		t.Error("fetched note does not match the sent one")
	}
	if got.Cursor == 0 || got.Cursor != got.Notes[0].Cursor {
		t.Errorf("response cursor %d, note cursor %d", got.Cursor, got.Notes[0].Cursor)
	}

	// Resume from the cursor: nothing new.
	again := env.fetch(t, fmt.Sprintf("tag=42&cursor=%d", got.Cursor))
	if len(again.Notes) != 0 {
		t.Errorf("resume returned %d notes, want 0", len(again.Notes))
	}
}

func TestSendDuplicate(t *testing.T) {
	env := newTestEnv(t, 0)

	n := makeNote(1, 1)
	if resp := env.send(t, n); resp.StatusCode != http.StatusOK {
		t.Fatalf("first send status = %d", resp.StatusCode)
	}
	if resp := env.send(t, n); resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate send status = %d, want 409", resp.StatusCode)
	}
}

func TestSendErrors(t *testing.T) {
	env := newTestEnv(t, 4)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"invalid json", "{", http.StatusBadRequest},
		{"missing note", "{}", http.StatusBadRequest},
		{"short header", `{"note":{"header":"AAEC","details":""}}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(env.srv.URL+"/v1/notes", "application/json",
				strings.NewReader(tt.body))
			if err != nil {
				t.Fatalf("POST: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}

	oversized := makeNote(1, 9)
	oversized.Details = []byte("12345")
	if resp := env.send(t, oversized); resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Errorf("oversized send status = %d, want 413", resp.StatusCode)
	}
}

func TestFetchBadQuery(t *testing.T) {
	env := newTestEnv(t, 0)

	for _, q := range []string{"tag=notanumber", "tag=1&cursor=xyz", "tag=-1"} {
		resp, err := http.Get(env.srv.URL + "/v1/notes?" + q)
		if err != nil {
			t.Fatalf("GET: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("query %q: status = %d, want 400", q, resp.StatusCode)
		}
	}
}

func TestFetchMultiTagInterleaving(t *testing.T) {
	env := newTestEnv(t, 0)
	ctx := context.Background()

	// Backdated inserts with interleaved tags.
	base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	for i, tag := range []note.Tag{1, 2, 1, 2} {
		n := makeNote(tag, byte(i+1))
		id, _, _ := note.ParseHeader(n.Header)
		stored := &note.StoredNote{
			ID: id, Tag: tag, Header: n.Header, Details: n.Details,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := env.store.Insert(ctx, stored); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	got := env.fetch(t, "tag=1&tag=2")
	if len(got.Notes) != 4 {
		t.Fatalf("got %d notes, want 4", len(got.Notes))
	}
	for i := 1; i < len(got.Notes); i++ {
		if got.Notes[i].Cursor < got.Notes[i-1].Cursor {
			t.Fatalf("merged notes out of global order at %d", i)
		}
	}
}

func TestStats(t *testing.T) {
	env := newTestEnv(t, 0)

	env.send(t, makeNote(1, 1))
	env.send(t, makeNote(2, 2))

	resp, err := http.Get(env.srv.URL + "/v1/stats")
	if err != nil {
		t.Fatalf("GET /v1/stats: %v", err)
	}
	defer resp.Body.Close()

	var st statsResp
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.TotalNotes != 2 || st.TotalTags != 2 {
		t.Errorf("stats = %+v, want 2 notes over 2 tags", st)
	}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, 0)

	resp, err := http.Get(env.srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, 0)

	env.send(t, makeNote(1, 1))

	resp, err := http.Get(env.srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "noterelay_requests_total") {
		t.Error("metrics output missing relay counters")
	}
}

func TestCorrelationIDHeader(t *testing.T) {
	env := newTestEnv(t, 0)

	req, _ := http.NewRequest(http.MethodGet, env.srv.URL+"/v1/stats", nil)
	req.Header.Set("X-Correlation-ID", "abc-123")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("X-Correlation-ID"); got != "abc-123" {
		t.Errorf("correlation id = %q, want echoed back", got)
	}

	resp2, err := http.Get(env.srv.URL + "/v1/stats")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp2.Body.Close()
	if resp2.Header.Get("X-Correlation-ID") == "" {
		t.Error("no correlation id generated")
	}
}

func TestStreamEndToEnd(t *testing.T) {
	env := newTestEnv(t, 0)

	wsURL := strings.Replace(env.srv.URL, "http", "ws", 1) + "/v1/notes/stream?tag=77"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	// Give the subscription a moment to register, then publish.
	time.Sleep(50 * time.Millisecond)
	sent := makeNote(77, 5)
	if r := env.send(t, sent); r.StatusCode != http.StatusOK {
		t.Fatalf("send status = %d", r.StatusCode)
	}

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var frame fetchNotesResp
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if len(frame.Notes) != 1 || !bytes.Equal(frame.Notes[0].Details, sent.Details) {
		t.Fatalf("frame = %+v, want the published note", frame)
	}
	if frame.Cursor == 0 {
		t.Error("frame cursor is zero")
	}
}

func TestStreamRequiresExactlyOneTag(t *testing.T) {
	env := newTestEnv(t, 0)

	for _, q := range []string{"", "tag=1&tag=2", "tag=bogus"} {
		resp, err := http.Get(env.srv.URL + "/v1/notes/stream?" + q)
		if err != nil {
			t.Fatalf("GET: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("query %q: status = %d, want 400", q, resp.StatusCode)
		}
	}
}

func TestConcurrencyLimit(t *testing.T) {
	release := make(chan struct{})
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	})
	h := ConcurrencyLimit(1, 50*time.Millisecond)(inner)
	ts := httptest.NewServer(h)
	defer ts.Close()
	defer close(release)

	first := make(chan error, 1)
	go func() {
		resp, err := http.Get(ts.URL)
		if resp != nil {
			resp.Body.Close()
		}
		first <- err
	}()

	// Let the first request take the only slot.
	time.Sleep(20 * time.Millisecond)

	resp, err := http.Get(ts.URL)
	if err != nil {
		t.Fatalf("second GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("second request status = %d, want 503", resp.StatusCode)
	}

	release <- struct{}{}
	if err := <-first; err != nil {
		t.Fatalf("first GET: %v", err)
	}
}
