package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rcfr-io/ticketd/internal/audit"
	"github.com/rcfr-io/ticketd/internal/logbuf"
)

type mockService struct {
	tickets    []OpenTicket
	events     []audit.Event
	lastFilter audit.Filter
	listErr    error
}

func (m *mockService) OpenTickets() []OpenTicket { return m.tickets }

func (m *mockService) ListEvents(filter audit.Filter) ([]audit.Event, error) {
	m.lastFilter = filter
	if m.listErr != nil {
		return nil, m.listErr
	}
	return m.events, nil
}

func (m *mockService) CountEvents(filter audit.Filter) (int, error) {
	return len(m.events), nil
}

func newTestServer(t *testing.T, svc Service, key string) *Server {
	t.Helper()
	buf := logbuf.New(16)
	inner := slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{Level: slog.LevelError})
	logger := slog.New(logbuf.NewHandler(inner, buf))
	logger.Info("hello")
	return NewServer(svc, Config{Host: "127.0.0.1", Port: 0, Key: key}, logger, buf)
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func doReq(t *testing.T, srv *Server, method, path, key string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthNoAuth(t *testing.T) {
	srv := newTestServer(t, &mockService{}, "secret")

	rec := doReq(t, srv, http.MethodGet, "/api/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("health status = %d, want %d", rec.Code, http.StatusOK)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %q, want ok", body["status"])
	}
}

func TestAuthRequired(t *testing.T) {
	srv := newTestServer(t, &mockService{}, "secret")

	rec := doReq(t, srv, http.MethodGet, "/api/tickets", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}

	rec = doReq(t, srv, http.MethodGet, "/api/tickets", "wrong")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}

	rec = doReq(t, srv, http.MethodGet, "/api/tickets", "secret")
	if rec.Code != http.StatusOK {
		t.Fatalf("good token status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestAuthDisabledWithoutKey(t *testing.T) {
	srv := newTestServer(t, &mockService{}, "")

	rec := doReq(t, srv, http.MethodGet, "/api/tickets", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestListTickets(t *testing.T) {
	svc := &mockService{tickets: []OpenTicket{
		{OwnerID: "user-1", ChannelID: "chan-1"},
		{OwnerID: "user-2", ChannelID: "chan-2"},
	}}
	srv := newTestServer(t, svc, "")

	rec := doReq(t, srv, http.MethodGet, "/api/tickets", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var tickets []OpenTicket
	if err := json.NewDecoder(rec.Body).Decode(&tickets); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(tickets) != 2 {
		t.Fatalf("got %d tickets, want 2", len(tickets))
	}
	if tickets[0].OwnerID != "user-1" || tickets[0].ChannelID != "chan-1" {
		t.Errorf("unexpected first ticket: %+v", tickets[0])
	}
}

func TestListTicketsEmptyIsArray(t *testing.T) {
	srv := newTestServer(t, &mockService{}, "")

	rec := doReq(t, srv, http.MethodGet, "/api/tickets", "")
	if got := rec.Body.String(); got != "[]\n" {
		t.Errorf("empty tickets body = %q, want []", got)
	}
}

func TestListEventsFilter(t *testing.T) {
	svc := &mockService{events: []audit.Event{
		{ID: "ev-1", Type: audit.EventClosed, ChannelID: "chan-1"},
	}}
	srv := newTestServer(t, svc, "")

	rec := doReq(t, srv, http.MethodGet, "/api/events?type=Closed&channel=chan-1&limit=5", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if svc.lastFilter.Type != audit.EventClosed {
		t.Errorf("filter type = %q, want Closed", svc.lastFilter.Type)
	}
	if svc.lastFilter.ChannelID != "chan-1" {
		t.Errorf("filter channel = %q, want chan-1", svc.lastFilter.ChannelID)
	}
	if svc.lastFilter.Limit != 5 {
		t.Errorf("filter limit = %d, want 5", svc.lastFilter.Limit)
	}

	var events []audit.Event
	if err := json.NewDecoder(rec.Body).Decode(&events); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(events) != 1 || events[0].ID != "ev-1" {
		t.Errorf("unexpected events: %+v", events)
	}
}

func TestListEventsDefaultLimit(t *testing.T) {
	svc := &mockService{}
	srv := newTestServer(t, svc, "")

	doReq(t, srv, http.MethodGet, "/api/events", "")
	if svc.lastFilter.Limit != 100 {
		t.Errorf("default limit = %d, want 100", svc.lastFilter.Limit)
	}
}

func TestGetLogs(t *testing.T) {
	srv := newTestServer(t, &mockService{}, "")

	rec := doReq(t, srv, http.MethodGet, "/api/logs?level=info", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var entries []logbuf.Entry
	if err := json.NewDecoder(rec.Body).Decode(&entries); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(entries) != 1 || entries[0].Message != "hello" {
		t.Errorf("unexpected log entries: %+v", entries)
	}
}

func TestCORSPreflight(t *testing.T) {
	srv := newTestServer(t, &mockService{}, "secret")

	rec := doReq(t, srv, http.MethodOptions, "/api/tickets", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d, want %d", rec.Code, http.StatusNoContent)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("allow-origin = %q, want *", got)
	}
}
