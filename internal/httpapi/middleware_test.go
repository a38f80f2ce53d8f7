package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"hsurvey.org/identity/internal/obs"
)

func TestRateLimitPerClient(t *testing.T) {
	limited := RequestID(RateLimit(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}), 1, 1))

	hit := func(addr string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/auth/login", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		limited.ServeHTTP(rec, req)
		return rec
	}

	if rec := hit("192.0.2.10:5000"); rec.Code != http.StatusNoContent {
		t.Fatalf("first request: got %d", rec.Code)
	}
	rec := hit("192.0.2.10:5001")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: expected 429, got %d", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "1" {
		t.Fatalf("Retry-After = %q, want 1", got)
	}
	var payload struct {
		Error     string `json:"error"`
		RequestID string `json:"request_id"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&payload); err != nil {
		t.Fatalf("decode 429 body: %v", err)
	}
	if payload.Error == "" || payload.RequestID != rec.Header().Get(requestIDHeader) {
		t.Fatalf("unexpected 429 body: %+v", payload)
	}

	if rec := hit("[2001:db8::1]:5000"); rec.Code != http.StatusNoContent {
		t.Fatalf("other client shares a bucket: got %d", rec.Code)
	}
}

func TestLoggingJSONRecordsCompletion(t *testing.T) {
	var buf bytes.Buffer
	prev := obs.SetLogger(obs.NewLogger(&buf, "info"))
	defer obs.SetLogger(prev)

	logged := RequestID(LoggingJSON(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{}`))
	})))

	req := httptest.NewRequest(http.MethodPut, "/api/organizations/x/roles", nil)
	req.Header.Set("User-Agent", "identity-test")
	rec := httptest.NewRecorder()
	logged.ServeHTTP(rec, req)

	var entry struct {
		Msg        string `json:"msg"`
		Level      string `json:"level"`
		RequestID  string `json:"request_id"`
		Method     string `json:"method"`
		Path       string `json:"path"`
		Status     int    `json:"status"`
		Bytes      int    `json:"bytes"`
		DurationMS *int64 `json:"duration_ms"`
		UserAgent  string `json:"user_agent"`
	}
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("log line %q is not JSON: %v", buf.String(), err)
	}
	if entry.Msg != "request_complete" || entry.Level != "INFO" {
		t.Fatalf("unexpected record: %+v", entry)
	}
	if entry.Method != http.MethodPut || entry.Path != "/api/organizations/x/roles" || entry.UserAgent != "identity-test" {
		t.Fatalf("request fields not recorded: %+v", entry)
	}
	if entry.Status != http.StatusAccepted || entry.Bytes != 2 || entry.DurationMS == nil {
		t.Fatalf("response fields not recorded: %+v", entry)
	}
	if entry.RequestID == "" || entry.RequestID != rec.Header().Get(requestIDHeader) {
		t.Fatalf("request id %q does not match header %q", entry.RequestID, rec.Header().Get(requestIDHeader))
	}
}

func TestRequestIDReusesSaneInbound(t *testing.T) {
	var seen string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	cases := []struct {
		inbound string
		reuse   bool
	}{
		{"abc-123", true},
		{"", false},
		{"has space", false},
		{strings.Repeat("x", 65), false},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if tc.inbound != "" {
			req.Header.Set(requestIDHeader, tc.inbound)
		}
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if seen == "" || rr.Header().Get(requestIDHeader) != seen {
			t.Fatalf("inbound %q: header %q, context %q", tc.inbound, rr.Header().Get(requestIDHeader), seen)
		}
		if (seen == tc.inbound) != tc.reuse {
			t.Fatalf("inbound %q: reuse=%v, got %q", tc.inbound, tc.reuse, seen)
		}
	}
}

func TestMaxBodyBytesRejectsLargeBody(t *testing.T) {
	handler := RequestID(MaxBodyBytes(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var v map[string]any
		if err := decodeJSON(r, &v); err != nil {
			respondErr(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}), 16))

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"`+strings.Repeat("a", 64)+`"}`))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"a":1}`))
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
}

func TestSecurityHeaders(t *testing.T) {
	handler := SecurityHeaders(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("missing nosniff header")
	}
}
