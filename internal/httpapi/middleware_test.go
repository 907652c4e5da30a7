package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"corpusguard.org/internal/obs"
)

func TestRequestIDReuseAndCap(t *testing.T) {
	cases := []struct {
		name   string
		header string
		reuse  bool
	}{
		{"client id reused", "req-abc-123", true},
		{"surrounding space trimmed", "  req-trim  ", true},
		{"missing id minted", "", false},
		{"oversized id replaced", strings.Repeat("x", 129), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var seen string
			handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = RequestIDFromContext(r.Context())
			}))
			req := httptest.NewRequest(http.MethodGet, "/v1/info", nil)
			if tc.header != "" {
				req.Header.Set(requestIDHeader, tc.header)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if seen == "" {
				t.Fatal("expected request id in context")
			}
			if got := rr.Header().Get(requestIDHeader); got != seen {
				t.Fatalf("response header %q does not match context %q", got, seen)
			}
			if tc.reuse && seen != strings.TrimSpace(tc.header) {
				t.Fatalf("expected client id %q, got %q", tc.header, seen)
			}
			if !tc.reuse && (seen == tc.header || len(seen) > 128) {
				t.Fatalf("expected a minted id, got %q", seen)
			}
		})
	}
}

func TestStatusWriterKeepsFirstStatus(t *testing.T) {
	rr := httptest.NewRecorder()
	sw := &statusWriter{ResponseWriter: rr, code: http.StatusOK}
	if sw.written {
		t.Fatal("fresh writer must not be marked written")
	}
	sw.WriteHeader(http.StatusForbidden)
	sw.WriteHeader(http.StatusInternalServerError)
	_, _ = sw.Write([]byte("denied"))
	if sw.code != http.StatusForbidden || !sw.written {
		t.Fatalf("expected first status 403 to stick, got %d written=%v", sw.code, sw.written)
	}

	implicit := &statusWriter{ResponseWriter: httptest.NewRecorder(), code: http.StatusTeapot}
	_, _ = implicit.Write([]byte("ok"))
	if implicit.code != http.StatusOK {
		t.Fatalf("body write without header must record 200, got %d", implicit.code)
	}
}

func TestRateLimitPerClient(t *testing.T) {
	handler := RequestID(RateLimit(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}), 1, 1))

	call := func(addr string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/v1/auth/me", nil)
		req.RemoteAddr = addr
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req.Clone(context.Background()))
		return rr
	}

	if rr := call("10.0.0.1:1234"); rr.Code != http.StatusNoContent {
		t.Fatalf("expected first call to pass, got %d", rr.Code)
	}
	limited := call("10.0.0.1:4321")
	if limited.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", limited.Code)
	}
	if limited.Header().Get("Retry-After") != "1" {
		t.Fatalf("expected Retry-After 1, got %q", limited.Header().Get("Retry-After"))
	}
	var body map[string]any
	if err := json.Unmarshal(limited.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode rate limit body: %v", err)
	}
	if body["error"] != "rate limit exceeded" || body["request_id"] == "" {
		t.Fatalf("unexpected body %v", body)
	}
	if rr := call("10.0.0.2:1234"); rr.Code != http.StatusNoContent {
		t.Fatalf("another client must have its own bucket, got %d", rr.Code)
	}
}

func TestLoggingJSONRecordsOutcome(t *testing.T) {
	logger := obs.Logger()
	origWriter := logger.Writer()
	logger.SetFlags(0)

	var buf bytes.Buffer
	logger.SetOutput(&buf)
	defer logger.SetOutput(origWriter)

	handler := RequestID(LoggingJSON(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		forbidden(w, r)
	})))

	req := httptest.NewRequest(http.MethodGet, "/v1/console/audit", nil)
	req.Header.Set(requestIDHeader, "req-log-1")
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("log is not valid JSON: %v", err)
	}
	for _, key := range []string{"ts", "level", "msg", "method", "path", "duration_ms"} {
		if _, ok := entry[key]; !ok {
			t.Fatalf("expected key %q in log entry", key)
		}
	}
	if entry["msg"] != "request_complete" || entry["request_id"] != "req-log-1" {
		t.Fatalf("unexpected entry %v", entry)
	}
	if entry["status"] != float64(http.StatusForbidden) || entry["remote_ip"] != "203.0.113.9" {
		t.Fatalf("unexpected status or origin: %v", entry)
	}
}
