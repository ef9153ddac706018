package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRateLimitByClientIPBlocksAfterBurst(t *testing.T) {
	handler := RateLimitByClientIP(3, time.Minute)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	send := func(addr string) int {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/products", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	for i := 0; i < 3; i++ {
		if code := send("10.0.0.1:9999"); code != http.StatusNoContent {
			t.Fatalf("request %d: status = %d, want 204", i+1, code)
		}
	}
	if code := send("10.0.0.1:9999"); code != http.StatusTooManyRequests {
		t.Fatalf("burst exceeded: status = %d, want 429", code)
	}

	// A different client address gets its own bucket.
	if code := send("10.0.0.2:9999"); code != http.StatusNoContent {
		t.Fatalf("second client: status = %d, want 204", code)
	}
}

func TestRateLimitByClientIPDisabledForNonPositiveLimit(t *testing.T) {
	handler := RateLimitByClientIP(0, time.Minute)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	for i := 0; i < 10; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/products", nil)
		req.RemoteAddr = "10.0.0.1:9999"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusNoContent {
			t.Fatalf("request %d: status = %d, want 204", i+1, rec.Code)
		}
	}
}

func TestClientLimitersRefillOverTime(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	limiters := newClientLimiters(2, time.Minute, func() time.Time { return now })

	if !limiters.allow("198.51.100.7") || !limiters.allow("198.51.100.7") {
		t.Fatal("expected initial burst to be allowed")
	}
	if limiters.allow("198.51.100.7") {
		t.Fatal("expected third request within the window to be rejected")
	}

	now = now.Add(time.Minute)
	if !limiters.allow("198.51.100.7") {
		t.Fatal("expected allowance after the window refilled")
	}
}
