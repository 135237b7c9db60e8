package httpconnector

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHealthReportsBackingServiceStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	c := New("http", srv.URL)
	ok, status := c.Health(context.Background())
	if !ok || status != "ok" {
		t.Fatalf("expected healthy status 'ok', got ok=%v status=%q", ok, status)
	}
}

func TestOutboundCallsAreThrottledAfterBurst(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	c := New("http", srv.URL)
	for i := 0; i < 20; i++ {
		if _, err := c.do(context.Background(), http.MethodGet, "/health", nil); err != nil {
			t.Fatalf("expected call %d within burst capacity to succeed, got %v", i, err)
		}
	}
	if _, err := c.do(context.Background(), http.MethodGet, "/health", nil); err == nil {
		t.Fatalf("expected the call beyond burst capacity to be throttled")
	}
}
