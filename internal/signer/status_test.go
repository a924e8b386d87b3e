package signer

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

func TestHTTPStatusRequester(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /metrics", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("stacks_signer_current_reward_cycle 12\n"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	r := NewHTTPStatusRequester(srv.Client())
	endpoint := strings.TrimPrefix(srv.URL, "http://")
	if err := r.RequestStatus(context.Background(), endpoint); err != nil {
		t.Fatalf("RequestStatus: %v", err)
	}
	if got := hits.Load(); got != 1 {
		t.Fatalf("hits: got %d want 1", got)
	}
	text, err := r.FetchMetrics(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("FetchMetrics: %v", err)
	}
	if !strings.Contains(text, "current_reward_cycle 12") {
		t.Fatalf("metrics: got %q", text)
	}
}

func TestHTTPStatusRequester_Non2xxFails(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "booting", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	err := NewHTTPStatusRequester(srv.Client()).RequestStatus(context.Background(), srv.URL)
	if !errors.Is(err, ErrStatusRequest) || !strings.Contains(err.Error(), "503") {
		t.Fatalf("expected 503 status error, got %v", err)
	}
}
