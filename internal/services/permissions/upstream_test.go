package permissions

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestHTTPClient_Get(t *testing.T) {
	var gotHeaders http.Header
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		gotPath = r.URL.EscapedPath()
		w.Header().Set("X-Trace", "t1")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"userPermissions":{}}`))
	}))
	defer srv.Close()

	client := NewHTTPClient(HTTPClientConfig{Timeout: 5 * time.Second})
	resp, err := client.Get(context.Background(), srv.URL+"/user/permissions/alice/prod/Order", http.Header{
		"Authorization": {"Bearer abc"},
		"X-Multi":       {"a", "b"},
	})
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if resp.Header.Get("X-Trace") != "t1" {
		t.Errorf("missing response header, got %v", resp.Header)
	}
	if string(resp.Body) != `{"userPermissions":{}}` {
		t.Errorf("body = %s", resp.Body)
	}
	if gotPath != "/user/permissions/alice/prod/Order" {
		t.Errorf("path = %s", gotPath)
	}
	if gotHeaders.Get("Authorization") != "Bearer abc" {
		t.Errorf("authorization header not forwarded: %v", gotHeaders)
	}
	if v := gotHeaders.Values("X-Multi"); len(v) != 2 || v[0] != "a" || v[1] != "b" {
		t.Errorf("multi-value header not forwarded: %v", v)
	}
}

func TestHTTPClient_NonOKIsNotAnError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := NewHTTPClient(HTTPClientConfig{})
	resp, err := client.Get(context.Background(), srv.URL, nil)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
	if calls.Load() != 1 {
		t.Errorf("expected no retries by default, got %d calls", calls.Load())
	}
}

func TestHTTPClient_RetriesWhenConfigured(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewHTTPClient(HTTPClientConfig{
		RetryMax:     2,
		RetryWaitMin: time.Millisecond,
		RetryWaitMax: 5 * time.Millisecond,
	})
	resp, err := client.Get(context.Background(), srv.URL, nil)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if calls.Load() != 2 {
		t.Errorf("expected 2 calls, got %d", calls.Load())
	}
}

func TestHTTPClient_HonoursContext(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	client := NewHTTPClient(HTTPClientConfig{})
	if _, err := client.Get(ctx, srv.URL, nil); err == nil {
		t.Fatal("expected an error once the context deadline passes")
	}
}
